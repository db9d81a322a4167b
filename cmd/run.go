// SPDX-License-Identifier: MIT

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ryanrsrs/luatt/pkg/client"
)

var (
	runReset  bool
	runMQTT   string
	runExit   bool
	versionTO = 10 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run [flags] [file.lua | name=file.lua | Loader.cmd | archive.luaz | eval:expr]...",
	Short: "Load Lua modules onto the device and stay attached",
	Long: `Connect to the device, load the given Lua sources, and stay attached,
logging device output (and proxying MQTT traffic with --mqtt) until
interrupted.

Arguments are processed in order:
  file.lua        load and run, registered under the file's base name
  name=file.lua   load and run under an explicit module name
  Loader.cmd      text file listing .lua files to load, in order
  archive.luaz    zip archive containing a Loader.cmd and its .lua files
  eval:expr       evaluate a Lua expression

With --reset the device interpreter is recreated before anything loads.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVarP(&runReset, "reset", "r", false, "Reset the device interpreter first")
	runCmd.Flags().StringVar(&runMQTT, "mqtt", "", "MQTT broker (host[:port]) to proxy for device scripts")
	runCmd.Flags().BoolVar(&runExit, "exit", false, "Exit after loading instead of staying attached")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := openConnection()
	if err != nil {
		return err
	}

	session := client.NewSession(conn,
		client.WithOutput(func(line string) { fmt.Println(line) }),
		client.WithLogger(log.Logger),
	)
	session.Start()
	defer session.Close()

	log.Info().Str("conn", connInfo).Msg("connected")

	id, err := session.WaitVersion(versionTO)
	if err != nil {
		return err
	}
	log.Info().Str("device", id).Msg("handshake complete")

	if err := session.SyncClock(); err != nil {
		return err
	}

	if runMQTT == "" {
		runMQTT = cfg.MQTT
	}
	if runMQTT != "" {
		proxy, err := client.NewMQTTProxy(session, runMQTT, log.Logger)
		if err != nil {
			return err
		}
		defer proxy.Close()
		session.SetDeviceHandler(proxy.HandleDeviceCommand)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if runReset {
		if err := session.Reset(ctx); err != nil {
			return err
		}
	}

	for _, arg := range args {
		if code, ok := strings.CutPrefix(arg, "eval:"); ok {
			if err := session.Eval(ctx, code); err != nil {
				return err
			}
			continue
		}
		if err := session.LoadArg(ctx, arg, false); err != nil {
			return err
		}
	}

	if runExit {
		return nil
	}

	// Stay attached: device output keeps flowing to stdout (and the MQTT
	// proxy keeps running) until interrupt or disconnect.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info().Msg("interrupted")
	case <-session.Done():
		log.Info().Msg("connection closed")
	}
	return nil
}
