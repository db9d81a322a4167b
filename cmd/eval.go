// SPDX-License-Identifier: MIT

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ryanrsrs/luatt/pkg/client"
)

var evalCmd = &cobra.Command{
	Use:   "eval <lua-code>...",
	Short: "Evaluate Lua code on the device and exit",
	Long: `Evaluate the given Lua code on the device. Multiple arguments are joined
with spaces into one chunk. Results and print output are written to stdout.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEval,
}

func init() {
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	session, err := connectSession()
	if err != nil {
		return err
	}
	defer session.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return session.Eval(ctx, strings.Join(args, " "))
}

// connectSession opens the configured connection, starts a session with
// stdout output, and completes the version handshake. Shared by the
// one-shot commands.
func connectSession() (*client.Session, error) {
	conn, connInfo, err := openConnection()
	if err != nil {
		return nil, err
	}

	session := client.NewSession(conn,
		client.WithOutput(func(line string) { fmt.Println(line) }),
		client.WithLogger(log.Logger),
	)
	session.Start()

	log.Debug().Str("conn", connInfo).Msg("connected")
	if _, err := session.WaitVersion(versionTO); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}
