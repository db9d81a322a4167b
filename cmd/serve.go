// SPDX-License-Identifier: MIT

package cmd

import (
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ryanrsrs/luatt/pkg/loader"
	"github.com/ryanrsrs/luatt/pkg/luaengine"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loader and Lua interpreter locally (device role)",
	Long: `Run the luatt loader and a Lua interpreter in this process, speaking the
device side of the protocol. Useful for developing Lua modules and host
tooling without hardware.

By default the protocol runs over stdin/stdout. With --listen, a TCP
listener accepts one connection at a time; interpreter state persists
across reconnects, like a device surviving a USB replug.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "TCP listen address (default: stdio)")
	rootCmd.AddCommand(serveCmd)
}

// switchWriter lets the responder outlive individual connections: writes go
// to the current connection, or nowhere between connections.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (sw *switchWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.w == nil {
		return len(p), nil
	}
	return sw.w.Write(p)
}

func (sw *switchWriter) Set(w io.Writer) {
	sw.mu.Lock()
	sw.w = w
	sw.mu.Unlock()
}

// streamTransport adapts an io.Reader to the loader's non-blocking
// Transport: a goroutine pulls bytes into a channel, ReadByte drains it
// without blocking.
type streamTransport struct {
	ch  chan byte
	eof atomic.Bool
}

func newStreamTransport(r io.Reader) *streamTransport {
	t := &streamTransport{ch: make(chan byte, 4096)}
	go func() {
		buf := make([]byte, 512)
		for {
			n, err := r.Read(buf)
			for _, b := range buf[:n] {
				t.ch <- b
			}
			if err != nil {
				t.eof.Store(true)
				return
			}
		}
	}()
	return t
}

func (t *streamTransport) Connected() bool {
	return !t.eof.Load() || len(t.ch) > 0
}

// Alive reports whether the transport can still yield bytes.
func (t *streamTransport) Alive() bool {
	return t.Connected()
}

func (t *streamTransport) ReadByte() (byte, bool) {
	select {
	case b := <-t.ch:
		return b, true
	default:
		return 0, false
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	out := &switchWriter{}
	resp := loader.NewResponder(out)
	eng := luaengine.New(resp)
	defer eng.Close()
	ld := loader.New(eng, resp)

	if serveListen == "" {
		out.Set(os.Stdout)
		servePump(ld, eng, newStreamTransport(os.Stdin))
		return nil
	}

	ln, err := net.Listen("tcp", serveListen)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info().Str("addr", serveListen).Msg("listening")

	// One logical connection at a time; interpreter state persists across
	// reconnects.
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		log.Info().Str("peer", conn.RemoteAddr().String()).Msg("connected")
		out.Set(conn)
		servePump(ld, eng, newStreamTransport(conn))
		out.Set(nil)
		conn.Close()
		log.Info().Msg("disconnected")
	}
}

// servePump is the device main loop: drain bytes into the loader, run the
// script scheduler, sleep as little as the two allow. Returns when the
// transport dies, after recording the disconnect transition.
func servePump(ld *loader.Loader, eng *luaengine.Engine, tr *streamTransport) {
	for {
		idle := ld.Pump(tr)
		if !tr.Alive() {
			ld.Pump(tr)
			return
		}
		if idle == 0 {
			continue
		}
		if s := eng.RunScheduler(0); s < idle {
			idle = s
		}
		time.Sleep(idle)
	}
}
