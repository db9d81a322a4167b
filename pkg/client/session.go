// SPDX-License-Identifier: MIT

// Package client implements the host side of the luatt protocol: it sends
// correlated commands to a device, routes reply lines back to their
// originators, and bridges device-initiated MQTT traffic to a broker.
package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ryanrsrs/luatt/pkg/wire"
)

// ErrClosed is returned by commands issued after the session's read loop
// has terminated.
var ErrClosed = errors.New("session closed")

// NoRetToken marks a command that expects no reply (e.g. msg delivery).
const NoRetToken = "noret"

// DeviceHandler receives device-initiated commands (pub, sub, unsub).
// fields includes the token and command name.
type DeviceHandler func(cmd string, fields [][]byte)

// Session multiplexes one connection to a device. Commands are tagged with
// random correlation tokens; the read loop routes each incoming line to the
// waiting command, the device handler, or the output callback.
type Session struct {
	conn io.ReadWriteCloser
	log  zerolog.Logger

	output func(line string)
	device DeviceHandler

	wmu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	pending map[string]chan [][]byte

	versionCh chan string

	done    chan struct{}
	closeMu sync.Once
	readErr error
}

// Option configures a Session.
type Option func(*Session)

// WithOutput sets the callback for lines not claimed by a pending command:
// scheduler output, script prints, and replies to commands issued by other
// processes. The line excludes the token.
func WithOutput(fn func(line string)) Option {
	return func(s *Session) { s.output = fn }
}

// WithDeviceHandler sets the handler for device-initiated commands.
func WithDeviceHandler(fn DeviceHandler) Option {
	return func(s *Session) { s.device = fn }
}

// WithLogger sets the session logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// NewSession wraps conn. Call Start to begin reading.
func NewSession(conn io.ReadWriteCloser, opts ...Option) *Session {
	s := &Session{
		conn:      conn,
		log:       zerolog.Nop(),
		pending:   make(map[string]chan [][]byte),
		versionCh: make(chan string, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the read loop.
func (s *Session) Start() {
	go s.readLoop()
}

// SetDeviceHandler installs the handler for device-initiated commands.
// Used when the handler (e.g. the MQTT proxy) is constructed after the
// session it needs.
func (s *Session) SetDeviceHandler(fn DeviceHandler) {
	s.mu.Lock()
	s.device = fn
	s.mu.Unlock()
}

// Close shuts the connection down and unblocks all waiters.
func (s *Session) Close() error {
	s.closeMu.Do(func() { close(s.done) })
	return s.conn.Close()
}

// Done is closed when the read loop exits.
func (s *Session) Done() <-chan struct{} { return s.done }

// NewToken returns a random correlation token.
func NewToken() string {
	var b [12]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (s *Session) readLoop() {
	defer s.closeMu.Do(func() { close(s.done) })

	r := wire.NewReader(s.conn)
	for {
		fields, err := r.ReadFrame()
		if err != nil {
			s.readErr = err
			s.log.Debug().Err(err).Msg("session read loop exiting")
			return
		}
		s.route(fields)
	}
}

func (s *Session) route(fields [][]byte) {
	if len(fields) < 2 {
		// Stray log text without a token; surface it as-is.
		if len(fields) == 1 && len(fields[0]) > 0 {
			s.emit(string(fields[0]))
		}
		return
	}
	token := string(fields[0])
	cmd := string(fields[1])

	switch cmd {
	case "pub", "sub", "unsub":
		s.mu.Lock()
		device := s.device
		s.mu.Unlock()
		if device != nil {
			device(cmd, fields)
		} else {
			s.log.Warn().Str("cmd", cmd).Msg("no device handler registered")
		}
		return
	case "version":
		if len(fields) >= 3 {
			select {
			case s.versionCh <- string(fields[2]):
			default:
			}
		}
	}

	s.mu.Lock()
	ch := s.pending[token]
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- fields:
		default:
			// The waiter went away or stopped draining; don't wedge the
			// read loop.
			s.log.Warn().Str("token", token).Msg("dropping reply for stalled waiter")
		}
		return
	}

	s.log.Info().Str("token", token).Bytes("body", joinBody(fields)).Msg("device")
	s.emit(string(joinBody(fields)))
}

func (s *Session) emit(line string) {
	if s.output != nil {
		s.output(line)
	}
}

func joinBody(fields [][]byte) []byte {
	return bytes.Join(fields[1:], []byte{wire.Delimiter})
}

func (s *Session) writeFrame(token string, args ...[]byte) error {
	all := make([][]byte, 0, len(args)+1)
	all = append(all, []byte(token))
	all = append(all, args...)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.conn.Write(wire.EncodeFrame(all...))
	return err
}

// Do sends a command and waits for its terminal ret line. Intermediate
// lines (diagnostics, prints) are forwarded to the output callback. It
// reports whether the device answered ret|ok.
func (s *Session) Do(ctx context.Context, args ...[]byte) (bool, error) {
	token := NewToken()
	ch := make(chan [][]byte, 16)

	s.mu.Lock()
	s.pending[token] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, token)
		s.mu.Unlock()
	}()

	s.log.Debug().Str("token", token).Bytes("cmd", bytes.Join(args, []byte{' '})).Msg("send")
	if err := s.writeFrame(token, args...); err != nil {
		return false, err
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-s.done:
			return false, ErrClosed
		case fields := <-ch:
			body := joinBody(fields)
			s.emit(string(body))
			if len(fields) >= 3 && string(fields[1]) == "ret" {
				return string(fields[2]) == "ok", nil
			}
		}
	}
}

// SendNoRet sends a command the device will not answer, e.g. msg delivery
// from the MQTT proxy.
func (s *Session) SendNoRet(args ...[]byte) error {
	return s.writeFrame(NoRetToken, args...)
}

// WaitVersion blocks until the device emits its connect banner and returns
// the identifier, e.g. "luatt,0.1.0".
func (s *Session) WaitVersion(timeout time.Duration) (string, error) {
	select {
	case id := <-s.versionCh:
		return id, nil
	case <-s.done:
		return "", ErrClosed
	case <-time.After(timeout):
		return "", fmt.Errorf("no version line within %s", timeout)
	}
}

// SyncClock anchors the device clock to host wall time.
func (s *Session) SyncClock() error {
	now := time.Now()
	expr := fmt.Sprintf("Luatt.time.set_unix(%d,%d)", now.Unix(), now.UnixMilli()%1000)
	return s.SendNoRet([]byte("eval"), []byte(expr))
}

// Reset discards the device's interpreter state.
func (s *Session) Reset(ctx context.Context) error {
	return s.expectOK(ctx, []byte("reset"))
}

// Eval runs a chunk on the device.
func (s *Session) Eval(ctx context.Context, code string) error {
	return s.expectOK(ctx, []byte("eval"), []byte(code))
}

// Load runs a named module on the device and registers its result.
func (s *Session) Load(ctx context.Context, name string, src []byte) error {
	return s.expectOK(ctx, []byte("load"), []byte(name), src)
}

// Compile compiles a named chunk on the device; the hex dump arrives via
// the output callback.
func (s *Session) Compile(ctx context.Context, name string, src []byte) error {
	return s.expectOK(ctx, []byte("compile"), []byte(name), src)
}

func (s *Session) expectOK(ctx context.Context, args ...[]byte) error {
	ok, err := s.Do(ctx, args...)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: device reported failure", args[0])
	}
	return nil
}
