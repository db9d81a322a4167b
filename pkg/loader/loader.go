// SPDX-License-Identifier: MIT

// Package loader implements the device side of the luatt control protocol:
// an incremental parser that assembles pipe-delimited command frames (with
// optional length-prefixed raw blocks) one byte at a time, and a dispatcher
// that drives the attached scripting engine.
package loader

import "time"

// Version identifies the loader on the connect banner.
const Version = "luatt,0.1.0"

// Engine is the scripting engine the dispatcher drives. Implementations own
// the interpreter state; the loader only ever calls through this interface.
type Engine interface {
	// Reset discards the interpreter and recreates it from scratch.
	Reset() error
	// Eval compiles and runs a chunk, forwarding any results to the
	// script's print facility.
	Eval(chunk []byte) error
	// Load compiles and runs a named module, registering a non-nil result
	// in the module registry under name.
	Load(name string, src []byte) error
	// Compile compiles a named chunk without running it and returns its
	// serialized compiled form.
	Compile(name string, src []byte) ([]byte, error)
	// Message delivers an application message. It is a no-op when no
	// handler is registered.
	Message(topic, payload []byte)
}

// Transport is the byte source the connection pump drains. ReadByte must
// not block: it reports false when no byte is available.
type Transport interface {
	Connected() bool
	ReadByte() (byte, bool)
}

const (
	// DefaultIdle is the poll interval recommended when the pump did no
	// work this call.
	DefaultIdle = 50 * time.Millisecond

	// settleDelay is how long the pump waits after a connect transition
	// before resetting state and emitting the banner.
	settleDelay = 10 * time.Millisecond
)

// Loader owns the frame buffer and parse state for one logical connection.
// It is single-threaded: Feed and Pump must be called from one goroutine.
type Loader struct {
	buf  *Buffer
	args []Field
	raw  []rawSpec

	// Raw-consumption progress: the spec being serviced and how many of
	// its bytes have arrived.
	rawIdx  int
	rawRead int

	eng Engine
	out *Responder

	connected bool
	settle    time.Duration
}

// New creates a loader with a growable buffer capped at DefaultBufferMax.
func New(eng Engine, out *Responder) *Loader {
	return NewWithBuffer(eng, out, NewBuffer(0))
}

// NewWithBuffer creates a loader using a caller-configured buffer, e.g. a
// fixed region from NewFixedBuffer.
func NewWithBuffer(eng Engine, out *Responder, buf *Buffer) *Loader {
	l := &Loader{
		buf:    buf,
		args:   make([]Field, 0, MaxFields),
		raw:    make([]rawSpec, 0, MaxFields),
		eng:    eng,
		out:    out,
		settle: settleDelay,
	}
	l.ResetInput()
	return l
}

// ResetInput clears the buffer and all frame state. Called after dispatch,
// after malformed-input recovery, and on reconnect.
func (l *Loader) ResetInput() {
	l.buf.Reset()
	l.args = l.args[:0]
	l.raw = l.raw[:0]
	l.rawIdx = 0
	l.rawRead = 0
}

// arg returns the content of field i.
func (l *Loader) arg(i int) []byte {
	f := l.args[i]
	return l.buf.Bytes()[f.Off : f.Off+f.Len]
}

// Feed consumes one byte from the transport.
//
// While the buffer is in overflow, everything except a line terminator is
// discarded; the terminator performs a full reset, resynchronizing on the
// next line boundary. Otherwise the byte accumulates and, depending on the
// mode, either completes the command line (terminator seen, line parsed,
// command dispatched or raw consumption begun) or feeds the raw block
// currently being serviced.
func (l *Loader) Feed(ch byte) {
	if l.buf.Overflow() {
		if ch == Terminator {
			l.ResetInput()
		}
		return
	}

	if !l.buf.Add(ch) {
		l.out.Errorf("feed", "input buffer overflow")
		return
	}

	if len(l.raw) == 0 {
		l.feedLine(ch)
	} else {
		l.feedRaw(ch)
	}
}

// feedLine handles line-accumulation mode.
func (l *Loader) feedLine(ch byte) {
	if ch != Terminator {
		return
	}
	l.buf.chop()
	if err := l.parseLine(); err != nil {
		l.out.Errorf("parse", "%s", err)
		l.ResetInput()
		return
	}
	if len(l.args) > 0 && len(l.raw) == 0 {
		l.runCommand()
		l.ResetInput()
	}
	// Otherwise raw blocks are pending; stay in raw-consumption mode.
}

// feedRaw handles raw-consumption mode. The byte has already been appended
// to the buffer, untouched, regardless of its value.
func (l *Loader) feedRaw(ch byte) {
	spec := &l.raw[l.rawIdx]
	l.rawRead++
	if l.rawRead != spec.size+1 {
		return
	}

	// The byte after the declared payload must be the terminator.
	if ch != Terminator {
		l.out.Errorf("raw", "expected newline after raw block")
		l.buf.setOverflow()
		return
	}
	l.buf.chop()

	// Rebind the declaring field to the payload bytes just received.
	l.args[spec.arg] = Field{Off: l.buf.Len() - spec.size, Len: spec.size}
	l.rawRead = 0

	l.rawIdx++
	if l.rawIdx == len(l.raw) {
		l.runCommand()
		l.ResetInput()
	}
}

// runCommand dispatches a fully assembled frame. Field 0 is the correlation
// token, field 1 the command name.
func (l *Loader) runCommand() {
	if len(l.args) < 2 {
		return
	}
	l.out.SetToken(string(l.arg(0)))

	switch cmd := string(l.arg(1)); cmd {
	case "reset":
		l.cmdReset()
	case "eval":
		l.cmdEval()
	case "load":
		l.cmdLoad()
	case "compile":
		l.cmdCompile()
	case "msg":
		l.cmdMsg()
	default:
		l.out.Errorf("dispatch", "bad command,%s", cmd)
		l.out.Ret(false)
	}
}

func (l *Loader) requireFields(cmd string, n int) bool {
	if len(l.args) == n {
		return true
	}
	l.out.Errorf("dispatch", "%s requires %d fields, %d given", cmd, n, len(l.args))
	l.out.Ret(false)
	return false
}

func (l *Loader) cmdReset() {
	if err := l.eng.Reset(); err != nil {
		l.out.Errorf("reset", "%s", err)
		l.out.Ret(false)
		return
	}
	l.out.Ret(true)
}

func (l *Loader) cmdEval() {
	if !l.requireFields("eval", 3) {
		return
	}
	if err := l.eng.Eval(l.arg(2)); err != nil {
		l.out.Errorf("eval", "%s", err)
		l.out.Ret(false)
		return
	}
	l.out.Ret(true)
}

func (l *Loader) cmdLoad() {
	if !l.requireFields("load", 4) {
		return
	}
	if err := l.eng.Load(string(l.arg(2)), l.arg(3)); err != nil {
		l.out.Errorf("load", "%s", err)
		l.out.Ret(false)
		return
	}
	l.out.Ret(true)
}

func (l *Loader) cmdCompile() {
	if !l.requireFields("compile", 4) {
		return
	}
	name := string(l.arg(2))
	bin, err := l.eng.Compile(name, l.arg(3))
	if err != nil {
		l.out.Errorf("compile", "%s", err)
		l.out.Ret(false)
		return
	}
	l.out.Dump(name, bin)
	l.out.Ret(true)
}

// cmdMsg delivers an application message. Unlike the other commands it
// emits no ret line on success; an unhandled message is silent.
func (l *Loader) cmdMsg() {
	if !l.requireFields("msg", 4) {
		return
	}
	l.eng.Message(l.arg(2), l.arg(3))
}

// Pump drives one poll cycle: it tracks connect/disconnect transitions and
// drains all available bytes into Feed. It returns the recommended idle
// duration before the next call — zero when any work was done.
func (l *Loader) Pump(t Transport) time.Duration {
	if !l.connected {
		if !t.Connected() {
			return DefaultIdle
		}
		time.Sleep(l.settle)
		l.connected = true
		l.ResetInput()
		l.out.SetToken(SchedToken)
		l.out.Version(Version)
		return 0
	}

	if !t.Connected() {
		l.connected = false
		return DefaultIdle
	}

	idle := DefaultIdle
	for {
		ch, ok := t.ReadByte()
		if !ok {
			break
		}
		l.Feed(ch)
		idle = 0
	}
	return idle
}
