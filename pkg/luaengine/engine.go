// SPDX-License-Identifier: MIT

// Package luaengine implements the loader's Engine interface on top of the
// gopher-lua VM. It owns the interpreter state, the module registry
// (Luatt.pkgs), and the handler slots for application messages and the
// scheduler loop.
package luaengine

import (
	"bytes"
	"runtime"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/ryanrsrs/luatt/pkg/loader"
)

// defaultSchedSleep is returned when no scheduler callback is registered or
// the callback fails.
const defaultSchedSleep = 5 * time.Second

// Engine is a gopher-lua interpreter wired to a protocol responder. Script
// print output, error text, and upstream commands (MQTT pub/sub) all flow
// through the responder under the active correlation token.
//
// The engine is single-threaded, like the loader that drives it.
type Engine struct {
	out *loader.Responder
	L   *lua.LState

	pkgs      *lua.LTable
	onMessage *lua.LFunction
	onLoop    *lua.LFunction

	// Time service state. Survives interpreter resets: wall-clock offsets
	// and rollover counts describe the device session, not one VM.
	start      time.Time
	lastMillis int32
	rollovers  uint32
	unixOffset float64
}

// New creates an engine and brings up its first interpreter.
func New(out *loader.Responder) *Engine {
	e := &Engine{
		out:   out,
		start: time.Now(),
	}
	if err := e.Reset(); err != nil {
		// NewState cannot fail; Reset errors only come from closing.
		panic(err)
	}
	return e
}

// Close tears down the interpreter.
func (e *Engine) Close() {
	if e.L != nil {
		e.L.Close()
		e.L = nil
	}
}

// Reset discards the interpreter and builds a fresh one: standard libraries,
// the Luatt table (pkgs, periphs, dbg), and the host bindings. All loaded
// modules and registered handlers are dropped.
func (e *Engine) Reset() error {
	if e.L != nil {
		e.L.Close()
	}
	e.L = lua.NewState()
	e.onMessage = nil
	e.onLoop = nil

	L := e.L
	root := L.NewTable()
	e.pkgs = L.NewTable()
	L.SetField(root, "pkgs", e.pkgs)
	L.SetField(root, "periphs", L.NewTable())
	L.SetField(root, "dbg", L.NewTable())
	L.SetGlobal("Luatt", root)

	e.registerFuncs(L, root)
	return nil
}

// Eval compiles and runs a chunk named "eval". If the chunk produced return
// values they are handed to the script's print function; a failure to print
// is ignored.
func (e *Engine) Eval(chunk []byte) error {
	L := e.L
	fn, err := L.Load(bytes.NewReader(chunk), "eval")
	if err != nil {
		return err
	}

	base := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.SetTop(base)
		return err
	}

	nres := L.GetTop() - base
	if nres > 0 {
		if pf, ok := L.GetGlobal("print").(*lua.LFunction); ok {
			args := make([]lua.LValue, nres)
			for i := 0; i < nres; i++ {
				args[i] = L.Get(base + 1 + i)
			}
			// Best effort: results that cannot be printed are dropped.
			_ = L.CallByParam(lua.P{Fn: pf, NRet: 0, Protect: true}, args...)
		}
		L.SetTop(base)
	}
	return nil
}

// Load compiles and runs a named module. A non-nil result is registered
// under name in Luatt.pkgs, shadowing any previous load of the same name.
func (e *Engine) Load(name string, src []byte) error {
	L := e.L
	fn, err := L.Load(bytes.NewReader(src), name)
	if err != nil {
		return err
	}

	base := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		L.SetTop(base)
		return err
	}

	if res := L.Get(-1); res != lua.LNil {
		L.SetField(e.pkgs, name, res)
	}
	L.SetTop(base)

	runtime.GC()
	return nil
}

// Compile compiles a named chunk without running it and returns the
// serialized function prototype.
func (e *Engine) Compile(name string, src []byte) ([]byte, error) {
	stmts, err := parse.Parse(bytes.NewReader(src), name)
	if err != nil {
		return nil, err
	}
	proto, err := lua.Compile(stmts, name)
	if err != nil {
		return nil, err
	}
	return dumpProto(proto), nil
}

// Message invokes the registered application-message handler, if any.
// Handler errors are reported as diagnostics; there is no ret line.
func (e *Engine) Message(topic, payload []byte) {
	if e.onMessage == nil {
		return
	}
	err := e.L.CallByParam(
		lua.P{Fn: e.onMessage, NRet: 0, Protect: true},
		lua.LString(topic), lua.LString(payload),
	)
	if err != nil {
		e.out.Errorf("msg", "%s", err)
	}
}

// Module returns the registered module result for name, or nil.
func (e *Engine) Module(name string) lua.LValue {
	v := e.L.GetField(e.pkgs, name)
	if v == lua.LNil {
		return nil
	}
	return v
}

// RunScheduler invokes the registered scheduler callback under the "sched"
// token and returns how long the caller should sleep before the next cycle.
// The callback receives the interrupt flags and may return the next sleep
// interval in milliseconds.
func (e *Engine) RunScheduler(interruptFlags uint32) time.Duration {
	if e.onLoop == nil {
		return defaultSchedSleep
	}
	e.out.SetToken(loader.SchedToken)

	L := e.L
	base := L.GetTop()
	err := L.CallByParam(
		lua.P{Fn: e.onLoop, NRet: 1, Protect: true},
		lua.LNumber(interruptFlags),
	)
	if err != nil {
		e.out.Errorf("sched", "%s", err)
		return defaultSchedSleep
	}

	sleep := defaultSchedSleep
	if n, ok := L.Get(-1).(lua.LNumber); ok && n >= 0 {
		sleep = time.Duration(float64(n)) * time.Millisecond
	}
	L.SetTop(base)
	return sleep
}
