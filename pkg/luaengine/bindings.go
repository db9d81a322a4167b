// SPDX-License-Identifier: MIT

package luaengine

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerFuncs installs the host bindings into a fresh interpreter: the
// print override, the time table, the mq table, and the mux token helpers.
func (e *Engine) registerFuncs(L *lua.LState, root *lua.LTable) {
	L.SetGlobal("print", L.NewFunction(e.lfPrint))
	L.SetGlobal("meminfo", L.NewFunction(e.lfMeminfo))
	L.SetGlobal("get_mux_token", L.NewFunction(e.lfGetMuxToken))
	L.SetGlobal("set_mux_token", L.NewFunction(e.lfSetMuxToken))

	timeTbl := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"millis":    e.lfMillis,
		"micros":    e.lfMicros,
		"rollovers": e.lfRollovers,
		"set_unix":  e.lfSetUnix,
		"unix":      e.lfUnix,
	})
	L.SetGlobal("time", timeTbl)
	L.SetField(root, "time", timeTbl)

	mqTbl := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"on_message": e.lfOnMessage,
		"pub":        e.lfPub,
		"sub":        e.lfSub,
		"unsub":      e.lfUnsub,
	})
	L.SetGlobal("mq", mqTbl)

	schedTbl := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"on_loop": e.lfOnLoop,
	})
	L.SetGlobal("sched", schedTbl)
}

// lfPrint replaces the stock print so script output travels over the link
// under the active correlation token instead of the process stdout.
func (e *Engine) lfPrint(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	e.out.Print(strings.Join(parts, "\t"))
	return 0
}

func (e *Engine) lfMeminfo(L *lua.LState) int {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	e.out.Print(fmt.Sprintf("Heap used: %d", ms.HeapAlloc))
	e.out.Print(fmt.Sprintf("Heap objects: %d", ms.HeapObjects))
	return 0
}

func (e *Engine) lfGetMuxToken(L *lua.LState) int {
	L.Push(lua.LString(e.out.Token()))
	return 1
}

func (e *Engine) lfSetMuxToken(L *lua.LState) int {
	e.out.SetToken(L.CheckString(1))
	return 0
}

// lfMillis reports milliseconds since engine start as a signed 32-bit
// value. A rollover is the signed wrap (0x7fffffff -> 0x80000000), counted
// in lfRollovers.
func (e *Engine) lfMillis(L *lua.LState) int {
	ms := int32(time.Since(e.start).Milliseconds())
	if ms < e.lastMillis {
		e.rollovers++
	}
	e.lastMillis = ms
	L.Push(lua.LNumber(ms))
	return 1
}

func (e *Engine) lfMicros(L *lua.LState) int {
	us := uint32(time.Since(e.start).Microseconds())
	L.Push(lua.LNumber(us))
	return 1
}

func (e *Engine) lfRollovers(L *lua.LState) int {
	L.Push(lua.LNumber(e.rollovers))
	return 1
}

// lfSetUnix anchors the device clock to host wall time: set_unix(sec, ms).
// The host sends this right after the version handshake.
func (e *Engine) lfSetUnix(L *lua.LState) int {
	sec := L.CheckNumber(1)
	ms := L.OptNumber(2, 0)
	now := float64(sec) + float64(ms)/1000
	e.unixOffset = now - time.Since(e.start).Seconds()
	return 0
}

func (e *Engine) lfUnix(L *lua.LState) int {
	L.Push(lua.LNumber(e.unixOffset + time.Since(e.start).Seconds()))
	return 1
}

// lfOnMessage registers the handler invoked for incoming msg frames:
// mq.on_message(function(topic, payload) ... end). Passing nil clears it.
func (e *Engine) lfOnMessage(L *lua.LState) int {
	if L.Get(1) == lua.LNil {
		e.onMessage = nil
		return 0
	}
	e.onMessage = L.CheckFunction(1)
	return 0
}

// lfPub sends mq.pub(topic, payload) upstream for the host MQTT proxy.
func (e *Engine) lfPub(L *lua.LState) int {
	topic := L.CheckString(1)
	payload := L.CheckString(2)
	e.out.Send([]byte("pub"), []byte(topic), []byte(payload))
	return 0
}

func (e *Engine) lfSub(L *lua.LState) int {
	e.out.Send([]byte("sub"), []byte(L.CheckString(1)))
	return 0
}

func (e *Engine) lfUnsub(L *lua.LState) int {
	e.out.Send([]byte("unsub"), []byte(L.CheckString(1)))
	return 0
}

// lfOnLoop registers the scheduler callback: sched.on_loop(function(flags)
// return sleep_ms end). Passing nil clears it.
func (e *Engine) lfOnLoop(L *lua.LState) int {
	if L.Get(1) == lua.LNil {
		e.onLoop = nil
		return 0
	}
	e.onLoop = L.CheckFunction(1)
	return 0
}
