// SPDX-License-Identifier: MIT

package loader

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeEngine records dispatcher calls.
type fakeEngine struct {
	resets int
	evals  []string
	loads  map[string]string
	msgs   [][2]string

	evalErr    error
	compileOut []byte
	compileErr error
}

func (e *fakeEngine) Reset() error { e.resets++; return nil }

func (e *fakeEngine) Eval(chunk []byte) error {
	e.evals = append(e.evals, string(chunk))
	return e.evalErr
}

func (e *fakeEngine) Load(name string, src []byte) error {
	if e.loads == nil {
		e.loads = make(map[string]string)
	}
	e.loads[name] = string(src)
	return nil
}

func (e *fakeEngine) Compile(name string, src []byte) ([]byte, error) {
	return e.compileOut, e.compileErr
}

func (e *fakeEngine) Message(topic, payload []byte) {
	e.msgs = append(e.msgs, [2]string{string(topic), string(payload)})
}

func newTestLoader() (*Loader, *fakeEngine, *bytes.Buffer) {
	eng := &fakeEngine{}
	out := &bytes.Buffer{}
	return New(eng, NewResponder(out)), eng, out
}

func feed(l *Loader, s string) {
	for i := 0; i < len(s); i++ {
		l.Feed(s[i])
	}
}

//
// Dispatch
//

func TestEvalCommand(t *testing.T) {
	l, eng, out := newTestLoader()
	feed(l, "t1|eval|print(1)\n")

	if len(eng.evals) != 1 || eng.evals[0] != "print(1)" {
		t.Errorf("evals = %q, want [print(1)]", eng.evals)
	}
	if out.String() != "t1|ret|ok\n" {
		t.Errorf("output = %q, want t1|ret|ok", out.String())
	}
}

func TestEvalError(t *testing.T) {
	l, eng, out := newTestLoader()
	eng.evalErr = errors.New("boom")
	feed(l, "t1|eval|x\n")

	want := "t1|error|eval,boom\nt1|ret|fail\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestResetCommand(t *testing.T) {
	l, eng, out := newTestLoader()
	feed(l, "t2|reset\n")

	if eng.resets != 1 {
		t.Errorf("resets = %d, want 1", eng.resets)
	}
	if out.String() != "t2|ret|ok\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	l, _, out := newTestLoader()
	feed(l, "t3|frobnicate\n")

	want := "t3|error|dispatch,bad command,frobnicate\nt3|ret|fail\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestFieldCountMismatch(t *testing.T) {
	l, eng, out := newTestLoader()
	feed(l, "t4|eval\n")

	if len(eng.evals) != 0 {
		t.Errorf("eval dispatched with missing argument")
	}
	want := "t4|error|dispatch,eval requires 3 fields, 2 given\nt4|ret|fail\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestMsgSilentOnSuccess(t *testing.T) {
	l, eng, out := newTestLoader()
	feed(l, "t5|msg|topic/a|payload\n")

	if len(eng.msgs) != 1 || eng.msgs[0] != [2]string{"topic/a", "payload"} {
		t.Errorf("msgs = %q", eng.msgs)
	}
	// msg produces no ret line, handled or not.
	if out.Len() != 0 {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestTrailingDelimiterEmptyField(t *testing.T) {
	l, eng, _ := newTestLoader()
	feed(l, "t6|msg|topic|\n")

	if len(eng.msgs) != 1 || eng.msgs[0] != [2]string{"topic", ""} {
		t.Errorf("msgs = %q, want [[topic ]]", eng.msgs)
	}
}

func TestCompileDumpWrapping(t *testing.T) {
	l, eng, out := newTestLoader()
	eng.compileOut = bytes.Repeat([]byte{0xab}, 100)
	feed(l, "t7|compile|mod|code\n")

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 2 dump + 1 ret: %q", len(lines), lines)
	}
	want0 := "t7|dump|mod|" + strings.Repeat("ab", 80)
	want1 := "t7|dump|mod|" + strings.Repeat("ab", 20)
	if lines[0] != want0 {
		t.Errorf("line 0 = %q, want %q", lines[0], want0)
	}
	if lines[1] != want1 {
		t.Errorf("line 1 = %q, want %q", lines[1], want1)
	}
	if lines[2] != "t7|ret|ok" {
		t.Errorf("line 2 = %q, want t7|ret|ok", lines[2])
	}
}

func TestMultipleFramesBackToBack(t *testing.T) {
	l, eng, out := newTestLoader()
	feed(l, "a|eval|1\nb|eval|2\nc|reset\n")

	if want := []string{"1", "2"}; len(eng.evals) != 2 || eng.evals[0] != want[0] || eng.evals[1] != want[1] {
		t.Errorf("evals = %q, want %q", eng.evals, want)
	}
	if eng.resets != 1 {
		t.Errorf("resets = %d, want 1", eng.resets)
	}
	want := "a|ret|ok\nb|ret|ok\nc|ret|ok\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

//
// Raw blocks
//

func TestRawBlockWithDelimiterAndTerminator(t *testing.T) {
	l, eng, out := newTestLoader()
	// The 5 raw bytes contain both the field delimiter and a newline.
	feed(l, "t1|load|mod|&5\na|b\nc\n")

	if eng.loads["mod"] != "a|b\nc" {
		t.Errorf(`loads["mod"] = %q, want "a|b\nc"`, eng.loads["mod"])
	}
	if out.String() != "t1|ret|ok\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestMultipleRawBlocksInOrder(t *testing.T) {
	l, eng, out := newTestLoader()
	feed(l, "t2|msg|&3|&2\nA|B\nxy\n")

	if len(eng.msgs) != 1 || eng.msgs[0] != [2]string{"A|B", "xy"} {
		t.Errorf("msgs = %q, want [[A|B xy]]", eng.msgs)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestZeroLengthRawBlock(t *testing.T) {
	l, eng, _ := newTestLoader()
	feed(l, "t3|eval|&0\n\n")

	if len(eng.evals) != 1 || eng.evals[0] != "" {
		t.Errorf("evals = %q, want one empty chunk", eng.evals)
	}
}

func TestRawBlockTerminatorMismatch(t *testing.T) {
	l, eng, out := newTestLoader()
	// Declares 4 bytes but the fifth byte is not the required newline.
	feed(l, "t4|eval|&4\nabcdXtrailing garbage")

	if len(eng.evals) != 0 {
		t.Errorf("eval dispatched despite bad raw block: %q", eng.evals)
	}
	want := "sched|error|raw,expected newline after raw block\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}

	// The stream resynchronizes on the next line boundary.
	feed(l, "\nt5|reset\n")
	if eng.resets != 1 {
		t.Errorf("resets = %d, want 1 after resync", eng.resets)
	}
	if got := out.String(); got != want+"t5|ret|ok\n" {
		t.Errorf("output after resync = %q", got)
	}
}

func TestRawBlockShortPayload(t *testing.T) {
	l, eng, out := newTestLoader()
	// Only 4 of the 5 declared bytes arrive before the terminator, so the
	// terminator lands inside the payload and the byte after it fails the
	// strict terminator check. The next line ("t2|reset") is sacrificed to
	// the resync drain.
	feed(l, "t1|load|mod|&5\nabcd\nt2|reset\nt3|reset\n")

	if len(eng.loads) != 0 {
		t.Errorf("load dispatched with short payload: %q", eng.loads)
	}
	want := "sched|error|raw,expected newline after raw block\nt3|ret|ok\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
	if eng.resets != 1 {
		t.Errorf("resets = %d, want 1", eng.resets)
	}
}

func TestRawMarkerWithoutDigitIsPlainField(t *testing.T) {
	l, eng, out := newTestLoader()
	feed(l, "t6|eval|&x\n")

	if len(eng.evals) != 1 || eng.evals[0] != "&x" {
		t.Errorf("evals = %q, want [&x]", eng.evals)
	}
	if out.String() != "t6|ret|ok\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestRawCountTrailingGarbage(t *testing.T) {
	l, eng, out := newTestLoader()
	feed(l, "t7|load|m|&5x\nt8|reset\n")

	want := "sched|error|parse,invalid raw byte count \"&5x\"\nt8|ret|ok\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
	if eng.resets != 1 {
		t.Errorf("resets = %d, want 1", eng.resets)
	}
}

func TestRawCountTooLarge(t *testing.T) {
	l, _, out := newTestLoader()
	feed(l, "t9|load|m|&99999\n")

	want := "sched|error|parse,invalid raw byte count \"&99999\"\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

//
// Malformed input and recovery
//

func TestTooManyFields(t *testing.T) {
	l, eng, out := newTestLoader()
	feed(l, "a|b|c|d|e|f|g|h|i|j|k|l|m|n|o|p|q\n")

	want := "sched|error|parse,too many fields, limit 16\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}

	// Frame state is fully reset; the next frame parses normally.
	feed(l, "t1|eval|x\n")
	if len(eng.evals) != 1 || eng.evals[0] != "x" {
		t.Errorf("evals after recovery = %q", eng.evals)
	}
}

func TestMaxFieldsExactlyAccepted(t *testing.T) {
	l, eng, _ := newTestLoader()
	feed(l, "a|msg|t|p|5|6|7|8|9|10|11|12|13|14|15|16\n")

	// 16 fields is within the limit; msg rejects the count but the frame
	// parses.
	if len(eng.msgs) != 0 {
		t.Errorf("msg dispatched with 16 fields")
	}
}

func TestOverflowDrainsUntilLineBoundary(t *testing.T) {
	eng := &fakeEngine{}
	out := &bytes.Buffer{}
	l := NewWithBuffer(eng, NewResponder(out), NewFixedBuffer(make([]byte, 16)))

	feed(l, strings.Repeat("x", 40))
	want := "sched|error|feed,input buffer overflow\n"
	if out.String() != want {
		t.Errorf("output = %q, want exactly one overflow diagnostic", out.String())
	}

	// Everything up to the terminator is discarded; the next line works.
	feed(l, "y\nt1|reset\n")
	if eng.resets != 1 {
		t.Errorf("resets = %d, want 1", eng.resets)
	}
	if out.String() != want+"t1|ret|ok\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestBareLineIgnored(t *testing.T) {
	l, eng, out := newTestLoader()
	feed(l, "justtext\n\n")

	if out.Len() != 0 {
		t.Errorf("unexpected output %q", out.String())
	}
	if eng.resets != 0 || len(eng.evals) != 0 {
		t.Error("dispatch happened on tokenless line")
	}
}

//
// Connection pump
//

type fakeTransport struct {
	connected bool
	data      []byte
}

func (t *fakeTransport) Connected() bool { return t.connected }

func (t *fakeTransport) ReadByte() (byte, bool) {
	if len(t.data) == 0 {
		return 0, false
	}
	b := t.data[0]
	t.data = t.data[1:]
	return b, true
}

func TestPumpConnectBanner(t *testing.T) {
	l, _, out := newTestLoader()
	l.settle = 0
	tr := &fakeTransport{}

	if idle := l.Pump(tr); idle != DefaultIdle {
		t.Errorf("idle while disconnected = %v, want %v", idle, DefaultIdle)
	}
	if out.Len() != 0 {
		t.Errorf("output before connect: %q", out.String())
	}

	tr.connected = true
	if idle := l.Pump(tr); idle != 0 {
		t.Errorf("idle on connect = %v, want 0", idle)
	}
	if out.String() != "sched|version|luatt,0.1.0\n" {
		t.Errorf("banner = %q", out.String())
	}
}

func TestPumpDrainsAndReportsWork(t *testing.T) {
	l, eng, _ := newTestLoader()
	l.settle = 0
	tr := &fakeTransport{connected: true}
	l.Pump(tr) // connect transition

	tr.data = []byte("t1|eval|x\n")
	if idle := l.Pump(tr); idle != 0 {
		t.Errorf("idle after work = %v, want 0", idle)
	}
	if len(eng.evals) != 1 {
		t.Errorf("evals = %q", eng.evals)
	}

	if idle := l.Pump(tr); idle != DefaultIdle {
		t.Errorf("idle with no data = %v, want %v", idle, DefaultIdle)
	}
}

func TestPumpReconnectDropsPartialFrame(t *testing.T) {
	l, eng, out := newTestLoader()
	l.settle = 0
	tr := &fakeTransport{connected: true}
	l.Pump(tr)
	out.Reset()

	// Half a frame arrives, then the link dies.
	tr.data = []byte("t1|ev")
	l.Pump(tr)
	tr.connected = false
	if idle := l.Pump(tr); idle != DefaultIdle {
		t.Errorf("idle on disconnect = %v", idle)
	}

	// On reconnect the banner repeats and the stale prefix is gone.
	tr.connected = true
	l.Pump(tr)
	tr.data = []byte("t2|eval|y\n")
	l.Pump(tr)

	if len(eng.evals) != 1 || eng.evals[0] != "y" {
		t.Errorf("evals = %q, want [y]", eng.evals)
	}
	want := "sched|version|luatt,0.1.0\nt2|ret|ok\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestPumpSettleDelay(t *testing.T) {
	l, _, _ := newTestLoader()
	l.settle = 20 * time.Millisecond
	tr := &fakeTransport{connected: true}

	start := time.Now()
	l.Pump(tr)
	if d := time.Since(start); d < l.settle {
		t.Errorf("connect transition took %v, want >= %v", d, l.settle)
	}
}
