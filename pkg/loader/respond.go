// SPDX-License-Identifier: MIT

package loader

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/ryanrsrs/luatt/pkg/wire"
)

// SchedToken is the correlation token used for output that is not a direct
// reply to a host command: scheduler output and the connect banner.
const SchedToken = "sched"

// dumpWrap is how many compiled-chunk bytes go on one dump line before it
// is wrapped onto a fresh "dump|<name>|" line.
const dumpWrap = 80

// Responder writes the device side of the protocol. Every line is prefixed
// with the active correlation token, so the host can route replies,
// diagnostics, and asynchronous output back to their originators.
type Responder struct {
	w     io.Writer
	token string
}

// NewResponder writes protocol lines to w. The token starts as SchedToken.
func NewResponder(w io.Writer) *Responder {
	return &Responder{w: w, token: SchedToken}
}

// SetToken sets the active correlation token.
func (r *Responder) SetToken(token string) { r.token = token }

// Token returns the active correlation token.
func (r *Responder) Token() string { return r.token }

// Ret reports the outcome of the current command.
func (r *Responder) Ret(ok bool) {
	if ok {
		fmt.Fprintf(r.w, "%s|ret|ok\n", r.token)
	} else {
		fmt.Fprintf(r.w, "%s|ret|fail\n", r.token)
	}
}

// Errorf emits a diagnostic line: error|<location>,<details>.
func (r *Responder) Errorf(loc, format string, args ...any) {
	fmt.Fprintf(r.w, "%s|error|%s,%s\n", r.token, loc, fmt.Sprintf(format, args...))
}

// Version emits the connect banner.
func (r *Responder) Version(id string) {
	fmt.Fprintf(r.w, "%s|version|%s\n", r.token, id)
}

// Dump emits a compiled chunk as hex, wrapped onto multiple dump lines.
func (r *Responder) Dump(name string, data []byte) {
	for len(data) > 0 {
		n := len(data)
		if n > dumpWrap {
			n = dumpWrap
		}
		fmt.Fprintf(r.w, "%s|dump|%s|%s\n", r.token, name, hex.EncodeToString(data[:n]))
		data = data[n:]
	}
}

// Print forwards script print output, one protocol line per text line.
func (r *Responder) Print(text string) {
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(r.w, "%s|%s\n", r.token, line)
	}
}

// Send emits a device-initiated command under the active token, escaping
// dirty fields as raw blocks. Used for upstream requests such as the MQTT
// pub/sub commands.
func (r *Responder) Send(fields ...[]byte) {
	all := make([][]byte, 0, len(fields)+1)
	all = append(all, []byte(r.token))
	all = append(all, fields...)
	r.w.Write(wire.EncodeFrame(all...))
}
