// SPDX-License-Identifier: MIT

package loader

import (
	"bytes"
	"testing"
)

// FuzzFeed throws arbitrary byte streams at the parser. Whatever arrives,
// Feed must not panic, the buffer must respect its capacity bound, and a
// well-formed frame after a line boundary must still dispatch.
func FuzzFeed(f *testing.F) {
	f.Add([]byte("t1|eval|print(1)\n"))
	f.Add([]byte("t1|load|mod|&5\na|b\nc\n"))
	f.Add([]byte("t2|msg|&3|&2\nA|B\nxy\n"))
	f.Add([]byte("a|b|c|d|e|f|g|h|i|j|k|l|m|n|o|p|q\n"))
	f.Add([]byte("t|load|m|&99999\n"))
	f.Add([]byte("&0|&1|&2\n"))
	f.Add([]byte{0x00, 0xff, '|', '\n', '&'})

	f.Fuzz(func(t *testing.T, data []byte) {
		eng := &fakeEngine{}
		out := &bytes.Buffer{}
		l := NewWithBuffer(eng, NewResponder(out), NewFixedBuffer(make([]byte, 256)))

		for _, ch := range data {
			l.Feed(ch)
			if l.buf.Len() > l.buf.Max() {
				t.Fatalf("buffer exceeded max: %d > %d", l.buf.Len(), l.buf.Max())
			}
		}

		// Enough terminators always resynchronize the stream: any pending
		// raw block either completes or overflows the 256-byte buffer, and
		// overflow drains until the next line boundary.
		for i := 0; i < 600; i++ {
			l.Feed(Terminator)
		}
		before := eng.resets
		for _, ch := range []byte("zz|reset\n") {
			l.Feed(ch)
		}
		if eng.resets != before+1 {
			t.Fatalf("well-formed frame after resync did not dispatch")
		}
	})
}
