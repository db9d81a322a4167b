// SPDX-License-Identifier: MIT

package loader

import (
	"bytes"
	"fmt"
)

const (
	// Delimiter separates fields within a frame line.
	Delimiter = '|'
	// Terminator ends a frame line and each raw block.
	Terminator = '\n'
	// RawMarker introduces a raw-block declaration ("&<count>").
	RawMarker = '&'

	// MaxFields bounds the number of fields in one frame.
	MaxFields = 16
)

// Field is an (offset, length) view into the frame buffer. Views never copy
// and are invalidated by the next input reset.
type Field struct {
	Off int
	Len int
}

// rawSpec records that field arg will be rebound to size verbatim bytes
// read after the command line.
type rawSpec struct {
	arg  int
	size int
}

// parseLine splits the buffer's current line into fields and collects raw
// block declarations. Called after the line terminator has been stripped.
func (l *Loader) parseLine() error {
	l.args = l.args[:0]
	l.raw = l.raw[:0]

	data := l.buf.Bytes()
	finalEmptyField := false

	p := 0
	for p < len(data) {
		if len(l.args) >= MaxFields {
			return fmt.Errorf("too many fields, limit %d", MaxFields)
		}
		var f Field
		if next := bytes.IndexByte(data[p:], Delimiter); next >= 0 {
			f = Field{Off: p, Len: next}
			p += next + 1
			if p == len(data) {
				// The line ended in a delimiter. There is a zero-length
				// final field the loop will not see on its own.
				finalEmptyField = true
			}
		} else {
			f = Field{Off: p, Len: len(data) - p}
			p = len(data)
		}
		l.args = append(l.args, f)

		if err := l.parseRawSpec(data, f, len(l.args)-1); err != nil {
			return err
		}
	}
	if finalEmptyField {
		if len(l.args) >= MaxFields {
			return fmt.Errorf("too many fields, limit %d", MaxFields)
		}
		l.args = append(l.args, Field{Off: len(data), Len: 0})
	}

	l.rawIdx = 0
	l.rawRead = 0
	return nil
}

// parseRawSpec checks whether field f declares a raw block ("&" followed by
// a decimal byte count) and, if so, appends it to the pending list. A
// declaration with trailing garbage or a count that cannot fit the buffer
// is a fatal parse error for this frame.
func (l *Loader) parseRawSpec(data []byte, f Field, idx int) error {
	if f.Len < 2 || data[f.Off] != RawMarker || !isDigit(data[f.Off+1]) {
		return nil
	}
	s := data[f.Off : f.Off+f.Len]
	n := 0
	for _, ch := range s[1:] {
		if !isDigit(ch) {
			return fmt.Errorf("invalid raw byte count %q", s)
		}
		n = n*10 + int(ch-'0')
		if n >= l.buf.Max() {
			return fmt.Errorf("invalid raw byte count %q", s)
		}
	}
	l.raw = append(l.raw, rawSpec{arg: idx, size: n})
	return nil
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }
