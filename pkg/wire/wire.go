// SPDX-License-Identifier: MIT

// Package wire implements the luatt frame codec shared by both ends of the
// link: pipe-delimited fields on a newline-terminated line, with fields that
// contain delimiters, control bytes, or non-ASCII data carried out-of-line
// as length-prefixed raw blocks.
//
// A field equal to "&N" on the line stands for the next N verbatim bytes in
// the stream, which follow the line terminator and are themselves followed
// by one more terminator:
//
//	"Hello World!|123|&8|&12\nbad\tchar\nembedded\n123\n"
//
// encodes the four fields "Hello World!", "123", "bad\tchar" and
// "embedded\n123".
package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const (
	// Delimiter separates fields on a frame line.
	Delimiter = '|'
	// Terminator ends the frame line and each raw block.
	Terminator = '\n'
	// RawMarker introduces an out-of-line field ("&<count>").
	RawMarker = '&'
)

// Clean reports whether a field may appear inline on a frame line. Dirty
// fields (control bytes, non-ASCII, the delimiter, or a leading raw marker)
// must be carried as raw blocks.
func Clean(field []byte) bool {
	if len(field) == 0 {
		return true
	}
	if field[0] == RawMarker {
		return false
	}
	for _, ch := range field {
		if ch < 0x20 || ch > 0x7e || ch == Delimiter {
			return false
		}
	}
	return true
}

// AppendFrame appends the encoded frame for fields to dst and returns the
// extended slice. Dirty fields are replaced inline by "&N" declarations and
// appended as raw blocks after the line, in field order.
func AppendFrame(dst []byte, fields ...[]byte) []byte {
	var raw [][]byte
	for i, f := range fields {
		if i > 0 {
			dst = append(dst, Delimiter)
		}
		if Clean(f) {
			dst = append(dst, f...)
		} else {
			dst = append(dst, RawMarker)
			dst = strconv.AppendInt(dst, int64(len(f)), 10)
			raw = append(raw, f)
		}
	}
	dst = append(dst, Terminator)
	for _, f := range raw {
		dst = append(dst, f...)
		dst = append(dst, Terminator)
	}
	return dst
}

// EncodeFrame encodes one frame as a fresh byte slice.
func EncodeFrame(fields ...[]byte) []byte {
	return AppendFrame(nil, fields...)
}

// Reader reads frames from a byte stream, resolving raw blocks. It is the
// host-side counterpart of the device's byte-at-a-time loader; reads block
// until a full frame is available.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for frame reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadFrame reads one complete frame and returns its resolved fields.
// Inline fields are verbatim substrings of the line; "&N" fields are
// replaced by the raw block bytes that follow the line.
func (r *Reader) ReadFrame() ([][]byte, error) {
	line, err := r.br.ReadBytes(Terminator)
	if err != nil {
		return nil, err
	}
	line = line[:len(line)-1]

	var fields [][]byte
	for _, f := range bytes.Split(line, []byte{Delimiter}) {
		if len(f) >= 2 && f[0] == RawMarker && isDigit(f[1]) {
			n, err := strconv.Atoi(string(f[1:]))
			if err != nil {
				return nil, fmt.Errorf("invalid raw byte count %q", f)
			}
			blk := make([]byte, n)
			if _, err := io.ReadFull(r.br, blk); err != nil {
				return nil, err
			}
			term, err := r.br.ReadByte()
			if err != nil {
				return nil, err
			}
			if term != Terminator {
				return nil, fmt.Errorf("missing terminator after %d-byte raw block", n)
			}
			fields = append(fields, blk)
		} else {
			fields = append(fields, f)
		}
	}
	return fields, nil
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }
