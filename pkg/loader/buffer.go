// SPDX-License-Identifier: MIT

package loader

const (
	// DefaultBufferMax is the default cap on a growable frame buffer.
	DefaultBufferMax = 24 * 1024

	initialBufferSize = 1024
	growStep          = 2048
)

// Buffer accumulates the bytes of one logical frame. It either wraps a
// caller-supplied fixed region or grows geometrically up to a maximum
// capacity. Overflow is sticky: once set, Add fails until Reset.
type Buffer struct {
	buf      []byte
	length   int
	max      int
	fixed    bool
	overflow bool
}

// NewBuffer creates a growable buffer capped at max bytes.
// A max of 0 selects DefaultBufferMax.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = DefaultBufferMax
	}
	size := initialBufferSize
	if size > max {
		size = max
	}
	return &Buffer{
		buf: make([]byte, size),
		max: max,
	}
}

// NewFixedBuffer wraps a caller-supplied region. The buffer never grows
// beyond len(region).
func NewFixedBuffer(region []byte) *Buffer {
	return &Buffer{
		buf:   region,
		max:   len(region),
		fixed: true,
	}
}

// Add appends one byte. It reports false if the buffer has overflowed,
// either previously (sticky) or by this byte exceeding the maximum
// capacity.
func (b *Buffer) Add(ch byte) bool {
	if b.overflow {
		return false
	}
	if b.length >= b.max {
		b.overflow = true
		return false
	}
	if b.length == len(b.buf) && !b.fixed {
		inc := len(b.buf)
		if inc > growStep {
			inc = growStep
		}
		size := len(b.buf) + inc
		if size > b.max {
			size = b.max
		}
		grown := make([]byte, size)
		copy(grown, b.buf)
		b.buf = grown
	}
	if b.length == len(b.buf) {
		b.overflow = true
		return false
	}
	b.buf[b.length] = ch
	b.length++
	return true
}

// Reset clears the logical length and the overflow flag. Grown storage is
// retained so the next frame does not pay for regrowth.
func (b *Buffer) Reset() {
	b.length = 0
	b.overflow = false
}

// Len returns the logical length.
func (b *Buffer) Len() int { return b.length }

// Max returns the maximum capacity.
func (b *Buffer) Max() int { return b.max }

// Cap returns the currently allocated capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Bytes returns the current logical content. The slice is only valid until
// the next Add or Reset.
func (b *Buffer) Bytes() []byte { return b.buf[:b.length] }

// Overflow reports whether the sticky overflow flag is set.
func (b *Buffer) Overflow() bool { return b.overflow }

// setOverflow marks the buffer overflowed without accepting a byte. Used
// when a raw block is not followed by its required terminator, so the rest
// of the oversized frame drains until the next line boundary.
func (b *Buffer) setOverflow() { b.overflow = true }

// chop removes the last byte (the stripped line terminator).
func (b *Buffer) chop() {
	if b.length > 0 {
		b.length--
	}
}
