// SPDX-License-Identifier: MIT

package client

import "strings"

// StripComments removes Lua comments from source before upload, shrinking
// what crosses the serial link. Newlines inside removed comments are kept
// so chunk line numbers, and therefore device-reported error positions,
// still match the original file.
func StripComments(src string) string {
	var b strings.Builder
	b.Grow(len(src))

	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case ch == '-' && i+1 < len(src) && src[i+1] == '-':
			if level, n, ok := longOpen(src[i+2:]); ok {
				// Long comment --[=[ ... ]=]
				body := src[i+2+n:]
				end := longClose(body, level)
				if end < 0 {
					// Unterminated; drop the rest but keep its newlines.
					b.WriteString(newlinesOf(body))
					i = len(src)
					break
				}
				b.WriteString(newlinesOf(body[:end]))
				i += 2 + n + end
			} else {
				// Short comment runs to end of line.
				for i < len(src) && src[i] != '\n' {
					i++
				}
			}

		case ch == '"' || ch == '\'':
			// String literal: copy verbatim, honoring escapes.
			quote := ch
			b.WriteByte(src[i])
			i++
			for i < len(src) {
				b.WriteByte(src[i])
				if src[i] == '\\' && i+1 < len(src) {
					b.WriteByte(src[i+1])
					i += 2
					continue
				}
				if src[i] == quote {
					i++
					break
				}
				i++
			}

		case ch == '[':
			if level, n, ok := longOpen(src[i:]); ok {
				// Long string: copy verbatim through its close.
				body := src[i+n:]
				end := longClose(body, level)
				if end < 0 {
					b.WriteString(src[i:])
					i = len(src)
					break
				}
				b.WriteString(src[i : i+n+end])
				i += n + end
			} else {
				b.WriteByte(ch)
				i++
			}

		default:
			b.WriteByte(ch)
			i++
		}
	}
	return b.String()
}

// longOpen recognizes a long-bracket opener [=*[ at the start of s and
// returns its level and length.
func longOpen(s string) (level, n int, ok bool) {
	if len(s) == 0 || s[0] != '[' {
		return 0, 0, false
	}
	j := 1
	for j < len(s) && s[j] == '=' {
		j++
	}
	if j < len(s) && s[j] == '[' {
		return j - 1, j + 1, true
	}
	return 0, 0, false
}

// longClose returns the index just past the matching ]=*] in s, or -1.
func longClose(s string, level int) int {
	marker := "]" + strings.Repeat("=", level) + "]"
	if idx := strings.Index(s, marker); idx >= 0 {
		return idx + len(marker)
	}
	return -1
}

func newlinesOf(s string) string {
	return strings.Repeat("\n", strings.Count(s, "\n"))
}
