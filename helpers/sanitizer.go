package helpers

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxFileNameLength is the longest file name kept in the resources table.
const MaxFileNameLength = 255

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes. PostgreSQL
// text columns reject NULL bytes even though they are valid UTF-8.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		buf = append(buf, r)
	}
	return string(buf)
}

// SanitizeFileName makes a user supplied name safe to embed in an object
// key: path separators become underscores, control characters are dropped
// and the result is trimmed to MaxFileNameLength bytes on a rune boundary.
// It may return an empty string.
func SanitizeFileName(name string) string {
	name = SanitizeUTF8(name)

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			b.WriteRune('_')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	// "." and ".." would read as path segments.
	out = strings.TrimLeft(out, ".")

	if len(out) > MaxFileNameLength {
		cut := MaxFileNameLength
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}
