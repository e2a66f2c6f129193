package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxTextLength bounds free text taken from bank payloads and user notes.
const MaxTextLength = 500

// StripUnprintable removes non-printable characters, allowing common whitespace
// like space, tab, newline, and carriage return.
func StripUnprintable(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) || r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		return -1 // Drop the rune
	}, s)
}

// CleanText strips unprintable characters, trims surrounding space and truncates to
// MaxTextLength runes without splitting a multi-byte character.
func CleanText(s string) string {
	s = strings.TrimSpace(StripUnprintable(strings.ToValidUTF8(s, "")))
	if utf8.RuneCountInString(s) <= MaxTextLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxTextLength])
}

// CleanOptional applies CleanText and maps empty results to nil.
func CleanOptional(s *string) *string {
	if s == nil {
		return nil
	}
	c := CleanText(*s)
	if c == "" {
		return nil
	}
	return &c
}
