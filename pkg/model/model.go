// Package model defines the core domain types for roomchat: users, rooms,
// messages and attachments, plus the error kinds shared by every component.
package model

import (
	"strings"
	"unicode"
)

// SanitizeText strips control characters from user-supplied text. Newlines
// and tabs survive so multi-line messages keep their shape.
func SanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r == '\r' {
			return -1
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
