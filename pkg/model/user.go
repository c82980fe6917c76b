package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const MaxDisplayNameLength = 32

var ErrNameEmpty = errors.New("name must not be empty")
var ErrNameTooLong = fmt.Errorf("name must not exceed %d characters", MaxDisplayNameLength)
var ErrNameInvalidChars = errors.New("name must not contain control characters")

// User is the identity a session presents to rooms.
type User struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"` // attachment ref, empty when unset
}

// NormalizeDisplayName trims surrounding whitespace from a submitted name.
func NormalizeDisplayName(name string) string {
	return strings.TrimSpace(name)
}

// ValidateDisplayName checks a normalized display name: 1-32 characters, no
// control characters. Spaces and non-ASCII letters are allowed.
func ValidateDisplayName(name string) error {
	if name == "" {
		return ErrNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return ErrNameTooLong
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return ErrNameInvalidChars
		}
	}
	return nil
}
