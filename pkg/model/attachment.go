package model

import (
	"strings"
	"time"
)

// Attachment describes an uploaded binary payload. The bytes themselves stay
// in the attachment store; everything else refers to them by Ref.
type Attachment struct {
	Ref         string    `json:"ref"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Digest      string    `json:"digest,omitempty"` // hex BLAKE2b-256 of the content
	CreatedAt   time.Time `json:"created_at"`
}

// IsImage reports whether the content type is an image/* type.
func IsImage(contentType string) bool {
	return strings.HasPrefix(NormalizeContentType(contentType), "image/")
}

// NormalizeContentType lowercases a MIME type and strips any parameters,
// so "Image/PNG; charset=x" becomes "image/png".
func NormalizeContentType(contentType string) string {
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
