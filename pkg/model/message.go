package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxTextLength = 2000

var ErrMessageTextTooLong = fmt.Errorf("message text exceeds %d characters", MessageMaxTextLength)
var ErrMessageTextEmpty = errors.New("message text cannot be empty")
var ErrMessageKindInvalid = errors.New("message kind must be text, image or file")
var ErrMessagePayloadMixed = errors.New("message must carry either text or an attachment, not both")
var ErrMessageAttachmentMissing = errors.New("message attachment reference is required")
var ErrMessageNotImage = errors.New("image message requires an image attachment")

// Kind says which payload field of a message is populated.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile:
		return true
	default:
		return false
	}
}

// KindForContentType picks image for image/* payloads and file otherwise.
func KindForContentType(contentType string) Kind {
	if IsImage(contentType) {
		return KindImage
	}
	return KindFile
}

// Content is what a sender submits: text, or a reference to an uploaded
// attachment.
type Content struct {
	Kind          Kind   `json:"kind"`
	Text          string `json:"text,omitempty"`
	AttachmentRef string `json:"attachment,omitempty"`
}

// Validate checks that the kind matches the populated payload.
func (c *Content) Validate() error {
	if !c.Kind.Valid() {
		return ErrMessageKindInvalid
	}
	if c.Kind == KindText {
		if c.AttachmentRef != "" {
			return ErrMessagePayloadMixed
		}
		if strings.TrimSpace(c.Text) == "" {
			return ErrMessageTextEmpty
		}
		if utf8.RuneCountInString(c.Text) > MessageMaxTextLength {
			return ErrMessageTextTooLong
		}
		return nil
	}
	if c.Text != "" {
		return ErrMessagePayloadMixed
	}
	if c.AttachmentRef == "" {
		return ErrMessageAttachmentMissing
	}
	return nil
}

// Message is an accepted entry in a room's log.
type Message struct {
	Seq        int64       `json:"seq"`
	RoomID     int64       `json:"room_id"`
	Sender     string      `json:"sender"`
	Kind       Kind        `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Validate checks the text/attachment exclusivity invariant of a stored
// message.
func (m *Message) Validate() error {
	if !m.Kind.Valid() {
		return ErrMessageKindInvalid
	}
	if m.Kind == KindText {
		if m.Attachment != nil {
			return ErrMessagePayloadMixed
		}
		if strings.TrimSpace(m.Text) == "" {
			return ErrMessageTextEmpty
		}
		return nil
	}
	if m.Text != "" {
		return ErrMessagePayloadMixed
	}
	if m.Attachment == nil {
		return ErrMessageAttachmentMissing
	}
	if m.Kind == KindImage && !IsImage(m.Attachment.ContentType) {
		return ErrMessageNotImage
	}
	return nil
}
