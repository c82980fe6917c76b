package model

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	MaxRoomNameLength = 64
	MaxRoomDescLength = 256
)

var ErrRoomIDInvalid = errors.New("room id must be positive")
var ErrRoomNameEmpty = errors.New("room name must not be empty")
var ErrRoomNameTooLong = errors.New("room name too long")
var ErrRoomDescTooLong = errors.New("room description too long")

// Room is an immutable catalog entry. Membership lives in the registry.
type Room struct {
	ID          int64  `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// RoomInfo is a catalog entry together with its live member count.
type RoomInfo struct {
	Room
	Members int `json:"members"`
}

// DefaultRooms returns the catalog used when no rooms file is configured.
func DefaultRooms() []Room {
	return []Room{
		{ID: 1, Name: "Tech Discussion"},
		{ID: 2, Name: "Random Talk"},
		{ID: 3, Name: "Group Chat"},
	}
}

// Validate checks the catalog entry fields.
func (r *Room) Validate() error {
	if r.ID <= 0 {
		return ErrRoomIDInvalid
	}
	if strings.TrimSpace(r.Name) == "" {
		return ErrRoomNameEmpty
	} else if utf8.RuneCountInString(r.Name) > MaxRoomNameLength {
		return ErrRoomNameTooLong
	}
	if utf8.RuneCountInString(r.Description) > MaxRoomDescLength {
		return ErrRoomDescTooLong
	}
	return nil
}
