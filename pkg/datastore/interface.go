package datastore

import (
	"github.com/NicolasHaas/roomchat/pkg/model"
)

// DataStore defines the persistence interface for the room catalog and the
// per-room message journal. The SQLite store is used when the server runs
// with -db; the memory store backs tests and journal-less runs.
type DataStore interface {
	Close() error

	RoomReadProvider
	RoomWriteProvider

	MessageReadProvider
	MessageWriteProvider
}

// Compile-time checks.
var (
	_ DataStore = (*SQLStore)(nil)
	_ DataStore = (*MemoryStore)(nil)
)

type RoomReadProvider interface {
	// ListRooms returns the catalog in insertion order.
	ListRooms() ([]model.Room, error)
}

type RoomWriteProvider interface {
	// ImportRooms inserts or renames the given rooms atomically.
	ImportRooms(rooms []model.Room) error
}

type MessageReadProvider interface {
	// ListMessages returns messages of one room in ascending sequence order.
	ListMessages(filters MessageFilters) ([]model.Message, error)
	// LastSeq returns the highest journaled sequence number of a room, or 0.
	LastSeq(roomID int64) (int64, error)
}

type MessageWriteProvider interface {
	AppendMessage(message *model.Message) error
	// TrimMessages deletes every message of the room with seq < beforeSeq.
	TrimMessages(roomID, beforeSeq int64) error
}

// MessageFilters narrows ListMessages. With Limit > 0 only the newest Limit
// matching messages are returned, still in ascending order.
type MessageFilters struct {
	RoomID   int64
	AfterSeq int64
	Limit    int
}
