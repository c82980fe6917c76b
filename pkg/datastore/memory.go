package datastore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation.
// It mirrors SQLite behavior for validation and ordering.
type MemoryStore struct {
	mu sync.RWMutex

	rooms     []model.Room
	roomIndex map[int64]int // room ID -> index in rooms
	messages  map[int64][]model.Message
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		roomIndex: make(map[int64]int),
		messages:  make(map[int64][]model.Message),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// ListRooms returns the catalog in insertion order.
func (s *MemoryStore) ListRooms() ([]model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Room, len(s.rooms))
	copy(out, s.rooms)
	return out, nil
}

// ImportRooms inserts or updates rooms. Nothing is written if any room fails
// validation.
func (s *MemoryStore) ImportRooms(rooms []model.Room) error {
	for i := range rooms {
		if err := rooms[i].Validate(); err != nil {
			return fmt.Errorf("datastore: import rooms: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rooms {
		if i, ok := s.roomIndex[r.ID]; ok {
			s.rooms[i] = r
			continue
		}
		s.roomIndex[r.ID] = len(s.rooms)
		s.rooms = append(s.rooms, r)
	}
	return nil
}

// AppendMessage journals an accepted message.
func (s *MemoryStore) AppendMessage(m *model.Message) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.messages[m.RoomID]
	if n := len(log); n > 0 && log[n-1].Seq >= m.Seq {
		return fmt.Errorf("datastore: append message: seq %d not after %d", m.Seq, log[n-1].Seq)
	}
	cp := *m
	if m.Attachment != nil {
		a := *m.Attachment
		cp.Attachment = &a
	}
	s.messages[m.RoomID] = append(log, cp)
	return nil
}

// ListMessages returns messages in ascending sequence order.
func (s *MemoryStore) ListMessages(filters MessageFilters) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.messages[filters.RoomID]
	start := sort.Search(len(log), func(i int) bool { return log[i].Seq > filters.AfterSeq })
	matched := log[start:]
	if filters.Limit > 0 && len(matched) > filters.Limit {
		matched = matched[len(matched)-filters.Limit:]
	}
	out := make([]model.Message, len(matched))
	copy(out, matched)
	return out, nil
}

// LastSeq returns the highest journaled sequence number of a room.
func (s *MemoryStore) LastSeq(roomID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.messages[roomID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Seq, nil
}

// TrimMessages deletes the journaled messages of a room below beforeSeq.
func (s *MemoryStore) TrimMessages(roomID, beforeSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.messages[roomID]
	cut := sort.Search(len(log), func(i int) bool { return log[i].Seq >= beforeSeq })
	s.messages[roomID] = append([]model.Message(nil), log[cut:]...)
	return nil
}
