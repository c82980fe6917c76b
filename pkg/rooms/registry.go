// Package rooms implements the room registry: the authoritative catalog and
// the derived user-to-room membership.
package rooms

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/NicolasHaas/roomchat/pkg/channel"
	"github.com/NicolasHaas/roomchat/pkg/model"
)

// Catalog persists the room list. datastore.SQLStore and datastore.MemoryStore
// both satisfy it.
type Catalog interface {
	ListRooms() ([]model.Room, error)
	ImportRooms(rooms []model.Room) error
}

// ChannelFactory builds the message channel that serves a room.
type ChannelFactory func(room model.Room) (*channel.Channel, error)

// Registry manages the room catalog and which room each user is in.
type Registry struct {
	catalog    Catalog
	newChannel ChannelFactory

	mu       sync.RWMutex
	order    []int64                    // insertion order
	channels map[int64]*channel.Channel // roomID -> channel
	memberOf map[string]int64           // user -> roomID
}

// New loads the catalog and opens a channel per room. An empty catalog is
// seeded with model.DefaultRooms.
func New(catalog Catalog, newChannel ChannelFactory) (*Registry, error) {
	r := &Registry{
		catalog:    catalog,
		newChannel: newChannel,
		channels:   make(map[int64]*channel.Channel),
		memberOf:   make(map[string]int64),
	}

	rooms, err := catalog.ListRooms()
	if err != nil {
		return nil, fmt.Errorf("rooms: load catalog: %w", err)
	}
	if len(rooms) == 0 {
		rooms = model.DefaultRooms()
		if err := catalog.ImportRooms(rooms); err != nil {
			return nil, fmt.Errorf("rooms: seed catalog: %w", err)
		}
		slog.Info("seeded default room catalog", "count", len(rooms))
	}

	for _, room := range rooms {
		if err := r.open(room); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// open creates the channel for room. Caller holds r.mu or has exclusive access.
func (r *Registry) open(room model.Room) error {
	ch, err := r.newChannel(room)
	if err != nil {
		return fmt.Errorf("rooms: open room %d: %w", room.ID, err)
	}
	r.channels[room.ID] = ch
	r.order = append(r.order, room.ID)
	return nil
}

// ListRooms returns the catalog in insertion order with live member counts.
func (r *Registry) ListRooms() []model.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]model.RoomInfo, 0, len(r.order))
	for _, id := range r.order {
		ch := r.channels[id]
		result = append(result, model.RoomInfo{Room: ch.Room(), Members: ch.MemberCount()})
	}
	return result
}

// AddRoom appends a new room to the catalog.
func (r *Registry) AddRoom(room model.Room) error {
	if err := room.Validate(); err != nil {
		return fmt.Errorf("rooms: add room: %w: %w", model.ErrValidation, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[room.ID]; exists {
		return model.Validationf("room %d already exists", room.ID)
	}
	if err := r.catalog.ImportRooms([]model.Room{room}); err != nil {
		return fmt.Errorf("rooms: add room: %w", err)
	}
	if err := r.open(room); err != nil {
		return err
	}
	slog.Info("room added", "room", room.ID, "name", room.Name)
	return nil
}

// Join adds user to a room, removing them from any previous room, and returns
// the room's channel.
func (r *Registry) Join(user string, roomID int64) (*channel.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[roomID]
	if !ok {
		return nil, fmt.Errorf("rooms: join room %d: %w", roomID, model.ErrNotFound)
	}

	if prev, ok := r.memberOf[user]; ok {
		if prev == roomID {
			return ch, nil
		}
		r.channels[prev].RemoveMember(user)
		slog.Debug("left previous room", "user", user, "room", prev)
	}

	ch.AddMember(user)
	r.memberOf[user] = roomID
	slog.Debug("joined room", "user", user, "room", roomID)
	return ch, nil
}

// Leave removes user from their current room and returns its ID, or 0 if the
// user was not in a room.
func (r *Registry) Leave(user string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.memberOf[user]
	if !ok {
		return 0
	}
	delete(r.memberOf, user)
	r.channels[roomID].RemoveMember(user)
	slog.Debug("left room", "user", user, "room", roomID)
	return roomID
}

// RoomOf returns the room ID user is in, or 0 if none.
func (r *Registry) RoomOf(user string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.memberOf[user]
}

// Channel returns the channel of a room.
func (r *Registry) Channel(roomID int64) (*channel.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[roomID]
	if !ok {
		return nil, fmt.Errorf("rooms: room %d: %w", roomID, model.ErrNotFound)
	}
	return ch, nil
}

// MembersCount returns how many users are in a room.
func (r *Registry) MembersCount(roomID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[roomID]
	if !ok {
		return 0
	}
	return ch.MemberCount()
}

// Count returns the number of rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
