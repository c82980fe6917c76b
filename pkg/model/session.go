package model

import "time"

// State is a session's position in the intake flow.
type State int

const (
	StateAnonymous State = iota // no name yet
	StateNamed                  // name submitted, profile step pending
	StateReady                  // may browse and join rooms
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateNamed:
		return "named"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is a point-in-time snapshot of one client session.
type Session struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	User       User      `json:"user"`
	RoomID     int64     `json:"room_id,omitempty"` // 0 = not in a room
	LastActive time.Time `json:"-"`
}
