// Package session manages client sessions and the Anonymous -> Named -> Ready
// intake flow.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/crypto"
	"github.com/NicolasHaas/roomchat/pkg/model"
)

// Avatars is the subset of the attachment store used for profile pictures.
type Avatars interface {
	Upload(ctx context.Context, data []byte, name, contentType string) (model.Attachment, error)
	Claim(ref string) (model.Attachment, error)
	Release(ref string)
}

// Rooms is the registry hook used to derive and drop room membership.
type Rooms interface {
	RoomOf(user string) int64
	Leave(user string) int64
}

// Deps holds the manager's collaborators. Rooms may be nil in tests.
type Deps struct {
	Avatars Avatars
	Rooms   Rooms
	Now     func() time.Time
}

// Manager manages active client sessions.
type Manager struct {
	avatars Avatars
	rooms   Rooms
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*model.Session // sessionID -> session
	names    map[string]string         // folded display name -> sessionID
}

// NewManager creates a new session manager.
func NewManager(deps Deps) *Manager {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Manager{
		avatars:  deps.Avatars,
		rooms:    deps.Rooms,
		now:      deps.Now,
		sessions: make(map[string]*model.Session),
		names:    make(map[string]string),
	}
}

// nameKey folds case so "Alice" and "alice" cannot both be live.
func nameKey(name string) string {
	return strings.ToLower(name)
}

// Create starts a new anonymous session.
func (m *Manager) Create() (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id string
	for {
		var err error
		id, err = crypto.GenerateID()
		if err != nil {
			return model.Session{}, fmt.Errorf("session: create: %w", err)
		}
		if _, exists := m.sessions[id]; !exists {
			break
		}
	}

	sess := &model.Session{
		ID:         id,
		State:      model.StateAnonymous,
		LastActive: m.now(),
	}
	m.sessions[id] = sess
	return *sess, nil
}

// lookupLocked returns the live session or ErrNotFound. Caller holds m.mu.
func (m *Manager) lookupLocked(op, id string) (*model.Session, error) {
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: %s: %w", op, model.ErrNotFound)
	}
	return sess, nil
}

// Get returns a snapshot of a session with its current room.
func (m *Manager) Get(id string) (model.Session, error) {
	m.mu.RLock()
	sess, err := m.lookupLocked("get", id)
	if err != nil {
		m.mu.RUnlock()
		return model.Session{}, err
	}
	snap := *sess
	m.mu.RUnlock()

	if m.rooms != nil && snap.User.Name != "" {
		snap.RoomID = m.rooms.RoomOf(snap.User.Name)
	}
	return snap, nil
}

// Touch marks a session active now.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.lookupLocked("touch", id)
	if err != nil {
		return err
	}
	sess.LastActive = m.now()
	return nil
}

// SubmitName sets the display name of an anonymous session. Names are unique
// among live sessions, ignoring case.
func (m *Manager) SubmitName(id, name string) (model.Session, error) {
	name = model.NormalizeDisplayName(name)
	if err := model.ValidateDisplayName(name); err != nil {
		return model.Session{}, fmt.Errorf("session: submit name: %w: %w", model.ErrValidation, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.lookupLocked("submit name", id)
	if err != nil {
		return model.Session{}, err
	}
	if sess.State != model.StateAnonymous {
		return model.Session{}, model.Validationf("session: submit name: name already set in state %s", sess.State)
	}
	key := nameKey(name)
	if owner, taken := m.names[key]; taken && owner != id {
		return model.Session{}, model.Validationf("session: submit name: %q is already in use", name)
	}

	m.names[key] = id
	sess.User.Name = name
	sess.State = model.StateNamed
	sess.LastActive = m.now()
	slog.Debug("session named", "session", id, "name", name)
	return *sess, nil
}

// requireProfileLocked checks that the session may edit its profile. Caller
// holds m.mu.
func (m *Manager) requireProfileLocked(op, id string) (*model.Session, error) {
	sess, err := m.lookupLocked(op, id)
	if err != nil {
		return nil, err
	}
	if sess.State == model.StateAnonymous {
		return nil, model.Validationf("session: %s: submit a name first", op)
	}
	return sess, nil
}

// SetAvatar uploads an image through the attachment store and makes it the
// session's avatar. The previous avatar is released.
func (m *Manager) SetAvatar(ctx context.Context, id string, data []byte, filename, contentType string) (model.Session, error) {
	m.mu.RLock()
	_, err := m.requireProfileLocked("set avatar", id)
	m.mu.RUnlock()
	if err != nil {
		return model.Session{}, err
	}
	if m.avatars == nil {
		return model.Session{}, fmt.Errorf("session: set avatar: no attachment store: %w", model.ErrUnsupportedType)
	}
	if !model.IsImage(contentType) {
		return model.Session{}, fmt.Errorf("session: set avatar: type %q is not an image: %w", contentType, model.ErrUnsupportedType)
	}

	att, err := m.avatars.Upload(ctx, data, filename, contentType)
	if err != nil {
		return model.Session{}, fmt.Errorf("session: set avatar: %w", err)
	}
	if _, err := m.avatars.Claim(att.Ref); err != nil {
		return model.Session{}, fmt.Errorf("session: set avatar: %w", err)
	}

	m.mu.Lock()
	sess, err := m.requireProfileLocked("set avatar", id)
	if err != nil {
		// Logged out or removed while uploading.
		m.mu.Unlock()
		m.avatars.Release(att.Ref)
		return model.Session{}, err
	}
	prev := sess.User.Avatar
	sess.User.Avatar = att.Ref
	sess.LastActive = m.now()
	snap := *sess
	m.mu.Unlock()

	if prev != "" {
		m.avatars.Release(prev)
	}
	return snap, nil
}

// ClearAvatar removes the session's avatar, if any.
func (m *Manager) ClearAvatar(id string) (model.Session, error) {
	m.mu.Lock()
	sess, err := m.requireProfileLocked("clear avatar", id)
	if err != nil {
		m.mu.Unlock()
		return model.Session{}, err
	}
	prev := sess.User.Avatar
	sess.User.Avatar = ""
	sess.LastActive = m.now()
	snap := *sess
	m.mu.Unlock()

	if prev != "" && m.avatars != nil {
		m.avatars.Release(prev)
	}
	return snap, nil
}

// EnterRoom finishes the profile step. Calling it in Ready is a no-op.
func (m *Manager) EnterRoom(id string) (model.Session, error) {
	return m.markReady("enter room", id)
}

// SkipProfile finishes intake without touching the avatar.
func (m *Manager) SkipProfile(id string) (model.Session, error) {
	return m.markReady("skip profile", id)
}

func (m *Manager) markReady(op, id string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.requireProfileLocked(op, id)
	if err != nil {
		return model.Session{}, err
	}
	sess.State = model.StateReady
	sess.LastActive = m.now()
	return *sess, nil
}

// RequireReady returns the session if it completed intake.
func (m *Manager) RequireReady(id string) (model.Session, error) {
	snap, err := m.Get(id)
	if err != nil {
		return model.Session{}, err
	}
	if snap.State != model.StateReady {
		return model.Session{}, model.Validationf("session: state %s: finish the profile step first", snap.State)
	}
	return snap, nil
}

// Logout clears the session's identity, drops its room membership and
// releases its avatar. The session itself stays valid in Anonymous.
func (m *Manager) Logout(id string) error {
	m.mu.Lock()
	sess, err := m.lookupLocked("logout", id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	user := sess.User
	m.releaseNameLocked(id, user)
	*sess = model.Session{ID: id, State: model.StateAnonymous, LastActive: m.now()}
	m.mu.Unlock()

	m.releaseAvatar(user)
	return nil
}

// Remove logs the session out and forgets it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	sess, err := m.lookupLocked("remove", id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	user := sess.User
	m.releaseNameLocked(id, user)
	delete(m.sessions, id)
	m.mu.Unlock()

	m.releaseAvatar(user)
	return nil
}

// releaseNameLocked leaves the user's room and frees the name. Both happen
// under m.mu so a new owner of the name cannot join a room before the old
// membership is gone. Caller holds m.mu.
func (m *Manager) releaseNameLocked(id string, user model.User) {
	if user.Name == "" {
		return
	}
	if m.rooms != nil {
		if roomID := m.rooms.Leave(user.Name); roomID != 0 {
			slog.Debug("session left room", "session", id, "room", roomID)
		}
	}
	delete(m.names, nameKey(user.Name))
}

func (m *Manager) releaseAvatar(user model.User) {
	if user.Avatar != "" && m.avatars != nil {
		m.avatars.Release(user.Avatar)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ReapIdle removes sessions inactive for longer than maxIdle and returns how
// many were removed.
func (m *Manager) ReapIdle(now time.Time, maxIdle time.Duration) int {
	m.mu.RLock()
	var idle []string
	for id, sess := range m.sessions {
		if now.Sub(sess.LastActive) > maxIdle {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range idle {
		if err := m.Remove(id); err == nil {
			removed++
		}
	}
	return removed
}

// StartReaper removes idle sessions every interval until done closes.
func (m *Manager) StartReaper(interval, maxIdle time.Duration, done <-chan struct{}) {
	if interval <= 0 || maxIdle <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if n := m.ReapIdle(m.now(), maxIdle); n > 0 {
					slog.Info("terminated idle sessions", "count", n)
				}
			}
		}
	}()
}
