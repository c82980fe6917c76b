package channel

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

// Subscription is a lazy stream of messages accepted after it was created.
// The stream ends (C is closed) when the subscriber leaves the room, falls
// too far behind, or calls Close.
type Subscription struct {
	user string
	ch   chan model.Message
	c    *Channel

	once sync.Once
}

// C returns the message stream.
func (s *Subscription) C() <-chan model.Message {
	return s.ch
}

// User returns the subscribing member.
func (s *Subscription) User() string {
	return s.user
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.detachLocked(s)
}

// AddMember registers user as a member. Adding twice is a no-op.
func (c *Channel) AddMember(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[user] = struct{}{}
}

// RemoveMember drops user and ends all of their subscriptions. It reports
// whether user was a member.
func (c *Channel) RemoveMember(user string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[user]; !ok {
		return false
	}
	delete(c.members, user)
	for sub := range c.subs[user] {
		c.detachLocked(sub)
	}
	return true
}

// IsMember reports whether user is currently joined.
func (c *Channel) IsMember(user string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[user]
	return ok
}

// MemberCount returns the number of joined users.
func (c *Channel) MemberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// Subscribe starts a stream of future messages for a joined member.
func (c *Channel) Subscribe(user string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[user]; !ok {
		return nil, fmt.Errorf("channel: subscribe: %q in room %d: %w", user, c.room.ID, model.ErrNotMember)
	}
	sub := &Subscription{
		user: user,
		ch:   make(chan model.Message, c.cfg.SubscriberBuffer),
		c:    c,
	}
	if c.subs[user] == nil {
		c.subs[user] = make(map[*Subscription]struct{})
	}
	c.subs[user][sub] = struct{}{}
	return sub, nil
}

// SubscriberCount returns the number of open subscriptions.
func (c *Channel) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, set := range c.subs {
		n += len(set)
	}
	return n
}

// detachLocked removes sub and closes its stream. Caller holds c.mu.
func (c *Channel) detachLocked(sub *Subscription) {
	sub.once.Do(func() {
		if set := c.subs[sub.user]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(c.subs, sub.user)
			}
		}
		close(sub.ch)
	})
}

// fanoutLocked delivers msg without blocking. A subscriber whose queue is full
// is dropped so one slow reader cannot stall the room. Caller holds c.mu.
func (c *Channel) fanoutLocked(msg model.Message) {
	for _, set := range c.subs {
		for sub := range set {
			select {
			case sub.ch <- msg:
			default:
				slog.Warn("dropping slow subscriber", "room", c.room.ID, "user", sub.user)
				c.detachLocked(sub)
			}
		}
	}
}
