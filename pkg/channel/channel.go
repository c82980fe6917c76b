// Package channel implements the per-room message channel: an append-only,
// totally ordered log with live subscribers.
//
// One Channel is the single authority for its room's sequence numbers. Sends
// are serialized through a context-aware lock, so two sends never share a
// sequence number and a sender stuck behind a slow journal write gives up with
// model.ErrTimeout instead of hanging.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/NicolasHaas/roomchat/pkg/datastore"
	"github.com/NicolasHaas/roomchat/pkg/model"
)

// Journal is the durable side of the log. The datastore package provides
// SQLite and in-memory implementations.
type Journal interface {
	AppendMessage(message *model.Message) error
	TrimMessages(roomID, beforeSeq int64) error
	ListMessages(filters datastore.MessageFilters) ([]model.Message, error)
	LastSeq(roomID int64) (int64, error)
}

// Attachments is the subset of the attachment store a channel needs.
type Attachments interface {
	Stat(ref string) (model.Attachment, error)
	Claim(ref string) (model.Attachment, error)
	Unclaim(ref string)
	Release(ref string)
}

// Config tunes a channel.
type Config struct {
	HistoryLimit     int // messages kept in memory and returned by History
	SubscriberBuffer int // per-subscriber queue before the subscriber is dropped
}

// DefaultConfig returns the limits used by the server.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:     1000,
		SubscriberBuffer: 64,
	}
}

// Deps holds a channel's collaborators. Journal and OnMessage may be nil.
type Deps struct {
	Attachments Attachments
	Journal     Journal
	Now         func() time.Time
	OnMessage   func(model.Message)
}

// Channel is one room's ordered message log.
type Channel struct {
	room model.Room
	cfg  Config
	deps Deps

	// sendLock makes this channel the single owner of sequence assignment.
	sendLock *semaphore.Weighted
	nextSeq  int64 // guarded by sendLock

	mu      sync.RWMutex
	log     []model.Message
	members map[string]struct{}
	subs    map[string]map[*Subscription]struct{}
}

// New creates a channel for room and restores its tail from the journal, so
// sequence numbers continue after a restart.
func New(room model.Room, cfg Config, deps Deps) (*Channel, error) {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	c := &Channel{
		room:     room,
		cfg:      cfg,
		deps:     deps,
		sendLock: semaphore.NewWeighted(1),
		nextSeq:  1,
		members:  make(map[string]struct{}),
		subs:     make(map[string]map[*Subscription]struct{}),
	}
	if deps.Journal != nil {
		last, err := deps.Journal.LastSeq(room.ID)
		if err != nil {
			return nil, fmt.Errorf("channel: restore room %d: %w", room.ID, err)
		}
		tail, err := deps.Journal.ListMessages(datastore.MessageFilters{RoomID: room.ID, Limit: cfg.HistoryLimit})
		if err != nil {
			return nil, fmt.Errorf("channel: restore room %d: %w", room.ID, err)
		}
		c.log = tail
		c.nextSeq = last + 1
		if len(tail) > 0 {
			slog.Debug("restored room history", "room", room.ID, "messages", len(tail), "last_seq", last)
		}
	}
	return c, nil
}

// Room returns the catalog entry this channel serves.
func (c *Channel) Room() model.Room {
	return c.room
}

// Send validates content, assigns the next sequence number, appends the
// message and notifies subscribers.
func (c *Channel) Send(ctx context.Context, sender string, content model.Content) (model.Message, error) {
	if content.Kind == model.KindText {
		content.Text = model.SanitizeText(content.Text)
	}
	if err := content.Validate(); err != nil {
		return model.Message{}, fmt.Errorf("channel: send: %w: %w", model.ErrValidation, err)
	}

	if err := c.sendLock.Acquire(ctx, 1); err != nil {
		return model.Message{}, model.FromContext("channel: send", err)
	}
	defer c.sendLock.Release(1)

	if !c.IsMember(sender) {
		return model.Message{}, fmt.Errorf("channel: send: %q in room %d: %w", sender, c.room.ID, model.ErrNotMember)
	}

	msg := model.Message{
		RoomID: c.room.ID,
		Sender: sender,
		Kind:   content.Kind,
		Text:   content.Text,
	}
	if content.Kind != model.KindText {
		att, err := c.claimAttachment(content)
		if err != nil {
			return model.Message{}, err
		}
		msg.Attachment = &att
	}

	// Past this point the send is committed unless the journal fails or the
	// caller already gave up.
	if err := ctx.Err(); err != nil {
		c.unclaimAttachment(msg)
		return model.Message{}, model.FromContext("channel: send", err)
	}

	msg.Seq = c.nextSeq
	msg.Timestamp = c.deps.Now().UTC()

	if c.deps.Journal != nil {
		if err := c.deps.Journal.AppendMessage(&msg); err != nil {
			c.unclaimAttachment(msg)
			return model.Message{}, fmt.Errorf("channel: send: journal: %w", err)
		}
	}
	c.nextSeq++

	trimmed := c.append(msg)
	c.releaseTrimmed(trimmed)

	if c.deps.OnMessage != nil {
		c.deps.OnMessage(msg)
	}
	return msg, nil
}

func (c *Channel) claimAttachment(content model.Content) (model.Attachment, error) {
	if c.deps.Attachments == nil {
		return model.Attachment{}, fmt.Errorf("channel: send: attachments disabled: %w", model.ErrUnsupportedType)
	}
	meta, err := c.deps.Attachments.Stat(content.AttachmentRef)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("channel: send: %w", err)
	}
	if content.Kind == model.KindImage && !model.IsImage(meta.ContentType) {
		return model.Attachment{}, fmt.Errorf("channel: send: %w: %w", model.ErrValidation, model.ErrMessageNotImage)
	}
	att, err := c.deps.Attachments.Claim(content.AttachmentRef)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("channel: send: %w", err)
	}
	return att, nil
}

// unclaimAttachment hands the upload back after a failed send so the
// sender can retry with the same ref.
func (c *Channel) unclaimAttachment(m model.Message) {
	if m.Attachment != nil && c.deps.Attachments != nil {
		c.deps.Attachments.Unclaim(m.Attachment.Ref)
	}
}

func (c *Channel) releaseAttachment(m model.Message) {
	if m.Attachment != nil && c.deps.Attachments != nil {
		c.deps.Attachments.Release(m.Attachment.Ref)
	}
}

// append adds msg to the log, fans it out and returns the messages trimmed
// off the front. Trimming happens in batches so the copy cost is amortized.
func (c *Channel) append(msg model.Message) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log = append(c.log, msg)
	c.fanoutLocked(msg)

	limit := c.cfg.HistoryLimit
	if len(c.log) <= limit+limit/4 {
		return nil
	}
	drop := len(c.log) - limit
	trimmed := make([]model.Message, drop)
	copy(trimmed, c.log[:drop])
	c.log = append([]model.Message(nil), c.log[drop:]...)
	return trimmed
}

func (c *Channel) releaseTrimmed(trimmed []model.Message) {
	if len(trimmed) == 0 {
		return
	}
	for _, m := range trimmed {
		c.releaseAttachment(m)
	}
	if c.deps.Journal != nil {
		before := trimmed[len(trimmed)-1].Seq + 1
		if err := c.deps.Journal.TrimMessages(c.room.ID, before); err != nil {
			slog.Error("failed to trim journal", "room", c.room.ID, "before_seq", before, "err", err)
		}
	}
	slog.Debug("trimmed room history", "room", c.room.ID, "count", len(trimmed))
}

// History returns up to HistoryLimit of the most recent messages in sequence
// order.
func (c *Channel) History() []model.Message {
	return c.Since(0)
}

// Since returns messages with a sequence number greater than seq, oldest
// first, capped at HistoryLimit.
func (c *Channel) Since(seq int64) []model.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := len(c.log) - c.cfg.HistoryLimit
	if start < 0 {
		start = 0
	}
	// The log is sorted by Seq, so binary search for the first newer entry.
	lo, hi := start, len(c.log)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if c.log[mid].Seq <= seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	out := make([]model.Message, len(c.log)-lo)
	copy(out, c.log[lo:])
	return out
}

// LastSeq returns the most recently assigned sequence number, or 0.
func (c *Channel) LastSeq() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.log) == 0 {
		return 0
	}
	return c.log[len(c.log)-1].Seq
}
