// Package attachment implements the bounded, reference-based store for
// uploaded binary payloads.
//
// Uploads are checked against a size limit and a MIME allow-list, then kept in
// memory under an opaque reference. When the store-wide byte quota is exceeded
// the least recently resolved entries are evicted, so callers must treat an
// attachment as best-effort: Resolve may report model.ErrNotFound later.
package attachment

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/NicolasHaas/roomchat/pkg/crypto"
	"github.com/NicolasHaas/roomchat/pkg/model"
)

// Config bounds what the store accepts and how much it keeps.
type Config struct {
	MaxBytes      int64         // largest accepted payload; exactly MaxBytes is allowed
	AllowedTypes  []string      // MIME types, "image/*" style wildcards allowed
	QuotaBytes    int64         // store-wide byte budget, 0 = unlimited
	OrphanTTL     time.Duration // unclaimed uploads older than this are swept, 0 = never
	MaxInFlight   int64         // concurrent uploads being ingested, 0 = 8
	SweepInterval time.Duration // janitor period, 0 = 1m
}

// DefaultConfig returns a 5 MiB limit with common image and document types.
func DefaultConfig() Config {
	return Config{
		MaxBytes: 5 << 20,
		AllowedTypes: []string{
			"image/png", "image/jpeg", "image/gif", "image/webp",
			"application/pdf", "text/plain", "application/zip",
			"application/msword",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		},
		QuotaBytes:    256 << 20,
		OrphanTTL:     15 * time.Minute,
		MaxInFlight:   8,
		SweepInterval: time.Minute,
	}
}

type entry struct {
	meta    model.Attachment
	data    []byte
	claimed bool
}

// Store holds attachment payloads keyed by reference.
type Store struct {
	cfg      Config
	exact    map[string]bool
	prefixes []string // from "type/*" wildcards, stored as "type/"
	inflight *semaphore.Weighted
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element // ref -> element holding *entry
	lru     *list.List               // front = most recently resolved
	usage   int64

	evictions atomic.Int64
}

// New creates a Store. A quota smaller than MaxBytes is raised to MaxBytes so
// any accepted upload fits.
func New(cfg Config) *Store {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock creates a Store with a custom clock.
func NewWithClock(cfg Config, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.QuotaBytes > 0 && cfg.QuotaBytes < cfg.MaxBytes {
		cfg.QuotaBytes = cfg.MaxBytes
	}
	s := &Store{
		cfg:      cfg,
		exact:    make(map[string]bool),
		inflight: semaphore.NewWeighted(cfg.MaxInFlight),
		now:      now,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
	for _, t := range cfg.AllowedTypes {
		t = model.NormalizeContentType(t)
		if strings.HasSuffix(t, "/*") {
			s.prefixes = append(s.prefixes, strings.TrimSuffix(t, "*"))
			continue
		}
		if t != "" {
			s.exact[t] = true
		}
	}
	return s
}

// Allowed reports whether contentType passes the allow-list.
func (s *Store) Allowed(contentType string) bool {
	ct := model.NormalizeContentType(contentType)
	if s.exact[ct] {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(ct, p) && len(ct) > len(p) {
			return true
		}
	}
	return false
}

// MaxBytes returns the per-upload limit.
func (s *Store) MaxBytes() int64 {
	return s.cfg.MaxBytes
}

// Upload validates and stores a payload, returning its metadata. The byte
// usage counter only changes on success.
func (s *Store) Upload(ctx context.Context, data []byte, name, contentType string) (model.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return model.Attachment{}, model.FromContext("attachment: upload", err)
	}
	size := int64(len(data))
	if size > s.cfg.MaxBytes {
		return model.Attachment{}, fmt.Errorf("attachment: upload: %d bytes exceeds limit of %d: %w", size, s.cfg.MaxBytes, model.ErrPayloadTooLarge)
	}
	if !s.Allowed(contentType) {
		return model.Attachment{}, fmt.Errorf("attachment: upload: type %q: %w", contentType, model.ErrUnsupportedType)
	}
	name = sanitizeFilename(name)

	if err := s.inflight.Acquire(ctx, 1); err != nil {
		return model.Attachment{}, model.FromContext("attachment: upload", err)
	}
	defer s.inflight.Release(1)

	buf := make([]byte, size)
	copy(buf, data)
	meta := model.Attachment{
		Ref:         uuid.NewString(),
		Name:        name,
		Size:        size,
		ContentType: model.NormalizeContentType(contentType),
		Digest:      crypto.Digest(buf),
		CreatedAt:   s.now().UTC(),
	}

	// Hashing a large payload can outlast the caller's deadline.
	if err := ctx.Err(); err != nil {
		return model.Attachment{}, model.FromContext("attachment: upload", err)
	}

	s.mu.Lock()
	s.entries[meta.Ref] = s.lru.PushFront(&entry{meta: meta, data: buf})
	s.usage += size
	s.evictLocked()
	s.mu.Unlock()

	slog.Debug("attachment stored", "ref", meta.Ref, "name", meta.Name, "size", size, "type", meta.ContentType)
	return meta, nil
}

// evictLocked drops least recently resolved entries until usage fits the
// quota. The newest entry is never evicted. Caller holds s.mu.
func (s *Store) evictLocked() {
	if s.cfg.QuotaBytes <= 0 {
		return
	}
	for s.usage > s.cfg.QuotaBytes && s.lru.Len() > 1 {
		oldest := s.lru.Back()
		e := oldest.Value.(*entry)
		s.removeLocked(oldest)
		s.evictions.Add(1)
		slog.Debug("attachment evicted", "ref", e.meta.Ref, "size", e.meta.Size)
	}
}

func (s *Store) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	s.lru.Remove(el)
	delete(s.entries, e.meta.Ref)
	s.usage -= e.meta.Size
}

// Resolve returns a copy of the payload and its metadata, and marks the entry
// most recently used.
func (s *Store) Resolve(ctx context.Context, ref string) ([]byte, model.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.Attachment{}, model.FromContext("attachment: resolve", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[ref]
	if !ok {
		return nil, model.Attachment{}, fmt.Errorf("attachment: resolve %q: %w", ref, model.ErrNotFound)
	}
	s.lru.MoveToFront(el)
	e := el.Value.(*entry)
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, e.meta, nil
}

// Stat returns the metadata of a stored attachment without touching recency.
func (s *Store) Stat(ref string) (model.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[ref]
	if !ok {
		return model.Attachment{}, fmt.Errorf("attachment: stat %q: %w", ref, model.ErrNotFound)
	}
	return el.Value.(*entry).meta, nil
}

// Claim hands ownership of an upload to a single owner (a message or an
// avatar). Claiming an already-owned attachment is a validation error.
func (s *Store) Claim(ref string) (model.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[ref]
	if !ok {
		return model.Attachment{}, fmt.Errorf("attachment: claim %q: %w", ref, model.ErrNotFound)
	}
	e := el.Value.(*entry)
	if e.claimed {
		return model.Attachment{}, fmt.Errorf("attachment: claim %q: already attached: %w", ref, model.ErrValidation)
	}
	e.claimed = true
	return e.meta, nil
}

// Unclaim returns a claimed attachment to the unowned pool, so a failed send
// can be retried and an abandoned upload still expires with the orphan TTL.
// Unknown refs are ignored.
func (s *Store) Unclaim(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[ref]; ok {
		el.Value.(*entry).claimed = false
	}
}

// Release drops an attachment whose owner is gone. Unknown refs are ignored.
func (s *Store) Release(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[ref]; ok {
		s.removeLocked(el)
	}
}

// Sweep removes unclaimed uploads older than the orphan TTL and returns how
// many were removed.
func (s *Store) Sweep(now time.Time) int {
	if s.cfg.OrphanTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-s.cfg.OrphanTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if !e.claimed && e.meta.CreatedAt.Before(cutoff) {
			s.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// StartJanitor sweeps orphaned uploads every SweepInterval until done closes.
func (s *Store) StartJanitor(done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if n := s.Sweep(s.now()); n > 0 {
					slog.Info("swept orphaned attachments", "count", n)
				}
			}
		}
	}()
}

// Usage returns the bytes currently held.
func (s *Store) Usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Count returns the number of stored attachments.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Evictions returns how many attachments were evicted under quota pressure.
func (s *Store) Evictions() int64 {
	return s.evictions.Load()
}
