package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time
	gauges    func() Gauges

	// HTTP counters
	Requests      atomic.Int64 // requests served
	ClientErrors  atomic.Int64 // 4xx responses
	ServerErrors  atomic.Int64 // 5xx responses
	Unauthorized  atomic.Int64 // requests rejected by the token check
	TimedOutCalls atomic.Int64 // operations that hit OperationTimeout

	// Session counters
	SessionsCreated atomic.Int64
	Logouts         atomic.Int64

	// Room counters
	RoomJoins  atomic.Int64
	RoomLeaves atomic.Int64

	// Chat counters
	MessagesSent       atomic.Int64 // total accepted messages
	TextMessages       atomic.Int64
	AttachmentMessages atomic.Int64 // image and file messages
	StreamsOpened      atomic.Int64 // websocket subscriptions opened
	StreamsActive      atomic.Int64

	// Attachment counters
	UploadsAccepted atomic.Int64
	UploadsRejected atomic.Int64 // too large or unsupported type
	UploadBytes     atomic.Int64
}

// Gauges are values read from the live components at snapshot time.
type Gauges struct {
	Sessions         int
	Rooms            int
	Attachments      int
	AttachmentBytes  int64
	AttachmentEvicts int64
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// SetGauges installs the function that samples live component state.
func (m *Metrics) SetGauges(fn func() Gauges) {
	m.gauges = fn
}

func (m *Metrics) recordMessage(msg model.Message) {
	m.MessagesSent.Add(1)
	if msg.Kind == model.KindText {
		m.TextMessages.Add(1)
	} else {
		m.AttachmentMessages.Add(1)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	Requests      int64 `json:"requests"`
	ClientErrors  int64 `json:"client_errors"`
	ServerErrors  int64 `json:"server_errors"`
	Unauthorized  int64 `json:"unauthorized"`
	TimedOutCalls int64 `json:"timed_out_calls"`

	SessionsActive  int   `json:"sessions_active"`
	SessionsCreated int64 `json:"sessions_created"`
	Logouts         int64 `json:"logouts"`

	Rooms      int   `json:"rooms"`
	RoomJoins  int64 `json:"room_joins"`
	RoomLeaves int64 `json:"room_leaves"`

	MessagesSent       int64 `json:"messages_sent"`
	TextMessages       int64 `json:"text_messages"`
	AttachmentMessages int64 `json:"attachment_messages"`
	StreamsOpened      int64 `json:"streams_opened"`
	StreamsActive      int64 `json:"streams_active"`

	UploadsAccepted  int64 `json:"uploads_accepted"`
	UploadsRejected  int64 `json:"uploads_rejected"`
	UploadBytes      int64 `json:"upload_bytes"`
	Attachments      int   `json:"attachments"`
	AttachmentBytes  int64 `json:"attachment_bytes"`
	AttachmentEvicts int64 `json:"attachment_evictions"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	var g Gauges
	if m.gauges != nil {
		g = m.gauges()
	}
	return MetricsSnapshot{
		Uptime:             uptime.Truncate(time.Second).String(),
		UptimeSeconds:      int64(uptime.Seconds()),
		Requests:           m.Requests.Load(),
		ClientErrors:       m.ClientErrors.Load(),
		ServerErrors:       m.ServerErrors.Load(),
		Unauthorized:       m.Unauthorized.Load(),
		TimedOutCalls:      m.TimedOutCalls.Load(),
		SessionsActive:     g.Sessions,
		SessionsCreated:    m.SessionsCreated.Load(),
		Logouts:            m.Logouts.Load(),
		Rooms:              g.Rooms,
		RoomJoins:          m.RoomJoins.Load(),
		RoomLeaves:         m.RoomLeaves.Load(),
		MessagesSent:       m.MessagesSent.Load(),
		TextMessages:       m.TextMessages.Load(),
		AttachmentMessages: m.AttachmentMessages.Load(),
		StreamsOpened:      m.StreamsOpened.Load(),
		StreamsActive:      m.StreamsActive.Load(),
		UploadsAccepted:    m.UploadsAccepted.Load(),
		UploadsRejected:    m.UploadsRejected.Load(),
		UploadBytes:        m.UploadBytes.Load(),
		Attachments:        g.Attachments,
		AttachmentBytes:    g.AttachmentBytes,
		AttachmentEvicts:   g.AttachmentEvicts,
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"sessions", s.SessionsActive,
		"requests", s.Requests,
		"messages", s.MessagesSent,
		"streams", s.StreamsActive,
		"attachments", s.Attachments,
		"attachment_bytes", s.AttachmentBytes,
		"evictions", s.AttachmentEvicts,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
