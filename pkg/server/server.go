// Package server implements the roomchat HTTP server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NicolasHaas/roomchat/pkg/attachment"
	"github.com/NicolasHaas/roomchat/pkg/channel"
	"github.com/NicolasHaas/roomchat/pkg/crypto"
	"github.com/NicolasHaas/roomchat/pkg/datastore"
	"github.com/NicolasHaas/roomchat/pkg/logging"
	"github.com/NicolasHaas/roomchat/pkg/model"
	"github.com/NicolasHaas/roomchat/pkg/rooms"
	"github.com/NicolasHaas/roomchat/pkg/session"
)

// Config holds server configuration.
type Config struct {
	Addr      string // HTTP bind address (e.g. ":8080")
	DBPath    string // SQLite journal path, empty = in-memory
	RoomsFile string // YAML file defining rooms to import on startup

	OperationTimeout   time.Duration // deadline applied to every blocking request
	SessionIdleTimeout time.Duration // idle sessions are logged out and removed, 0 = never
	TokenTTL           time.Duration // session token lifetime, 0 = no expiry
	TokenSecret        []byte        // HS256 key, random per process when empty
	MetricsLogInterval time.Duration // periodic metrics summary, 0 = disabled
	StreamPingInterval time.Duration // websocket keepalive, also marks the session active
	ShutdownTimeout    time.Duration

	Channel     channel.Config
	Attachments attachment.Config
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataStore
	// Journal persists room history across restarts. Nil keeps history in
	// the channels only.
	Journal channel.Journal
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		OperationTimeout:   5 * time.Second,
		SessionIdleTimeout: 30 * time.Minute,
		TokenTTL:           24 * time.Hour,
		MetricsLogInterval: 60 * time.Second,
		StreamPingInterval: pingPeriod,
		ShutdownTimeout:    10 * time.Second,
		Channel:            channel.DefaultConfig(),
		Attachments:        attachment.DefaultConfig(),
	}
}

// Server is the main roomchat server.
type Server struct {
	cfg         Config
	store       datastore.DataStore
	journal     channel.Journal
	attachments *attachment.Store
	rooms       *rooms.Registry
	sessions    *session.Manager
	tokens      *session.Tokens
	metrics     *Metrics
	router      *gin.Engine
	log         *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a Server: it imports the rooms file, restores every room from
// the journal and wires the HTTP routes.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("server: missing store dependency")
	}
	if len(cfg.TokenSecret) == 0 {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("server: generate token key: %w", err)
		}
		cfg.TokenSecret = key
	}

	if cfg.RoomsFile != "" {
		if err := rooms.LoadCatalogFromYAML(cfg.RoomsFile, deps.Store); err != nil {
			return nil, fmt.Errorf("server: load rooms: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		store:       deps.Store,
		journal:     deps.Journal,
		attachments: attachment.New(cfg.Attachments),
		tokens:      session.NewTokens(cfg.TokenSecret, cfg.TokenTTL),
		metrics:     NewMetrics(),
		log:         logging.For("server"),
		ctx:         ctx,
		cancel:      cancel,
	}

	reg, err := rooms.New(deps.Store, s.openChannel)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("server: %w", err)
	}
	s.rooms = reg
	s.sessions = session.NewManager(session.Deps{Avatars: s.attachments, Rooms: reg})
	s.metrics.SetGauges(s.gauges)
	s.router = s.routes()
	return s, nil
}

func (s *Server) openChannel(room model.Room) (*channel.Channel, error) {
	return channel.New(room, s.cfg.Channel, channel.Deps{
		Attachments: s.attachments,
		Journal:     s.journal,
		OnMessage:   s.metrics.recordMessage,
	})
}

func (s *Server) gauges() Gauges {
	return Gauges{
		Sessions:         s.sessions.Count(),
		Rooms:            s.rooms.Count(),
		Attachments:      s.attachments.Count(),
		AttachmentBytes:  s.attachments.Usage(),
		AttachmentEvicts: s.attachments.Evictions(),
	}
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Rooms returns the room registry.
func (s *Server) Rooms() *rooms.Registry {
	return s.rooms
}

// Sessions returns the session manager.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Attachments returns the attachment store.
func (s *Server) Attachments() *attachment.Store {
	return s.attachments
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
