package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades to a websocket that carries every message accepted
// in the room from now on. Backlog can be fetched first via ?since=, so a
// client can resume without gaps. The stream ends when the member leaves the
// room or falls too far behind.
func (s *Server) handleStream(c *gin.Context) {
	roomID, err := roomParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	sess, err := s.sessions.RequireReady(sessionID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	ch, err := s.rooms.Channel(roomID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	sub, err := ch.Subscribe(sess.User.Name)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer sub.Close()

	// Subscribing before reading the backlog means nothing falls in between.
	var backlog []model.Message
	if raw := c.Query("since"); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || since < 0 {
			s.writeError(c, model.Validationf("invalid since %q", raw))
			return
		}
		backlog = ch.Since(since)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "room", roomID, "err", err)
		return
	}
	defer conn.Close()

	s.metrics.StreamsOpened.Add(1)
	s.metrics.StreamsActive.Add(1)
	defer s.metrics.StreamsActive.Add(-1)
	log := s.log.With("room", roomID, "user", sess.User.Name)
	log.Debug("stream opened")

	// The read side only handles control frames and notices a closed client.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastSeq := int64(-1)
	send := func(m model.Message) error {
		if m.Seq <= lastSeq {
			return nil
		}
		lastSeq = m.Seq
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(m)
	}
	for _, m := range backlog {
		if err := send(m); err != nil {
			return
		}
	}

	interval := s.cfg.StreamPingInterval
	if interval <= 0 || interval >= pongWait {
		interval = pingPeriod
	}
	ping := time.NewTicker(interval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			log.Debug("stream closed by client")
			return
		case <-s.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case m, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "left room"),
					time.Now().Add(writeWait))
				log.Debug("stream ended")
				return
			}
			if err := send(m); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			// A reader with an open stream is active even if it never posts.
			if err := s.sessions.Touch(sess.ID); err != nil {
				log.Debug("stream session gone", "err", err)
				return
			}
		}
	}
}
