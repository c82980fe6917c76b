package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NicolasHaas/roomchat/pkg/version"
)

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(c *gin.Context) {
	snap := s.metrics.Snapshot()
	w := c.Writer

	c.Header("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	c.Status(http.StatusOK)

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	write("roomchat_uptime_seconds", "Server uptime in seconds.", "gauge", snap.UptimeSeconds)

	write("roomchat_http_requests_total", "HTTP requests served.", "counter", snap.Requests)
	write("roomchat_http_client_errors_total", "HTTP 4xx responses.", "counter", snap.ClientErrors)
	write("roomchat_http_server_errors_total", "HTTP 5xx responses.", "counter", snap.ServerErrors)
	write("roomchat_unauthorized_total", "Requests rejected by the token check.", "counter", snap.Unauthorized)
	write("roomchat_timeouts_total", "Operations that exceeded their deadline.", "counter", snap.TimedOutCalls)

	write("roomchat_sessions_active", "Live sessions.", "gauge", int64(snap.SessionsActive))
	write("roomchat_sessions_created_total", "Sessions created.", "counter", snap.SessionsCreated)
	write("roomchat_logouts_total", "Session logouts.", "counter", snap.Logouts)

	write("roomchat_rooms", "Rooms in the catalog.", "gauge", int64(snap.Rooms))
	write("roomchat_room_joins_total", "Room joins.", "counter", snap.RoomJoins)
	write("roomchat_room_leaves_total", "Explicit room leaves.", "counter", snap.RoomLeaves)

	write("roomchat_messages_total", "Accepted chat messages.", "counter", snap.MessagesSent)
	write("roomchat_text_messages_total", "Accepted text messages.", "counter", snap.TextMessages)
	write("roomchat_attachment_messages_total", "Accepted image and file messages.", "counter", snap.AttachmentMessages)
	write("roomchat_streams_opened_total", "Websocket message streams opened.", "counter", snap.StreamsOpened)
	write("roomchat_streams_active", "Open websocket message streams.", "gauge", snap.StreamsActive)

	write("roomchat_uploads_total", "Accepted uploads.", "counter", snap.UploadsAccepted)
	write("roomchat_uploads_rejected_total", "Uploads rejected for size or type.", "counter", snap.UploadsRejected)
	write("roomchat_upload_bytes_total", "Bytes accepted by uploads.", "counter", snap.UploadBytes)
	write("roomchat_attachments", "Stored attachments.", "gauge", int64(snap.Attachments))
	write("roomchat_attachment_bytes", "Bytes held by the attachment store.", "gauge", snap.AttachmentBytes)
	write("roomchat_attachment_evictions_total", "Attachments evicted under quota pressure.", "counter", snap.AttachmentEvicts)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "build": version.Get()})
}
