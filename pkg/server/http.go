package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/NicolasHaas/roomchat/pkg/attachment"
	"github.com/NicolasHaas/roomchat/pkg/model"
)

// multipartOverhead is the slack allowed on top of MaxBytes for form headers.
const multipartOverhead = 64 << 10

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.MaxMultipartMemory = s.attachments.MaxBytes() + multipartOverhead

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", s.handleMetrics)
	r.POST("/sessions", s.handleCreateSession)

	auth := r.Group("/", s.requireSession)
	auth.GET("/session", s.handleGetSession)
	auth.PUT("/session/name", s.handleSubmitName)
	auth.PUT("/session/avatar", s.handleSetAvatar)
	auth.DELETE("/session/avatar", s.handleClearAvatar)
	auth.POST("/session/ready", s.handleReady)
	auth.DELETE("/session", s.handleLogout)

	auth.GET("/rooms", s.handleListRooms)
	auth.POST("/rooms/leave", s.handleLeaveRoom)
	auth.POST("/rooms/:id/join", s.handleJoinRoom)
	auth.POST("/rooms/:id/messages", s.handleSendMessage)
	auth.GET("/rooms/:id/messages", s.handleHistory)
	auth.GET("/rooms/:id/ws", s.handleStream)

	auth.POST("/attachments", s.handleUpload)
	auth.GET("/attachments/:ref", s.handleDownload)
	return r
}

func (s *Server) handleCreateSession(c *gin.Context) {
	sess, err := s.sessions.Create()
	if err != nil {
		s.writeError(c, err)
		return
	}
	token, err := s.tokens.Issue(sess.ID)
	if err != nil {
		_ = s.sessions.Remove(sess.ID)
		s.writeError(c, err)
		return
	}
	s.metrics.SessionsCreated.Add(1)
	c.JSON(http.StatusCreated, gin.H{"session_id": sess.ID, "token": token, "state": sess.State})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.Get(sessionID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type nameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSubmitName(c *gin.Context) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, model.Validationf("invalid body: %v", err))
		return
	}
	sess, err := s.sessions.SubmitName(sessionID(c), req.Name)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSetAvatar(c *gin.Context) {
	data, filename, contentType, err := s.readUpload(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	ctx, cancel := s.opContext(c)
	defer cancel()
	sess, err := s.sessions.SetAvatar(ctx, sessionID(c), data, filename, contentType)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleClearAvatar(c *gin.Context) {
	sess, err := s.sessions.ClearAvatar(sessionID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type readyRequest struct {
	SkipProfile bool `json:"skip_profile"`
}

func (s *Server) handleReady(c *gin.Context) {
	var req readyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, model.Validationf("invalid body: %v", err))
			return
		}
	}
	var (
		sess model.Session
		err  error
	)
	if req.SkipProfile {
		sess, err = s.sessions.SkipProfile(sessionID(c))
	} else {
		sess, err = s.sessions.EnterRoom(sessionID(c))
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleLogout(c *gin.Context) {
	if err := s.sessions.Logout(sessionID(c)); err != nil {
		s.writeError(c, err)
		return
	}
	s.metrics.Logouts.Add(1)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListRooms(c *gin.Context) {
	if _, err := s.sessions.RequireReady(sessionID(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": s.rooms.ListRooms()})
}

func roomParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, model.Validationf("invalid room id %q", c.Param("id"))
	}
	return id, nil
}

func (s *Server) handleJoinRoom(c *gin.Context) {
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
	ch, err := s.rooms.Join(sess.User.Name, roomID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.metrics.RoomJoins.Add(1)
	c.JSON(http.StatusOK, gin.H{
		"room":     ch.Room(),
		"members":  ch.MemberCount(),
		"last_seq": ch.LastSeq(),
	})
}

func (s *Server) handleLeaveRoom(c *gin.Context) {
	sess, err := s.sessions.Get(sessionID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	var left int64
	if sess.User.Name != "" {
		left = s.rooms.Leave(sess.User.Name)
	}
	if left != 0 {
		s.metrics.RoomLeaves.Add(1)
	}
	c.JSON(http.StatusOK, gin.H{"left": left})
}

func (s *Server) handleSendMessage(c *gin.Context) {
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
	var content model.Content
	if err := c.ShouldBindJSON(&content); err != nil {
		s.writeError(c, model.Validationf("invalid body: %v", err))
		return
	}
	ch, err := s.rooms.Channel(roomID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	ctx, cancel := s.opContext(c)
	defer cancel()
	msg, err := ch.Send(ctx, sess.User.Name, content)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"seq": msg.Seq, "timestamp": msg.Timestamp})
}

func (s *Server) handleHistory(c *gin.Context) {
	roomID, err := roomParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var since int64
	if raw := c.Query("since"); raw != "" {
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || since < 0 {
			s.writeError(c, model.Validationf("invalid since %q", raw))
			return
		}
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
	if !ch.IsMember(sess.User.Name) {
		s.writeError(c, fmt.Errorf("history of room %d: %w", roomID, model.ErrNotMember))
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": ch.Since(since)})
}

func (s *Server) handleUpload(c *gin.Context) {
	if _, err := s.sessions.RequireReady(sessionID(c)); err != nil {
		s.writeError(c, err)
		return
	}
	data, filename, contentType, err := s.readUpload(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	ctx, cancel := s.opContext(c)
	defer cancel()
	att, err := s.attachments.Upload(ctx, data, filename, contentType)
	if err != nil {
		if errors.Is(err, model.ErrPayloadTooLarge) || errors.Is(err, model.ErrUnsupportedType) {
			s.metrics.UploadsRejected.Add(1)
		}
		s.writeError(c, err)
		return
	}
	s.metrics.UploadsAccepted.Add(1)
	s.metrics.UploadBytes.Add(att.Size)
	c.JSON(http.StatusCreated, gin.H{
		"attachment": att,
		"kind":       model.KindForContentType(att.ContentType),
	})
}

func (s *Server) handleDownload(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()
	data, att, err := s.attachments.Resolve(ctx, c.Param("ref"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", att.Name))
	c.Header("X-Content-Digest", att.Digest)
	c.Data(http.StatusOK, att.ContentType, data)
}

// readUpload reads the multipart "file" field. Oversized bodies are rejected
// before they are buffered.
func (s *Server) readUpload(c *gin.Context) ([]byte, string, string, error) {
	limit := s.attachments.MaxBytes()
	if c.Request.ContentLength > limit+multipartOverhead {
		s.metrics.UploadsRejected.Add(1)
		return nil, "", "", fmt.Errorf("upload: body of %d bytes exceeds limit of %d: %w", c.Request.ContentLength, limit, model.ErrPayloadTooLarge)
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.UploadsRejected.Add(1)
			return nil, "", "", fmt.Errorf("upload: %w", model.ErrPayloadTooLarge)
		}
		return nil, "", "", model.Validationf("upload: missing multipart field \"file\": %v", err)
	}
	if header.Size > limit {
		s.metrics.UploadsRejected.Add(1)
		return nil, "", "", fmt.Errorf("upload: %d bytes exceeds limit of %d: %w", header.Size, limit, model.ErrPayloadTooLarge)
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || model.NormalizeContentType(contentType) == "application/octet-stream" {
		contentType = attachment.DetectContentType(header.Filename)
	}

	file, err := header.Open()
	if err != nil {
		return nil, "", "", fmt.Errorf("upload: open: %w", err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, "", "", fmt.Errorf("upload: read: %w", err)
	}
	return data, header.Filename, contentType, nil
}
