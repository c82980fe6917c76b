package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NicolasHaas/roomchat/pkg/logging"
	"github.com/NicolasHaas/roomchat/pkg/model"
)

const sessionKey = "session_id"

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, model.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, model.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError aborts the request with {"error": kind, "message": detail}.
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	message := err.Error()
	switch status {
	case http.StatusInternalServerError:
		s.log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		message = "internal error"
	case http.StatusGatewayTimeout:
		s.metrics.TimedOutCalls.Add(1)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": model.ErrorKind(err), "message": message})
}

// opContext bounds a blocking operation by OperationTimeout.
func (s *Server) opContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OperationTimeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), s.cfg.OperationTimeout)
}

// requestLogger logs each request and feeds the HTTP counters.
func (s *Server) requestLogger() gin.HandlerFunc {
	log := logging.For("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		s.metrics.Requests.Add(1)
		switch {
		case status >= 500:
			s.metrics.ServerErrors.Add(1)
		case status >= 400:
			s.metrics.ClientErrors.Add(1)
		}
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}

// requireSession resolves the bearer token to a live session. Websocket
// clients that cannot set headers may pass ?token= instead.
func (s *Server) requireSession(c *gin.Context) {
	token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		s.metrics.Unauthorized.Add(1)
		s.writeError(c, fmt.Errorf("missing bearer token: %w", model.ErrUnauthorized))
		return
	}
	id, err := s.tokens.Parse(token)
	if err != nil {
		s.metrics.Unauthorized.Add(1)
		s.writeError(c, err)
		return
	}
	if err := s.sessions.Touch(id); err != nil {
		// Token is valid but the session was reaped.
		s.metrics.Unauthorized.Add(1)
		s.writeError(c, fmt.Errorf("session expired: %w", model.ErrUnauthorized))
		return
	}
	c.Set(sessionKey, id)
	c.Next()
}

func sessionID(c *gin.Context) string {
	return c.GetString(sessionKey)
}
