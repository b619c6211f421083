package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/drawmind/modelmux/pkg/session"
)

// sessionStatusResponse is the GET /api/v1/session-status body.
type sessionStatusResponse struct {
	Valid bool `json:"valid"`

	// Notice is set at most once per displacement: delivering it clears it.
	Notice *session.InvalidationNotice `json:"notice,omitempty"`
}

// sessionStatusHandler handles GET /api/v1/session-status: the polling
// endpoint a client hits to learn whether its session is still the active
// one. A displaced session gets its invalidation notice exactly once; the
// clear happens only after a successful read so a crashed poll can retry.
func (s *Server) sessionStatusHandler(c *gin.Context) {
	if s.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session manager not running"})
		return
	}

	userID := c.Query("user_id")
	token := bearerToken(c)
	if userID == "" || token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and bearer token are required"})
		return
	}

	ctx := c.Request.Context()
	resp := sessionStatusResponse{
		Valid: s.sessions.IsSessionValid(ctx, userID, token),
	}

	hash := session.HashToken(token)
	notice, err := s.sessions.CheckInvalidationNotification(ctx, userID, hash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check session status"})
		return
	}
	if notice != nil {
		resp.Notice = notice
		_ = s.sessions.ClearInvalidationNotification(ctx, userID, hash)
	}

	c.JSON(http.StatusOK, resp)
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return ""
}
