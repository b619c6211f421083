package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// invalidateIdentityRequest names the cached entity to flush. Exactly one of
// UserID or OrgID must be set; the secondary-index values are required when
// the entity has them, since the cache cannot enumerate indexes by ID.
type invalidateIdentityRequest struct {
	UserID string `json:"user_id"`
	Phone  string `json:"phone"`

	OrgID          string `json:"org_id"`
	Code           string `json:"code"`
	InvitationCode string `json:"invitation_code"`
}

// invalidateIdentityHandler handles POST /api/v1/identity/invalidate: flushes
// a user's or organization's cached profile after an out-of-band edit, so
// the read-through cache does not serve the stale version for its remaining
// TTL.
func (s *Server) invalidateIdentityHandler(c *gin.Context) {
	if s.identity == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "identity cache not running"})
		return
	}

	var req invalidateIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if (req.UserID == "") == (req.OrgID == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of user_id or org_id is required"})
		return
	}

	ctx := c.Request.Context()
	var err error
	if req.UserID != "" {
		err = s.identity.InvalidateUser(ctx, req.UserID, req.Phone)
	} else {
		err = s.identity.InvalidateOrg(ctx, req.OrgID, req.Code, req.InvitationCode)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to invalidate cache entries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": true})
}
