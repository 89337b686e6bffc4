package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NotifyRequest is the body of POST /internal/notify. Exactly one of UserID,
// Roles or All selects the targets.
type NotifyRequest struct {
	UserID string          `json:"user_id,omitempty"`
	Roles  []string        `json:"roles,omitempty"`
	All    bool            `json:"all,omitempty"`
	Type   string          `json:"type" binding:"required"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.hub.Sessions(),
	})
}

func (s *Server) handleNotify(c *gin.Context) {
	var req NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	targets := 0
	if req.UserID != "" {
		targets++
	}
	if req.Roles != nil {
		targets++
	}
	if req.All {
		targets++
	}
	if targets != 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of user_id, roles or all is required"})
		return
	}

	var reached int
	switch {
	case req.UserID != "":
		reached = s.hub.NotifyUser(req.UserID, req.Type, req.Data)
	case req.Roles != nil:
		reached = s.hub.NotifyRoles(req.Roles, req.Type, req.Data)
	default:
		reached = s.hub.NotifyAll(req.Type, req.Data)
	}

	s.logger.Debug("notify",
		zap.String("type", req.Type),
		zap.String("user_id", req.UserID),
		zap.Strings("roles", req.Roles),
		zap.Bool("all", req.All),
		zap.Int("reached", reached))
	c.JSON(http.StatusOK, gin.H{"reached": reached})
}
