package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/peer-signaling/internal/engine"
	"github.com/mossy-p/peer-signaling/internal/middleware"
	"github.com/mossy-p/peer-signaling/internal/session"
)

// SessionController is the engine surface the control API uses.
type SessionController interface {
	LocalID() string
	Sessions() []session.Info
	Session(peerID string) (session.Info, bool)
	InitiateCall(ctx context.Context, peerID string) error
	CloseSession(ctx context.Context, peerID string) error
}

var _ SessionController = (*engine.Engine)(nil)

// CallRequest represents the start call request body
type CallRequest struct {
	PeerID string `json:"peerId" binding:"required"`
}

// ListSessions returns every live session.
func ListSessions(ctrl SessionController) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"localId":  ctrl.LocalID(),
			"sessions": ctrl.Sessions(),
		})
	}
}

// GetSession returns one session by remote peer ID.
func GetSession(ctrl SessionController) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := ctrl.Session(c.Param("peerId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

// StartCall sends an offer to the requested peer (requires authentication).
func StartCall(ctrl SessionController, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.PeerID == ctrl.LocalID() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot call yourself"})
			return
		}

		err := ctrl.InitiateCall(c.Request.Context(), req.PeerID)
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{"error": "A session with this peer is already in progress"})
			return
		case errors.Is(err, engine.ErrEngineClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Signaling is shutting down"})
			return
		default:
			logger.Error("failed to start call", "peer", req.PeerID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start call"})
			return
		}

		logger.Info("call started", "peer", req.PeerID, "by", c.GetString(middleware.UserIDKey))
		info, _ := ctrl.Session(req.PeerID)
		c.JSON(http.StatusCreated, info)
	}
}

// CloseSession hangs up on a peer (requires authentication).
func CloseSession(ctrl SessionController, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		peerID := c.Param("peerId")
		if _, ok := ctrl.Session(peerID); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		if err := ctrl.CloseSession(c.Request.Context(), peerID); err != nil {
			logger.Error("failed to close session", "peer", peerID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to close session"})
			return
		}

		logger.Info("session closed", "peer", peerID, "by", c.GetString(middleware.UserIDKey))
		c.JSON(http.StatusOK, gin.H{"message": "Session closed"})
	}
}
