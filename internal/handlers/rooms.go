package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/peer-signaling/internal/models"
)

// RoomSource reports the local view of the signaling room.
type RoomSource interface {
	Snapshot() models.RoomState
}

// GetRoom returns the room name, whether we are joined, and the other members.
func GetRoom(room RoomSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, room.Snapshot())
	}
}
