package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/peer-signaling/internal/events"
	"github.com/mossy-p/peer-signaling/internal/middleware"
)

// RouterOptions carries what the control API serves.
type RouterOptions struct {
	AllowedOrigins []string
	JWTSecret      string
	Sessions       SessionController
	Room           RoomSource
	Bus            *events.Bus
	Logger         *slog.Logger
}

// NewRouter builds the control API.
func NewRouter(opts RouterOptions) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(logger))

	// Global CORS middleware (runs before routing)
	router.Use(middleware.OriginFilter(opts.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(opts.JWTSecret)
	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(opts.JWTSecret))

		apiGroup.GET("/room", GetRoom(opts.Room))
		apiGroup.GET("/sessions", ListSessions(opts.Sessions))
		apiGroup.GET("/sessions/:peerId", GetSession(opts.Sessions))

		apiGroup.POST("/calls", auth, StartCall(opts.Sessions, logger))
		apiGroup.DELETE("/sessions/:peerId", auth, CloseSession(opts.Sessions, logger))
	}

	router.GET("/ws/events", StreamEvents(opts.Bus, logger))
	return router
}
