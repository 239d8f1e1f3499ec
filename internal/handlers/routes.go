package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/relay"
	"github.com/mossy-p/call-signaling/internal/store"
)

// Deps are the collaborators the routes need.
type Deps struct {
	Store          store.Store
	Hub            *relay.Hub
	JWTSecret      string
	AllowedOrigins []string
}

// Register mounts every route on r. ctx outlives individual requests and
// bounds websocket connections.
func Register(ctx context.Context, r *gin.Engine, d Deps) {
	// Global CORS middleware (runs before routing)
	r.Use(OriginFilter(d.AllowedOrigins))
	r.Use(RequestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(d.JWTSecret)

	api := r.Group("/api")
	{
		api.POST("/auth/login", Login(d.JWTSecret))

		api.POST("/conversations", auth, CreateConversation(d.Store))
		api.GET("/conversations/:id", auth, GetConversation(d.Store))

		api.POST("/calls", auth, CreateCall(d.Store))
		api.GET("/calls/:id", auth, GetCall(d.Store))
		api.PATCH("/calls/:id", auth, UpdateCall(d.Store))

		api.POST("/signal", auth, SendSignal(d.Store, d.Hub))
	}

	r.GET("/ws", auth, WebSocket(ctx, d.Hub))
}
