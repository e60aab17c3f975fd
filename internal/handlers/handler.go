package handlers

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/textcloud/internal/middleware"
	"github.com/mossy-p/textcloud/internal/models"
	"github.com/mossy-p/textcloud/internal/registry"
)

// RoomLookup resolves rooms the local registry does not know, such as
// those held by another server instance.
type RoomLookup interface {
	Lookup(ctx context.Context, ident string) (models.RoomMetadata, int, error)
}

type Options struct {
	JWTSecret    string
	PingInterval time.Duration
	IdleTimeout  time.Duration
	ICE          ICEOptions
}

type ICEOptions struct {
	STUNServers  []string
	TURNEnabled  bool
	TURNHost     string
	TURNPort     int
	TURNUsername string
	TURNPassword string
}

// Handler serves the lobby and room websockets plus the REST room API.
type Handler struct {
	reg      *registry.Registry
	lookup   RoomLookup
	opts     Options
	logger   *log.Logger
	upgrader websocket.Upgrader
	shutdown atomic.Bool
}

func New(reg *registry.Registry, lookup RoomLookup, opts Options, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}
	return &Handler{
		reg:    reg,
		lookup: lookup,
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin checking is handled by middleware
				return true
			},
		},
	}
}

// Register mounts every route on router.
func (h *Handler) Register(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/rooms-list", h.HandleRoomList)
	router.GET("/room/:roomId", h.HandleRoom)

	api := router.Group("/api")
	{
		// Login endpoint (public)
		api.POST("/auth/login", Login(h.opts.JWTSecret))

		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:roomId", h.GetRoom)
		api.GET("/ice-servers", h.ICEServers)

		// Room management (requires JWT)
		api.POST("/rooms", middleware.JWTAuth(h.opts.JWTSecret), h.CreateRoom)
		api.DELETE("/rooms/:roomId", middleware.JWTAuth(h.opts.JWTSecret), h.DeleteRoom)
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": len(h.reg.Rooms())})
}

// Shutdown closes every socket with a going-away frame.
func (h *Handler) Shutdown() {
	h.shutdown.Store(true)
	h.reg.CloseAll()
}
