package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/trackd/internal/api/handlers"
	"github.com/your-org/trackd/internal/api/ws"
	"github.com/your-org/trackd/internal/auth"
	"github.com/your-org/trackd/internal/queue"
	"github.com/your-org/trackd/internal/storage"
)

type RouterConfig struct {
	APIKey   string
	DB       *storage.PostgresStore
	MinIO    *storage.MinIOStore
	Producer *queue.Producer
	Hub      *ws.Hub
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.DB, cfg.MinIO, cfg.Producer)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// WebSocket
	v1.GET("/ws", cfg.Hub.HandleWS)

	// Streams
	streamH := handlers.NewStreamHandler(cfg.DB, cfg.MinIO, cfg.Producer)
	v1.POST("/streams", streamH.Register)
	v1.GET("/streams", streamH.List)
	v1.GET("/streams/:id", streamH.Get)
	v1.GET("/streams/:id/params", streamH.Params)
	v1.PATCH("/streams/:id/params", streamH.Reconfigure)
	v1.POST("/streams/:id/frames", streamH.SubmitFrame)
	v1.DELETE("/streams/:id", streamH.Close)

	// Track events
	eventH := handlers.NewEventHandler(cfg.DB, cfg.MinIO)
	v1.GET("/streams/:id/events", eventH.List)
	v1.GET("/events/:id/frame", eventH.Frame)
	v1.POST("/search/tracks", eventH.Search)

	return r
}
