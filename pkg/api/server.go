// Package api exposes the HTTP surface of the distillation service:
// job submission, polling, deletion and the health probes.
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/blockify-ai/distillery/pkg/config"
	"github.com/blockify-ai/distillery/pkg/jobs"
	"github.com/blockify-ai/distillery/pkg/jobstore"
)

// Server wires the HTTP handlers to the job manager and store.
type Server struct {
	cfg       *config.Config
	manager   *jobs.Manager
	store     jobstore.Store
	startTime time.Time
}

func NewServer(cfg *config.Config, manager *jobs.Manager, store jobstore.Store) *Server {
	return &Server{
		cfg:       cfg,
		manager:   manager,
		store:     store,
		startTime: time.Now(),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())

	router.POST("/api/autoDistill", s.SubmitJob)
	router.GET("/api/jobs/:jobId", s.GetJob)
	router.DELETE("/api/jobs/:jobId", s.DeleteJob)

	router.GET("/", s.Root)
	router.GET("/health", s.Health)
	router.GET("/healthz", s.Healthz)
	router.GET("/ready", s.Ready)

	return router
}

// corsMiddleware allows cross-origin access from browser-based callers.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
