package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kelsos/crawl-sync/internal/logger"
)

// NewRouter wires the public and token-protected routes onto a new gin engine
func NewRouter(h *Handler, token string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())

	r.GET("/", h.Root)

	api := r.Group("/api")
	{
		api.GET("/health", h.Health)
		api.GET("/weibos", h.Posts)
		api.GET("/posts", h.Posts)
		api.GET("/users", h.Users)
		api.GET("/config", h.Settings)
		api.GET("/task/:id", h.Task)
		api.GET("/tasks", h.Tasks)
		api.GET("/scheduler", h.Scheduler)
	}

	admin := api.Group("")
	admin.Use(AuthMiddleware(token))
	{
		admin.POST("/users/add", h.AddUsers)
		admin.POST("/users/delete", h.DeleteUser)
		admin.POST("/config/update", h.UpdateSettings)
		admin.POST("/crawl/trigger", h.TriggerCrawl)
		admin.POST("/scheduler/interval", h.RescheduleInterval)
	}

	return r
}

// Server runs the HTTP API
type Server struct {
	httpServer *http.Server
}

// NewServer creates a server for handler listening on addr
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	logger.Info("API listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
