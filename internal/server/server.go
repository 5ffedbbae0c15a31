package server

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-tally/internal/config"
	"github.com/Brownie44l1/fer-tally/internal/handlers"
)

type Server struct {
	httpServer *http.Server
	cfg        *config.Config
	log        *zap.Logger
}

// NewRouter registers every route of the API on a fresh gin engine.
func NewRouter(h *handlers.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		api.GET("/labels", h.Labels)
		api.POST("/analyze", h.Analyze)
		api.GET("/sessions/:id", h.Session)
		api.GET("/sessions/:id/tally", h.Tally)
		api.GET("/sessions/:id/images/:index", h.Image)
		api.DELETE("/sessions/:id", h.DeleteSession)
	}

	return router
}

func New(cfg *config.Config, h *handlers.Handler, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		httpServer: &http.Server{
			Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
			Handler:           NewRouter(h),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      WriteTimeout(cfg),
			MaxHeaderBytes:    1 << 20, // 1 MB
		},
		cfg: cfg,
		log: log,
	}

	log.Info("Server created successfully",
		zap.String("host", cfg.Server.Host),
		zap.String("port", cfg.Server.Port))

	return server
}

// WriteTimeout covers the slowest batch the limits allow: a full upload
// classified in rounds of one model call per worker, each round taking up
// to the model timeout, plus a minute for decoding and the response.
func WriteTimeout(cfg *config.Config) time.Duration {
	workers := cfg.Pipeline.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if !cfg.Pipeline.UseParallelClassification {
		workers = 1
	}
	files := cfg.App.MaxFiles
	if files < 1 {
		files = 1
	}
	rounds := (files + workers - 1) / workers
	return time.Duration(rounds)*cfg.Model.Timeout + time.Minute
}

// Run blocks until the server stops. A clean shutdown returns nil.
func (s *Server) Run() error {
	s.log.Info("Server is running",
		zap.String("address", s.httpServer.Addr),
		zap.String("backend", s.cfg.Model.Backend))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down server")
	return s.httpServer.Shutdown(ctx)
}
