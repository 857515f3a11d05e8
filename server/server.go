// Package server exposes the memory engine over an authenticated HTTP
// API: the turn endpoint, memory CRUD and search, conversation history,
// and lifecycle triggers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/longmem/ai/metrics"
	"github.com/hrygo/longmem/internal/profile"
	"github.com/hrygo/longmem/memory/lifecycle"
	"github.com/hrygo/longmem/memory/orchestrator"
	"github.com/hrygo/longmem/memory/retrieval"
	"github.com/hrygo/longmem/store"
)

// TurnProcessor runs the per-turn loop. Wait flushes detached write
// paths during shutdown.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req *orchestrator.TurnRequest) (*orchestrator.TurnResponse, error)
	Wait()
}

// MemorySearcher serves scored memory retrieval for the search endpoint.
type MemorySearcher interface {
	Search(ctx context.Context, req *retrieval.SearchRequest) (*retrieval.SearchResponse, error)
}

// LifecycleRunner exposes the maintenance operations that can be
// triggered over the API.
type LifecycleRunner interface {
	RunOnce(ctx context.Context) (*lifecycle.RunReport, error)
	ExpireUser(ctx context.Context, userID string) (int, error)
	RefreshDecay(ctx context.Context, userID string) (int, error)
	ConsolidateUser(ctx context.Context, userID string) (int, error)
	MarkCommitmentFulfilled(ctx context.Context, userID, memoryID string) error
}

// Embedder indexes explicitly created memories. Optional.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Server is the HTTP front of the memory engine.
type Server struct {
	echo    *echo.Echo
	profile *profile.Profile
	store   *store.Store

	turns     TurnProcessor
	search    MemorySearcher
	lifecycle LifecycleRunner
	embedder  Embedder
	metrics   *metrics.PrometheusExporter
}

// Config collects the server's collaborators. Embedder and Metrics are
// optional.
type Config struct {
	Profile   *profile.Profile
	Store     *store.Store
	Turns     TurnProcessor
	Search    MemorySearcher
	Lifecycle LifecycleRunner
	Embedder  Embedder
	Metrics   *metrics.PrometheusExporter
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		profile:   cfg.Profile,
		store:     cfg.Store,
		turns:     cfg.Turns,
		search:    cfg.Search,
		lifecycle: cfg.Lifecycle,
		embedder:  cfg.Embedder,
		metrics:   cfg.Metrics,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogMethod: true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			slog.LogAttrs(context.Background(), level, "http request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
			)
			return nil
		},
	}))

	e.GET("/healthz", s.handleHealthz)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.GetHandler()))
	}

	api := e.Group("/api/v1", s.authMiddleware, s.rateLimitMiddleware())

	api.POST("/turns", s.handleTurn)

	api.GET("/conversations", s.handleListConversations)
	api.GET("/conversations/:id", s.handleGetConversation)
	api.PATCH("/conversations/:id", s.handleUpdateConversation)
	api.DELETE("/conversations/:id", s.handleDeleteConversation)
	api.GET("/conversations/:id/turns", s.handleListTurns)

	api.GET("/memories", s.handleListMemories)
	api.POST("/memories", s.handleCreateMemory)
	api.GET("/memories/stats", s.handleMemoryStats)
	api.POST("/memories/search", s.handleSearchMemories)
	api.GET("/memories/:id", s.handleGetMemory)
	api.PATCH("/memories/:id", s.handleUpdateMemory)
	api.DELETE("/memories/:id", s.handleDeleteMemory)
	api.POST("/memories/:id/fulfill", s.handleFulfillCommitment)
	api.POST("/memories/decay", s.handleDecayRun)
	api.POST("/memories/consolidate", s.handleConsolidateRun)
	api.POST("/memories/cleanup", s.handleCleanupRun)

	api.POST("/lifecycle/run", s.handleLifecycleRun)

	return s
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	return s.echo.Start(addr)
}

// Shutdown stops the listener and waits for detached turn work.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down http server", "error", err)
	}
	if s.turns != nil {
		s.turns.Wait()
	}
	if err := s.store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	slog.Info("server shut down")
}

func (s *Server) handleHealthz(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database unreachable")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
