// Package server exposes a read-only HTTP view of ingestion runs: stored
// manifests, processing states, raw pages, weekly usage and Prometheus
// metrics. It never starts or modifies a run.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/biblio-ingest/pkg/ingest"
	"github.com/Sternrassler/biblio-ingest/pkg/metrics"
	"github.com/Sternrassler/biblio-ingest/pkg/ratelimit"
	"github.com/Sternrassler/biblio-ingest/pkg/state"
)

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Store is the read side of the state database. *state.Store implements it.
type Store interface {
	LoadManifest(ctx context.Context, runID string) (*state.ManifestRecord, error)
	ListStates(ctx context.Context, runID string) ([]state.ProcessingState, error)
	LoadPage(ctx context.Context, runID, entityID string, page int) (*state.Page, error)
}

// Usage reports the weekly budget. *ratelimit.Limiter implements it.
type Usage interface {
	Source() string
	WeeklyLimit() int
	CurrentUsage(ctx context.Context) (int, error)
	Quota() ratelimit.QuotaState
}

// Server serves the status API.
type Server struct {
	router *gin.Engine
	store  Store
	usage  Usage
	logger zerolog.Logger
}

// New builds the router. usage may be nil.
func New(store Store, usage Usage, logger zerolog.Logger) *Server {
	if store == nil {
		panic("state store cannot be nil")
	}

	s := &Server{
		router: gin.New(),
		store:  store,
		usage:  usage,
		logger: logger.With().Str("component", "server").Logger(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())

	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.router.GET("/usage", s.weeklyUsage)

	runs := s.router.Group("/runs/:run_id")
	runs.GET("/manifest", s.manifest)
	runs.GET("/states", s.states)
	runs.GET("/incomplete", s.incomplete)
	runs.GET("/entities/:entity_id/pages/:page", s.page)

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", addr).Msg("Starting status server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.Info().Msg("Status server stopped")
	return <-errCh
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, state.ErrNotFound) {
		status = http.StatusNotFound
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) manifest(c *gin.Context) {
	rec, err := s.store.LoadManifest(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	m, err := ingest.DecodeManifest(rec)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// stateView is a processing state without the per-item map.
type stateView struct {
	EntityID       string            `json:"entity_id"`
	DataSource     string            `json:"data_source"`
	LastPage       int               `json:"last_page"`
	PagesProcessed int               `json:"pages_processed"`
	Items          int               `json:"items"`
	TotalResults   *int              `json:"total_results,omitempty"`
	Completed      bool              `json:"completed"`
	Cursor         string            `json:"cursor,omitempty"`
	Errors         []state.PageError `json:"errors"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (s *Server) listStates(c *gin.Context) ([]stateView, bool) {
	runID := c.Param("run_id")
	states, err := s.store.ListStates(c.Request.Context(), runID)
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	if len(states) == 0 {
		s.fail(c, fmt.Errorf("run %s: %w", runID, state.ErrNotFound))
		return nil, false
	}

	views := make([]stateView, 0, len(states))
	for i := range states {
		st := &states[i]
		views = append(views, stateView{
			EntityID:       st.EntityID,
			DataSource:     st.DataSource,
			LastPage:       st.LastPage,
			PagesProcessed: st.PagesProcessed,
			Items:          len(st.ProcessedItems),
			TotalResults:   st.TotalResults,
			Completed:      st.Completed,
			Cursor:         st.Cursor,
			Errors:         st.Errors,
			UpdatedAt:      st.UpdatedAt,
		})
	}
	return views, true
}

func (s *Server) states(c *gin.Context) {
	views, ok := s.listStates(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("run_id"), "states": views})
}

func (s *Server) incomplete(c *gin.Context) {
	views, ok := s.listStates(c)
	if !ok {
		return
	}
	pending := make([]string, 0, len(views))
	for _, v := range views {
		if !v.Completed {
			pending = append(pending, v.EntityID)
		}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("run_id"), "entities": pending})
}

func (s *Server) page(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("page"))
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page must be a positive integer"})
		return
	}
	p, err := s.store.LoadPage(c.Request.Context(), c.Param("run_id"), c.Param("entity_id"), n)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("X-Content-Hash", p.ContentHash)
	c.Data(http.StatusOK, "application/json", p.RawPayload)
}

func (s *Server) weeklyUsage(c *gin.Context) {
	if s.usage == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "usage tracking is not configured"})
		return
	}
	used, err := s.usage.CurrentUsage(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := gin.H{
		"data_source":  s.usage.Source(),
		"weekly_usage": used,
		"weekly_limit": s.usage.WeeklyLimit(),
	}
	if limit := s.usage.WeeklyLimit(); limit > 0 {
		resp["weekly_remaining"] = max(limit-used, 0)
	}
	if q := s.usage.Quota(); q.Known {
		resp["provider_remaining"] = q.Remaining
		resp["provider_reset_at"] = q.ResetAt
	}
	c.JSON(http.StatusOK, resp)
}
