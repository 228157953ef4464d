// Package api exposes the operational state of a running mendd
// instance over HTTP: learning stats, patterns, circuit breakers,
// cooldown records, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/breaker"
	"github.com/fyrsmithlabs/mendd/internal/config"
	"github.com/fyrsmithlabs/mendd/internal/cooldown"
	"github.com/fyrsmithlabs/mendd/internal/dispatch"
	"github.com/fyrsmithlabs/mendd/internal/logging"
	"github.com/fyrsmithlabs/mendd/internal/pattern"
)

// Deps are the stores and services the API reads from. Dispatcher is
// optional; when nil the status response omits dispatch stats.
type Deps struct {
	Store      *pattern.Store
	Stats      *pattern.StatsTracker
	Breakers   *breaker.Group
	Cooldowns  *cooldown.Tracker
	Dispatcher *dispatch.Dispatcher
}

// Server provides the mendd status API.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	config  config.ServerConfig
	logger  *logging.Logger
	started time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for request and lifecycle logging.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer builds the status API around the given dependencies.
func NewServer(deps Deps, cfg config.ServerConfig, opts ...Option) (*Server, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pattern store required")
	case deps.Stats == nil:
		return nil, errors.New("stats tracker required")
	case deps.Breakers == nil:
		return nil, errors.New("breaker group required")
	case deps.Cooldowns == nil:
		return nil, errors.New("cooldown tracker required")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		deps:    deps,
		config:  cfg,
		logger:  logging.Nop(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("api")

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		return err
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/patterns", s.handlePatterns)
	s.echo.GET("/patterns/:id", s.handlePattern)
	s.echo.GET("/circuits", s.handleCircuits)
	s.echo.GET("/cooldowns", s.handleCooldowns)
	s.echo.POST("/reset", s.handleReset)
	s.echo.POST("/cooldowns/clear", s.handleClearCooldowns)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Uptime        string                `json:"uptime"`
	PatternCount  int                   `json:"patternCount"`
	Learning      pattern.LearningStats `json:"learning"`
	Circuits      []breaker.Snapshot    `json:"circuits"`
	CooldownCount int                   `json:"cooldownCount"`
	Dispatch      []dispatch.Stats      `json:"dispatch,omitempty"`
}

// PatternsResponse is the body of GET /patterns.
type PatternsResponse struct {
	Count    int                `json:"count"`
	Patterns []*pattern.Pattern `json:"patterns"`
}

// CircuitsResponse is the body of GET /circuits.
type CircuitsResponse struct {
	Circuits []breaker.Snapshot `json:"circuits"`
}

// CooldownsResponse is the body of GET /cooldowns.
type CooldownsResponse struct {
	Count   int                `json:"count"`
	Records []*cooldown.Record `json:"records"`
}

// ResetRequest is the body of POST /reset. An empty breaker name
// resets every breaker.
type ResetRequest struct {
	Breaker string `json:"breaker"`
}

// ResetResponse is the body of POST /reset.
type ResetResponse struct {
	Reset string `json:"reset"`
}

// ClearCooldownsRequest is the body of POST /cooldowns/clear. An empty
// key clears every record.
type ClearCooldownsRequest struct {
	Key string `json:"key"`
}

// ClearCooldownsResponse is the body of POST /cooldowns/clear.
type ClearCooldownsResponse struct {
	Cleared int `json:"cleared"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		PatternCount:  s.deps.Store.Len(),
		Learning:      s.deps.Stats.Snapshot(),
		Circuits:      s.deps.Breakers.Snapshots(),
		CooldownCount: s.deps.Cooldowns.Len(),
	}
	if s.deps.Dispatcher != nil {
		resp.Dispatch = s.deps.Dispatcher.AllStats()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePatterns(c echo.Context) error {
	patterns := s.deps.Store.ListByConfidence()
	return c.JSON(http.StatusOK, PatternsResponse{
		Count:    len(patterns),
		Patterns: patterns,
	})
}

func (s *Server) handlePattern(c echo.Context) error {
	id := c.Param("id")
	p, err := s.deps.Store.Get(id)
	if err != nil {
		if errors.Is(err, pattern.ErrPatternNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("pattern %s not found", id))
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "loading pattern failed")
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleCircuits(c echo.Context) error {
	return c.JSON(http.StatusOK, CircuitsResponse{Circuits: s.deps.Breakers.Snapshots()})
}

func (s *Server) handleCooldowns(c echo.Context) error {
	records := s.deps.Cooldowns.List()
	return c.JSON(http.StatusOK, CooldownsResponse{
		Count:   len(records),
		Records: records,
	})
}

func (s *Server) handleReset(c echo.Context) error {
	var req ResetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Breaker == "" {
		s.deps.Breakers.ResetAll()
		s.logger.Info(c.Request().Context(), "all breakers reset")
		return c.JSON(http.StatusOK, ResetResponse{Reset: "all"})
	}

	if !s.deps.Breakers.Reset(req.Breaker) {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("breaker %s not found", req.Breaker))
	}
	s.logger.Info(c.Request().Context(), "breaker reset", zap.String("breaker", req.Breaker))
	return c.JSON(http.StatusOK, ResetResponse{Reset: req.Breaker})
}

func (s *Server) handleClearCooldowns(c echo.Context) error {
	var req ClearCooldownsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Key == "" {
		cleared, err := s.deps.Cooldowns.ClearAll(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to clear cooldown records")
		}
		return c.JSON(http.StatusOK, ClearCooldownsResponse{Cleared: cleared})
	}

	cleared, err := s.deps.Cooldowns.Clear(c.Request().Context(), req.Key)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to clear cooldown record")
	}
	if !cleared {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("cooldown record %s not found", req.Key))
	}
	return c.JSON(http.StatusOK, ClearCooldownsResponse{Cleared: 1})
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting status api", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down status api")
	return s.echo.Shutdown(ctx)
}

// Run starts the server and blocks until ctx is canceled, then shuts
// down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}
