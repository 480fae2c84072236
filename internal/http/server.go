// Package http exposes the curator agents over HTTP: health, status,
// Prometheus metrics and knowledge ingestion.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/curator/internal/agent"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
	"github.com/fyrsmithlabs/curator/internal/telemetry"
)

// maxBodyBytes bounds ingestion payloads.
const maxBodyBytes = "1M"

// Submitter accepts knowledge for validation and returns the task ID.
type Submitter interface {
	Submit(ctx context.Context, item *knowledge.KnowledgeItem) (string, error)
}

// StatusSource is anything that reports an agent status snapshot.
type StatusSource interface {
	Status() agent.Status
}

// TelemetryReporter reports exporter state for /status.
type TelemetryReporter interface {
	Health() telemetry.HealthStatus
}

// Server provides HTTP endpoints for curator.
type Server struct {
	echo      *echo.Echo
	submitter Submitter
	agents    []StatusSource
	store     knowledge.ItemStore
	telemetry TelemetryReporter
	metrics   *HTTPMetrics
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// Option configures a Server.
type Option func(*Server)

// WithAgents registers the agents reported by /health and /status.
func WithAgents(agents ...StatusSource) Option {
	return func(s *Server) { s.agents = append(s.agents, agents...) }
}

// WithStore enables item counts in /status.
func WithStore(store knowledge.ItemStore) Option {
	return func(s *Server) { s.store = store }
}

// WithTelemetry adds exporter health to /status.
func WithTelemetry(t TelemetryReporter) Option {
	return func(s *Server) { s.telemetry = t }
}

// WithMetrics records OpenTelemetry request metrics.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server.
func NewServer(submitter Submitter, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		submitter: submitter,
		logger:    logger,
		config:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/knowledge", s.handleSubmit, middleware.BodyLimit(maxBodyBytes))
}

// handleHealth answers 503 as soon as one agent is degraded.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	for _, a := range s.agents {
		st := a.Status()
		if resp.Agents == nil {
			resp.Agents = make(map[string]agent.Health, len(s.agents))
		}
		resp.Agents[st.Name] = st.Health
		if st.Health.Status == agent.HealthDegraded {
			resp.Status = string(agent.HealthDegraded)
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, resp)
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{
		Status:  "ok",
		Version: s.config.Version,
		Agents:  make([]agent.Status, 0, len(s.agents)),
	}
	for _, a := range s.agents {
		st := a.Status()
		if st.Health.Status == agent.HealthDegraded {
			resp.Status = string(agent.HealthDegraded)
		}
		resp.Agents = append(resp.Agents, st)
	}
	if s.store != nil {
		counts := CountItems(c.Request().Context(), s.store)
		resp.Counts = &counts
	}
	if s.telemetry != nil {
		th := s.telemetry.Health()
		resp.Telemetry = &th
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title field is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	item := req.item()
	taskID, err := s.submitter.Submit(c.Request().Context(), item)
	switch {
	case errors.Is(err, agent.ErrAgentStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "validator is not running")
	case err != nil:
		s.logger.Error("submit failed", zap.String("item.id", item.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "submit failed")
	}

	s.logger.Debug("knowledge submitted",
		zap.String("item.id", item.ID),
		zap.String("task.id", taskID),
	)
	return c.JSON(http.StatusAccepted, SubmitResponse{ItemID: item.ID, TaskID: taskID})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
