// Package http provides the agentflow status and control API.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentflow/internal/history"
	"github.com/fyrsmithlabs/agentflow/internal/logging"
	"github.com/fyrsmithlabs/agentflow/internal/progress"
	"github.com/fyrsmithlabs/agentflow/internal/task"
)

// Scheduler queues work for execution.
type Scheduler interface {
	Submit(ctx context.Context, spec task.Spec) (task.Task, error)
	Resume(ctx context.Context, id string) (task.Task, error)
	Len() int
	Active() int
}

// Engine exposes task state and interrupts.
type Engine interface {
	Get(id string) (task.Task, error)
	List() []task.Task
	Pause(ctx context.Context, id string) (task.Task, error)
	Cancel(ctx context.Context, id string) (task.Task, error)
}

// ProgressSource produces progress snapshots.
type ProgressSource interface {
	Snapshot() *progress.Snapshot
}

// HistorySource reads finished tasks. Optional.
type HistorySource interface {
	Get(ctx context.Context, id string) (task.Task, error)
	List(ctx context.Context, opts history.ListOptions) ([]task.Task, error)
}

// Deps are the components the API serves.
type Deps struct {
	Engine    Engine
	Scheduler Scheduler
	Progress  ProgressSource
	History   HistorySource
}

// Config holds the listen address.
type Config struct {
	Host string
	Port int
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server serves the status and control API.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *logging.Logger
	config Config
}

// NewServer wires the API routes over deps. A nil cfg listens on
// localhost:9191.
func NewServer(deps Deps, logger *logging.Logger, cfg *Config) (*Server, error) {
	switch {
	case deps.Engine == nil:
		return nil, errors.New("http: engine is required")
	case deps.Scheduler == nil:
		return nil, errors.New("http: scheduler is required")
	case deps.Progress == nil:
		return nil, errors.New("http: progress source is required")
	case logger == nil:
		return nil, errors.New("http: logger is required")
	}
	listen := Config{Host: "localhost", Port: 9191}
	if cfg != nil {
		listen = *cfg
	}

	s := &Server{
		echo:   echo.New(),
		deps:   deps,
		logger: logger.Named("http"),
		config: listen,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	metrics, err := newRequestMetrics(otel.Meter(meterName))
	if err != nil {
		s.logger.Warn(context.Background(), "some request metrics are unavailable", zap.Error(err))
	}

	s.echo.Use(
		middleware.Recover(),
		middleware.RequestID(),
		metrics.middleware,
		s.requestLogger,
	)
	s.registerRoutes()
	return s, nil
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(c.Request().Context(), requestID)
		c.SetRequest(c.Request().WithContext(ctx))

		err := next(c)
		if err != nil {
			// Let echo write the response so the logged status is final.
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleSubmit)
	v1.GET("/tasks", s.handleList)
	v1.GET("/tasks/:id", s.handleGet)
	v1.POST("/tasks/:id/pause", s.handlePause)
	v1.POST("/tasks/:id/resume", s.handleResume)
	v1.POST("/tasks/:id/cancel", s.handleCancel)
	v1.GET("/progress", s.handleProgress)
	v1.GET("/history", s.handleHistory)
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens and serves until Shutdown, after which it returns nil.
func (s *Server) Start() error {
	addr := s.config.addr()
	s.logger.Info(context.Background(), "api listening", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "api shutting down")
	return s.echo.Shutdown(ctx)
}
