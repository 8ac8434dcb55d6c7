// Package httpapi serves the container health check and the panel webhook.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tg_vpn_shop_bot/internal/logging"
)

const (
	pingTimeout       = 2 * time.Second
	readHeaderTimeout = 2 * time.Second
	maxWebhookBody    = 1 << 20
)

// Checker is a dependency the health check pings.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a plain function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Options wires the optional parts of the server.
type Options struct {
	Port          int
	Mongo         Checker
	Redis         Checker
	Events        EventHandler
	WebhookSecret string
	Logger        *logrus.Entry
}

// Server owns the gin engine and the underlying HTTP server.
type Server struct {
	server *http.Server
	engine *gin.Engine
	logger *logrus.Entry

	mongo  Checker
	redis  Checker
	events EventHandler
	secret string
}

type healthResponse struct {
	Status string `json:"status"`
	Mongo  string `json:"mongo,omitempty"`
	Redis  string `json:"redis,omitempty"`
}

// NewServer builds the server with GET /healthz and, when an event handler is
// given, POST /webhook/panel.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Logger()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		engine: engine,
		logger: logger,
		mongo:  opts.Mongo,
		redis:  opts.Redis,
		events: opts.Events,
		secret: opts.WebhookSecret,
	}

	engine.GET("/healthz", s.handleHealth)
	if s.events != nil {
		engine.POST("/webhook/panel", s.handlePanelWebhook)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// ListenAndServe blocks until the server stops. A graceful shutdown is not an
// error.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logging.Fields{
		"event": "http_listen",
		"addr":  s.server.Addr,
	}).Info("starting http server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server listen: %w", err)
	}

	s.logger.WithField("event", "http_stopped").Info("http server stopped")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{Status: "ok"}

	if !s.ping(c.Request.Context(), "mongo", s.mongo, true) {
		resp.Status = "degraded"
		resp.Mongo = "error"
	}
	if !s.ping(c.Request.Context(), "redis", s.redis, false) {
		resp.Status = "degraded"
		resp.Redis = "error"
	}

	c.JSON(http.StatusOK, resp)
}

// ping reports whether dep is healthy. A missing optional dependency counts as
// healthy; a missing required one does not.
func (s *Server) ping(ctx context.Context, name string, dep Checker, required bool) bool {
	if dep == nil {
		if required {
			s.logger.WithField("event", "health_"+name+"_missing").Warn(name + " checker is not configured")
		}
		return !required
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := dep.Ping(pingCtx); err != nil {
		s.logger.WithField("event", "health_"+name+"_error").WithError(err).Warn(name + " ping failed during health check")
		return false
	}
	return true
}

func requestLogger(logger *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.WithFields(logging.Fields{
			"event":       "http_request",
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("http request served")
	}
}
