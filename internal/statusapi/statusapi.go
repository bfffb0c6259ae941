// SPDX-License-Identifier: GPL-3.0-or-later

// Package statusapi serves the local HTTP status API.
//
// The routes are:
//
//   - GET /healthz returns "ok";
//   - GET /v1/links returns the link qualities and the failover hint;
//   - GET /v1/sessions returns the number of relay sessions;
//   - GET /metrics returns the Prometheus metrics.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swoet/dualwan/internal/link"
	"github.com/swoet/dualwan/internal/quality"
	"go.uber.org/zap"
)

// ShutdownTimeout bounds the graceful shutdown in [*Server.Serve].
const ShutdownTimeout = 5 * time.Second

// Monitor provides link qualities.
//
// [*quality.Monitor] implements this interface.
type Monitor interface {
	Snapshot() quality.Snapshot
	ShouldFailover(currentID, alternativeID string) bool
}

// Counter counts live sessions.
//
// [*tcprelay.Relay] and [*udprelay.Relay] implement this interface.
type Counter interface {
	Len() int
}

// Option is an option for [New].
type Option func(cfg *config)

type config struct {
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// OptionGatherer sets the source of the /metrics route.
func OptionGatherer(value prometheus.Gatherer) Option {
	return func(cfg *config) {
		cfg.gatherer = value
	}
}

// OptionLogger sets the logger.
func OptionLogger(value *zap.Logger) Option {
	return func(cfg *config) {
		cfg.logger = value
	}
}

// LinkStatus is the JSON view of a [quality.LinkQuality].
type LinkStatus struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	Available bool      `json:"available"`
	RTTMs     float64   `json:"rtt_ms"`
	Loss      float64   `json:"loss"`
	Stability float64   `json:"stability"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LinksResponse is the body of GET /v1/links.
type LinksResponse struct {
	// Links contains the links sorted by ID.
	Links []LinkStatus `json:"links"`

	// Default is the ID of the default link, empty if none is available.
	Default string `json:"default"`

	// Best is the ID of the best usable link, empty if none.
	Best string `json:"best"`

	// Failover indicates that Best would serve new traffic better
	// than Default. Existing sessions are never migrated.
	Failover bool `json:"failover"`
}

// SessionsResponse is the body of GET /v1/sessions.
type SessionsResponse struct {
	TCP int `json:"tcp"`
	UDP int `json:"udp"`
}

// Server is the status API server.
//
// Construct using [New].
type Server struct {
	// engine routes the requests.
	engine *gin.Engine

	// logger is the logger.
	logger *zap.Logger

	// monitor provides link qualities.
	monitor Monitor

	// registry is the link registry.
	registry link.Registry

	// tcp counts the TCP sessions.
	tcp Counter

	// udp counts the UDP sessions.
	udp Counter
}

// New creates a new [*Server].
func New(registry link.Registry, monitor Monitor, tcp, udp Counter, options ...Option) *Server {
	cfg := config{
		gatherer: prometheus.DefaultGatherer,
		logger:   zap.NewNop(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	s := &Server{
		engine:   gin.New(),
		logger:   cfg.logger.Named("statusapi"),
		monitor:  monitor,
		registry: registry,
		tcp:      tcp,
		udp:      udp,
	}
	s.engine.Use(s.recovery(), s.requestLog())
	s.engine.GET("/healthz", s.healthz)
	v1 := s.engine.Group("/v1")
	{
		v1.GET("/links", s.links)
		v1.GET("/sessions", s.sessions)
	}
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{})))
	return s
}

// Handler returns the [http.Handler] serving the routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve serves the API on listener until ctx is done.
//
// The return value is nil when ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(done)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("forcing close", zap.Error(err))
			srv.Close()
		}
	})
	s.logger.Info("serving", zap.Stringer("address", listener.Addr()))
	err := srv.Serve(listener)
	if !stop() {
		<-done
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("statusapi: serve: %w", err)
}

func (s *Server) healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) links(c *gin.Context) {
	snap := s.monitor.Snapshot()
	resp := LinksResponse{Links: make([]LinkStatus, 0, snap.Len())}
	for _, q := range snap.All() {
		resp.Links = append(resp.Links, LinkStatus{
			ID:        q.LinkID,
			Transport: q.Transport.String(),
			Available: q.Available,
			RTTMs:     q.RTTMs,
			Loss:      q.Loss,
			Stability: q.Stability,
			Score:     q.Score(),
			UpdatedAt: q.UpdatedAt,
		})
	}
	if def, err := link.Default(s.registry); err == nil {
		resp.Default = def.ID
	}
	if best, found := snap.Best(); found {
		resp.Best = best.LinkID
	}
	if resp.Default != "" && resp.Best != "" && resp.Default != resp.Best {
		resp.Failover = s.monitor.ShouldFailover(resp.Default, resp.Best)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) sessions(c *gin.Context) {
	c.JSON(http.StatusOK, SessionsResponse{
		TCP: s.tcp.Len(),
		UDP: s.udp.Len(),
	})
}

// recovery turns a panicking handler into a 500 response.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// requestLog logs every request at debug level.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		t0 := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(t0)))
	}
}
