// Package api is the operational HTTP surface: liveness, Prometheus metrics,
// per-model stats, displaced-session polling, and on-demand provider health
// checks. User-facing chat traffic does not go through this server.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drawmind/modelmux/pkg/balancer"
	"github.com/drawmind/modelmux/pkg/breaker"
	"github.com/drawmind/modelmux/pkg/database"
	"github.com/drawmind/modelmux/pkg/orchestrator"
	"github.com/drawmind/modelmux/pkg/session"
)

const (
	readTimeout     = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// CacheHealth reports cache reachability. Implemented by cache.Store.
type CacheHealth interface {
	Available(ctx context.Context) bool
}

// DatabaseHealth reports database connectivity and pool statistics.
// Implemented by database.Client.
type DatabaseHealth interface {
	Health(ctx context.Context) (*database.HealthStatus, error)
}

// Sessions is the slice of the session manager the status endpoint needs.
type Sessions interface {
	IsSessionValid(ctx context.Context, userID, token string) bool
	CheckInvalidationNotification(ctx context.Context, userID, tokenHash string) (*session.InvalidationNotice, error)
	ClearInvalidationNotification(ctx context.Context, userID, tokenHash string) error
}

// HealthRunner fans a probe out to every provider. Implemented by
// orchestrator.Orchestrator.
type HealthRunner interface {
	HealthCheck(ctx context.Context) map[string]orchestrator.HealthStatus
}

// IdentityInvalidator flushes cached identity entries after out-of-band
// profile edits. Implemented by identity.Service.
type IdentityInvalidator interface {
	InvalidateUser(ctx context.Context, id, phone string) error
	InvalidateOrg(ctx context.Context, id, code, inviteCode string) error
}

// Server is the ops HTTP server.
type Server struct {
	cache    CacheHealth
	db       DatabaseHealth
	tracker  *breaker.Tracker
	balancer *balancer.Balancer
	sessions Sessions
	health   HealthRunner
	identity IdentityInvalidator

	srv *http.Server
}

// NewServer wires the ops server. db, sessions, health, and identityCache
// may be nil when the corresponding subsystem is not running; their
// endpoints then degrade (db check skipped, the rest return 503).
func NewServer(
	addr string,
	cacheStore CacheHealth,
	db DatabaseHealth,
	tracker *breaker.Tracker,
	lb *balancer.Balancer,
	sessions Sessions,
	health HealthRunner,
	identityCache IdentityInvalidator,
) *Server {
	s := &Server{
		cache:    cacheStore,
		db:       db,
		tracker:  tracker,
		balancer: lb,
		sessions: sessions,
		health:   health,
		identity: identityCache,
	}
	s.srv = &http.Server{
		Addr:        addr,
		Handler:     s.router(),
		ReadTimeout: readTimeout,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/health", s.healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/models/stats", s.modelStatsHandler)
	v1.GET("/session-status", s.sessionStatusHandler)
	v1.POST("/health-check/run", s.runHealthCheckHandler)
	v1.POST("/identity/invalidate", s.invalidateIdentityHandler)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Ops API server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the shutdown budget.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
