// Package httpapi exposes the producer API, the preference endpoints,
// the analytics rollup, and the provider callback receivers over HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/courierd/courierd/internal/breaker"
	"github.com/courierd/courierd/internal/engine"
	"github.com/courierd/courierd/internal/metrics"
	"github.com/courierd/courierd/internal/preference"
	"github.com/courierd/courierd/internal/queue"
	"github.com/courierd/courierd/internal/telemetry"
)

// Server serves the courierd HTTP surface.
type Server struct {
	engine    *engine.Service
	prefs     preference.Repository
	analytics *metrics.Analytics
	queue     queue.Queue
	breakers  *breaker.Registry
	db        *sql.DB
	redis     *redis.Client
	log       *logrus.Logger

	http *http.Server
}

// Deps carries the server's collaborators.
type Deps struct {
	Engine    *engine.Service
	Prefs     preference.Repository
	Analytics *metrics.Analytics
	Queue     queue.Queue
	Breakers  *breaker.Registry
	DB        *sql.DB
	Redis     *redis.Client
	Log       *logrus.Logger
}

// NewServer builds the router and wraps it in an http.Server on addr.
func NewServer(addr string, d Deps) *Server {
	s := &Server{
		engine:    d.Engine,
		prefs:     d.Prefs,
		analytics: d.Analytics,
		queue:     d.Queue,
		breakers:  d.Breakers,
		db:        d.DB,
		redis:     d.Redis,
		log:       d.Log,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("courierd"))
	router.Use(s.correlationMiddleware())
	router.Use(s.loggingMiddleware())

	router.POST("/notifications", s.createNotification)
	router.GET("/notifications/:id", s.getNotification)
	router.POST("/notifications/:id/cancel", s.cancelNotification)
	router.POST("/notifications/:id/retry", s.retryNotification)

	router.GET("/users/:user_id/notifications", s.listUserNotifications)
	router.GET("/users/:user_id/preferences", s.getUserPreferences)
	router.PUT("/users/:user_id/preferences", s.putUserPreferences)

	router.GET("/stats", s.getStats)
	router.GET("/health", s.getHealth)

	router.POST("/callbacks/:provider", s.providerCallback)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.WithField("addr", s.http.Addr).Info("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// correlationMiddleware threads the caller's correlation id (or a fresh
// one) through the request context and echoes it back.
func (s *Server) correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := telemetry.WithCorrelationID(c.Request.Context(), c.GetHeader("X-Correlation-ID"))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", telemetry.GetCorrelationID(ctx))
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := telemetry.WithTrace(c.Request.Context(), s.log).WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("request failed")
		} else {
			entry.Info("request served")
		}
	}
}
