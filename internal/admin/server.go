package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/handshake/internal/auth"
	logs "github.com/danmuck/handshake/internal/logging"
	"github.com/danmuck/handshake/internal/observability"
	"github.com/danmuck/handshake/internal/sessionstore"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

var ErrNoSnapshotter = errors.New("admin: snapshots not configured")

// SnapshotFunc persists the store on demand.
type SnapshotFunc func(ctx context.Context) error

type Config struct {
	NodeID      string
	Addr        string
	CORSOrigins []string
	// Token guards the POST routes when set.
	Token           string
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg      Config
	store    *sessionstore.Store
	snapshot SnapshotFunc
	router   *gin.Engine
	started  time.Time
	now      func() time.Time
}

// New builds the router and registers every route. snapshot may be nil.
func New(cfg Config, store *sessionstore.Store, snapshot SnapshotFunc) *Server {
	if cfg.NodeID == "" {
		cfg.NodeID = "handshake"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.NodeID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		store:    store,
		snapshot: snapshot,
		router:   r,
		started:  time.Now(),
		now:      time.Now,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"node":    s.cfg.NodeID,
			"version": Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/store/stats", func(c *gin.Context) {
		stats, err := s.store.Stats(c.Request.Context())
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	guarded := s.router.Group("/store", auth.Middleware(s.validator()))

	guarded.POST("/snapshot", func(c *gin.Context) {
		if s.snapshot == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": ErrNoSnapshotter.Error()})
			return
		}
		if err := s.snapshot(c.Request.Context()); err != nil {
			logs.Warnf("admin.Server.snapshot failed node=%s err=%v", s.cfg.NodeID, err)
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	guarded.POST("/flush", func(c *gin.Context) {
		n, err := s.store.Flush(c.Request.Context(), s.now())
		if err != nil {
			respondStoreError(c, err)
			return
		}
		logs.Infof("admin.Server.flush node=%s flushed=%d", s.cfg.NodeID, n)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "flushed": n})
	})
}

func (s *Server) validator() auth.Validator {
	if s.cfg.Token == "" {
		return nil
	}
	return auth.StaticToken{Token: s.cfg.Token}
}

// Serve listens on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("admin.Server.Serve listening node=%s addr=%s", s.cfg.NodeID, s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func respondStoreError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sessionstore.ErrLockTimeout), errors.Is(err, sessionstore.ErrSnapshotBusy):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
