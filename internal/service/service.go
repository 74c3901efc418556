package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/handshake/internal/admin"
	"github.com/danmuck/handshake/internal/config"
	logs "github.com/danmuck/handshake/internal/logging"
	"github.com/danmuck/handshake/internal/persist"
	"github.com/danmuck/handshake/internal/sessionstore"
	"golang.org/x/sync/errgroup"
)

// Report counts workload outcomes.
type Report struct {
	Handshakes int64
	Resumed    int64
	Failed     int64
}

// Service owns one process-wide store and everything wired to it.
type Service struct {
	cfg   ServiceConfig
	store *sessionstore.Store
	sink  persist.Sink
	admin *admin.Server

	snapMu sync.Mutex

	handshakes atomic.Int64
	resumed    atomic.Int64
	failed     atomic.Int64
}

// NewService validates cfg and builds the store and sink. Nothing is read
// from the sink until Run.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	storeCfg, err := cfg.Profile.StoreConfig()
	if err != nil {
		return nil, err
	}
	store, err := sessionstore.New(storeCfg)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:   cfg,
		store: store,
		sink:  newSink(cfg.Profile.Sink),
	}
	s.admin = admin.New(admin.Config{
		NodeID:      cfg.NodeID,
		Addr:        cfg.Admin.ListenAddr,
		CORSOrigins: cfg.Admin.CORSOrigins,
		Token:       cfg.Admin.Token,
	}, store, s.snapshotter())
	return s, nil
}

func newSink(cfg config.SinkConfig) persist.Sink {
	switch cfg.Kind {
	case config.SinkFile:
		return persist.NewFileSink(cfg.Path)
	case config.SinkRedis:
		return persist.NewRedisSink(persist.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
	default:
		return nil
	}
}

func (s *Service) Store() *sessionstore.Store {
	return s.store
}

func (s *Service) Admin() *admin.Server {
	return s.admin
}

func (s *Service) Report() Report {
	return Report{
		Handshakes: s.handshakes.Load(),
		Resumed:    s.resumed.Load(),
		Failed:     s.failed.Load(),
	}
}

// Run restores the store, then serves until ctx is done. The workload runs
// once; the admin surface and snapshot loop keep going after it finishes.
// A final snapshot is taken on the way out.
func (s *Service) Run(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if strings.TrimSpace(s.cfg.Admin.ListenAddr) != "" {
		g.Go(func() error {
			return s.admin.Serve(gctx)
		})
	}
	if s.sink != nil {
		g.Go(func() error {
			return s.snapshotLoop(gctx)
		})
	}
	g.Go(func() error {
		err := s.RunWorkload(gctx)
		r := s.Report()
		logs.Infof("service.Service.Run workload done handshakes=%d resumed=%d failed=%d err=%v",
			r.Handshakes, r.Resumed, r.Failed, err)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	runErr := g.Wait()

	if s.sink != nil {
		// ctx is already done here.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Snapshot(shutdownCtx); err != nil && runErr == nil {
			runErr = err
		}
	}
	if closer, ok := s.sink.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	return runErr
}

func (s *Service) restore(ctx context.Context) error {
	if s.sink == nil {
		return nil
	}
	err := persist.RestoreStore(ctx, s.store, s.sink, s.cfg.Backoff)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persist.ErrNoSnapshot):
		logs.Infof("service.Service.restore no snapshot sink=%s", s.sink.Name())
		return nil
	case errors.Is(err, sessionstore.ErrIncompatibleSnapshot), errors.Is(err, sessionstore.ErrCorruptSnapshot):
		logs.Warnf("service.Service.restore starting empty sink=%s err=%v", s.sink.Name(), err)
		return nil
	default:
		return fmt.Errorf("service: restore: %w", err)
	}
}

// Snapshot writes the store to the configured sink.
func (s *Service) Snapshot(ctx context.Context) error {
	if s.sink == nil {
		return admin.ErrNoSnapshotter
	}
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return persist.SaveStore(ctx, s.store, s.sink, s.cfg.Backoff)
}

func (s *Service) snapshotter() admin.SnapshotFunc {
	if s.sink == nil {
		return nil
	}
	return s.Snapshot
}

func (s *Service) snapshotLoop(ctx context.Context) error {
	interval, err := s.cfg.Profile.SnapshotInterval()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInterval, err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Snapshot(ctx); err != nil && ctx.Err() == nil {
				logs.Warnf("service.Service.snapshotLoop err=%v", err)
			}
		}
	}
}
