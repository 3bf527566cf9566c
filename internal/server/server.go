package server

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/labsync/labsync/internal/core/observability/log"
	"github.com/labsync/labsync/internal/storage"
)

// Server bundles the room hub, the REST persistence surface, and the
// optional cross-node bridge behind one listener and one lifecycle.
type Server struct {
	cfg    Config
	logger log.Log

	hub    *Hub
	bridge *Bridge
	store  storage.RecordStore
	http   *http.Server

	running int32
}

// New builds the server from config: postgres when a DSN is set, the
// in-memory store otherwise; the redis bridge only when an address is
// configured.
func New(ctx context.Context, cfg Config, logger log.Log) (*Server, error) {
	var store storage.RecordStore
	if cfg.PostgresDSN != "" {
		pg, err := storage.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		store = pg
	} else {
		logger.Warn("no postgres DSN configured, using in-memory record store")
		store = storage.NewMemory()
	}

	verifier := NewTokenVerifier(cfg.SigningKey)
	hub := NewHub(cfg, verifier, NewLockRegistry(), logger)
	api := NewAPI(store, verifier, logger)

	s := &Server{
		cfg:    cfg,
		logger: logger,
		hub:    hub,
		store:  store,
		http: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: NewRouter(hub, api),
		},
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s.bridge = NewBridge(rdb, hub, logger)
		hub.SetBridge(s.bridge)
	}

	return s, nil
}

// Start brings the bridge and the HTTP listener up. It returns once the
// listener stops.
func (s *Server) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	g, ctx := errgroup.WithContext(ctx)

	if s.bridge != nil {
		if err := s.bridge.Start(ctx); err != nil {
			return err
		}
	}

	g.Go(func() error {
		s.logger.Info("listening", log.String("addr", s.cfg.ListenAddr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http listener")
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return s.Stop(context.Background())
	})

	return g.Wait()
}

// Stop shuts everything down: listener first, then live connections, then
// the bridge and store.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}

	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", log.Error(err))
	}
	if err := s.hub.Shutdown(ctx); err != nil {
		s.logger.Warn("hub shutdown", log.Error(err))
	}
	if s.bridge != nil {
		s.bridge.Stop()
	}
	if pg, ok := s.store.(*storage.Postgres); ok {
		pg.Close()
	}

	s.logger.Info("server stopped")
	return nil
}
