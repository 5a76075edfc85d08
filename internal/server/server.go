// Package server ties C1-C12 together the way
// original_source/webserver/webserver.h's WebServer class and
// s00inx-goserver's server/server.go do: it owns configuration, the log
// sink, metrics, the database pool, and the reactor, and exposes a single
// Run(ctx) entry point.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kfcemployee/emberweb/internal/config"
	"github.com/kfcemployee/emberweb/internal/db"
	"github.com/kfcemployee/emberweb/internal/dispatch"
	"github.com/kfcemployee/emberweb/internal/engine"
	"github.com/kfcemployee/emberweb/internal/logsink"
	"github.com/kfcemployee/emberweb/internal/metrics"
)

// Server is the fully-wired process: reactor + worker pool + dispatch,
// backed by the log sink, the metrics registry, and (optionally) a
// database pool.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	sink    *logsink.Sink
	metrics *metrics.Metrics
	dbPool  *db.Pool
	users   *db.UserCache
	reactor *engine.Reactor
}

// New constructs every component from cfg. It does not open a socket or
// start any goroutine until Run is called.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sink, err := logsink.Open(logsink.Config{
		Dir:        cfg.Log.Dir,
		BaseName:   cfg.Log.BaseName,
		Mode:       logModeOf(cfg.Log.Mode),
		QueueSize:  cfg.Log.QueueSize,
		SplitLines: cfg.Log.SplitLines,
		Disabled:   cfg.Log.Disabled,
	})
	if err != nil {
		return nil, fmt.Errorf("opening log sink: %w", err)
	}

	m := metrics.New()
	users := db.NewUserCache()

	var pool *db.Pool
	if cfg.DB.Host != "" {
		pool, err = db.Open(db.Config{
			Host:     cfg.DB.Host,
			Port:     cfg.DB.Port,
			User:     cfg.DB.User,
			Password: cfg.DB.Password,
			Name:     cfg.DB.Name,
			PoolSize: cfg.DB.PoolSize,
		})
		if err != nil {
			sink.Close()
			return nil, fmt.Errorf("opening database pool: %w", err)
		}
		if err := users.Prime(context.Background(), pool.Raw()); err != nil {
			sink.Close()
			pool.Close()
			return nil, fmt.Errorf("priming user cache: %w", err)
		}
	}

	processor := dispatch.NewProcessor(cfg.DocRoot, users, pool, logger, m)

	reactorCfg := engine.Config{
		Addr:            [4]byte{0, 0, 0, 0},
		Port:            cfg.Port,
		MaxConns:        0,
		ListenerTrigger: triggerModeOf(cfg.Server.ListenerTrigger),
		ConnTrigger:     triggerModeOf(cfg.Server.ConnTrigger),
		ActorModel:      actorModelOf(cfg.Server.ActorModel),
		Timeslot:        time.Duration(cfg.Server.TimeslotSeconds) * time.Second,
		WorkerCount:         cfg.Server.WorkerCount,
		QueueCapacity:       cfg.Server.MaxRequests,
		PinWorkers:          cfg.Server.PinWorkers,
		AcceptRatePerSecond: cfg.Server.AcceptRatePerSecond,
		AcceptBurst:         cfg.Server.AcceptBurst,
	}
	reactor := engine.New(reactorCfg, processor, m, logger)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		sink:    sink,
		metrics: m,
		dbPool:  pool,
		users:   users,
		reactor: reactor,
	}, nil
}

// Users exposes the in-memory credential cache, primarily so tests can
// seed it without a real database.
func (s *Server) Users() *db.UserCache { return s.users }

// Metrics exposes the collectors. Run serves them on the side /metrics
// listener when metrics are enabled; the reactor has no listener of its own
// for them.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// WaitReady blocks until the reactor's listener is bound.
func (s *Server) WaitReady(ctx context.Context) error { return s.reactor.WaitReady(ctx) }

// Port returns the TCP port the reactor is listening on, valid after
// WaitReady returns — useful for tests that bind to port 0.
func (s *Server) Port() int { return s.reactor.Port() }

// Run blocks serving the reactor (and, if enabled, the side metrics
// listener) until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer s.sink.Close()

	errc := make(chan error, 2)
	go func() { errc <- s.reactor.Run(ctx) }()

	if s.cfg.Metrics.Enabled {
		go func() { errc <- s.metrics.Serve(ctx, s.cfg.Metrics.Addr) }()
	}

	go s.pollDBStats(ctx)

	select {
	case <-ctx.Done():
		<-errc
		if s.dbPool != nil {
			s.dbPool.Close()
		}
		return nil
	case err := <-errc:
		if s.dbPool != nil {
			s.dbPool.Close()
		}
		return err
	}
}

func (s *Server) pollDBStats(ctx context.Context) {
	if s.dbPool == nil {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.SetDBPoolStats(s.dbPool.FreeCount(), s.dbPool.BorrowedCount())
		}
	}
}

func logModeOf(mode string) logsink.Mode {
	if mode == "async" {
		return logsink.Async
	}
	return logsink.Sync
}

func triggerModeOf(mode string) engine.TriggerMode {
	if mode == "ET" {
		return engine.EdgeTriggered
	}
	return engine.LevelTriggered
}

func actorModelOf(model string) engine.ActorModel {
	if model == "proactor" {
		return engine.ProactorModel
	}
	return engine.ReactorModel
}
