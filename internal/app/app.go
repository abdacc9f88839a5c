// Package app wires the scraper's components and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/api"
	"github.com/JakeFAU/realtime-scraper/internal/broadcast"
	"github.com/JakeFAU/realtime-scraper/internal/config"
	"github.com/JakeFAU/realtime-scraper/internal/dispatcher"
	"github.com/JakeFAU/realtime-scraper/internal/hash/sha256"
	"github.com/JakeFAU/realtime-scraper/internal/id/uuid"
	"github.com/JakeFAU/realtime-scraper/internal/queue/memory"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
	"github.com/JakeFAU/realtime-scraper/internal/telemetry"
	"github.com/JakeFAU/realtime-scraper/internal/trigger"
	"github.com/JakeFAU/realtime-scraper/internal/worker"
)

const defaultShutdownTimeout = 15 * time.Second

// Option overrides a component built by New.
type Option func(*options)

type options struct {
	extractor scrape.Extractor
	snapshots scrape.SnapshotStore
	notifier  scrape.Notifier
	clock     clockwork.Clock
}

// WithExtractor replaces the extraction pipeline built from config.
func WithExtractor(e scrape.Extractor) Option {
	return func(o *options) { o.extractor = e }
}

// WithSnapshotStore replaces the snapshot backend selected by config.
func WithSnapshotStore(s scrape.SnapshotStore) Option {
	return func(o *options) { o.snapshots = s }
}

// WithNotifier replaces the Pub/Sub notifier.
func WithNotifier(n scrape.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithClock replaces the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	queue       *memory.Queue
	coordinator *broadcast.Coordinator
	worker      *worker.Worker
	dispatch    *dispatcher.Dispatcher
	trigger     *trigger.Cron
	apiServer   *api.Server
	snapshots   scrape.SnapshotStore
	notifier    scrape.Notifier

	tracerShutdown func(context.Context) error

	mu   sync.Mutex
	addr net.Addr
}

// New builds every component from cfg. When a snapshot store is configured,
// its result seeds the cache before anything can read it.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application",
		zap.String("workflow", cfg.Workflow()),
		zap.String("url", cfg.Scrape.URL),
		zap.String("strategy", cfg.Extract.Strategy),
		zap.String("snapshot_backend", cfg.Snapshot.Backend),
		zap.Int("port", cfg.Server.Port),
	)

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{ServiceName: cfg.Telemetry.ServiceName}, logger)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracerShutdown = tp.Shutdown
	}

	extractor := o.extractor
	if extractor == nil {
		pipeline, err := BuildExtractor(ctx, cfg, logger)
		if err != nil {
			return nil, a.abort(err)
		}
		extractor = pipeline
	}

	a.snapshots = o.snapshots
	if a.snapshots == nil {
		store, err := OpenSnapshotStore(ctx, cfg)
		if err != nil {
			return nil, a.abort(err)
		}
		a.snapshots = store
	}

	a.notifier = o.notifier
	if a.notifier == nil && cfg.PubSub.Enabled {
		notifier, err := openNotifier(ctx, cfg)
		if err != nil {
			return nil, a.abort(err)
		}
		a.notifier = notifier
	}

	idGen := uuid.New()
	a.coordinator = broadcast.NewCoordinator(
		broadcast.NewCache(),
		broadcast.NewRegistry(),
		broadcast.Config{SendTimeout: cfg.WebSocket.SendTimeout},
		logger.Named("broadcast"),
	)
	a.restoreSnapshot(ctx)

	a.queue = memory.NewQueue()
	a.worker = worker.New(
		a.queue,
		extractor,
		a.coordinator,
		a.snapshots,
		a.notifier,
		sha256.New(),
		idGen,
		o.clock,
		worker.Config{
			Timeout:        cfg.Scrape.Timeout,
			PersistTimeout: cfg.Snapshot.PersistTimeout,
		},
		logger.Named("worker"),
	)
	a.dispatch = dispatcher.New(a.queue, a.worker, idGen, o.clock)
	a.trigger = trigger.New(trigger.Config{
		Expression:  cfg.Scrape.Cron,
		Timezone:    cfg.Scrape.Timezone,
		SkipStartup: cfg.Scrape.SkipStartup,
	}, a.dispatch, logger.Named("trigger"))
	a.apiServer = api.NewServer(a.coordinator, a.dispatch, a.worker, idGen, o.clock, cfg, logger)

	return a, nil
}

// abort releases whatever New opened before failing.
func (a *App) abort(err error) error {
	if closeErr := a.Close(); closeErr != nil {
		a.logger.Warn("cleanup after failed build", zap.Error(closeErr))
	}
	return err
}

func (a *App) restoreSnapshot(ctx context.Context) {
	if a.snapshots == nil {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	result, err := a.snapshots.Load(loadCtx)
	switch {
	case errors.Is(err, scrape.ErrNotFound):
		a.logger.Info("no snapshot to restore")
	case err != nil:
		a.logger.Warn("snapshot restore failed; starting with an empty cache", zap.Error(err))
	case a.coordinator.Restore(result):
		a.logger.Info("restored snapshot",
			zap.Uint64("seq", result.Seq),
			zap.String("run_id", result.RunID),
			zap.Time("extracted_at", result.ExtractedAt),
		)
	}
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Coordinator exposes the broadcast coordinator.
func (a *App) Coordinator() *broadcast.Coordinator {
	return a.coordinator
}

// Addr returns the listener address once Run has bound it.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Run starts the worker, the HTTP server and the trigger, and blocks until
// ctx finishes or one of them fails. Shutdown stops the trigger, drains HTTP,
// cancels in-flight work and waits for the worker.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	errCh := make(chan error, 2)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := a.dispatch.Run(runCtx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	if err := a.trigger.Start(runCtx); err != nil {
		runErr = fmt.Errorf("start trigger: %w", err)
	} else {
		select {
		case <-ctx.Done():
			a.logger.Info("shutdown initiated")
		case runErr = <-errCh:
			a.logger.Error("fatal component failure", zap.Error(runErr))
		}
	}

	a.shutdown(srv, cancel, workerDone)
	return runErr
}

func (a *App) shutdown(srv *http.Server, cancel context.CancelFunc, workerDone <-chan struct{}) {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), timeout)
	defer done()

	a.trigger.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown error", zap.Error(err))
	}
	cancel()
	a.queue.Close()

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("worker did not stop before the shutdown deadline")
	}
	a.logger.Info("shutdown complete")
}

// Close releases stores, the notifier and the tracer.
func (a *App) Close() error {
	var errs []error
	if a.snapshots != nil {
		if err := a.snapshots.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close snapshot store: %w", err))
		}
	}
	if closer, ok := a.notifier.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close notifier: %w", err))
		}
	}
	if a.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracerShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}
