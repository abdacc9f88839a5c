// Package worker implements the scrape execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/broadcast"
	"github.com/JakeFAU/realtime-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// ErrQueueUnavailable is returned by Run when the queue stops delivering
// triggers while the worker is still expected to run.
var ErrQueueUnavailable = errors.New("scrape queue unavailable")

var tracer = otel.Tracer("github.com/JakeFAU/realtime-scraper/internal/worker")

// State is the worker's position in its loop.
type State int32

// Worker states.
const (
	StateIdle State = iota
	StateDequeuing
	StateScraping
	StatePublishing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDequeuing:
		return "dequeuing"
	case StateScraping:
		return "scraping"
	case StatePublishing:
		return "publishing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Publisher caches a result and broadcasts it to subscribers.
type Publisher interface {
	Publish(ctx context.Context, result scrape.Result) broadcast.Report
}

// Config controls Worker behavior.
type Config struct {
	// Timeout bounds a single extraction. Zero means no bound.
	Timeout time.Duration
	// PersistTimeout bounds the snapshot save and notification after a publish.
	PersistTimeout time.Duration
}

// Worker consumes triggers and runs one scrape per trigger, strictly one at
// a time.
type Worker struct {
	queue     scrape.Queue
	extractor scrape.Extractor
	publisher Publisher
	snapshots scrape.SnapshotStore
	notifier  scrape.Notifier
	hasher    scrape.Hasher
	idGen     scrape.IDGenerator
	clock     scrape.Clock
	cfg       Config
	logger    *zap.Logger

	state atomic.Int32
}

// New constructs a Worker. snapshots and notifier may be nil.
func New(
	queue scrape.Queue,
	extractor scrape.Extractor,
	publisher Publisher,
	snapshots scrape.SnapshotStore,
	notifier scrape.Notifier,
	hasher scrape.Hasher,
	idGen scrape.IDGenerator,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	return &Worker{
		queue:     queue,
		extractor: extractor,
		publisher: publisher,
		snapshots: snapshots,
		notifier:  notifier,
		hasher:    hasher,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// State reports the current loop state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run starts the extractor and then consumes triggers until the context
// finishes. It returns nil on cancellation and an error when the extractor
// cannot start or the queue fails.
func (w *Worker) Run(ctx context.Context) error {
	defer w.setState(StateStopped)

	if err := w.extractor.Start(ctx); err != nil {
		return fmt.Errorf("start extractor: %w", err)
	}
	defer func() {
		if err := w.extractor.Close(); err != nil {
			w.logger.Warn("extractor close failed", zap.Error(err))
		}
	}()

	for {
		w.setState(StateDequeuing)
		trigger, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping", zap.Error(ctx.Err()))
				return nil
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
		}
		metrics.SetQueueDepth(w.queue.Len())
		w.logger.Debug("dequeued trigger",
			zap.String("trigger_id", trigger.ID),
			zap.String("source", string(trigger.Source)),
		)
		w.runOnce(ctx, trigger)
		w.setState(StateIdle)
	}
}

func (w *Worker) runOnce(ctx context.Context, trigger scrape.Trigger) {
	w.setState(StateScraping)
	runID, err := w.idGen.NewID()
	if err != nil {
		w.logger.Warn("run id generation failed", zap.Error(err))
		runID = trigger.ID
	}
	logger := w.logger.With(zap.String("run_id", runID), zap.String("trigger_id", trigger.ID))

	ctx, span := tracer.Start(ctx, "scrape")
	defer span.End()
	span.SetAttributes(
		attribute.String("scrape.run_id", runID),
		attribute.String("scrape.trigger_source", string(trigger.Source)),
	)

	start := w.clock.Now()
	payload, err := w.extract(ctx)
	finished := w.clock.Now()
	duration := finished.Sub(start)
	if err != nil {
		metrics.ObserveScrape(metrics.ResultFailure, duration, finished)
		span.RecordError(err)
		span.SetStatus(codes.Error, "extract failed")
		logger.Error("scrape failed", zap.Duration("duration", duration), zap.Error(err))
		return
	}

	digest, err := w.hasher.Hash([]byte(payload))
	if err != nil {
		metrics.ObserveScrape(metrics.ResultFailure, duration, finished)
		span.RecordError(err)
		span.SetStatus(codes.Error, "digest failed")
		logger.Error("payload digest failed", zap.Error(err))
		return
	}

	w.setState(StatePublishing)
	report := w.publisher.Publish(ctx, scrape.Result{
		RunID:       runID,
		Payload:     payload,
		Digest:      digest,
		ExtractedAt: finished,
	})
	metrics.ObserveScrape(metrics.ResultSuccess, duration, finished)
	span.SetAttributes(
		attribute.Int64("scrape.seq", int64(report.Result.Seq)),
		attribute.Int("scrape.delivered", report.Delivered),
	)
	logger.Info("scrape published",
		zap.Uint64("seq", report.Result.Seq),
		zap.Duration("duration", duration),
		zap.Int("delivered", report.Delivered),
		zap.Int("removed", len(report.Removed)),
	)

	w.persist(ctx, report.Result, logger)
}

func (w *Worker) extract(ctx context.Context) (string, error) {
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}
	payload, err := w.extractor.Extract(ctx)
	if err != nil {
		return "", fmt.Errorf("extract: %w", err)
	}
	return payload, nil
}

// persist saves the snapshot and sends the change notification. Failures are
// logged only; the result is already live.
func (w *Worker) persist(ctx context.Context, result scrape.Result, logger *zap.Logger) {
	if w.snapshots == nil && w.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.PersistTimeout)
	defer cancel()

	if w.snapshots != nil {
		if err := w.snapshots.Save(ctx, result); err != nil {
			logger.Warn("snapshot save failed", zap.Error(err))
		}
	}
	if w.notifier != nil {
		msgID, err := w.notifier.Notify(ctx, result)
		if err != nil {
			logger.Warn("result notification failed", zap.Error(err))
			return
		}
		logger.Debug("result notification sent", zap.String("message_id", msgID))
	}
}
