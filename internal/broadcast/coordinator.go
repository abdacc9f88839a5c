package broadcast

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// Config controls Coordinator behavior.
type Config struct {
	// SendTimeout bounds each individual send. Zero means no bound.
	SendTimeout time.Duration
}

// Report summarizes one Publish call.
type Report struct {
	Result    scrape.Result
	Attempted int
	Delivered int
	Removed   []string
}

// Coordinator owns the result cache and the subscriber registry.
type Coordinator struct {
	cache    *Cache
	registry *Registry
	cfg      Config
	logger   *zap.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cache *Cache, registry *Registry, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cache:    cache,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// Publish caches the result and sends it to every subscriber registered at
// that moment. Subscribers whose send fails are removed after the loop; a
// failure never stops delivery to the others.
func (c *Coordinator) Publish(ctx context.Context, result scrape.Result) Report {
	stored := c.cache.Store(result)
	subs := c.registry.Snapshot()

	report := Report{Result: stored, Attempted: len(subs)}
	var failed []string
	for _, sub := range subs {
		if err := c.send(ctx, sub, stored); err != nil {
			c.logger.Warn("broadcast send failed",
				zap.String("subscriber_id", sub.ID()),
				zap.Uint64("seq", stored.Seq),
				zap.Error(err),
			)
			metrics.ObserveBroadcastSend(metrics.ResultFailure)
			failed = append(failed, sub.ID())
			continue
		}
		metrics.ObserveBroadcastSend(metrics.ResultSuccess)
		report.Delivered++
	}
	for _, id := range failed {
		if c.registry.Remove(id) {
			report.Removed = append(report.Removed, id)
		}
	}
	metrics.SetSubscribers(c.registry.Len())

	c.logger.Debug("broadcast complete",
		zap.Uint64("seq", stored.Seq),
		zap.Int("attempted", report.Attempted),
		zap.Int("delivered", report.Delivered),
		zap.Int("removed", len(report.Removed)),
	)
	return report
}

// Connect registers a subscriber and, when a result is cached, sends it as a
// catch-up message. A failed catch-up unregisters the subscriber again.
func (c *Coordinator) Connect(ctx context.Context, sub scrape.Subscriber) error {
	if err := c.registry.Add(sub); err != nil {
		return fmt.Errorf("register subscriber: %w", err)
	}
	metrics.SetSubscribers(c.registry.Len())
	c.logger.Info("subscriber connected",
		zap.String("subscriber_id", sub.ID()),
		zap.Int("subscribers", c.registry.Len()),
	)

	latest, ok := c.cache.Load()
	if !ok {
		return nil
	}
	if err := c.send(ctx, sub, latest); err != nil {
		metrics.ObserveBroadcastSend(metrics.ResultFailure)
		c.Disconnect(sub.ID())
		return fmt.Errorf("catch-up send: %w", err)
	}
	metrics.ObserveBroadcastSend(metrics.ResultSuccess)
	return nil
}

// Disconnect unregisters a subscriber. It is safe to call more than once.
func (c *Coordinator) Disconnect(id string) bool {
	removed := c.registry.Remove(id)
	if removed {
		metrics.SetSubscribers(c.registry.Len())
		c.logger.Info("subscriber disconnected",
			zap.String("subscriber_id", id),
			zap.Int("subscribers", c.registry.Len()),
		)
	}
	return removed
}

// Latest returns the cached result, if any.
func (c *Coordinator) Latest() (scrape.Result, bool) {
	return c.cache.Load()
}

// Restore seeds an empty cache with a saved result.
func (c *Coordinator) Restore(result scrape.Result) bool {
	return c.cache.Restore(result)
}

// Subscribers reports the number of registered subscribers.
func (c *Coordinator) Subscribers() int {
	return c.registry.Len()
}

func (c *Coordinator) send(ctx context.Context, sub scrape.Subscriber, result scrape.Result) error {
	if c.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SendTimeout)
		defer cancel()
	}
	if err := sub.Send(ctx, result); err != nil {
		return fmt.Errorf("send to %s: %w", sub.ID(), err)
	}
	return nil
}
