// Package trigger schedules scrape requests on a cron expression.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// Enqueuer accepts scrape requests.
type Enqueuer interface {
	Trigger(ctx context.Context, source scrape.TriggerSource) (scrape.Trigger, error)
}

// Config controls the cron trigger.
type Config struct {
	// Expression is a 5-field crontab line or a descriptor such as @hourly.
	Expression string
	// Timezone is an IANA zone name. Empty means UTC.
	Timezone string
	// SkipStartup disables the immediate scrape on Start.
	SkipStartup bool
}

// Cron fires one scrape request at startup and one per schedule tick.
type Cron struct {
	cfg      Config
	enqueuer Enqueuer
	logger   *zap.Logger
	parser   cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

// New constructs a Cron trigger.
func New(cfg Config, enqueuer Enqueuer, logger *zap.Logger) *Cron {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cron{
		cfg:      cfg,
		enqueuer: enqueuer,
		logger:   logger,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate parses the expression and time zone without starting anything.
func Validate(expression, timezone string) error {
	_, _, err := New(Config{Expression: expression, Timezone: timezone}, nil, nil).parse()
	return err
}

func (t *Cron) parse() (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if t.cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(t.cfg.Timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("load timezone %q: %w", t.cfg.Timezone, err)
		}
	}
	schedule, err := t.parser.Parse(t.cfg.Expression)
	if err != nil {
		return nil, nil, fmt.Errorf("parse cron expression %q: %w", t.cfg.Expression, err)
	}
	return schedule, loc, nil
}

// Start validates the schedule, enqueues the startup request and starts the
// cron runner. Each tick performs exactly one enqueue.
func (t *Cron) Start(ctx context.Context) error {
	schedule, loc, err := t.parse()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return errors.New("trigger already started")
	}

	if !t.cfg.SkipStartup {
		t.fire(ctx, scrape.SourceStartup)
	}

	c := cron.New(cron.WithParser(t.parser), cron.WithLocation(loc))
	c.Schedule(schedule, cron.FuncJob(func() {
		t.fire(ctx, scrape.SourceCron)
	}))
	c.Start()
	t.c = c

	t.logger.Info("cron trigger started",
		zap.String("expression", t.cfg.Expression),
		zap.String("timezone", loc.String()),
		zap.Time("next", schedule.Next(time.Now().In(loc))),
	)
	return nil
}

// Stop halts the runner and waits for running callbacks.
func (t *Cron) Stop() {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	t.logger.Info("cron trigger stopped")
}

// Next reports the next scheduled fire time, or the zero time when stopped.
func (t *Cron) Next() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c == nil {
		return time.Time{}
	}
	entries := t.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (t *Cron) fire(ctx context.Context, source scrape.TriggerSource) {
	trigger, err := t.enqueuer.Trigger(ctx, source)
	if err != nil {
		t.logger.Error("enqueue scrape trigger failed", zap.String("source", string(source)), zap.Error(err))
		return
	}
	t.logger.Debug("scrape trigger enqueued",
		zap.String("trigger_id", trigger.ID),
		zap.String("source", string(source)),
	)
}
