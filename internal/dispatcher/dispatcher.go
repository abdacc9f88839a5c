// Package dispatcher connects trigger sources to the scrape worker.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/JakeFAU/realtime-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// Runner is the single consumer of the trigger queue.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher turns trigger requests into queued tokens and runs the worker
// that consumes them.
type Dispatcher struct {
	queue  scrape.Queue
	worker Runner
	idGen  scrape.IDGenerator
	clock  scrape.Clock
}

// New creates a Dispatcher.
func New(queue scrape.Queue, worker Runner, idGen scrape.IDGenerator, clock scrape.Clock) *Dispatcher {
	return &Dispatcher{
		queue:  queue,
		worker: worker,
		idGen:  idGen,
		clock:  clock,
	}
}

// Run blocks running the worker until the context finishes or the worker fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.worker.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

// Trigger enqueues one scrape request. Requests are never merged: every call
// results in one scrape.
func (d *Dispatcher) Trigger(ctx context.Context, source scrape.TriggerSource) (scrape.Trigger, error) {
	id, err := d.idGen.NewID()
	if err != nil {
		return scrape.Trigger{}, fmt.Errorf("generate trigger id: %w", err)
	}
	trigger := scrape.Trigger{
		ID:         id,
		Source:     source,
		EnqueuedAt: d.clock.Now(),
	}
	if err := d.queue.Enqueue(ctx, trigger); err != nil {
		return scrape.Trigger{}, fmt.Errorf("queue enqueue: %w", err)
	}
	metrics.ObserveTrigger(string(source))
	metrics.SetQueueDepth(d.queue.Len())
	return trigger, nil
}

// Pending reports the number of queued triggers.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}
