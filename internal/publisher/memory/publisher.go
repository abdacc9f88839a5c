// Package memory contains an in-memory notifier for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// Publisher records notified results for inspection.
type Publisher struct {
	mu      sync.RWMutex
	results []scrape.Result
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Notify records the result and returns a pseudo ID.
func (p *Publisher) Notify(_ context.Context, result scrape.Result) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, result)
	return fmt.Sprintf("memory-%d", len(p.results)), nil
}

// Results returns the recorded notifications.
func (p *Publisher) Results() []scrape.Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]scrape.Result, len(p.results))
	copy(out, p.results)
	return out
}
