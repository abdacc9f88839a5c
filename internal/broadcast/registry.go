package broadcast

import (
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// ErrDuplicateSubscriber is returned when a subscriber ID is already registered.
var ErrDuplicateSubscriber = errors.New("subscriber already registered")

// Registry is the set of live subscribers keyed by ID.
type Registry struct {
	mu   sync.Mutex
	subs map[string]scrape.Subscriber
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]scrape.Subscriber)}
}

// Add registers a subscriber.
func (r *Registry) Add(sub scrape.Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := sub.ID()
	if _, exists := r.subs[id]; exists {
		return fmt.Errorf("add %s: %w", id, ErrDuplicateSubscriber)
	}
	r.subs[id] = sub
	return nil
}

// Remove unregisters a subscriber. Removing an unknown ID is a no-op that
// returns false.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subs[id]; !exists {
		return false
	}
	delete(r.subs, id)
	return true
}

// Snapshot returns the subscribers registered at the time of the call.
func (r *Registry) Snapshot() []scrape.Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]scrape.Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// Len reports the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
