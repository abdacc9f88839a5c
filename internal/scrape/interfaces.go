package scrape

import (
	"context"
	"time"
)

// Queue provides enqueue/dequeue semantics for scrape triggers.
type Queue interface {
	Enqueue(ctx context.Context, trigger Trigger) error
	Dequeue(ctx context.Context) (Trigger, error)
	Len() int
}

// Extractor produces a new payload from the configured page. Start acquires
// long-lived resources (browser sessions, transports) and Close releases them.
type Extractor interface {
	Start(ctx context.Context) error
	Extract(ctx context.Context) (string, error)
	Close() error
}

// Subscriber is one live connection that accepts pushed results. Send may
// fail; callers drop the subscriber when it does.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, result Result) error
}

// SnapshotStore keeps the latest result so a restarted process can serve a
// catch-up message before its first scrape. It never keeps history.
type SnapshotStore interface {
	Save(ctx context.Context, result Result) error
	Load(ctx context.Context) (Result, error)
	Close() error
}

// Notifier announces new results to downstream systems (Pub/Sub or similar).
type Notifier interface {
	Notify(ctx context.Context, result Result) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Hasher computes digests for payloads and API keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces trigger and run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
