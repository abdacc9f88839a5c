package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

type fakeSubscriber struct {
	id   string
	fail error

	mu       sync.Mutex
	received []scrape.Result
}

func newFakeSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id}
}

func (s *fakeSubscriber) ID() string { return s.id }

func (s *fakeSubscriber) Send(_ context.Context, result scrape.Result) error {
	if s.fail != nil {
		return s.fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, result)
	return nil
}

func (s *fakeSubscriber) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.received))
	for _, r := range s.received {
		out = append(out, r.Payload)
	}
	return out
}

// blockingSubscriber waits until its context ends, like a peer that stopped reading.
type blockingSubscriber struct {
	id string
}

func (s *blockingSubscriber) ID() string { return s.id }

func (s *blockingSubscriber) Send(ctx context.Context, _ scrape.Result) error {
	<-ctx.Done()
	return fmt.Errorf("write: %w", ctx.Err())
}

func newTestCoordinator(cfg Config) *Coordinator {
	return NewCoordinator(NewCache(), NewRegistry(), cfg, zap.NewNop())
}

func TestCacheStartsEmpty(t *testing.T) {
	t.Parallel()

	_, ok := NewCache().Load()
	require.False(t, ok)
}

func TestCacheHoldsLatestAndAssignsSeq(t *testing.T) {
	t.Parallel()

	cache := NewCache()
	first := cache.Store(scrape.Result{Payload: "A"})
	second := cache.Store(scrape.Result{Payload: "B"})

	require.Equal(t, uint64(1), first.Seq)
	require.Equal(t, uint64(2), second.Seq)
	got, ok := cache.Load()
	require.True(t, ok)
	require.Equal(t, "B", got.Payload)
	require.Equal(t, uint64(2), got.Seq)
}

func TestCacheRestoreOnlySeedsEmptyCache(t *testing.T) {
	t.Parallel()

	cache := NewCache()
	require.True(t, cache.Restore(scrape.Result{Payload: "saved", Seq: 41}))
	require.False(t, cache.Restore(scrape.Result{Payload: "other", Seq: 99}))

	next := cache.Store(scrape.Result{Payload: "fresh"})
	require.Equal(t, uint64(42), next.Seq)
}

func TestCacheConcurrentReadersSeeCompleteResults(t *testing.T) {
	t.Parallel()

	cache := NewCache()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			cache.Store(scrape.Result{Payload: fmt.Sprintf("p-%d", i), RunID: fmt.Sprintf("p-%d", i)})
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastSeq uint64
			for i := 0; i < 200; i++ {
				got, ok := cache.Load()
				if !ok {
					continue
				}
				assert.Equal(t, got.Payload, got.RunID)
				assert.GreaterOrEqual(t, got.Seq, lastSeq)
				lastSeq = got.Seq
			}
		}()
	}
	wg.Wait()
}

func TestRegistryAddRemove(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Add(newFakeSubscriber("a")))
	require.ErrorIs(t, reg.Add(newFakeSubscriber("a")), ErrDuplicateSubscriber)
	require.Equal(t, 1, reg.Len())

	require.True(t, reg.Remove("a"))
	require.False(t, reg.Remove("a"))
	require.False(t, reg.Remove("never-added"))
	require.Zero(t, reg.Len())
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Add(newFakeSubscriber("a")))
	require.NoError(t, reg.Add(newFakeSubscriber("b")))

	snap := reg.Snapshot()
	reg.Remove("a")

	require.Len(t, snap, 2)
	require.Equal(t, 1, reg.Len())
}

func TestPublishDeliversToEverySubscriber(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(Config{})
	subs := []*fakeSubscriber{newFakeSubscriber("1"), newFakeSubscriber("2"), newFakeSubscriber("3")}
	for _, s := range subs {
		require.NoError(t, coord.Connect(context.Background(), s))
	}

	report := coord.Publish(context.Background(), scrape.Result{Payload: "A"})

	require.Equal(t, 3, report.Attempted)
	require.Equal(t, 3, report.Delivered)
	require.Empty(t, report.Removed)
	for _, s := range subs {
		require.Equal(t, []string{"A"}, s.payloads())
	}
}

func TestPublishWithNoSubscribersStillCaches(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(Config{})
	report := coord.Publish(context.Background(), scrape.Result{Payload: "A"})

	require.Zero(t, report.Attempted)
	latest, ok := coord.Latest()
	require.True(t, ok)
	require.Equal(t, "A", latest.Payload)
}

func TestPublishRemovesOnlyFailedSubscribers(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(Config{})
	good1 := newFakeSubscriber("good-1")
	bad := newFakeSubscriber("bad")
	good2 := newFakeSubscriber("good-2")
	for _, s := range []*fakeSubscriber{good1, bad, good2} {
		require.NoError(t, coord.Connect(context.Background(), s))
	}
	bad.fail = errors.New("connection reset")

	report := coord.Publish(context.Background(), scrape.Result{Payload: "B"})

	require.Equal(t, 3, report.Attempted)
	require.Equal(t, 2, report.Delivered)
	require.Equal(t, []string{"bad"}, report.Removed)
	require.Equal(t, 2, coord.Subscribers())
	require.Equal(t, []string{"B"}, good1.payloads())
	require.Equal(t, []string{"B"}, good2.payloads())

	// The next broadcast skips the removed subscriber entirely.
	report = coord.Publish(context.Background(), scrape.Result{Payload: "C"})
	require.Equal(t, 2, report.Attempted)
}

func TestPublishBoundsSlowSubscribers(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(Config{SendTimeout: 20 * time.Millisecond})
	fast := newFakeSubscriber("fast")
	require.NoError(t, coord.Connect(context.Background(), &blockingSubscriber{id: "stuck"}))
	require.NoError(t, coord.Connect(context.Background(), fast))

	done := make(chan Report, 1)
	go func() { done <- coord.Publish(context.Background(), scrape.Result{Payload: "D"}) }()

	select {
	case report := <-done:
		require.Equal(t, []string{"stuck"}, report.Removed)
		require.Equal(t, []string{"D"}, fast.payloads())
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestConnectSendsCatchUp(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(Config{})
	coord.Publish(context.Background(), scrape.Result{Payload: "A"})

	late := newFakeSubscriber("late")
	require.NoError(t, coord.Connect(context.Background(), late))

	require.Equal(t, []string{"A"}, late.payloads())
	require.Equal(t, 1, coord.Subscribers())
}

func TestConnectWithEmptyCacheSendsNothing(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(Config{})
	sub := newFakeSubscriber("early")
	require.NoError(t, coord.Connect(context.Background(), sub))

	require.Empty(t, sub.payloads())
	require.Equal(t, 1, coord.Subscribers())

	coord.Publish(context.Background(), scrape.Result{Payload: "first"})
	require.Equal(t, []string{"first"}, sub.payloads())
}

func TestConnectFailedCatchUpUnregisters(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(Config{})
	coord.Publish(context.Background(), scrape.Result{Payload: "A"})

	sub := newFakeSubscriber("broken")
	sub.fail = errors.New("broken pipe")
	err := coord.Connect(context.Background(), sub)

	require.Error(t, err)
	require.Zero(t, coord.Subscribers())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(Config{})
	bad := newFakeSubscriber("h")
	require.NoError(t, coord.Connect(context.Background(), bad))
	bad.fail = errors.New("gone")

	// The broadcast removes the handle, then the connection cleanup runs.
	report := coord.Publish(context.Background(), scrape.Result{Payload: "X"})
	require.Equal(t, []string{"h"}, report.Removed)

	require.False(t, coord.Disconnect("h"))
	require.False(t, coord.Disconnect("h"))
	require.Zero(t, coord.Subscribers())
}

func TestRestoreDoesNotOverwritePublishedResult(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(Config{})
	coord.Publish(context.Background(), scrape.Result{Payload: "A"})
	require.False(t, coord.Restore(scrape.Result{Payload: "ignored"}))

	latest, ok := coord.Latest()
	require.True(t, ok)
	require.Equal(t, "A", latest.Payload)
}
