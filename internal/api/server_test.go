package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/broadcast"
	"github.com/JakeFAU/realtime-scraper/internal/config"
	hashsha256 "github.com/JakeFAU/realtime-scraper/internal/hash/sha256"
	"github.com/JakeFAU/realtime-scraper/internal/queue/memory"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
	"github.com/JakeFAU/realtime-scraper/internal/worker"
)

type fakeTriggerer struct {
	mu      sync.Mutex
	calls   []scrape.TriggerSource
	err     error
	pending int
}

func (f *fakeTriggerer) Trigger(_ context.Context, source scrape.TriggerSource) (scrape.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return scrape.Trigger{}, f.err
	}
	f.calls = append(f.calls, source)
	return scrape.Trigger{ID: fmt.Sprintf("trigger-%d", len(f.calls)), Source: source}, nil
}

func (f *fakeTriggerer) Pending() int {
	return f.pending
}

func (f *fakeTriggerer) Calls() []scrape.TriggerSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scrape.TriggerSource(nil), f.calls...)
}

type fakeState struct {
	state atomic.Int32
}

func (f *fakeState) State() worker.State {
	return worker.State(f.state.Load())
}

type seqIDGen struct {
	n atomic.Int64
}

func (g *seqIDGen) NewID() (string, error) {
	return fmt.Sprintf("sub-%d", g.n.Add(1)), nil
}

type testEnv struct {
	server   *Server
	coord    *broadcast.Coordinator
	triggers *fakeTriggerer
	state    *fakeState
}

func testConfig() config.Config {
	return config.Config{
		Scrape: config.ScrapeConfig{Name: "National Debt", URL: "https://example.com/debt"},
		WebSocket: config.WebSocketConfig{
			SendTimeout:  time.Second,
			PingInterval: time.Minute,
		},
	}
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	env := &testEnv{
		coord: broadcast.NewCoordinator(
			broadcast.NewCache(), broadcast.NewRegistry(),
			broadcast.Config{SendTimeout: time.Second}, zap.NewNop(),
		),
		triggers: &fakeTriggerer{pending: 3},
		state:    &fakeState{},
	}
	env.server = NewServer(env.coord, env.triggers, env.state, &seqIDGen{}, clockwork.NewRealClock(), cfg, zap.NewNop())
	return env
}

func (e *testEnv) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	env.state.state.Store(int32(worker.StateStopped))

	rec := env.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzFollowsWorkerState(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	env.state.state.Store(int32(worker.StateScraping))

	rec := env.do(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"worker_state":"scraping"`)

	env.state.state.Store(int32(worker.StateStopped))
	rec = env.do(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), `"worker_state":"stopped"`)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	env.do(http.MethodGet, "/healthz", nil)

	rec := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestGetResult(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())

	rec := env.do(http.MethodGet, "/v1/result", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.String())

	env.coord.Publish(context.Background(), scrape.Result{
		RunID:       "run-1",
		Payload:     `[{"amount":"36"}]`,
		Digest:      "d1",
		ExtractedAt: time.Unix(1700000000, 0),
	})

	rec = env.do(http.MethodGet, "/v1/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `[{"amount":"36"}]`, rec.Body.String())
	require.Equal(t, `"d1"`, rec.Header().Get("ETag"))
	require.Equal(t, "1", rec.Header().Get("X-Result-Seq"))

	rec = env.do(http.MethodGet, "/v1/result", http.Header{"If-None-Match": {`"d1"`}})
	require.Equal(t, http.StatusNotModified, rec.Code)
}

func TestTriggerScrape(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())

	rec := env.do(http.MethodPost, "/v1/scrape", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"trigger_id":"trigger-1"}`, rec.Body.String())
	require.Equal(t, []scrape.TriggerSource{scrape.SourceAPI}, env.triggers.Calls())
}

func TestTriggerScrapeRateLimited(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{PerSecond: 0.001, Burst: 1}
	env := newTestEnv(t, cfg)

	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/v1/scrape", nil).Code)
	rec := env.do(http.MethodPost, "/v1/scrape", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.Len(t, env.triggers.Calls(), 1)
}

func TestTriggerScrapeQueueClosed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	env.triggers.err = fmt.Errorf("queue enqueue: %w", memory.ErrClosed)

	rec := env.do(http.MethodPost, "/v1/scrape", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env.triggers.err = errors.New("id generator down")
	rec = env.do(http.MethodPost, "/v1/scrape", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())

	rec := env.do(http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var empty statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &empty))
	require.Equal(t, "National_Debt", empty.Workflow)
	require.Equal(t, "idle", empty.WorkerState)
	require.Equal(t, 3, empty.QueueDepth)
	require.Nil(t, empty.Latest)

	env.coord.Publish(context.Background(), scrape.Result{RunID: "run-9", Payload: "[]", Digest: "d9"})
	rec = env.do(http.MethodGet, "/v1/status", nil)
	var got statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.Latest)
	require.Equal(t, uint64(1), got.Latest.Seq)
	require.Equal(t, "run-9", got.Latest.RunID)
	require.Equal(t, "d9", got.Latest.Digest)
}

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()

	hashed, err := hashsha256.New().Hash([]byte("hashed-key"))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{
		Enabled:      true,
		APIKeys:      []string{"plain-key"},
		APIKeyHashes: []string{strings.ToUpper(hashed)},
	}
	env := newTestEnv(t, cfg)

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/v1/status", nil).Code)
	require.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/ws", nil).Code)
	require.Equal(t, http.StatusUnauthorized,
		env.do(http.MethodGet, "/v1/status", http.Header{"X-Api-Key": {"wrong"}}).Code)
	require.Equal(t, http.StatusOK,
		env.do(http.MethodGet, "/v1/status", http.Header{"X-Api-Key": {"plain-key"}}).Code)
	require.Equal(t, http.StatusOK,
		env.do(http.MethodGet, "/v1/status", http.Header{"X-Api-Key": {"hashed-key"}}).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/status?api_key=plain-key", nil).Code)
}

func TestPanicRecovered(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
