package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if scrapesTotal == nil || broadcastSendsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveScrape(t *testing.T) {
	before := testutil.ToFloat64(scrapesTotalFor(ResultSuccess))
	finished := time.Unix(1_700_000_000, 0)

	ObserveScrape(ResultSuccess, 2*time.Second, finished)

	if got := testutil.ToFloat64(scrapesTotalFor(ResultSuccess)); got != before+1 {
		t.Errorf("expected scrapes_total{success} = %f, got %f", before+1, got)
	}
	if got := testutil.ToFloat64(lastSuccessTimestamp); got != float64(finished.Unix()) {
		t.Errorf("expected last success %d, got %f", finished.Unix(), got)
	}
}

func TestObserveScrapeFailureLeavesLastSuccess(t *testing.T) {
	ObserveScrape(ResultSuccess, time.Second, time.Unix(1_600_000_000, 0))
	ObserveScrape(ResultFailure, time.Second, time.Unix(1_800_000_000, 0))

	if got := testutil.ToFloat64(lastSuccessTimestamp); got != 1_600_000_000 {
		t.Errorf("failure moved last success timestamp to %f", got)
	}
}

func TestGauges(t *testing.T) {
	Init()
	SetSubscribers(3)
	SetQueueDepth(7)

	if got := testutil.ToFloat64(subscribers); got != 3 {
		t.Errorf("expected 3 subscribers, got %f", got)
	}
	if got := testutil.ToFloat64(queueDepth); got != 7 {
		t.Errorf("expected queue depth 7, got %f", got)
	}
}

func TestObserveFetchSkipsEmptyBodies(t *testing.T) {
	Init()
	ObserveFetch("https://fetch.example.com/page", 0)
	ObserveFetch("https://fetch.example.com/page", 512)

	if got := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("fetch.example.com")); got != 512 {
		t.Errorf("expected 512 bytes, got %f", got)
	}
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	before200 := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	before404 := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))

	for _, path := range []string{"/test", "/missing"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if errClose := resp.Body.Close(); errClose != nil {
			t.Log(errClose)
		}
	}

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")); val != before200+1 {
		t.Errorf("expected one more 200, got %f", val-before200)
	}
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")); val != before404+1 {
		t.Errorf("expected one more 404, got %f", val-before404)
	}
	if val := testutil.CollectAndCount(httpRequestDurationSeconds); val <= 0 {
		t.Errorf("Expected httpRequestDurationSeconds to be observed, got %d", val)
	}
}

func scrapesTotalFor(result string) prometheus.Counter {
	Init()
	return scrapesTotal.WithLabelValues(result)
}
