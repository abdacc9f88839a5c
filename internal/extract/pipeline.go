// Package extract turns the configured webpage into a JSON payload: it
// fetches the page, renders it in a headless browser when needed, and runs an
// extraction strategy over the HTML.
package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// HeadlessMode selects when the browser fetcher is used.
type HeadlessMode string

// Headless modes.
const (
	HeadlessOff    HeadlessMode = "off"
	HeadlessAuto   HeadlessMode = "auto"
	HeadlessAlways HeadlessMode = "always"
)

// Page is the fetched document handed to a strategy.
type Page struct {
	URL          string
	HTML         []byte
	UsedHeadless bool
}

// Strategy turns a page into a JSON array payload.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, page Page) (string, error)
}

// BrowserFetcher is a fetcher that holds a browser session between Start and Close.
type BrowserFetcher interface {
	scrape.Fetcher
	Start(ctx context.Context) error
	Close() error
}

// PipelineConfig fixes what the pipeline extracts.
type PipelineConfig struct {
	URL      string
	Headers  http.Header
	Headless HeadlessMode
	// Retry applies to the plain HTTP probe only.
	Retry *RetryPolicy
}

// Pipeline implements scrape.Extractor.
type Pipeline struct {
	cfg      PipelineConfig
	probe    scrape.Fetcher
	browser  BrowserFetcher
	detector scrape.HeadlessDetector
	strategy Strategy
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
}

// NewPipeline wires a pipeline. browser and detector may be nil when the
// headless mode does not need them.
func NewPipeline(
	cfg PipelineConfig,
	probe scrape.Fetcher,
	browser BrowserFetcher,
	detector scrape.HeadlessDetector,
	strategy Strategy,
	logger *zap.Logger,
) (*Pipeline, error) {
	if cfg.URL == "" {
		return nil, errors.New("pipeline url is required")
	}
	if strategy == nil {
		return nil, errors.New("pipeline strategy is required")
	}
	if cfg.Headless == "" {
		cfg.Headless = HeadlessOff
	}
	switch cfg.Headless {
	case HeadlessOff:
		if probe == nil {
			return nil, errors.New("headless off requires an http fetcher")
		}
	case HeadlessAuto:
		if probe == nil || browser == nil || detector == nil {
			return nil, errors.New("headless auto requires http fetcher, browser and detector")
		}
	case HeadlessAlways:
		if browser == nil {
			return nil, errors.New("headless always requires a browser")
		}
	default:
		return nil, fmt.Errorf("unknown headless mode %q", cfg.Headless)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		probe:    probe,
		browser:  browser,
		detector: detector,
		strategy: strategy,
		logger:   logger,
	}, nil
}

// Start launches the browser session when the mode uses one.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if p.cfg.Headless != HeadlessOff {
		if err := p.browser.Start(ctx); err != nil {
			return fmt.Errorf("start browser: %w", err)
		}
	}
	p.started = true
	return nil
}

// Close releases the browser session.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.started = false
	if p.cfg.Headless != HeadlessOff {
		if err := p.browser.Close(); err != nil {
			return fmt.Errorf("close browser: %w", err)
		}
	}
	return nil
}

// Extract fetches the page and runs the strategy over it.
func (p *Pipeline) Extract(ctx context.Context) (string, error) {
	resp, err := p.fetch(ctx)
	if err != nil {
		return "", err
	}
	metrics.ObserveFetch(resp.URL, len(resp.Body))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch %s: unexpected status %d", p.cfg.URL, resp.StatusCode)
	}

	payload, err := p.strategy.Extract(ctx, Page{
		URL:          resp.URL,
		HTML:         resp.Body,
		UsedHeadless: resp.UsedHeadless,
	})
	if err != nil {
		return "", fmt.Errorf("%s extraction: %w", p.strategy.Name(), err)
	}
	return payload, nil
}

func (p *Pipeline) fetch(ctx context.Context) (scrape.FetchResponse, error) {
	req := scrape.FetchRequest{URL: p.cfg.URL, Headers: p.cfg.Headers}

	if p.cfg.Headless == HeadlessAlways {
		return p.fetchHeadless(ctx, req)
	}

	resp, err := p.probeWithRetry(ctx, req)
	if err != nil {
		return scrape.FetchResponse{}, fmt.Errorf("fetch %s: %w", p.cfg.URL, err)
	}
	if p.cfg.Headless == HeadlessAuto && p.detector.ShouldPromote(resp) {
		p.logger.Debug("promoting fetch to headless",
			zap.String("url", p.cfg.URL),
			zap.Int("probe_bytes", len(resp.Body)),
		)
		return p.fetchHeadless(ctx, req)
	}
	return resp, nil
}

func (p *Pipeline) probeWithRetry(ctx context.Context, req scrape.FetchRequest) (scrape.FetchResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := p.probe.Fetch(ctx, req)
		if ctx.Err() != nil || !p.cfg.Retry.shouldRetry(err, resp.StatusCode, attempt) {
			return resp, err
		}
		wait := p.cfg.Retry.backoff(attempt)
		p.logger.Debug("retrying probe fetch",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt+1),
			zap.Int("status", resp.StatusCode),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := sleepCtx(ctx, wait); err != nil {
			return scrape.FetchResponse{}, fmt.Errorf("retry wait: %w", err)
		}
	}
}

func (p *Pipeline) fetchHeadless(ctx context.Context, req scrape.FetchRequest) (scrape.FetchResponse, error) {
	req.UseHeadless = true
	resp, err := p.browser.Fetch(ctx, req)
	if err != nil {
		return scrape.FetchResponse{}, fmt.Errorf("headless fetch %s: %w", p.cfg.URL, err)
	}
	return resp, nil
}
