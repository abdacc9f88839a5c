package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/config"
	"github.com/JakeFAU/realtime-scraper/internal/extract"
	collyfetcher "github.com/JakeFAU/realtime-scraper/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/realtime-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/realtime-scraper/internal/headless/detector"
	gcppublisher "github.com/JakeFAU/realtime-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
	gcsstorage "github.com/JakeFAU/realtime-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/realtime-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-scraper/internal/storage/postgres"
	redisstore "github.com/JakeFAU/realtime-scraper/internal/storage/redis"
)

// BuildExtractor assembles the fetch and extraction pipeline described by cfg.
func BuildExtractor(ctx context.Context, cfg config.Config, logger *zap.Logger) (*extract.Pipeline, error) {
	strategy, err := buildStrategy(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	mode := extract.HeadlessMode(cfg.Headless.Mode)
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.HTTP.Timeout,
	})
	logger.Info("using colly fetcher", zap.String("user_agent", cfg.Crawler.UserAgent))

	var browser extract.BrowserFetcher
	if mode == extract.HeadlessAuto || mode == extract.HeadlessAlways {
		chromium, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			WaitSelector:      cfg.Headless.WaitSelector,
			SettleDelay:       cfg.Headless.SettleDelay,
			ExecPath:          cfg.Headless.ExecPath,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		browser = chromium
		logger.Info("headless rendering enabled", zap.String("mode", string(mode)))
	}

	pipeline, err := extract.NewPipeline(
		extract.PipelineConfig{
			URL:      cfg.Scrape.URL,
			Headers:  cfg.Scrape.HTTPHeaders(),
			Headless: mode,
			Retry: &extract.RetryPolicy{
				MaxAttempts: cfg.HTTP.MaxAttempts,
				BaseDelay:   cfg.HTTP.RetryBaseDelay,
				MaxDelay:    cfg.HTTP.RetryMaxDelay,
			},
		},
		probe,
		browser,
		detector.NewHeuristic(cfg.Headless.PromotionThreshold),
		strategy,
		logger.Named("extract"),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}
	return pipeline, nil
}

func buildStrategy(ctx context.Context, cfg config.Config, logger *zap.Logger) (extract.Strategy, error) {
	switch cfg.Extract.Strategy {
	case config.StrategyCSS:
		strategy, err := extract.NewCSSStrategy(cfg.Scrape.Schema)
		if err != nil {
			return nil, fmt.Errorf("css strategy init failed: %w", err)
		}
		return strategy, nil
	case config.StrategyLLM:
		gemini, err := extract.NewGemini(ctx, extract.GeminiConfig{
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini init failed: %w", err)
		}
		strategy, err := extract.NewLLMStrategy(gemini, cfg.Scrape.Schema, extract.LLMConfig{
			Instruction:        cfg.Scrape.Instruction,
			WordCountThreshold: cfg.Extract.WordCountThreshold,
			MaxContentChars:    cfg.Extract.MaxContentChars,
			Breaker: extract.BreakerConfig{
				ConsecutiveFailures: cfg.LLM.BreakerFailures,
				OpenTimeout:         cfg.LLM.BreakerOpenTimeout,
			},
		}, logger.Named("llm"))
		if err != nil {
			return nil, fmt.Errorf("llm strategy init failed: %w", err)
		}
		return strategy, nil
	default:
		return nil, fmt.Errorf("unknown extraction strategy %q", cfg.Extract.Strategy)
	}
}

// OpenSnapshotStore opens the configured backend. It returns a nil store for
// the "none" backend.
func OpenSnapshotStore(ctx context.Context, cfg config.Config) (scrape.SnapshotStore, error) {
	switch cfg.Snapshot.Backend {
	case "", config.SnapshotNone:
		return nil, nil
	case config.SnapshotMemory:
		return memorystorage.NewSnapshotStore(), nil
	case config.SnapshotLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Snapshot.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local snapshot store init failed: %w", err)
		}
		return store, nil
	case config.SnapshotGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: cfg.Snapshot.GCSBucket,
			Object: cfg.Snapshot.GCSObject,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs snapshot store init failed: %w", err)
		}
		return store, nil
	case config.SnapshotPostgres:
		store, err := pgstore.NewSnapshotStore(ctx, pgstore.Config{
			DSN:             cfg.DB.DSN,
			Table:           cfg.DB.Table,
			Name:            cfg.Workflow(),
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
			EnsureSchema:    cfg.DB.EnsureSchema,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres snapshot store init failed: %w", err)
		}
		return store, nil
	case config.SnapshotRedis:
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Name:      cfg.Workflow(),
			TTL:       cfg.Redis.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("redis snapshot store init failed: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Snapshot.Backend)
	}
}

func openNotifier(ctx context.Context, cfg config.Config) (*gcppublisher.Publisher, error) {
	pub, err := gcppublisher.Open(ctx, gcppublisher.Config{
		ProjectID: cfg.PubSub.ProjectID,
		TopicID:   cfg.PubSub.TopicID,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	return pub, nil
}
