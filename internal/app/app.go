// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/industrion/jobharvest/internal/ats/bamboohr"
	"github.com/industrion/jobharvest/internal/config"
	"github.com/industrion/jobharvest/internal/firecrawl"
	"github.com/industrion/jobharvest/internal/ledger"
	"github.com/industrion/jobharvest/internal/llm"
	"github.com/industrion/jobharvest/internal/logging"
	"github.com/industrion/jobharvest/internal/pipeline"
	"github.com/industrion/jobharvest/internal/publisher"
	"github.com/industrion/jobharvest/internal/sink"
)

// Options adjust construction beyond what config carries: the sink
// destination comes from flags in run mode and from config in serve
// mode.
type Options struct {
	// SpreadsheetID and Worksheet override the configured sheet.
	SpreadsheetID string
	Worksheet     string

	// CSVPath routes output to a local file instead of a spreadsheet.
	CSVPath string

	// NoSink skips sink construction; only dry runs will work.
	NoSink bool
}

// App holds the wired pipeline and everything it needs shut down.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Pipeline *pipeline.Pipeline

	closers []func() error
}

// New wires all services from cfg and returns a ready App. It fails
// fast: any component that cannot be constructed aborts startup.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	pipeline.InitMetrics()

	a := &App{Config: cfg, Logger: logger}

	fetcher, err := firecrawl.NewClient(firecrawl.Config{
		APIKey:            cfg.Firecrawl.APIKey,
		BaseURL:           cfg.Firecrawl.BaseURL,
		Timeout:           time.Duration(cfg.Firecrawl.TimeoutSeconds) * time.Second,
		WaitMS:            cfg.Firecrawl.WaitMs,
		OnlyMainContent:   &cfg.Firecrawl.OnlyMainContent,
		RequestsPerSecond: cfg.Firecrawl.RequestsPerSecond,
	}, logger.Named("firecrawl"))
	if err != nil {
		return nil, fmt.Errorf("initialize extraction client: %w", err)
	}

	temperature := float32(cfg.LLM.Temperature)
	completer, err := llm.NewClient(llm.Config{
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		Temperature:       &temperature,
		MaxAttempts:       cfg.LLM.MaxAttempts,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		SiteURL:           cfg.LLM.SiteURL,
		SiteTitle:         cfg.LLM.SiteTitle,
	}, logger.Named("llm"))
	if err != nil {
		return nil, fmt.Errorf("initialize completion client: %w", err)
	}

	led, err := a.buildLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	snk, err := a.buildSink(ctx, cfg, opts, logger)
	if err != nil {
		return nil, err
	}

	var pub pipeline.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		logger.Info("connecting to pub/sub", zap.String("topic", cfg.PubSub.TopicName))
		gp, err := publisher.NewGooglePubSub(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("initialize publisher: %w", err)
		}
		a.closers = append(a.closers, gp.Close)
		pub = gp
	}

	var ats pipeline.ATSParser
	if cfg.Pipeline.ATSFastPath {
		ats = bamboohr.NewParser(20*time.Second, logger.Named("bamboohr"))
	}

	pl, err := pipeline.New(
		pipeline.Deps{
			Fetcher:   fetcher,
			LLM:       completer,
			Ledger:    led,
			Sink:      snk,
			ATS:       ats,
			Publisher: pub,
		},
		pipeline.Options{
			Concurrency:  cfg.Pipeline.Concurrency,
			MaxBatchRows: cfg.Pipeline.MaxBatchRows,
			AnchorLimit:  cfg.Pipeline.AnchorLimit,
			MaxHTMLBytes: cfg.Pipeline.MaxHTMLBytes,
			Topic:        cfg.PubSub.TopicName,
			Retry: pipeline.NewRetryPolicyWith(
				cfg.Pipeline.RetryMaxAttempts, cfg.RetryBase(), cfg.RetryMax()),
		},
		logger.Named("pipeline"),
	)
	if err != nil {
		return nil, err
	}
	a.Pipeline = pl
	return a, nil
}

func (a *App) buildLedger(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.Ledger, error) {
	switch cfg.Ledger.Backend {
	case "memory":
		logger.Info("using in-memory ledger; dedup state will not survive restarts")
		return ledger.NewMemory(), nil
	case "postgres":
		logger.Info("connecting to postgres ledger")
		pg, err := ledger.NewPostgres(ctx, cfg.Ledger.DSN, logger.Named("ledger"))
		if err != nil {
			return nil, fmt.Errorf("initialize ledger: %w", err)
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		return pg, nil
	case "redis":
		logger.Info("connecting to redis ledger")
		opts, err := redis.ParseURL(cfg.Ledger.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse ledger.redis_url: %w", err)
		}
		rl := ledger.NewRedis(opts, time.Duration(cfg.Ledger.TTLHours)*time.Hour)
		a.closers = append(a.closers, rl.Close)
		return rl, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend: %s", cfg.Ledger.Backend)
	}
}

func (a *App) buildSink(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (pipeline.Sink, error) {
	if opts.NoSink {
		return nil, nil
	}
	if opts.CSVPath != "" {
		logger.Info("using csv sink", zap.String("path", opts.CSVPath))
		c, err := sink.NewCSV(opts.CSVPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c.Close)
		return c, nil
	}

	spreadsheetID := opts.SpreadsheetID
	if spreadsheetID == "" {
		spreadsheetID = cfg.Sheets.SpreadsheetID
	}
	if spreadsheetID == "" {
		return nil, nil
	}
	worksheet := opts.Worksheet
	if worksheet == "" {
		worksheet = cfg.Sheets.Worksheet
	}
	logger.Info("using sheets sink", zap.String("worksheet", worksheet))
	return sink.NewSheets(ctx, spreadsheetID, worksheet, cfg.Sheets.CredentialsFile, logger.Named("sheets"))
}

// Close shuts down everything New opened, in reverse order.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
