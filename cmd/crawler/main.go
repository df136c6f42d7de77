// Command crawler runs the orchestration loop: select a task, capture
// its page, validate, archive both artifacts via the presign gateway,
// record the outcome, advance.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ikkem-lin/papercrawl/internal/archive"
	"github.com/ikkem-lin/papercrawl/internal/config"
	"github.com/ikkem-lin/papercrawl/internal/crawl"
	"github.com/ikkem-lin/papercrawl/internal/fetch"
	"github.com/ikkem-lin/papercrawl/internal/logging"
	"github.com/ikkem-lin/papercrawl/internal/presign"
	"github.com/ikkem-lin/papercrawl/internal/report"
	"github.com/ikkem-lin/papercrawl/internal/rules"
	"github.com/ikkem-lin/papercrawl/internal/task"
	"github.com/ikkem-lin/papercrawl/internal/upload"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	importPath := flag.String("import", "", "import a task list from a JSON file and exit")
	exportAllPath := flag.String("export-all", "", "export the whole task queue to a JSON file and exit")
	exportFailedPath := flag.String("export-failed", "", "export failed tasks to a JSON file and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Development, "crawler")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *importPath != "" || *exportAllPath != "" || *exportFailedPath != "" {
		if err := maintain(ctx, cfg, logger, *importPath, *exportAllPath, *exportFailedPath); err != nil {
			logger.Fatal("maintenance failed", zap.Error(err))
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("crawler exited", zap.Error(err))
	}
	logger.Info("crawler stopped")
}

// maintain handles queue import/export without starting the crawl loop.
func maintain(ctx context.Context, cfg config.Config, logger *zap.Logger, importPath, exportAllPath, exportFailedPath string) error {
	store, closeStore, err := buildTaskStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init task store: %w", err)
	}
	defer closeStore()

	if importPath != "" {
		data, err := os.ReadFile(importPath)
		if err != nil {
			return fmt.Errorf("read import file: %w", err)
		}
		tasks, err := task.Import(data)
		if err != nil {
			return fmt.Errorf("parse import file: %w", err)
		}
		if err := store.Save(ctx, tasks); err != nil {
			return fmt.Errorf("save imported tasks: %w", err)
		}
		logger.Info("tasks imported", zap.Int("count", len(tasks)), zap.String("path", importPath))
	}

	if exportAllPath != "" {
		tasks, err := store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load tasks: %w", err)
		}
		data, err := task.ExportAll(tasks)
		if err != nil {
			return fmt.Errorf("render tasks: %w", err)
		}
		if err := os.WriteFile(exportAllPath, data, 0o644); err != nil {
			return fmt.Errorf("write export file: %w", err)
		}
		logger.Info("tasks exported", zap.Int("count", len(tasks)), zap.String("path", exportAllPath))
	}

	if exportFailedPath != "" {
		tasks, err := store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load tasks: %w", err)
		}
		data, err := task.ExportFailed(tasks)
		if err != nil {
			return fmt.Errorf("render failed tasks: %w", err)
		}
		if err := os.WriteFile(exportFailedPath, data, 0o644); err != nil {
			return fmt.Errorf("write export file: %w", err)
		}
		logger.Info("failed tasks exported", zap.String("path", exportFailedPath))
	}
	return nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, closeStore, err := buildTaskStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init task store: %w", err)
	}
	defer closeStore()

	ruleSet, err := rules.Load(cfg.Crawler.RulesPath)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	logger.Info("rules loaded", zap.Int("count", len(ruleSet)), zap.String("path", cfg.Crawler.RulesPath))

	clientID, err := report.LoadClientID(cfg.Crawler.ClientIDPath)
	if err != nil {
		return fmt.Errorf("load client id: %w", err)
	}

	fetcher, err := fetch.NewCollyFetcher(fetch.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		RequestTimeout: time.Duration(cfg.Crawler.FetchTimeoutSec) * time.Second,
	}, logger)
	if err != nil {
		return fmt.Errorf("init fetcher: %w", err)
	}

	archiver, closeArchiver, err := buildArchiver(cfg, fetcher, logger)
	if err != nil {
		return fmt.Errorf("init archiver: %w", err)
	}
	defer closeArchiver()

	presignClient := presign.NewClient(presign.Config{
		Account:      cfg.Crawler.Account,
		Password:     cfg.Crawler.Password,
		PreferServer: cfg.Crawler.PreferServer,
		Endpoints:    cfg.Crawler.PresignEndpoints,
	}, logger)
	coordinator := upload.NewCoordinator(presignClient, logger)

	reporter, closeReporter, err := buildReporter(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init reporter: %w", err)
	}
	defer closeReporter()

	runner := crawl.NewRunner(crawl.Config{
		MaxRetries:          cfg.Crawler.MaxRetries,
		WatchdogTimeout:     time.Duration(cfg.Crawler.WatchdogSec) * time.Second,
		TaskInterval:        time.Duration(cfg.Crawler.TaskIntervalSec) * time.Second,
		NoTaskWait:          time.Duration(cfg.Crawler.NoTaskWaitSec) * time.Second,
		ErrorReloadWait:     time.Duration(cfg.Crawler.ErrorReloadSec) * time.Second,
		LongErrorReloadWait: time.Duration(cfg.Crawler.LongErrorReloadSec) * time.Second,
		ChallengeWait:       time.Duration(cfg.Crawler.ChallengeWaitSec) * time.Second,
		QuickSleepWait:      time.Duration(cfg.Crawler.QuickSleepSec) * time.Second,
	}, crawl.Deps{
		Store:    store,
		Rules:    ruleSet,
		Fetcher:  fetcher,
		Archiver: archiver,
		Uploader: coordinator,
		Reporter: reporter,
		ClientID: clientID,
		Logger:   logger,
	})

	logger.Info("crawler started", zap.String("client_id", clientID), zap.String("store", cfg.Store.Backend))
	return runner.Run(ctx)
}

func buildTaskStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (task.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreFile:
		s, err := task.NewFileStore(cfg.Store.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case config.StoreRedis:
		s, err := task.NewRedisStore(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("close redis store", zap.Error(err))
			}
		}, nil
	case config.StorePostgres:
		s, err := task.NewPostgresStore(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildArchiver(cfg config.Config, fetcher *fetch.CollyFetcher, logger *zap.Logger) (archive.Archiver, func(), error) {
	if !cfg.Crawler.UseBrowser {
		// Browserless mode reuses the probe fetcher as the page source.
		static := &archive.StaticArchiver{
			Source: func(ctx context.Context, url string) (string, error) {
				res, err := fetcher.Fetch(ctx, url)
				if err != nil {
					return "", err
				}
				return string(res.Body), nil
			},
		}
		return static, func() {}, nil
	}
	chrome, err := archive.NewChromeArchiver(archive.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		SettleWait:     time.Duration(cfg.Crawler.PageSettleSec) * time.Second,
		CaptureTimeout: time.Duration(cfg.Crawler.CaptureTimeoutSec) * time.Second,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return chrome, func() { chrome.Close() }, nil //nolint:errcheck
}

func buildReporter(ctx context.Context, cfg config.Config, logger *zap.Logger) (*report.Reporter, func(), error) {
	switch cfg.Report.Sink {
	case config.ReportSinkNone:
		return nil, func() {}, nil
	case config.ReportSinkHTTP:
		sink := report.NewHTTPSink(cfg.Report.CollectorURL, time.Duration(cfg.Report.TimeoutSec)*time.Second)
		return report.NewReporter(sink, logger), func() {}, nil
	case config.ReportSinkPubSub:
		sink, err := report.NewPubSubSink(ctx, cfg.Report.PubSubProjectID, cfg.Report.PubSubTopicID)
		if err != nil {
			return nil, nil, err
		}
		return report.NewReporter(sink, logger), func() {
			if err := sink.Close(); err != nil {
				logger.Warn("close pubsub sink", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown report sink %q", cfg.Report.Sink)
	}
}
