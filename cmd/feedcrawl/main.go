package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/ericvolp12/feedcrawl/pkg/bq"
	"github.com/ericvolp12/feedcrawl/pkg/crawler"
	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"github.com/ericvolp12/feedcrawl/pkg/ingest"
	"github.com/ericvolp12/feedcrawl/pkg/parq"
	"github.com/ericvolp12/feedcrawl/pkg/progress"
	"github.com/ericvolp12/feedcrawl/pkg/store"
	"github.com/ericvolp12/feedcrawl/pkg/upstream"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	// A missing .env is fine, flags and the environment still apply
	_ = godotenv.Load()

	app := cli.App{
		Name:    "feedcrawl",
		Usage:   "resumable list timeline crawler",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"FEEDCRAWL_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (json or text)",
			Value:   "json",
			EnvVars: []string{"FEEDCRAWL_LOG_FORMAT"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "./data/feedcrawl.db",
			EnvVars: []string{"FEEDCRAWL_SQLITE_PATH"},
		},
		&cli.BoolFlag{
			Name:    "migrate-db",
			Usage:   "run database migrations",
			Value:   true,
			EnvVars: []string{"FEEDCRAWL_MIGRATE_DB"},
		},
		&cli.StringFlag{
			Name:    "api-key",
			Usage:   "API key for the upstream list timeline API",
			EnvVars: []string{"FEEDCRAWL_API_KEY", "TWITTER_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "list-id",
			Usage:   "id of the list to crawl",
			EnvVars: []string{"FEEDCRAWL_LIST_ID", "TWITTER_LIST_ID"},
		},
		&cli.StringFlag{
			Name:    "base-url",
			Usage:   "base URL of the upstream API",
			Value:   upstream.DefaultBaseURL,
			EnvVars: []string{"FEEDCRAWL_BASE_URL"},
		},
		&cli.DurationFlag{
			Name:    "request-timeout",
			Usage:   "timeout for a single upstream request",
			Value:   upstream.DefaultTimeout,
			EnvVars: []string{"FEEDCRAWL_REQUEST_TIMEOUT"},
		},
		&cli.Float64Flag{
			Name:    "rate-limit",
			Usage:   "upstream requests per second (0 disables pacing)",
			Value:   0,
			EnvVars: []string{"FEEDCRAWL_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "page-delay",
			Usage:   "pause between consecutive page fetches",
			Value:   crawler.DefaultPageDelay,
			EnvVars: []string{"FEEDCRAWL_PAGE_DELAY"},
		},
		&cli.IntFlag{
			Name:    "max-pages",
			Usage:   "hard ceiling on pages per run",
			Value:   crawler.DefaultMaxPages,
			EnvVars: []string{"FEEDCRAWL_MAX_PAGES"},
		},
		&cli.IntFlag{
			Name:    "page-size",
			Usage:   "tweets requested per page",
			Value:   crawler.DefaultPageSize,
			EnvVars: []string{"FEEDCRAWL_PAGE_SIZE"},
		},
		&cli.IntFlag{
			Name:    "max-retries",
			Usage:   "total attempts per page fetch",
			Value:   3,
			EnvVars: []string{"FEEDCRAWL_MAX_RETRIES"},
		},
		&cli.DurationFlag{
			Name:    "cooldown",
			Usage:   "minimum gap between ingestion requests for the same direction",
			Value:   crawler.DefaultCooldown,
			EnvVars: []string{"FEEDCRAWL_COOLDOWN"},
		},
		&cli.Float64Flag{
			Name:    "saturation-ratio",
			Usage:   "stop a run once pages are at least this fraction duplicates (0 disables)",
			Value:   0,
			EnvVars: []string{"FEEDCRAWL_SATURATION_RATIO"},
		},
		&cli.IntFlag{
			Name:    "saturation-pages",
			Usage:   "consecutive saturated pages before stopping",
			Value:   3,
			EnvVars: []string{"FEEDCRAWL_SATURATION_PAGES"},
		},
		&cli.StringFlag{
			Name:    "parquet-dir",
			Usage:   "directory to archive stored tweets as parquet (empty disables)",
			EnvVars: []string{"FEEDCRAWL_PARQUET_DIR"},
		},
		&cli.IntFlag{
			Name:    "parquet-batch-size",
			Usage:   "tweets per parquet file",
			Value:   10_000,
			EnvVars: []string{"FEEDCRAWL_PARQUET_BATCH_SIZE"},
		},
		&cli.StringFlag{
			Name:    "bigquery-project-id",
			Usage:   "Google Cloud project ID for BigQuery",
			EnvVars: []string{"FEEDCRAWL_BIGQUERY_PROJECT_ID"},
		},
		&cli.StringFlag{
			Name:    "bigquery-dataset",
			Usage:   "BigQuery dataset name",
			EnvVars: []string{"FEEDCRAWL_BIGQUERY_DATASET"},
		},
		&cli.StringFlag{
			Name:    "bigquery-table-prefix",
			Usage:   "BigQuery table name prefix",
			EnvVars: []string{"FEEDCRAWL_BIGQUERY_TABLE_PREFIX"},
			Value:   "tweets",
		},
	}

	app.Commands = []*cli.Command{
		serveCommand,
		fetchCommand,
		untilCommand,
		latestCommand,
		resetCommand,
		cursorsCommand,
		searchCommand,
		exportCommand,
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func newLogger(cctx *cli.Context) *slog.Logger {
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: logLevel, AddSource: true}

	var handler slog.Handler
	if cctx.String("log-format") == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// installTracing registers a tracer provider globally if the exporter
// endpoint is set. The returned func is always safe to call.
func installTracing(ctx context.Context, logger *slog.Logger) (func(), error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func() {}, nil
	}

	logger.Info("registering global tracer provider")
	shutdown, err := tracing.InstallExportPipeline(ctx, "feedcrawl", 1)
	if err != nil {
		return nil, fmt.Errorf("failed to install export pipeline: %w", err)
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown export pipeline", "error", err)
		}
	}, nil
}

// runtime is everything a subcommand needs, wired from global flags.
type runtime struct {
	logger  *slog.Logger
	store   *store.Store
	hub     *progress.Hub
	service *ingest.Service

	closers []func()
}

func (r *runtime) Close() {
	// Sinks flush before the store and hub go away
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// openStore opens only the database, for commands that never reach upstream.
func openStore(cctx *cli.Context, logger *slog.Logger) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cctx.String("sqlite-path")), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.Open(logger, cctx.String("sqlite-path"), cctx.Bool("migrate-db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

func newRuntime(cctx *cli.Context, logger *slog.Logger) (*runtime, error) {
	ctx := cctx.Context
	r := &runtime{logger: logger}

	st, err := openStore(cctx, logger)
	if err != nil {
		return nil, err
	}
	r.store = st
	r.closers = append(r.closers, func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	})

	client, err := upstream.NewClient(logger, upstream.Config{
		BaseURL:           cctx.String("base-url"),
		APIKey:            cctx.String("api-key"),
		ListID:            cctx.String("list-id"),
		Timeout:           cctx.Duration("request-timeout"),
		RequestsPerSecond: cctx.Float64("rate-limit"),
		UserAgent:         fmt.Sprintf("feedcrawl/%s", cctx.App.Version),
	})
	if err != nil {
		r.Close()
		return nil, err
	}

	var sinks []crawler.Sink

	if dir := cctx.String("parquet-dir"); dir != "" {
		logger.Info("parquet dir set, archiving stored tweets", "dir", dir)
		p, err := parq.NewParq(logger, dir, "tweets", cctx.Int("parquet-batch-size"), time.Minute)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to create parquet writer: %w", err)
		}
		p.StartWriter()
		r.closers = append(r.closers, p.Shutdown)
		sinks = append(sinks, p)
	}

	if projectID := cctx.String("bigquery-project-id"); projectID != "" {
		logger.Info("bigquery project id set, starting bigquery client")
		bqInstance, err := bq.NewBQ(
			ctx,
			projectID,
			cctx.String("bigquery-dataset"),
			cctx.String("bigquery-table-prefix"),
			logger,
		)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to create bigquery client: %w", err)
		}
		r.closers = append(r.closers, func() {
			if err := bqInstance.Close(); err != nil {
				logger.Error("failed to close bigquery client", "error", err)
			}
		})
		sinks = append(sinks, bqInstance)
	}

	crawlCfg := crawler.DefaultConfig()
	crawlCfg.MaxPages = cctx.Int("max-pages")
	crawlCfg.PageDelay = cctx.Duration("page-delay")
	crawlCfg.PageSize = cctx.Int("page-size")
	crawlCfg.Retry.MaxRetries = cctx.Int("max-retries")
	if ratio := cctx.Float64("saturation-ratio"); ratio > 0 {
		crawlCfg.Stop = crawler.DuplicateSaturation(ratio, cctx.Int("saturation-pages"))
	}

	c := crawler.New(logger, client, st, st, crawlCfg, sinks...)

	r.hub = progress.NewHub(logger)
	r.closers = append(r.closers, r.hub.Close)

	svcCfg := ingest.DefaultConfig()
	svcCfg.Cooldown = cctx.Duration("cooldown")
	svcCfg.DefaultPageSize = crawlCfg.PageSize

	r.service = ingest.NewService(logger, c, st, r.hub, svcCfg)

	return r, nil
}

func parseDirectionFlag(raw string) (feed.Direction, error) {
	if raw == "" {
		return "", nil
	}
	return feed.ParseDirection(raw)
}
