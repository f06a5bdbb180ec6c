package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"github.com/ericvolp12/feedcrawl/pkg/ingest"
	"github.com/ericvolp12/feedcrawl/pkg/parq"
	"github.com/ericvolp12/feedcrawl/pkg/progress"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"github.com/schollz/progressbar/v3"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve the ingestion HTTP API",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "address to serve the http server on",
			Value:   ":8080",
			EnvVars: []string{"FEEDCRAWL_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:    "direction",
			Usage:   "initial active direction (newer or older)",
			Value:   string(feed.DirectionNewer),
			EnvVars: []string{"FEEDCRAWL_DIRECTION"},
		},
	},
	Action: Serve,
}

// Serve runs the HTTP API until SIGINT or SIGTERM.
func Serve(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cctx)
	logger.Info("starting up")

	shutdownTracing, err := installTracing(ctx, logger)
	if err != nil {
		logger.Error("failed to install tracing", "error", err)
		return err
	}
	defer shutdownTracing()

	rt, err := newRuntime(cctx, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return err
	}
	defer rt.Close()

	d, err := feed.ParseDirection(cctx.String("direction"))
	if err != nil {
		return err
	}
	if err := rt.service.SetDirection(d); err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "feedcrawl",
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.00001, 2, 20)
			return opts
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "feedcrawl")
	})
	rt.service.Register(e)
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    cctx.String("listen-addr"),
		Handler: e,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", "error", err)
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

var fetchCommand = &cli.Command{
	Name:  "fetch",
	Usage: "fetch a batch of pages in one direction",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "direction",
			Usage: "newer or older",
			Value: string(feed.DirectionOlder),
		},
		&cli.IntFlag{
			Name:  "pages",
			Usage: "pages to fetch",
			Value: ingest.DefaultPages,
		},
		&cli.BoolFlag{
			Name:  "start-new",
			Usage: "ignore the stored cursor for the first page",
		},
	},
	Action: func(cctx *cli.Context) error {
		direction, err := parseDirectionFlag(cctx.String("direction"))
		if err != nil {
			return err
		}
		return runReport(cctx, func(ctx context.Context, rt *runtime) (*ingest.Report, error) {
			return rt.service.FetchBatch(ctx, ingest.BatchRequest{
				Direction: direction,
				StartNew:  cctx.Bool("start-new"),
				BatchSize: cctx.Int("pages"),
			})
		})
	},
}

var untilCommand = &cli.Command{
	Name:  "until",
	Usage: "fetch newer pages from the live head until a cutoff time",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "cutoff",
			Usage: "stop at the first page reaching this time (defaults to the newest stored tweet)",
		},
		&cli.IntFlag{
			Name:  "pages",
			Usage: "pages to fetch at most",
		},
	},
	Action: func(cctx *cli.Context) error {
		cutoff, err := ingest.ParseCutoff(cctx.String("cutoff"))
		if err != nil {
			return err
		}
		return runReport(cctx, func(ctx context.Context, rt *runtime) (*ingest.Report, error) {
			return rt.service.FetchUntilCutoff(ctx, cutoff, cctx.Int("pages"), 0)
		})
	},
}

var latestCommand = &cli.Command{
	Name:  "latest",
	Usage: "fetch the newest page",
	Action: func(cctx *cli.Context) error {
		return runReport(cctx, func(ctx context.Context, rt *runtime) (*ingest.Report, error) {
			return rt.service.FetchLatestPage(ctx)
		})
	},
}

// runReport runs one ingestion operation with a spinner fed by the
// progress hub and prints the report as JSON on stdout.
func runReport(cctx *cli.Context, op func(ctx context.Context, rt *runtime) (*ingest.Report, error)) error {
	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cctx)

	shutdownTracing, err := installTracing(ctx, logger)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	rt, err := newRuntime(cctx, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	events, unsubscribe := rt.hub.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		showProgress(events)
	}()

	report, runErr := op(ctx, rt)
	unsubscribe()
	<-done

	if report != nil {
		if err := printJSON(report); err != nil {
			return err
		}
	}
	return runErr
}

func showProgress(events <-chan progress.Event) {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Fetching tweets"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(15),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
	)
	defer func() {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}()

	for evt := range events {
		switch evt.Type {
		case progress.EventRunStarted:
			bar.Describe(fmt.Sprintf("Fetching %s tweets", evt.Direction))
		case progress.EventPageStored:
			bar.Describe(fmt.Sprintf("Fetching %s tweets (page %d)", evt.Direction, evt.Page))
			_ = bar.Add(evt.Stored)
		case progress.EventRetry:
			bar.Describe(fmt.Sprintf("Retrying (%d/%d): %s", evt.Attempt, evt.MaxAttempts, evt.Error))
		case progress.EventRunFinished:
			return
		}
	}
}

var resetCommand = &cli.Command{
	Name:      "reset",
	Usage:     "discard the stored cursor for a direction",
	ArgsUsage: "<newer|older>",
	Action: func(cctx *cli.Context) error {
		direction, err := feed.ParseDirection(cctx.Args().First())
		if err != nil {
			return err
		}

		logger := newLogger(cctx)
		st, err := openStore(cctx, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.ClearCursor(cctx.Context, direction); err != nil {
			return err
		}
		return printJSON(map[string]any{"direction": direction, "cleared": true})
	},
}

var cursorsCommand = &cli.Command{
	Name:  "cursors",
	Usage: "list stored resume points",
	Action: func(cctx *cli.Context) error {
		logger := newLogger(cctx)
		st, err := openStore(cctx, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		cursors, err := st.ListCursors(cctx.Context)
		if err != nil {
			return err
		}
		return printJSON(cursors)
	},
}

var searchCommand = &cli.Command{
	Name:      "search",
	Usage:     "search stored tweets by text or author",
	ArgsUsage: "<query>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "page", Value: 1},
		&cli.IntFlag{Name: "page-size", Value: 20},
	},
	Action: func(cctx *cli.Context) error {
		logger := newLogger(cctx)
		st, err := openStore(cctx, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := st.SearchTweets(cctx.Context, cctx.Args().First(), cctx.Int("page"), cctx.Int("page-size"))
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var exportCommand = &cli.Command{
	Name:  "export",
	Usage: "export stored tweets in a created_at range to a parquet file",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "from",
			Usage: "inclusive lower bound (defaults to the oldest stored tweet)",
		},
		&cli.StringFlag{
			Name:  "to",
			Usage: "exclusive upper bound (defaults to now)",
		},
		&cli.StringFlag{
			Name:  "out",
			Usage: "output file",
			Value: "tweets.parquet",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context

		from, to, err := exportRange(cctx.String("from"), cctx.String("to"), time.Now().UTC())
		if err != nil {
			return err
		}

		logger := newLogger(cctx)
		st, err := openStore(cctx, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		tweets, err := st.TweetsBetween(ctx, from, to)
		if err != nil {
			return err
		}

		if err := parq.Export(cctx.String("out"), tweets); err != nil {
			return err
		}

		logger.Info("exported tweets", "count", len(tweets), "file", cctx.String("out"))
		return nil
	},
}

// exportRange parses the export bounds. An empty from is open so tweets
// without a parseable timestamp are included; an empty to means now.
func exportRange(fromRaw, toRaw string, now time.Time) (time.Time, time.Time, error) {
	from, err := ingest.ParseCutoff(fromRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to := now
	if toRaw != "" {
		if to, err = ingest.ParseCutoff(toRaw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return from, to, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
