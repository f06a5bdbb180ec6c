// Package crawler walks the upstream list timeline page by page, persisting
// tweets and advancing a per-direction resume cursor.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"github.com/ericvolp12/feedcrawl/pkg/retry"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultMaxPages  = 50
	DefaultPageDelay = time.Second
	DefaultPageSize  = 20
)

// PageFetcher performs a single upstream page call.
type PageFetcher interface {
	FetchPage(ctx context.Context, direction feed.Direction, token string, pageSize int) (*feed.Page, error)
}

// CursorStore holds one resume token per direction.
type CursorStore interface {
	GetCursor(ctx context.Context, direction feed.Direction) (string, bool, error)
	SetCursor(ctx context.Context, direction feed.Direction, token string) error
}

// TweetStore is the authoritative tweet sink.
type TweetStore interface {
	UpsertTweets(ctx context.Context, tweets []feed.Tweet) (int64, error)
	ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
}

// Sink receives every stored page. Failures are logged and never fail a run.
type Sink interface {
	Name() string
	Write(ctx context.Context, tweets []feed.Tweet) error
}

type Config struct {
	// MaxPages is the hard ceiling on pages per run.
	MaxPages  int
	PageDelay time.Duration
	PageSize  int
	// Retry wraps each page fetch.
	Retry retry.Policy
	// Stop is consulted after every page that neither ended nor crossed
	// the cutoff. Nil disables early stopping.
	Stop StopFunc
}

func DefaultConfig() Config {
	return Config{
		MaxPages:  DefaultMaxPages,
		PageDelay: DefaultPageDelay,
		PageSize:  DefaultPageSize,
		Retry:     retry.DefaultPolicy(),
	}
}

// Request describes one multi-page run.
type Request struct {
	Direction feed.Direction
	// StartNew ignores the stored cursor for the first page only. The cursor
	// is not cleared.
	StartNew bool
	Pages    int
	PageSize int

	// Cutoff stops the run on the first page holding a record at or before
	// it. With CutoffForward the test becomes at or after. Zero disables.
	Cutoff        time.Time
	CutoffForward bool

	OnPage  func(page int, result feed.BatchResult)
	OnRetry func(attempt retry.Attempt)
}

type Result struct {
	Direction      feed.Direction
	TotalFetched   int
	TotalStored    int
	PagesProcessed int
	Retries        int
	IsAtEnd        bool
	ReachedCutoff  bool
	Reason         feed.Reason
	// NextToken is the last token this run persisted, if any.
	NextToken string
	Pages     []feed.BatchResult
}

type Crawler struct {
	logger  *slog.Logger
	fetcher PageFetcher
	cursors CursorStore
	tweets  TweetStore
	sinks   []Sink
	cfg     Config

	inflight map[feed.Direction]*sync.Mutex
}

var tracer = otel.Tracer("crawler")

func New(logger *slog.Logger, fetcher PageFetcher, cursors CursorStore, tweets TweetStore, cfg Config, sinks ...Sink) *Crawler {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.PageDelay < 0 {
		cfg.PageDelay = 0
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	inflight := make(map[feed.Direction]*sync.Mutex, len(feed.Directions))
	for _, d := range feed.Directions {
		inflight[d] = &sync.Mutex{}
	}

	return &Crawler{
		logger:   logger.With("module", "crawler"),
		fetcher:  fetcher,
		cursors:  cursors,
		tweets:   tweets,
		sinks:    lo.Filter(sinks, func(s Sink, _ int) bool { return s != nil }),
		cfg:      cfg,
		inflight: inflight,
	}
}

// MaxPages returns the configured hard ceiling.
func (c *Crawler) MaxPages() int {
	return c.cfg.MaxPages
}

// Run processes pages in order until the stream ends, the cutoff is
// crossed, the stop predicate fires, the page limit is reached, ctx is
// cancelled or a page fails. The result always carries the partial totals;
// the error is non-nil only for failed, cancelled and rejected runs.
func (c *Crawler) Run(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Direction: req.Direction}

	if !req.Direction.Valid() {
		res.Reason = feed.ReasonRejected
		return res, fmt.Errorf("%w: unknown direction %q", feed.ErrInvalidRequest, req.Direction)
	}

	lock := c.inflight[req.Direction]
	if !lock.TryLock() {
		res.Reason = feed.ReasonRejected
		return res, fmt.Errorf("%s: %w", req.Direction, feed.ErrInFlight)
	}
	defer lock.Unlock()

	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()

	limit := c.cfg.MaxPages
	if req.Pages > 0 && req.Pages < limit {
		limit = req.Pages
	}
	if req.PageSize <= 0 {
		req.PageSize = c.cfg.PageSize
	}

	span.SetAttributes(
		attribute.String("direction", req.Direction.String()),
		attribute.Bool("start_new", req.StartNew),
		attribute.Int("page_limit", limit),
	)

	log := c.logger.With("direction", req.Direction)
	log.Info("starting run", "page_limit", limit, "start_new", req.StartNew, "cutoff", req.Cutoff)

	start := time.Now()
	var runErr error

	for i := 0; i < limit; i++ {
		if i > 0 && c.cfg.PageDelay > 0 {
			if err := sleep(ctx, c.cfg.PageDelay); err != nil {
				runErr = err
				break
			}
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		br, retries, err := c.step(ctx, req, i == 0)
		res.Retries += retries
		if err != nil {
			// a page that failed after its upsert still counts toward the totals
			res.TotalFetched += br.RecordsFetched
			res.TotalStored += br.RecordsStored
			runErr = err
			break
		}

		res.PagesProcessed++
		res.TotalFetched += br.RecordsFetched
		res.TotalStored += br.RecordsStored
		res.Pages = append(res.Pages, br)
		if br.Advanced {
			res.NextToken = br.NextToken
		}

		log.Info("processed page",
			"page", i+1,
			"fetched", br.RecordsFetched,
			"stored", br.RecordsStored,
			"duplicates", br.Duplicates,
			"advanced", br.Advanced,
			"at_end", br.IsAtEnd,
			"reached_cutoff", br.ReachedCutoff,
		)
		if req.OnPage != nil {
			req.OnPage(i+1, br)
		}

		if br.IsAtEnd {
			res.IsAtEnd = true
			res.Reason = feed.ReasonAtEnd
			break
		}
		if br.ReachedCutoff {
			res.ReachedCutoff = true
			res.Reason = feed.ReasonCutoff
			break
		}
		if c.cfg.Stop != nil && c.cfg.Stop(res.Pages) {
			res.Reason = feed.ReasonSaturated
			break
		}
	}

	switch {
	case runErr != nil && feed.Classify(runErr) == feed.KindCancelled:
		res.Reason = feed.ReasonCancelled
	case runErr != nil:
		res.Reason = feed.ReasonFailed
	case res.Reason != "":
	case req.Pages > 0 && req.Pages <= c.cfg.MaxPages:
		res.Reason = feed.ReasonCompleted
	default:
		res.Reason = feed.ReasonCeiling
	}

	runsTotal.WithLabelValues(req.Direction.String(), string(res.Reason)).Inc()
	runDuration.WithLabelValues(req.Direction.String()).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("reason", string(res.Reason)),
		attribute.Int("pages", res.PagesProcessed),
		attribute.Int("stored", res.TotalStored),
	)

	if runErr != nil {
		log.Error("run stopped", "reason", res.Reason, "pages", res.PagesProcessed, "err", runErr)
		return res, runErr
	}

	log.Info("run finished",
		"reason", res.Reason,
		"pages", res.PagesProcessed,
		"fetched", res.TotalFetched,
		"stored", res.TotalStored,
		"duration", time.Since(start),
	)
	return res, nil
}

// step processes one page. The stored cursor is ignored on the first page
// of a StartNew run, and is advanced only after the page is stored.
func (c *Crawler) step(ctx context.Context, req Request, first bool) (feed.BatchResult, int, error) {
	ctx, span := tracer.Start(ctx, "Step")
	defer span.End()

	br := feed.BatchResult{Direction: req.Direction}

	token := ""
	if !(first && req.StartNew) {
		stored, ok, err := c.cursors.GetCursor(ctx, req.Direction)
		if err != nil {
			return br, 0, err
		}
		if ok {
			token = stored
		}
	}
	span.SetAttributes(attribute.Bool("has_cursor", token != ""))

	retries := 0
	policy := c.cfg.Retry.WithNotify(func(a retry.Attempt) {
		retries++
		c.logger.Warn("page fetch failed, retrying",
			"direction", req.Direction,
			"attempt", a.Number,
			"max_attempts", a.Max,
			"delay", a.Delay,
			"err", a.Err,
		)
		if req.OnRetry != nil {
			req.OnRetry(a)
		}
	})

	page, err := retry.Do(ctx, policy, func(ctx context.Context) (*feed.Page, error) {
		return c.fetcher.FetchPage(ctx, req.Direction, token, req.PageSize)
	})
	if err != nil {
		return br, retries, fmt.Errorf("fetch page: %w", err)
	}

	pagesTotal.WithLabelValues(req.Direction.String()).Inc()
	br.RecordsFetched = page.Received
	br.NextToken = page.NextToken

	if page.Received == 0 {
		br.IsAtEnd = true
		return br, retries, nil
	}

	tweets := lo.UniqBy(page.Tweets, func(t feed.Tweet) string { return t.ID })
	if len(tweets) > 0 {
		existing, err := c.tweets.ExistingIDs(ctx, lo.Map(tweets, func(t feed.Tweet, _ int) string { return t.ID }))
		if err != nil {
			return br, retries, err
		}
		br.Duplicates = len(existing)

		stored, err := c.tweets.UpsertTweets(ctx, tweets)
		if err != nil {
			return br, retries, err
		}
		br.RecordsStored = int(stored)

		tweetsFetched.WithLabelValues(req.Direction.String()).Add(float64(page.Received))
		tweetsStored.WithLabelValues(req.Direction.String()).Add(float64(stored))
		duplicatesSeen.WithLabelValues(req.Direction.String()).Add(float64(br.Duplicates))

		c.writeSinks(ctx, tweets)
	}

	if crossesCutoff(tweets, req.Cutoff, req.CutoffForward) {
		br.ReachedCutoff = true
		return br, retries, nil
	}

	if page.NextToken == "" {
		br.IsAtEnd = true
		return br, retries, nil
	}

	if err := c.cursors.SetCursor(ctx, req.Direction, page.NextToken); err != nil {
		return br, retries, err
	}
	br.Advanced = true

	return br, retries, nil
}

func (c *Crawler) writeSinks(ctx context.Context, tweets []feed.Tweet) {
	for _, s := range c.sinks {
		if err := s.Write(ctx, tweets); err != nil {
			sinkErrors.WithLabelValues(s.Name()).Inc()
			c.logger.Error("sink write failed", "sink", s.Name(), "tweets", len(tweets), "err", err)
		}
	}
}

// crossesCutoff reports whether any record sits at or beyond the cutoff.
// Records without a timestamp never cross.
func crossesCutoff(tweets []feed.Tweet, cutoff time.Time, forward bool) bool {
	if cutoff.IsZero() {
		return false
	}
	return lo.ContainsBy(tweets, func(t feed.Tweet) bool {
		if t.CreatedAt.IsZero() {
			return false
		}
		if forward {
			return !t.CreatedAt.Before(cutoff)
		}
		return !t.CreatedAt.After(cutoff)
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRejection reports whether err kept a run from starting at all.
func IsRejection(err error) bool {
	return errors.Is(err, feed.ErrInFlight) || errors.Is(err, feed.ErrTooSoon) || errors.Is(err, feed.ErrInvalidRequest)
}
