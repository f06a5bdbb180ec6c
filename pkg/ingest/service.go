// Package ingest is the request/response boundary over the crawler.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ericvolp12/feedcrawl/pkg/crawler"
	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"github.com/ericvolp12/feedcrawl/pkg/progress"
	"github.com/ericvolp12/feedcrawl/pkg/retry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultPages        = 10
	DefaultOperationTry = 2
)

// Runner executes one multi-page crawl.
type Runner interface {
	Run(ctx context.Context, req crawler.Request) (*crawler.Result, error)
	MaxPages() int
}

// Store is the read and reset side of persistence the service needs.
type Store interface {
	ClearCursor(ctx context.Context, direction feed.Direction) error
	ListCursors(ctx context.Context) ([]feed.Cursor, error)
	LatestTimestamp(ctx context.Context) (time.Time, bool, error)
	SearchTweets(ctx context.Context, query string, page, pageSize int) (*feed.SearchResult, error)
}

type Config struct {
	// Retry wraps a whole operation. Page fetches have their own policy in
	// the crawler.
	Retry            retry.Policy
	Cooldown         time.Duration
	DefaultPages     int
	DefaultPageSize  int
	InitialDirection feed.Direction
}

func DefaultConfig() Config {
	p := retry.DefaultPolicy()
	p.MaxRetries = DefaultOperationTry
	return Config{
		Retry:            p,
		Cooldown:         crawler.DefaultCooldown,
		DefaultPages:     DefaultPages,
		DefaultPageSize:  crawler.DefaultPageSize,
		InitialDirection: feed.DirectionNewer,
	}
}

// Report is the caller-facing outcome of an ingestion operation.
type Report struct {
	RunID           string         `json:"runId"`
	Operation       string         `json:"operation"`
	Success         bool           `json:"success"`
	Direction       feed.Direction `json:"direction"`
	TotalFetched    int            `json:"totalFetched"`
	TotalStored     int            `json:"totalStored"`
	PagesProcessed  int            `json:"pagesProcessed"`
	IsAtEnd         bool           `json:"isAtEnd"`
	ReachedCutoff   bool           `json:"reachedCutoff"`
	NextCursorToken string         `json:"nextCursorToken,omitempty"`
	Reason          feed.Reason    `json:"reason"`
	Retries         int            `json:"retries"`
	Error           string         `json:"error,omitempty"`
	ErrorKind       feed.ErrorKind `json:"errorKind,omitempty"`
	Cutoff          *time.Time     `json:"cutoff,omitempty"`
	StartedAt       time.Time      `json:"startedAt"`
	Duration        time.Duration  `json:"duration"`
}

type BatchRequest struct {
	Direction feed.Direction `json:"direction"`
	StartNew  bool           `json:"startNew"`
	BatchSize int            `json:"batchSize"`
	PageSize  int            `json:"tweetsPerPage"`
}

type Service struct {
	logger  *slog.Logger
	crawler Runner
	store   Store
	hub     *progress.Hub
	guard   *crawler.Guard
	cfg     Config

	dirMu     sync.RWMutex
	direction feed.Direction
	// holds counts operations that switched direction; heldFrom is restored
	// when the last one returns.
	holds    int
	heldFrom feed.Direction

	now func() time.Time
}

var tracer = otel.Tracer("ingest")

func NewService(logger *slog.Logger, runner Runner, store Store, hub *progress.Hub, cfg Config) *Service {
	if cfg.DefaultPages <= 0 {
		cfg.DefaultPages = DefaultPages
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = crawler.DefaultPageSize
	}
	if !cfg.InitialDirection.Valid() {
		cfg.InitialDirection = feed.DirectionNewer
	}

	return &Service{
		logger:    logger.With("module", "ingest"),
		crawler:   runner,
		store:     store,
		hub:       hub,
		guard:     crawler.NewGuard(cfg.Cooldown),
		cfg:       cfg,
		direction: cfg.InitialDirection,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Direction returns the active traversal direction.
func (s *Service) Direction() feed.Direction {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	return s.direction
}

// SetDirection changes the active direction. Neither cursor is touched.
func (s *Service) SetDirection(d feed.Direction) error {
	if !d.Valid() {
		return fmt.Errorf("%w: unknown direction %q", feed.ErrInvalidRequest, d)
	}
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	s.direction = d
	if s.holds > 0 {
		s.heldFrom = d
	}
	return nil
}

// holdDirection makes d the active direction until the returned func is
// called. Overlapping holds restore the direction seen by the first one.
func (s *Service) holdDirection(d feed.Direction) func() {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	if s.holds == 0 {
		s.heldFrom = s.direction
	}
	s.holds++
	s.direction = d

	var once sync.Once
	return func() {
		once.Do(func() {
			s.dirMu.Lock()
			defer s.dirMu.Unlock()
			s.holds--
			if s.holds == 0 {
				s.direction = s.heldFrom
			}
		})
	}
}

// FetchBatch runs up to req.BatchSize pages. An empty direction means the
// active one.
func (s *Service) FetchBatch(ctx context.Context, req BatchRequest) (*Report, error) {
	if req.Direction == "" {
		req.Direction = s.Direction()
	}
	if req.BatchSize <= 0 {
		req.BatchSize = s.cfg.DefaultPages
	}
	return s.run(ctx, "batch", crawler.Request{
		Direction: req.Direction,
		StartNew:  req.StartNew,
		Pages:     req.BatchSize,
		PageSize:  s.pageSize(req.PageSize),
	})
}

// FetchUntilCutoff walks newer from the live head until a record at or
// before cutoff shows up, the stream ends or the page ceiling is hit. A zero
// cutoff means the newest stored tweet. The active direction is restored
// afterwards whatever the outcome.
func (s *Service) FetchUntilCutoff(ctx context.Context, cutoff time.Time, batchSize, pageSize int) (*Report, error) {
	if cutoff.IsZero() {
		latest, ok, err := s.store.LatestTimestamp(ctx)
		if err != nil {
			return s.finish(s.newReport("until_cutoff", feed.DirectionNewer), err), err
		}
		if ok {
			cutoff = latest
		}
	}
	release := s.holdDirection(feed.DirectionNewer)
	defer release()

	return s.run(ctx, "until_cutoff", crawler.Request{
		Direction: feed.DirectionNewer,
		StartNew:  true,
		Pages:     batchSize,
		PageSize:  s.pageSize(pageSize),
		Cutoff:    cutoff,
	})
}

// FetchLatestPage fetches exactly one page from the live head.
func (s *Service) FetchLatestPage(ctx context.Context) (*Report, error) {
	return s.run(ctx, "latest", crawler.Request{
		Direction: feed.DirectionNewer,
		StartNew:  true,
		Pages:     1,
		PageSize:  s.cfg.DefaultPageSize,
	})
}

// StartNewSequence discards the stored cursor for direction, or for the
// active direction when empty.
func (s *Service) StartNewSequence(ctx context.Context, direction feed.Direction) error {
	if direction == "" {
		direction = s.Direction()
	}
	if !direction.Valid() {
		return fmt.Errorf("%w: unknown direction %q", feed.ErrInvalidRequest, direction)
	}
	if err := s.store.ClearCursor(ctx, direction); err != nil {
		return err
	}
	s.logger.Info("started new sequence", "direction", direction)
	return nil
}

func (s *Service) Cursors(ctx context.Context) ([]feed.Cursor, error) {
	return s.store.ListCursors(ctx)
}

func (s *Service) Search(ctx context.Context, query string, page, pageSize int) (*feed.SearchResult, error) {
	return s.store.SearchTweets(ctx, query, page, pageSize)
}

func (s *Service) pageSize(n int) int {
	if n <= 0 {
		return s.cfg.DefaultPageSize
	}
	return n
}

func (s *Service) newReport(op string, d feed.Direction) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		Operation: op,
		Direction: d,
		StartedAt: s.now(),
	}
}

// run takes the cooldown guard once, then runs the crawl under the
// operation retry policy. Totals accumulate across attempts and a retry
// resumes from the stored cursor once any page has been processed.
func (s *Service) run(ctx context.Context, op string, req crawler.Request) (*Report, error) {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()

	report := s.newReport(op, req.Direction)
	if !req.Cutoff.IsZero() {
		cutoff := req.Cutoff.UTC()
		report.Cutoff = &cutoff
	}
	span.SetAttributes(
		attribute.String("run_id", report.RunID),
		attribute.String("operation", op),
		attribute.String("direction", req.Direction.String()),
	)

	log := s.logger.With("run_id", report.RunID, "operation", op, "direction", req.Direction)

	if !req.Direction.Valid() {
		err := fmt.Errorf("%w: unknown direction %q", feed.ErrInvalidRequest, req.Direction)
		return s.finish(report, err), err
	}
	if err := s.guard.Admit(req.Direction); err != nil {
		return s.finish(report, err), err
	}

	s.hub.Publish(progress.Event{RunID: report.RunID, Type: progress.EventRunStarted, Direction: req.Direction})
	log.Info("starting ingestion", "start_new", req.StartNew, "pages", req.Pages, "page_size", req.PageSize)

	limit := s.crawler.MaxPages()
	if req.Pages > 0 && req.Pages < limit {
		limit = req.Pages
	}

	policy := s.cfg.Retry.WithNotify(func(a retry.Attempt) {
		report.Retries++
		log.Warn("ingestion failed, retrying operation", "attempt", a.Number, "max_attempts", a.Max, "delay", a.Delay, "err", a.Err)
		s.hub.Publish(progress.Event{
			RunID:       report.RunID,
			Type:        progress.EventRetry,
			Direction:   req.Direction,
			Attempt:     a.Number,
			MaxAttempts: a.Max,
			Error:       a.Err.Error(),
		})
	})

	err := retry.Run(ctx, policy, func(ctx context.Context) error {
		attempt := req
		attempt.Pages = limit - report.PagesProcessed
		if report.PagesProcessed > 0 {
			attempt.StartNew = false
		}
		attempt.OnPage = func(page int, br feed.BatchResult) {
			s.hub.Publish(progress.Event{
				RunID:     report.RunID,
				Type:      progress.EventPageStored,
				Direction: req.Direction,
				Page:      report.PagesProcessed + page,
				Fetched:   br.RecordsFetched,
				Stored:    br.RecordsStored,
			})
		}
		attempt.OnRetry = func(a retry.Attempt) {
			s.hub.Publish(progress.Event{
				RunID:       report.RunID,
				Type:        progress.EventRetry,
				Direction:   req.Direction,
				Attempt:     a.Number,
				MaxAttempts: a.Max,
				Error:       a.Err.Error(),
			})
		}

		res, err := s.crawler.Run(ctx, attempt)
		if res != nil {
			report.TotalFetched += res.TotalFetched
			report.TotalStored += res.TotalStored
			report.PagesProcessed += res.PagesProcessed
			report.Retries += res.Retries
			report.IsAtEnd = res.IsAtEnd
			report.ReachedCutoff = res.ReachedCutoff
			report.Reason = res.Reason
			if res.NextToken != "" {
				report.NextCursorToken = res.NextToken
			}
		}
		return err
	})

	// Attempts are capped at the ceiling, so the crawler reports them as
	// completed even when the caller asked for more.
	if err == nil && report.Reason == feed.ReasonCompleted && (req.Pages <= 0 || req.Pages > limit) {
		report.Reason = feed.ReasonCeiling
	}

	return s.finish(report, err), err
}

func (s *Service) finish(report *Report, err error) *Report {
	log := s.logger.With("run_id", report.RunID, "operation", report.Operation, "direction", report.Direction)
	report.Duration = s.now().Sub(report.StartedAt)
	report.Success = err == nil
	if err != nil {
		report.Error = err.Error()
		report.ErrorKind = feed.Classify(err)
		switch report.ErrorKind {
		case feed.KindTooSoon, feed.KindInFlight, feed.KindInvalidRequest:
			report.Reason = feed.ReasonRejected
		case feed.KindCancelled:
			report.Reason = feed.ReasonCancelled
		default:
			report.Reason = feed.ReasonFailed
		}
	}

	operationsTotal.WithLabelValues(report.Operation, string(report.Reason)).Inc()

	if err != nil {
		log.Error("ingestion finished with error",
			"reason", report.Reason,
			"kind", report.ErrorKind,
			"pages", report.PagesProcessed,
			"stored", report.TotalStored,
			"err", err,
		)
	} else {
		log.Info("ingestion finished",
			"reason", report.Reason,
			"pages", report.PagesProcessed,
			"fetched", report.TotalFetched,
			"stored", report.TotalStored,
			"retries", report.Retries,
		)
	}

	s.hub.Publish(progress.Event{
		RunID:     report.RunID,
		Type:      progress.EventRunFinished,
		Direction: report.Direction,
		Page:      report.PagesProcessed,
		Fetched:   report.TotalFetched,
		Stored:    report.TotalStored,
		Error:     report.Error,
		Report:    *report,
	})
	return report
}
