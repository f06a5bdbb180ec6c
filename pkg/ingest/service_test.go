package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ericvolp12/feedcrawl/pkg/crawler"
	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"github.com/ericvolp12/feedcrawl/pkg/progress"
	"github.com/ericvolp12/feedcrawl/pkg/retry"
	"github.com/ericvolp12/feedcrawl/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var fastRetry = retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

type scriptedFetcher struct {
	mu       sync.Mutex
	pages    map[string]*feed.Page
	failures map[string]int
	calls    []string
}

func (f *scriptedFetcher) FetchPage(ctx context.Context, d feed.Direction, token string, pageSize int) (*feed.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, token)
	if n := f.failures[token]; n != 0 {
		if n > 0 {
			f.failures[token] = n - 1
		}
		return nil, &feed.UpstreamError{StatusCode: 503, Body: "unavailable"}
	}
	if p, ok := f.pages[token]; ok {
		return p, nil
	}
	return &feed.Page{}, nil
}

func tweets(prefix string, n int, newest time.Time) []feed.Tweet {
	out := make([]feed.Tweet, n)
	for i := range out {
		out[i] = feed.Tweet{
			ID:        fmt.Sprintf("%s-%02d", prefix, i),
			Text:      "wagmi",
			CreatedAt: newest.Add(-time.Duration(i) * time.Minute),
			Author:    feed.Author{Username: "trader", DisplayName: "Trader"},
			Media:     []feed.Media{},
		}
	}
	return out
}

func pageOf(tw []feed.Tweet, next string) *feed.Page {
	return &feed.Page{Received: len(tw), Tweets: tw, NextToken: next}
}

type harness struct {
	svc     *Service
	store   *store.Store
	fetcher *scriptedFetcher
	hub     *progress.Hub
}

func newHarness(t *testing.T, fetcher *scriptedFetcher, mutate func(*Config)) *harness {
	t.Helper()
	st, err := store.Open(testLogger, filepath.Join(t.TempDir(), "feedcrawl.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ccfg := crawler.DefaultConfig()
	ccfg.PageDelay = 0
	ccfg.Retry = fastRetry
	c := crawler.New(testLogger, fetcher, st, st, ccfg)

	hub := progress.NewHub(testLogger)
	t.Cleanup(hub.Close)

	cfg := DefaultConfig()
	cfg.Cooldown = 0
	cfg.Retry = retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}

	return &harness{
		svc:     NewService(testLogger, c, st, hub, cfg),
		store:   st,
		fetcher: fetcher,
		hub:     hub,
	}
}

var head = time.Date(2025, 3, 16, 1, 30, 0, 0, time.UTC)

func TestFetchBatchSinglePageAtEnd(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{pages: map[string]*feed.Page{
		"": pageOf(tweets("a", 20, head), ""),
	}}, nil)
	ctx := context.Background()

	report, err := h.svc.FetchBatch(ctx, BatchRequest{Direction: feed.DirectionNewer, StartNew: true, BatchSize: 5})
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, 20, report.TotalFetched)
	assert.Equal(t, 20, report.TotalStored)
	assert.Equal(t, 1, report.PagesProcessed)
	assert.True(t, report.IsAtEnd)
	assert.Equal(t, feed.ReasonAtEnd, report.Reason)
	assert.Empty(t, report.NextCursorToken)
	assert.NotEmpty(t, report.RunID)

	cursors, err := h.svc.Cursors(ctx)
	require.NoError(t, err)
	assert.Empty(t, cursors)
}

func TestFetchUntilCutoff(t *testing.T) {
	cutoff := time.Date(2025, 3, 16, 0, 41, 0, 0, time.UTC)
	h := newHarness(t, &scriptedFetcher{pages: map[string]*feed.Page{
		"":   pageOf(tweets("p1", 20, head), "c2"),
		"c2": pageOf(tweets("p2", 20, time.Date(2025, 3, 16, 0, 50, 0, 0, time.UTC)), "c3"),
		"c3": pageOf(tweets("p3", 20, time.Date(2025, 3, 16, 0, 30, 0, 0, time.UTC)), ""),
	}}, func(c *Config) { c.InitialDirection = feed.DirectionOlder })
	ctx := context.Background()

	report, err := h.svc.FetchUntilCutoff(ctx, cutoff, 0, 20)
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, feed.DirectionNewer, report.Direction)
	assert.Equal(t, 2, report.PagesProcessed)
	assert.True(t, report.ReachedCutoff)
	assert.Equal(t, 40, report.TotalStored)
	require.NotNil(t, report.Cutoff)
	assert.Equal(t, cutoff, *report.Cutoff)

	n, err := h.store.CountTweets(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 40, n)

	assert.Equal(t, feed.DirectionOlder, h.svc.Direction())
}

func TestFetchUntilCutoffDefaultsToLatestStored(t *testing.T) {
	latest := time.Date(2025, 3, 16, 0, 41, 0, 0, time.UTC)
	h := newHarness(t, &scriptedFetcher{pages: map[string]*feed.Page{
		"":   pageOf(tweets("fresh", 20, head), "c2"),
		"c2": pageOf(tweets("overlap", 20, latest.Add(5*time.Minute)), "c3"),
	}}, nil)
	ctx := context.Background()

	_, err := h.store.UpsertTweets(ctx, tweets("old", 5, latest))
	require.NoError(t, err)

	report, err := h.svc.FetchUntilCutoff(ctx, time.Time{}, 10, 20)
	require.NoError(t, err)
	require.NotNil(t, report.Cutoff)
	assert.Equal(t, latest, *report.Cutoff)
	assert.True(t, report.ReachedCutoff)
	assert.Equal(t, 2, report.PagesProcessed)
}

func TestFetchUntilCutoffRestoresDirectionOnFailure(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{failures: map[string]int{"": -1}}, func(c *Config) {
		c.InitialDirection = feed.DirectionOlder
	})

	report, err := h.svc.FetchUntilCutoff(context.Background(), head, 3, 20)
	require.Error(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, feed.KindUpstream, report.ErrorKind)
	assert.Equal(t, feed.ReasonFailed, report.Reason)
	assert.Equal(t, feed.DirectionOlder, h.svc.Direction())
}

// chain links n single-tweet pages, each pointing at the next.
func chain(n int) map[string]*feed.Page {
	pages := make(map[string]*feed.Page, n)
	token := ""
	for i := 0; i < n; i++ {
		next := fmt.Sprintf("c%d", i+1)
		pages[token] = pageOf(tweets(fmt.Sprintf("p%d", i), 1, head.Add(-time.Duration(i)*time.Hour)), next)
		token = next
	}
	return pages
}

func TestReportsCeiling(t *testing.T) {
	ctx := context.Background()
	old := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("batch above ceiling", func(t *testing.T) {
		h := newHarness(t, &scriptedFetcher{pages: chain(crawler.DefaultMaxPages + 10)}, nil)
		report, err := h.svc.FetchBatch(ctx, BatchRequest{Direction: feed.DirectionOlder, BatchSize: 500})
		require.NoError(t, err)
		assert.True(t, report.Success)
		assert.Equal(t, crawler.DefaultMaxPages, report.PagesProcessed)
		assert.Equal(t, feed.ReasonCeiling, report.Reason)
	})

	t.Run("batch within ceiling", func(t *testing.T) {
		h := newHarness(t, &scriptedFetcher{pages: chain(10)}, nil)
		report, err := h.svc.FetchBatch(ctx, BatchRequest{Direction: feed.DirectionOlder, BatchSize: 3})
		require.NoError(t, err)
		assert.Equal(t, 3, report.PagesProcessed)
		assert.Equal(t, feed.ReasonCompleted, report.Reason)
	})

	t.Run("until cutoff without batch size", func(t *testing.T) {
		h := newHarness(t, &scriptedFetcher{pages: chain(crawler.DefaultMaxPages + 10)}, nil)
		report, err := h.svc.FetchUntilCutoff(ctx, old, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, crawler.DefaultMaxPages, report.PagesProcessed)
		assert.False(t, report.ReachedCutoff)
		assert.Equal(t, feed.ReasonCeiling, report.Reason)
	})

	t.Run("ceiling after an operation retry", func(t *testing.T) {
		pages := chain(crawler.DefaultMaxPages + 10)
		h := newHarness(t, &scriptedFetcher{pages: pages, failures: map[string]int{"c5": 3}}, nil)
		report, err := h.svc.FetchBatch(ctx, BatchRequest{Direction: feed.DirectionOlder, BatchSize: 500})
		require.NoError(t, err)
		assert.Equal(t, 3, report.Retries)
		assert.Equal(t, crawler.DefaultMaxPages, report.PagesProcessed)
		assert.Equal(t, feed.ReasonCeiling, report.Reason)
	})
}

func TestOverlappingDirectionHoldsRestoreFirstDirection(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{}, func(c *Config) {
		c.InitialDirection = feed.DirectionOlder
	})

	first := h.svc.holdDirection(feed.DirectionNewer)
	second := h.svc.holdDirection(feed.DirectionNewer)
	assert.Equal(t, feed.DirectionNewer, h.svc.Direction())

	first()
	assert.Equal(t, feed.DirectionNewer, h.svc.Direction())
	second()
	assert.Equal(t, feed.DirectionOlder, h.svc.Direction())

	// releasing twice is a no-op
	second()
	assert.Equal(t, feed.DirectionOlder, h.svc.Direction())

	release := h.svc.holdDirection(feed.DirectionNewer)
	require.NoError(t, h.svc.SetDirection(feed.DirectionOlder))
	release()
	assert.Equal(t, feed.DirectionOlder, h.svc.Direction())
}

func TestRejectedUntilCutoffKeepsDirection(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{pages: chain(3)}, func(c *Config) {
		c.InitialDirection = feed.DirectionOlder
		c.Cooldown = time.Hour
	})
	ctx := context.Background()

	_, err := h.svc.FetchUntilCutoff(ctx, head.Add(-time.Hour), 1, 0)
	require.NoError(t, err)

	report, err := h.svc.FetchUntilCutoff(ctx, head.Add(-time.Hour), 1, 0)
	require.ErrorIs(t, err, feed.ErrTooSoon)
	assert.Equal(t, feed.ReasonRejected, report.Reason)
	assert.Equal(t, feed.DirectionOlder, h.svc.Direction())
}

func TestRerunResumesFromCursor(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{pages: map[string]*feed.Page{
		"":   pageOf(tweets("p1", 20, head), "c2"),
		"c2": pageOf(tweets("p2", 20, head.Add(-time.Hour)), "c3"),
	}}, nil)
	ctx := context.Background()

	first, err := h.svc.FetchBatch(ctx, BatchRequest{Direction: feed.DirectionOlder, BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, "c2", first.NextCursorToken)
	assert.Equal(t, feed.ReasonCompleted, first.Reason)

	second, err := h.svc.FetchBatch(ctx, BatchRequest{Direction: feed.DirectionOlder, BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, "c3", second.NextCursorToken)
	assert.Equal(t, []string{"", "c2"}, h.fetcher.calls)
}

func TestOperationRetryAccumulatesAndResumes(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{
		pages: map[string]*feed.Page{
			"":   pageOf(tweets("p1", 20, head), "c2"),
			"c2": pageOf(tweets("p2", 20, head.Add(-time.Hour)), ""),
		},
		// exhausts the three page attempts of the first operation attempt
		failures: map[string]int{"c2": 3},
	}, nil)

	report, err := h.svc.FetchBatch(context.Background(), BatchRequest{Direction: feed.DirectionNewer, StartNew: true, BatchSize: 5})
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, 2, report.PagesProcessed)
	assert.Equal(t, 40, report.TotalStored)
	assert.True(t, report.IsAtEnd)
	// two page retries plus one operation retry
	assert.Equal(t, 3, report.Retries)
	assert.Equal(t, []string{"", "c2", "c2", "c2", "c2"}, h.fetcher.calls)
}

func TestCooldownRejectsRapidRequests(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{}, func(c *Config) { c.Cooldown = time.Hour })
	ctx := context.Background()

	_, err := h.svc.FetchBatch(ctx, BatchRequest{Direction: feed.DirectionNewer})
	require.NoError(t, err)

	report, err := h.svc.FetchBatch(ctx, BatchRequest{Direction: feed.DirectionNewer})
	require.ErrorIs(t, err, feed.ErrTooSoon)
	assert.False(t, report.Success)
	assert.Equal(t, feed.KindTooSoon, report.ErrorKind)
	assert.Equal(t, feed.ReasonRejected, report.Reason)

	_, err = h.svc.FetchBatch(ctx, BatchRequest{Direction: feed.DirectionOlder})
	assert.NoError(t, err)
}

func TestFetchLatestPage(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{pages: map[string]*feed.Page{
		"":   pageOf(tweets("p1", 20, head), "c2"),
		"c2": pageOf(tweets("p2", 20, head.Add(-time.Hour)), "c3"),
	}}, nil)
	ctx := context.Background()
	require.NoError(t, h.store.SetCursor(ctx, feed.DirectionNewer, "resume"))

	report, err := h.svc.FetchLatestPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PagesProcessed)
	assert.Equal(t, feed.ReasonCompleted, report.Reason)
	assert.Equal(t, feed.DirectionNewer, report.Direction)
	assert.Equal(t, []string{""}, h.fetcher.calls)
}

func TestStartNewSequenceClearsOnlyThatDirection(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{}, nil)
	ctx := context.Background()
	require.NoError(t, h.store.SetCursor(ctx, feed.DirectionNewer, "n"))
	require.NoError(t, h.store.SetCursor(ctx, feed.DirectionOlder, "o"))

	require.NoError(t, h.svc.SetDirection(feed.DirectionOlder))
	require.NoError(t, h.svc.StartNewSequence(ctx, ""))

	cursors, err := h.svc.Cursors(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, feed.DirectionNewer, cursors[0].Direction)
	assert.Equal(t, "n", cursors[0].Token)

	assert.ErrorIs(t, h.svc.SetDirection("up"), feed.ErrInvalidRequest)
	assert.ErrorIs(t, h.svc.StartNewSequence(ctx, "up"), feed.ErrInvalidRequest)
}

func TestProgressEvents(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{pages: map[string]*feed.Page{
		"": pageOf(tweets("a", 3, head), ""),
	}}, nil)
	events, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	report, err := h.svc.FetchBatch(context.Background(), BatchRequest{Direction: feed.DirectionNewer})
	require.NoError(t, err)

	var types []progress.EventType
	for i := 0; i < 3; i++ {
		select {
		case evt := <-events:
			assert.Equal(t, report.RunID, evt.RunID)
			types = append(types, evt.Type)
		case <-time.After(time.Second):
			t.Fatal("missing progress event")
		}
	}
	assert.Equal(t, []progress.EventType{progress.EventRunStarted, progress.EventPageStored, progress.EventRunFinished}, types)
}
