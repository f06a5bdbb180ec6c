package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"github.com/ericvolp12/feedcrawl/pkg/retry"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() Config {
	return Config{
		MaxPages:  DefaultMaxPages,
		PageDelay: 0,
		PageSize:  20,
		Retry:     retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func makeTweets(prefix string, n int, newest time.Time) []feed.Tweet {
	tweets := make([]feed.Tweet, n)
	for i := range tweets {
		tweets[i] = feed.Tweet{
			ID:        fmt.Sprintf("%s-%02d", prefix, i),
			Text:      "gm",
			CreatedAt: newest.Add(-time.Duration(i) * time.Minute),
			Author:    feed.Author{Username: "trader", DisplayName: "Trader"},
			Media:     []feed.Media{},
		}
	}
	return tweets
}

func page(tweets []feed.Tweet, next string) *feed.Page {
	return &feed.Page{Received: len(tweets), Tweets: tweets, NextToken: next}
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]*feed.Page
	errs  []error
	calls []string

	// endless serves a fresh page with a next token for every call.
	endless bool
	// started is signalled and block awaited before each fetch when set.
	started chan struct{}
	block   chan struct{}
}

func (f *fakeFetcher) FetchPage(ctx context.Context, direction feed.Direction, token string, pageSize int) (*feed.Page, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, token)

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if f.endless {
		n := len(f.calls)
		return page(makeTweets(fmt.Sprintf("%s-p%d", direction, n), pageSize, time.Now()), fmt.Sprintf("%s-t%d", direction, n)), nil
	}
	if p, ok := f.pages[token]; ok {
		return p, nil
	}
	return page(nil, ""), nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeCursors struct {
	mu      sync.Mutex
	tokens  map[feed.Direction]string
	history map[feed.Direction][]string
	setErr  error
}

func newFakeCursors() *fakeCursors {
	return &fakeCursors{
		tokens:  make(map[feed.Direction]string),
		history: make(map[feed.Direction][]string),
	}
}

func (c *fakeCursors) GetCursor(ctx context.Context, d feed.Direction) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[d]
	return tok, ok, nil
}

func (c *fakeCursors) SetCursor(ctx context.Context, d feed.Direction, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return &feed.StorageError{Op: "set cursor", Err: c.setErr}
	}
	c.tokens[d] = token
	c.history[d] = append(c.history[d], token)
	return nil
}

func (c *fakeCursors) get(d feed.Direction) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[d]
	return tok, ok
}

type fakeTweets struct {
	mu      sync.Mutex
	rows    map[string]feed.Tweet
	upserts int
	// failOn fails the nth upsert call (1-indexed).
	failOn int
}

func newFakeTweets() *fakeTweets {
	return &fakeTweets{rows: make(map[string]feed.Tweet)}
}

func (s *fakeTweets) UpsertTweets(ctx context.Context, tweets []feed.Tweet) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.failOn == s.upserts {
		return 0, &feed.StorageError{Op: "upsert tweets", Err: errors.New("database is locked")}
	}
	for _, t := range tweets {
		s.rows[t.ID] = t
	}
	return int64(len(tweets)), nil
}

func (s *fakeTweets) ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := s.rows[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *fakeTweets) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type fakeSink struct {
	mu     sync.Mutex
	writes int
	err    error
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Write(ctx context.Context, tweets []feed.Tweet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return s.err
}
