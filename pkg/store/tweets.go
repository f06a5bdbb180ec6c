package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultSearchPageSize = 20
	MaxSearchPageSize     = 100

	upsertBatchSize = 100
	idLookupChunk   = 500
)

// UpsertTweets writes tweets keyed by id, overwriting every column except
// classification on conflict. The returned count is rows affected.
func (s *Store) UpsertTweets(ctx context.Context, tweets []feed.Tweet) (int64, error) {
	ctx, span := tracer.Start(ctx, "UpsertTweets")
	defer span.End()
	span.SetAttributes(attribute.Int("tweets", len(tweets)))

	if len(tweets) == 0 {
		return 0, nil
	}

	start := time.Now()
	defer func() {
		upsertDuration.Observe(time.Since(start).Seconds())
	}()

	now := s.now()
	rows := lo.Map(tweets, func(t feed.Tweet, _ int) Tweet {
		return tweetToRow(t, now)
	})

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).CreateInBatches(rows, upsertBatchSize)
	if res.Error != nil {
		storeErrors.WithLabelValues("upsert_tweets").Inc()
		return 0, &feed.StorageError{Op: "upsert tweets", Err: res.Error}
	}

	tweetsUpserted.Add(float64(res.RowsAffected))
	return res.RowsAffected, nil
}

// ExistingIDs returns the subset of ids that already have a stored row.
func (s *Store) ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	ctx, span := tracer.Start(ctx, "ExistingIDs")
	defer span.End()

	existing := make(map[string]struct{}, len(ids))
	for _, chunk := range lo.Chunk(lo.Uniq(ids), idLookupChunk) {
		var found []string
		err := s.db.WithContext(ctx).Model(&Tweet{}).Where("id IN ?", chunk).Pluck("id", &found).Error
		if err != nil {
			return nil, &feed.StorageError{Op: "lookup tweet ids", Err: err}
		}
		for _, id := range found {
			existing[id] = struct{}{}
		}
	}
	return existing, nil
}

// LatestTimestamp returns the newest stored created_at. ok is false on an
// empty store.
func (s *Store) LatestTimestamp(ctx context.Context) (ts time.Time, ok bool, err error) {
	ctx, span := tracer.Start(ctx, "LatestTimestamp")
	defer span.End()

	var row Tweet
	err = s.db.WithContext(ctx).Select("id", "created_at").Order("created_at DESC").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, &feed.StorageError{Op: "latest timestamp", Err: err}
	}
	return row.PostedAt.UTC(), true, nil
}

// SearchTweets does a case-insensitive substring match over text, username
// and display name, newest first. page is 1-indexed.
func (s *Store) SearchTweets(ctx context.Context, query string, page, pageSize int) (*feed.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "SearchTweets")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultSearchPageSize
	}
	if pageSize > MaxSearchPageSize {
		pageSize = MaxSearchPageSize
	}
	span.SetAttributes(
		attribute.String("query", query),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	q := s.db.WithContext(ctx).Model(&Tweet{})
	if query = strings.TrimSpace(query); query != "" {
		like := "%" + strings.ToLower(query) + "%"
		q = q.Where("LOWER(text) LIKE ? OR LOWER(author_username) LIKE ? OR LOWER(author_name) LIKE ?", like, like, like)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, &feed.StorageError{Op: "count search results", Err: err}
	}

	var rows []Tweet
	err := q.Order("created_at DESC").Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, &feed.StorageError{Op: "search tweets", Err: err}
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))

	return &feed.SearchResult{
		Records:    lo.Map(rows, func(r Tweet, _ int) feed.Tweet { return rowToTweet(r) }),
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

// TweetsBetween returns tweets with from <= created_at < to, oldest first.
// A zero bound is open.
func (s *Store) TweetsBetween(ctx context.Context, from, to time.Time) ([]feed.Tweet, error) {
	ctx, span := tracer.Start(ctx, "TweetsBetween")
	defer span.End()

	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, fmt.Errorf("%w: range start %s is not before end %s", feed.ErrInvalidRequest, from, to)
	}

	q := s.db.WithContext(ctx).Model(&Tweet{})
	if !from.IsZero() {
		q = q.Where("created_at >= ?", from.UTC())
	}
	if !to.IsZero() {
		q = q.Where("created_at < ?", to.UTC())
	}

	var rows []Tweet
	if err := q.Order("created_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, &feed.StorageError{Op: "range tweets", Err: err}
	}

	return lo.Map(rows, func(r Tweet, _ int) feed.Tweet { return rowToTweet(r) }), nil
}

// CountTweets returns the number of stored tweets.
func (s *Store) CountTweets(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Tweet{}).Count(&n).Error; err != nil {
		return 0, &feed.StorageError{Op: "count tweets", Err: err}
	}
	return n, nil
}
