package parq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"github.com/parquet-go/parquet-go"
)

type Record struct {
	ID             string `parquet:"id"`
	CreatedAt      int64  `parquet:"created_at"`
	AuthorUsername string `parquet:"author_username"`
	AuthorName     string `parquet:"author_name"`
	AuthorAvatar   string `parquet:"author_avatar"`
	Text           string `parquet:"text"`
	IsReply        bool   `parquet:"is_reply"`
	IsQuote        bool   `parquet:"is_quote"`
	QuotedText     string `parquet:"quoted_text"`
	QuotedAuthor   string `parquet:"quoted_author"`
	Media          string `parquet:"media"`
	IngestedAt     int64  `parquet:"ingested_at"`
}

// NewRecord flattens a tweet. Timestamps are unix milliseconds.
func NewRecord(t feed.Tweet, ingestedAt time.Time) *Record {
	r := &Record{
		ID:             t.ID,
		AuthorUsername: t.Author.Username,
		AuthorName:     t.Author.DisplayName,
		AuthorAvatar:   t.Author.AvatarURL,
		Text:           t.Text,
		IsReply:        t.IsReply,
		IsQuote:        t.IsQuote,
		Media:          "[]",
		IngestedAt:     ingestedAt.UnixMilli(),
	}
	if !t.CreatedAt.IsZero() {
		r.CreatedAt = t.CreatedAt.UnixMilli()
	}
	if t.QuotedTweet != nil {
		r.QuotedText = t.QuotedTweet.Text
		r.QuotedAuthor = t.QuotedTweet.AuthorUsername
	}
	if len(t.Media) > 0 {
		if b, err := json.Marshal(t.Media); err == nil {
			r.Media = string(b)
		}
	}
	return r
}

var ErrShutdown = errors.New("parquet writer is shut down")

// Parq archives tweets to rolling parquet files.
type Parq struct {
	logger       *slog.Logger
	fileDir      string
	prefix       string
	writeQueue   chan *Record
	shutdown     chan struct{}
	wg           sync.WaitGroup
	batchSize    int
	maxBatchWait time.Duration
}

func NewParq(logger *slog.Logger, fileDir, prefix string, batchSize int, maxBatchWait time.Duration) (*Parq, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	if maxBatchWait <= 0 {
		maxBatchWait = time.Minute
	}

	p := Parq{
		logger:       logger.With("module", "parq"),
		fileDir:      fileDir,
		prefix:       prefix,
		batchSize:    batchSize,
		maxBatchWait: maxBatchWait,
		writeQueue:   make(chan *Record, batchSize*2),
		shutdown:     make(chan struct{}),
	}

	// Make sure the file directory exists
	err := os.MkdirAll(fileDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file directory: %w", err)
	}

	return &p, nil
}

// StartWriter starts the writer goroutine which writes records to parquet files
// when the batch size is reached, after every maxBatchWait duration, or when the shutdown signal is received
func (p *Parq) StartWriter() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		var records []*Record
		t := time.NewTicker(p.maxBatchWait)
		defer t.Stop()

		p.logger.Info("starting parquet writer loop")

		flush := func(why string) {
			if len(records) == 0 {
				return
			}
			p.logger.Info("writing parquet file", "trigger", why, "num_records", len(records))
			if _, err := p.WriteFile(records); err != nil {
				p.logger.Error("failed to write parquet file", "error", err)
			}
			records = nil
		}

		for {
			select {
			case r := <-p.writeQueue:
				records = append(records, r)
				if len(records) >= p.batchSize {
					flush("max_batch_size")
				}
			case <-t.C:
				flush("max_batch_wait")
			case <-p.shutdown:
				p.logger.Info("shutting down parquet writer")
				// pick up anything enqueued before shutdown
			drain:
				for {
					select {
					case r := <-p.writeQueue:
						records = append(records, r)
					default:
						break drain
					}
				}
				flush("shutdown")
				return
			}
		}
	}()
}

// Shutdown signals the writer goroutine to shutdown
func (p *Parq) Shutdown() {
	p.logger.Info("waiting for parquet writer to shutdown")
	close(p.shutdown)
	p.wg.Wait()
	p.logger.Info("parquet writer shutdown successfully")
}

func (p *Parq) Name() string {
	return "parquet"
}

// Write enqueues tweets for the writer goroutine.
func (p *Parq) Write(ctx context.Context, tweets []feed.Tweet) error {
	select {
	case <-p.shutdown:
		return ErrShutdown
	default:
	}

	now := time.Now().UTC()
	for _, t := range tweets {
		select {
		case p.writeQueue <- NewRecord(t, now):
			recordsEnqueued.Inc()
		case <-ctx.Done():
			return ctx.Err()
		case <-p.shutdown:
			return ErrShutdown
		}
	}
	return nil
}

// WriteFile writes the given records to a timestamped parquet file in the
// writer's directory and returns its path.
func (p *Parq) WriteFile(records []*Record) (string, error) {
	fName := path.Join(p.fileDir, fmt.Sprintf("%s_%s.parquet", p.prefix, time.Now().UTC().Format("2006_01_02-15_04_05.000")))
	if err := WriteRecords(fName, records); err != nil {
		return "", err
	}
	p.logger.Info("wrote parquet file", "file_path", fName, "num_records", len(records))
	return fName, nil
}

// WriteRecords writes records to fName with bloom filters on the lookup columns.
func WriteRecords(fName string, records []*Record) error {
	filterBits := uint(10)

	if err := os.MkdirAll(filepath.Dir(fName), 0755); err != nil {
		return fmt.Errorf("failed to create parquet file directory: %w", err)
	}

	err := parquet.WriteFile(fName, records, parquet.BloomFilters(
		parquet.SplitBlockFilter(filterBits, "id"),
		parquet.SplitBlockFilter(filterBits, "author_username"),
	))
	if err != nil {
		return fmt.Errorf("failed to write parquet file: %w", err)
	}

	filesWritten.Inc()
	recordsWritten.Add(float64(len(records)))
	return nil
}

// Export writes tweets to a single parquet file.
func Export(fName string, tweets []feed.Tweet) error {
	now := time.Now().UTC()
	records := make([]*Record, len(tweets))
	for i, t := range tweets {
		records[i] = NewRecord(t, now)
	}
	return WriteRecords(fName, records)
}
