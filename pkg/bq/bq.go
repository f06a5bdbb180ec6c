package bq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	bufferSize    = 100_000
	maxBatchSize  = 10_000
	flushInterval = 5 * time.Second
)

// BQ mirrors stored tweets into day-partitioned BigQuery tables.
type BQ struct {
	logger       *slog.Logger
	recordSchema bigquery.Schema
	client       *bigquery.Client
	dataset      *bigquery.Dataset

	tablePrefix string

	tableDate string
	inserter  *bigquery.Inserter

	recordBuf chan *Record
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

var tracer = otel.Tracer("bq")

func NewBQ(
	ctx context.Context,
	projectID string,
	dataset string,
	tablePrefix string,
	logger *slog.Logger,
) (*BQ, error) {
	recordSchema, err := bigquery.InferSchema(Record{})
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema: %w", err)
	}

	bqClient, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	bqDataset := bqClient.Dataset(dataset)

	if _, err := bqDataset.Metadata(ctx); err != nil {
		return nil, fmt.Errorf("failed to get dataset metadata, make sure to create it if it doesn't exist: %w", err)
	}

	bq := &BQ{
		recordSchema: recordSchema,
		client:       bqClient,
		dataset:      bqDataset,
		logger:       logger.With("module", "bq"),
		tablePrefix:  tablePrefix,
		recordBuf:    make(chan *Record, bufferSize),
		shutdown:     make(chan struct{}),
	}

	// Start a routine to batch insert records every 5 seconds
	bq.wg.Add(1)
	go func() {
		defer bq.wg.Done()
		t := time.NewTicker(flushInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := bq.insertRecords(ctx); err != nil {
					bq.logger.Error("failed to insert records", "error", err)
				}
			case <-bq.shutdown:
				// Flush whatever is still buffered
				for len(bq.recordBuf) > 0 {
					if err := bq.insertRecords(context.Background()); err != nil {
						bq.logger.Error("failed to insert records on shutdown", "error", err)
						return
					}
				}
				return
			}
		}
	}()

	return bq, nil
}

func (bq *BQ) Name() string {
	return "bigquery"
}

// Write buffers tweets for the next batch insert. It never blocks; tweets
// that do not fit in the buffer are dropped and counted.
func (bq *BQ) Write(ctx context.Context, tweets []feed.Tweet) error {
	_, span := tracer.Start(ctx, "Write")
	defer span.End()
	span.SetAttributes(
		attribute.String("table_prefix", bq.tablePrefix),
		attribute.Int("tweets", len(tweets)),
	)

	now := time.Now().UTC()
	dropped := 0
	for _, t := range tweets {
		select {
		case bq.recordBuf <- NewRecord(t, now):
			recordsProcessed.WithLabelValues(bq.tablePrefix).Inc()
			queueDepth.WithLabelValues(bq.tablePrefix).Inc()
		default:
			dropped++
		}
	}
	if dropped > 0 {
		recordsDropped.WithLabelValues(bq.tablePrefix).Add(float64(dropped))
		return fmt.Errorf("bigquery buffer full, dropped %d of %d tweets", dropped, len(tweets))
	}
	return nil
}

func (bq *BQ) insertRecords(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "insertRecords")
	defer span.End()

	// Create table if it doesn't exist
	if err := bq.CreateTableIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// Grab up to maxBatchSize records from the buffer
	savers := make([]*bigquery.StructSaver, 0, maxBatchSize)
drain:
	for len(savers) < maxBatchSize {
		select {
		case record := <-bq.recordBuf:
			savers = append(savers, &bigquery.StructSaver{
				Struct:   record,
				Schema:   bq.recordSchema,
				InsertID: fmt.Sprintf("%s-%s", record.ID, bq.tableDate),
			})
			queueDepth.WithLabelValues(bq.tablePrefix).Dec()
		default:
			break drain
		}
	}

	// If there are no records, return early
	if len(savers) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		batchSubmissionDuration.WithLabelValues(bq.tablePrefix).Observe(float64(elapsed.Milliseconds()))
		batchSizeHist.WithLabelValues(bq.tablePrefix).Observe(float64(len(savers)))
	}()

	// Insert the records
	if err := bq.inserter.Put(ctx, savers); err != nil {
		return fmt.Errorf("failed to insert records: %w", err)
	}

	return nil
}

func (bq *BQ) CreateTableIfNotExists(ctx context.Context) error {
	today := time.Now().UTC().Format("20060102")

	if bq.tableDate == today && bq.inserter != nil {
		return nil
	}

	table := bq.dataset.Table(tableName(bq.tablePrefix, today))
	_, err := table.Metadata(ctx)
	if err != nil {
		bq.logger.Info("table does not exist, creating", "table", table.FullyQualifiedName())
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: bq.recordSchema}); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	bq.tableDate = today
	bq.inserter = table.Inserter()

	return nil
}

func tableName(prefix, day string) string {
	return fmt.Sprintf("%s_%s", prefix, day)
}

// Close flushes buffered tweets and closes the client.
func (bq *BQ) Close() error {
	close(bq.shutdown)
	bq.wg.Wait()
	return bq.client.Close()
}
