package store

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	slogGorm "github.com/orandin/slog-gorm"
)

// Store persists cursors and tweets in SQLite. It implements both the cursor
// store and the tweet store consumed by the crawler and ingestion service.
type Store struct {
	logger *slog.Logger
	db     *gorm.DB
	now    func() time.Time
}

var tracer = otel.Tracer("store")

// Open opens (creating if needed) the SQLite database at sqlitePath.
func Open(logger *slog.Logger, sqlitePath string, migrate bool) (*Store, error) {
	logger = logger.With("module", "store")

	gormLogger := slogGorm.New()

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", sqlitePath)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if migrate {
		if err := db.AutoMigrate(&Cursor{}, &Tweet{}); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	logger.Info("opened database", "path", sqlitePath, "migrated", migrate)

	return &Store{
		logger: logger,
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
