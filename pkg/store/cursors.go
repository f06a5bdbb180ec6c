package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetCursor returns the stored token for a direction. ok is false when no
// cursor has been saved; that is not an error.
func (s *Store) GetCursor(ctx context.Context, direction feed.Direction) (token string, ok bool, err error) {
	ctx, span := tracer.Start(ctx, "GetCursor")
	defer span.End()
	span.SetAttributes(attribute.String("direction", direction.String()))

	var c Cursor
	err = s.db.WithContext(ctx).Where("cursor_type = ?", direction.String()).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, &feed.StorageError{Op: "get cursor", Err: err}
	}
	return c.CursorValue, true, nil
}

// SetCursor upserts the token for a direction. Token and updated_at are
// written together in one statement.
func (s *Store) SetCursor(ctx context.Context, direction feed.Direction, token string) error {
	ctx, span := tracer.Start(ctx, "SetCursor")
	defer span.End()
	span.SetAttributes(attribute.String("direction", direction.String()))

	if token == "" {
		return fmt.Errorf("%w: empty cursor token", feed.ErrInvalidRequest)
	}

	c := Cursor{
		CursorType:  direction.String(),
		CursorValue: token,
		UpdatedAt:   s.now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cursor_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor_value", "updated_at"}),
	}).Create(&c).Error
	if err != nil {
		storeErrors.WithLabelValues("set_cursor").Inc()
		return &feed.StorageError{Op: "set cursor", Err: err}
	}

	cursorUpdates.WithLabelValues(direction.String()).Inc()
	return nil
}

// ClearCursor discards the stored token for a direction.
func (s *Store) ClearCursor(ctx context.Context, direction feed.Direction) error {
	ctx, span := tracer.Start(ctx, "ClearCursor")
	defer span.End()
	span.SetAttributes(attribute.String("direction", direction.String()))

	err := s.db.WithContext(ctx).Where("cursor_type = ?", direction.String()).Delete(&Cursor{}).Error
	if err != nil {
		storeErrors.WithLabelValues("clear_cursor").Inc()
		return &feed.StorageError{Op: "clear cursor", Err: err}
	}

	s.logger.Info("cleared cursor", "direction", direction)
	return nil
}

// ListCursors returns every live cursor.
func (s *Store) ListCursors(ctx context.Context) ([]feed.Cursor, error) {
	ctx, span := tracer.Start(ctx, "ListCursors")
	defer span.End()

	var rows []Cursor
	if err := s.db.WithContext(ctx).Order("cursor_type ASC").Find(&rows).Error; err != nil {
		return nil, &feed.StorageError{Op: "list cursors", Err: err}
	}

	cursors := make([]feed.Cursor, len(rows))
	for i, r := range rows {
		cursors[i] = feed.Cursor{
			Direction: feed.Direction(r.CursorType),
			Token:     r.CursorValue,
			UpdatedAt: r.UpdatedAt.UTC(),
		}
	}
	return cursors, nil
}
