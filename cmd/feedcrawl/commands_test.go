package main

import (
	"testing"
	"time"

	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportRange(t *testing.T) {
	now := time.Date(2025, 3, 16, 12, 0, 0, 0, time.UTC)

	from, to, err := exportRange("", "", now)
	require.NoError(t, err)
	assert.True(t, from.IsZero())
	assert.Equal(t, now, to)

	from, to, err = exportRange("2025-03-01T00:00:00Z", "2025-03-02", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), to)

	_, _, err = exportRange("not a date", "", now)
	assert.ErrorIs(t, err, feed.ErrInvalidRequest)
}
