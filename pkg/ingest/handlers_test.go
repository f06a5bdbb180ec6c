package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h *harness, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	h.svc.Register(e)

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandleFetchBatch(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{pages: map[string]*feed.Page{
		"": pageOf(tweets("a", 20, head), ""),
	}}, nil)

	rec := serve(t, h, http.MethodPost, "/ingest/batch", `{"direction":"newer","startNew":true,"batchSize":3,"tweetsPerPage":20}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Success)
	assert.Equal(t, 20, report.TotalStored)
	assert.True(t, report.IsAtEnd)
}

func TestHandleFetchBatchErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		kind   feed.ErrorKind
	}{
		{"bad direction", `{"direction":"sideways"}`, http.StatusBadRequest, feed.KindInvalidRequest},
		{"negative size", `{"batchSize":-1}`, http.StatusBadRequest, feed.KindInvalidRequest},
		{"malformed body", `{"batchSize":`, http.StatusBadRequest, feed.KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &scriptedFetcher{}, nil)
			rec := serve(t, h, http.MethodPost, "/ingest/batch", tt.body)
			assert.Equal(t, tt.status, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.kind, resp.Kind)
		})
	}
}

func TestHandleTooSoonAndUpstreamStatus(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{failures: map[string]int{"": -1}}, func(c *Config) {
		c.Cooldown = time.Hour
	})

	rec := serve(t, h, http.MethodPost, "/ingest/latest", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Success)
	assert.Equal(t, feed.KindUpstream, report.ErrorKind)

	rec = serve(t, h, http.MethodPost, "/ingest/latest", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleUntilCutoff(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{pages: map[string]*feed.Page{
		"": pageOf(tweets("a", 5, head), "c2"),
	}}, nil)

	rec := serve(t, h, http.MethodPost, "/ingest/until-cutoff", `{"cutoff":"2025-03-16T01:28:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.ReachedCutoff)

	rec = serve(t, h, http.MethodPost, "/ingest/until-cutoff", `{"cutoff":"not a time"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDirectionAndReset(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{}, nil)
	ctx := context.Background()
	require.NoError(t, h.store.SetCursor(ctx, feed.DirectionOlder, "o"))

	rec := serve(t, h, http.MethodGet, "/ingest/direction", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"direction":"newer"}`, rec.Body.String())

	rec = serve(t, h, http.MethodPut, "/ingest/direction", `{"direction":"older"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, feed.DirectionOlder, h.svc.Direction())

	rec = serve(t, h, http.MethodPut, "/ingest/direction", `{"direction":"up"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, http.MethodGet, "/cursors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cursors CursorsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cursors))
	require.Len(t, cursors.Cursors, 1)
	assert.Equal(t, "o", cursors.Cursors[0].Token)

	rec = serve(t, h, http.MethodPost, "/ingest/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"direction":"older"}`, rec.Body.String())

	rec = serve(t, h, http.MethodGet, "/cursors", "")
	assert.JSONEq(t, `{"cursors":[]}`, rec.Body.String())
}

func TestHandleSearch(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{}, nil)
	ctx := context.Background()
	tw := tweets("s", 30, head)
	tw[4].Text = "ETH merge"
	_, err := h.store.UpsertTweets(ctx, tw)
	require.NoError(t, err)

	rec := serve(t, h, http.MethodGet, "/tweets?q=eth&page=1&pageSize=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res feed.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.EqualValues(t, 1, res.Total)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "s-04", res.Records[0].ID)

	rec = serve(t, h, http.MethodGet, "/tweets?pageSize=7&page=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.EqualValues(t, 30, res.Total)
	assert.Equal(t, 5, res.TotalPages)
	assert.Len(t, res.Records, 7)

	rec = serve(t, h, http.MethodGet, "/tweets?page=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseCutoff(t *testing.T) {
	ts, err := ParseCutoff("2025-03-16T00:41:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 16, 0, 41, 0, 0, time.UTC), ts)

	ts, err = ParseCutoff("2025-03-16 00:41:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 16, 0, 41, 0, 0, time.UTC), ts)

	ts, err = ParseCutoff("")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	_, err = ParseCutoff("soonish")
	assert.ErrorIs(t, err, feed.ErrInvalidRequest)
}
