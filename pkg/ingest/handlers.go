package ingest

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"github.com/labstack/echo/v4"
)

type ErrorResponse struct {
	Error string         `json:"error"`
	Kind  feed.ErrorKind `json:"kind,omitempty"`
}

type UntilCutoffRequest struct {
	// Cutoff is RFC 3339 or any layout dateparse understands. Empty means
	// the newest stored tweet.
	Cutoff    string `json:"cutoff"`
	BatchSize int    `json:"batchSize"`
	PageSize  int    `json:"tweetsPerPage"`
}

type DirectionRequest struct {
	Direction string `json:"direction"`
}

type DirectionResponse struct {
	Direction feed.Direction `json:"direction"`
}

type CursorsResponse struct {
	Cursors []feed.Cursor `json:"cursors"`
}

// Register mounts the ingestion routes on e.
func (s *Service) Register(e *echo.Echo) {
	g := e.Group("/ingest")
	g.POST("/batch", s.HandleFetchBatch)
	g.POST("/until-cutoff", s.HandleFetchUntilCutoff)
	g.POST("/latest", s.HandleFetchLatest)
	g.POST("/reset", s.HandleReset)
	g.GET("/direction", s.HandleGetDirection)
	g.PUT("/direction", s.HandleSetDirection)
	if s.hub != nil {
		g.GET("/events", s.hub.HandleWS)
	}

	e.GET("/cursors", s.HandleGetCursors)
	e.GET("/tweets", s.HandleSearch)
}

// StatusFor maps an error kind onto an HTTP status.
func StatusFor(kind feed.ErrorKind) int {
	switch kind {
	case feed.KindNone:
		return http.StatusOK
	case feed.KindTooSoon:
		return http.StatusTooManyRequests
	case feed.KindInFlight:
		return http.StatusConflict
	case feed.KindInvalidRequest:
		return http.StatusBadRequest
	case feed.KindUpstream:
		return http.StatusBadGateway
	case feed.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func reportResponse(c echo.Context, report *Report) error {
	return c.JSON(StatusFor(report.ErrorKind), report)
}

func errorResponse(c echo.Context, err error) error {
	kind := feed.Classify(err)
	return c.JSON(StatusFor(kind), ErrorResponse{Error: err.Error(), Kind: kind})
}

func bindOptional(c echo.Context, dst any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(dst); err != nil {
		return fmt.Errorf("%w: %s", feed.ErrInvalidRequest, err)
	}
	return nil
}

// HandleFetchBatch handles the POST /ingest/batch endpoint
func (s *Service) HandleFetchBatch(c echo.Context) error {
	var req struct {
		Direction string `json:"direction"`
		StartNew  bool   `json:"startNew"`
		BatchSize int    `json:"batchSize"`
		PageSize  int    `json:"tweetsPerPage"`
	}
	if err := bindOptional(c, &req); err != nil {
		return errorResponse(c, err)
	}

	var direction feed.Direction
	if req.Direction != "" {
		d, err := feed.ParseDirection(req.Direction)
		if err != nil {
			return errorResponse(c, err)
		}
		direction = d
	}
	if req.BatchSize < 0 || req.PageSize < 0 {
		return errorResponse(c, fmt.Errorf("%w: batchSize and tweetsPerPage must not be negative", feed.ErrInvalidRequest))
	}

	report, _ := s.FetchBatch(c.Request().Context(), BatchRequest{
		Direction: direction,
		StartNew:  req.StartNew,
		BatchSize: req.BatchSize,
		PageSize:  req.PageSize,
	})
	return reportResponse(c, report)
}

// HandleFetchUntilCutoff handles the POST /ingest/until-cutoff endpoint
func (s *Service) HandleFetchUntilCutoff(c echo.Context) error {
	var req UntilCutoffRequest
	if err := bindOptional(c, &req); err != nil {
		return errorResponse(c, err)
	}

	cutoff, err := ParseCutoff(req.Cutoff)
	if err != nil {
		return errorResponse(c, err)
	}

	report, _ := s.FetchUntilCutoff(c.Request().Context(), cutoff, req.BatchSize, req.PageSize)
	return reportResponse(c, report)
}

// HandleFetchLatest handles the POST /ingest/latest endpoint
func (s *Service) HandleFetchLatest(c echo.Context) error {
	report, _ := s.FetchLatestPage(c.Request().Context())
	return reportResponse(c, report)
}

// HandleReset handles the POST /ingest/reset endpoint
func (s *Service) HandleReset(c echo.Context) error {
	var req DirectionRequest
	if err := bindOptional(c, &req); err != nil {
		return errorResponse(c, err)
	}

	var direction feed.Direction
	if req.Direction != "" {
		d, err := feed.ParseDirection(req.Direction)
		if err != nil {
			return errorResponse(c, err)
		}
		direction = d
	}

	if err := s.StartNewSequence(c.Request().Context(), direction); err != nil {
		return errorResponse(c, err)
	}
	if direction == "" {
		direction = s.Direction()
	}
	return c.JSON(http.StatusOK, DirectionResponse{Direction: direction})
}

// HandleGetDirection handles the GET /ingest/direction endpoint
func (s *Service) HandleGetDirection(c echo.Context) error {
	return c.JSON(http.StatusOK, DirectionResponse{Direction: s.Direction()})
}

// HandleSetDirection handles the PUT /ingest/direction endpoint
func (s *Service) HandleSetDirection(c echo.Context) error {
	var req DirectionRequest
	if err := bindOptional(c, &req); err != nil {
		return errorResponse(c, err)
	}
	d, err := feed.ParseDirection(req.Direction)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := s.SetDirection(d); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, DirectionResponse{Direction: d})
}

// HandleGetCursors handles the GET /cursors endpoint
func (s *Service) HandleGetCursors(c echo.Context) error {
	cursors, err := s.Cursors(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	if cursors == nil {
		cursors = []feed.Cursor{}
	}
	return c.JSON(http.StatusOK, CursorsResponse{Cursors: cursors})
}

// HandleSearch handles the GET /tweets endpoint
func (s *Service) HandleSearch(c echo.Context) error {
	// q - free text over text, username and display name (optional)
	// page - 1-indexed page number (default=1)
	// pageSize - results per page (default=20, max=100)
	page, err := intParam(c, "page")
	if err != nil {
		return errorResponse(c, err)
	}
	pageSize, err := intParam(c, "pageSize")
	if err != nil {
		return errorResponse(c, err)
	}

	res, err := s.Search(c.Request().Context(), c.QueryParam("q"), page, pageSize)
	if err != nil {
		return errorResponse(c, err)
	}
	if res.Records == nil {
		res.Records = []feed.Tweet{}
	}
	return c.JSON(http.StatusOK, res)
}

func intParam(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s: %s", feed.ErrInvalidRequest, name, err)
	}
	return n, nil
}

// ParseCutoff parses a caller-supplied cutoff. Empty input is the zero time.
func ParseCutoff(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	ts, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid cutoff %q: %s", feed.ErrInvalidRequest, raw, err)
	}
	return ts.UTC(), nil
}
