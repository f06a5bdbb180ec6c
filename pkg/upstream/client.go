// Package upstream talks to the list timeline API that feeds the crawler.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://api.twitterapi.io/twitter"
	DefaultTimeout   = 15 * time.Second
	DefaultUserAgent = "feedcrawl"

	maxBodyBytes  = 16 << 20
	maxErrorBytes = 512
)

type Config struct {
	BaseURL string
	APIKey  string
	ListID  string
	Timeout time.Duration
	// RequestsPerSecond paces outgoing calls. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
}

// Client performs single page fetches. It never retries or paginates.
type Client struct {
	logger  *slog.Logger
	baseURL *url.URL
	apiKey  string
	listID  string
	agent   string

	client  *http.Client
	limiter *rate.Limiter
}

var tracer = otel.Tracer("upstream")

// NewClient validates credentials and builds a client. A missing API key or
// list id is a *feed.ConfigurationError.
func NewClient(logger *slog.Logger, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &feed.ConfigurationError{Field: "api-key", Msg: "upstream API key is required"}
	}
	if strings.TrimSpace(cfg.ListID) == "" {
		return nil, &feed.ConfigurationError{Field: "list-id", Msg: "upstream list id is required"}
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &feed.ConfigurationError{Field: "base-url", Msg: fmt.Sprintf("invalid upstream URL %q", cfg.BaseURL)}
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		logger:  logger.With("module", "upstream"),
		baseURL: base,
		apiKey:  cfg.APIKey,
		listID:  cfg.ListID,
		agent:   cfg.UserAgent,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
	}, nil
}

// FetchPage requests one page of the list timeline starting at token (empty
// for the live head). The upstream has no notion of direction; it is only
// used to label telemetry.
func (c *Client) FetchPage(ctx context.Context, direction feed.Direction, token string, pageSize int) (*feed.Page, error) {
	ctx, span := tracer.Start(ctx, "FetchPage")
	defer span.End()
	span.SetAttributes(
		attribute.String("direction", direction.String()),
		attribute.Bool("has_cursor", token != ""),
		attribute.Int("page_size", pageSize),
	)

	u := c.pageURL(token, pageSize)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set("X-API-Key", c.apiKey)

	// Rate limit requests
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to wait for rate limiter: %w", ctx.Err())
		}
		return nil, &feed.UpstreamError{Err: fmt.Errorf("rate limiter: %v", err)}
	}

	c.logger.Debug("fetching page", "direction", direction, "has_cursor", token != "", "page_size", pageSize)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(direction.String(), "error").Inc()
		if ctx.Err() != nil {
			return nil, &feed.UpstreamError{Err: err}
		}
		// %v drops the chain so a client timeout never reads as caller cancellation
		return nil, &feed.UpstreamError{Err: fmt.Errorf("request: %v", err)}
	}
	defer resp.Body.Close()

	requestDuration.WithLabelValues(direction.String()).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(direction.String(), strconv.Itoa(resp.StatusCode)).Inc()
	span.SetAttributes(attribute.Int("status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &feed.UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("upstream returned error status", "status", resp.StatusCode, "direction", direction)
		return nil, &feed.UpstreamError{StatusCode: resp.StatusCode, Body: truncate(body)}
	}

	var payload listResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &feed.UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       truncate(body),
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}

	page := &feed.Page{
		Received:  len(payload.Tweets),
		Tweets:    make([]feed.Tweet, 0, len(payload.Tweets)),
		NextToken: payload.nextToken(),
	}
	for _, raw := range payload.Tweets {
		rt, ok := decodeRawTweet(raw)
		if !ok {
			recordsDropped.WithLabelValues("not_an_object").Inc()
			continue
		}
		t, ok := normalize(rt)
		if !ok {
			recordsDropped.WithLabelValues("missing_id").Inc()
			continue
		}
		page.Tweets = append(page.Tweets, t)
	}

	if dropped := page.Received - len(page.Tweets); dropped > 0 {
		c.logger.Warn("dropped unkeyed records", "dropped", dropped, "received", page.Received)
	}

	span.SetAttributes(
		attribute.Int("received", page.Received),
		attribute.Bool("has_next", page.NextToken != ""),
	)

	return page, nil
}

func (c *Client) pageURL(token string, pageSize int) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/list/tweets"

	q := url.Values{}
	q.Set("listId", c.listID)
	q.Set("cursor", token)
	if pageSize > 0 {
		q.Set("count", strconv.Itoa(pageSize))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBytes {
		return s[:maxErrorBytes] + "..."
	}
	return s
}
