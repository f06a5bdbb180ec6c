package feed

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTooSoon rejects a request that arrives inside the cooldown window of
	// the previous attempt for the same direction. Callers should wait and retry.
	ErrTooSoon = errors.New("request too soon after previous attempt")
	// ErrInFlight rejects a request while another fetch for the same direction runs.
	ErrInFlight = errors.New("fetch already in flight for direction")
	// ErrInvalidRequest indicates malformed caller input.
	ErrInvalidRequest = errors.New("invalid request")
)

// UpstreamError is a non-success status or unparseable body from the feed API.
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("upstream request failed: %v", e.Err)
	case e.Err != nil:
		return fmt.Sprintf("upstream error (status %d): %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Body)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StorageError wraps a failed cursor or tweet store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports missing or invalid required settings.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Msg)
}

// ErrorKind is a stable classification of an error for reports and transports.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindUpstream       ErrorKind = "upstream"
	KindStorage        ErrorKind = "storage"
	KindConfiguration  ErrorKind = "configuration"
	KindTooSoon        ErrorKind = "too_soon"
	KindInFlight       ErrorKind = "in_flight"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindCancelled      ErrorKind = "cancelled"
	KindUnknown        ErrorKind = "unknown"
)

// Classify maps an error onto an ErrorKind.
func Classify(err error) ErrorKind {
	var (
		upstreamErr *UpstreamError
		storageErr  *StorageError
		configErr   *ConfigurationError
	)
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTooSoon):
		return KindTooSoon
	case errors.Is(err, ErrInFlight):
		return KindInFlight
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.As(err, &configErr):
		return KindConfiguration
	case errors.As(err, &storageErr):
		return KindStorage
	case errors.As(err, &upstreamErr):
		return KindUpstream
	default:
		return KindUnknown
	}
}

// Retryable reports whether err is worth another attempt. Storage,
// configuration, guard and cancellation errors are not.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindNone, KindStorage, KindConfiguration, KindTooSoon, KindInFlight, KindInvalidRequest, KindCancelled:
		return false
	default:
		return true
	}
}
