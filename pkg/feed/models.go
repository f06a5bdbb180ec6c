package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Direction is the orientation of a crawl over the upstream list timeline.
type Direction string

const (
	// DirectionOlder walks from the resume point back into history.
	DirectionOlder Direction = "older"
	// DirectionNewer walks from a resume point toward the live head.
	DirectionNewer Direction = "newer"
)

// Directions lists every valid traversal direction.
var Directions = []Direction{DirectionNewer, DirectionOlder}

func (d Direction) Valid() bool {
	return d == DirectionOlder || d == DirectionNewer
}

func (d Direction) String() string {
	return string(d)
}

// ParseDirection parses a direction name, case-insensitively.
func ParseDirection(raw string) (Direction, error) {
	d := Direction(strings.ToLower(strings.TrimSpace(raw)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidRequest, raw)
	}
	return d, nil
}

// UnknownAuthor is substituted when the upstream omits author information.
var UnknownAuthor = Author{
	Username:    "unknown",
	DisplayName: "Unknown",
}

type Author struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

type QuotedTweet struct {
	Text           string `json:"text"`
	AuthorUsername string `json:"authorUsername"`
}

type Media struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Tweet is a normalized tweet record. ID is the dedup key.
type Tweet struct {
	ID          string       `json:"id"`
	Text        string       `json:"text"`
	CreatedAt   time.Time    `json:"createdAt"`
	Author      Author       `json:"author"`
	IsReply     bool         `json:"isReply"`
	IsQuote     bool         `json:"isQuote"`
	QuotedTweet *QuotedTweet `json:"quotedTweet,omitempty"`
	Media       []Media      `json:"media"`

	// Classification is written by an external classifier, never by ingestion.
	Classification json.RawMessage `json:"classification,omitempty"`
}

// Page is one upstream response after normalization.
type Page struct {
	// Received is the number of raw records the upstream returned, including
	// any that were dropped during normalization.
	Received  int
	Tweets    []Tweet
	NextToken string
}

// BatchResult describes the outcome of a single page step.
type BatchResult struct {
	Direction      Direction `json:"direction"`
	RecordsFetched int       `json:"recordsFetched"`
	RecordsStored  int       `json:"recordsStored"`
	// Duplicates counts fetched ids that were already stored before the write.
	Duplicates    int    `json:"duplicates"`
	NextToken     string `json:"nextToken,omitempty"`
	ReachedCutoff bool   `json:"reachedCutoff"`
	IsAtEnd       bool   `json:"isAtEnd"`
	// Advanced is true when NextToken was persisted as the new cursor.
	Advanced bool `json:"advanced"`
}

// Reason is the terminal state of a multi-page run.
type Reason string

const (
	ReasonAtEnd  Reason = "at_end"
	ReasonCutoff Reason = "cutoff"
	// ReasonCompleted means the requested page count was processed.
	ReasonCompleted Reason = "completed"
	// ReasonCeiling means the hard page ceiling stopped a run that asked for more.
	ReasonCeiling   Reason = "ceiling"
	ReasonSaturated Reason = "saturated"
	ReasonCancelled Reason = "cancelled"
	ReasonFailed    Reason = "failed"
	ReasonRejected  Reason = "rejected"
)

// Success reports whether a run ending for this reason is informational
// rather than a failure.
func (r Reason) Success() bool {
	switch r {
	case ReasonAtEnd, ReasonCutoff, ReasonCompleted, ReasonCeiling, ReasonSaturated:
		return true
	default:
		return false
	}
}

// Cursor is a persisted resume point for one direction.
type Cursor struct {
	Direction Direction `json:"direction"`
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SearchResult is one page of read-side search output.
type SearchResult struct {
	Records    []Tweet `json:"records"`
	Total      int64   `json:"total"`
	Page       int     `json:"page"`
	PageSize   int     `json:"pageSize"`
	TotalPages int     `json:"totalPages"`
}
