package bq

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/ericvolp12/feedcrawl/pkg/feed"
)

type Record struct {
	ID         string    `bigquery:"id"`
	CreatedAt  time.Time `bigquery:"created_at"`
	IngestedAt time.Time `bigquery:"ingested_at"`

	AuthorUsername string              `bigquery:"author_username"`
	AuthorName     string              `bigquery:"author_name"`
	AuthorAvatar   string              `bigquery:"author_avatar"`
	Text           string              `bigquery:"text"`
	IsReply        bool                `bigquery:"is_reply"`
	IsQuote        bool                `bigquery:"is_quote"`
	QuotedText     bigquery.NullString `bigquery:"quoted_text"`
	QuotedAuthor   bigquery.NullString `bigquery:"quoted_author"`
	Media          bigquery.NullJSON   `bigquery:"media"`
}

func NewRecord(t feed.Tweet, ingestedAt time.Time) *Record {
	r := &Record{
		ID:             t.ID,
		CreatedAt:      t.CreatedAt.UTC(),
		IngestedAt:     ingestedAt.UTC(),
		AuthorUsername: t.Author.Username,
		AuthorName:     t.Author.DisplayName,
		AuthorAvatar:   t.Author.AvatarURL,
		Text:           t.Text,
		IsReply:        t.IsReply,
		IsQuote:        t.IsQuote,
	}
	if t.QuotedTweet != nil {
		r.QuotedText = bigquery.NullString{StringVal: t.QuotedTweet.Text, Valid: true}
		r.QuotedAuthor = bigquery.NullString{StringVal: t.QuotedTweet.AuthorUsername, Valid: true}
	}
	if len(t.Media) > 0 {
		if b, err := json.Marshal(t.Media); err == nil {
			r.Media = bigquery.NullJSON{JSONVal: string(b), Valid: true}
		}
	}
	return r
}
