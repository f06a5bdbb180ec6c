package store

import (
	"time"

	"github.com/ericvolp12/feedcrawl/pkg/feed"
)

// Cursor is a resume point, one row per traversal direction.
type Cursor struct {
	CursorType  string    `gorm:"primaryKey;column:cursor_type"`
	CursorValue string    `gorm:"column:cursor_value;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (Cursor) TableName() string {
	return "cursors"
}

// Tweet is the persisted tweet row. PostedAt maps to created_at so gorm's
// CreatedAt auto-timestamping never overwrites the upstream time.
type Tweet struct {
	ID             string       `gorm:"primaryKey"`
	Text           string       `gorm:"not null;default:''"`
	PostedAt       time.Time    `gorm:"column:created_at;index:idx_tweets_created_at,sort:desc"`
	AuthorUsername string       `gorm:"index;not null"`
	AuthorName     string       `gorm:"not null;default:''"`
	AuthorAvatar   string       `gorm:"not null;default:''"`
	IsReply        bool         `gorm:"not null;default:false"`
	IsQuote        bool         `gorm:"not null;default:false"`
	QuotedText     *string      `gorm:"column:quoted_text"`
	QuotedAuthor   *string      `gorm:"column:quoted_author"`
	Media          []feed.Media `gorm:"serializer:json"`
	Classification []byte       `gorm:"column:classification"`
	IngestedAt     time.Time    `gorm:"column:ingested_at"`
}

func (Tweet) TableName() string {
	return "tweets"
}

// upsertColumns are overwritten on conflict. classification is deliberately absent.
var upsertColumns = []string{
	"text",
	"created_at",
	"author_username",
	"author_name",
	"author_avatar",
	"is_reply",
	"is_quote",
	"quoted_text",
	"quoted_author",
	"media",
	"ingested_at",
}

func tweetToRow(t feed.Tweet, now time.Time) Tweet {
	row := Tweet{
		ID:             t.ID,
		Text:           t.Text,
		PostedAt:       t.CreatedAt.UTC(),
		AuthorUsername: t.Author.Username,
		AuthorName:     t.Author.DisplayName,
		AuthorAvatar:   t.Author.AvatarURL,
		IsReply:        t.IsReply,
		IsQuote:        t.IsQuote,
		Media:          t.Media,
		IngestedAt:     now,
	}
	if row.Media == nil {
		row.Media = []feed.Media{}
	}
	if t.QuotedTweet != nil {
		text, author := t.QuotedTweet.Text, t.QuotedTweet.AuthorUsername
		row.QuotedText = &text
		row.QuotedAuthor = &author
	}
	return row
}

func rowToTweet(r Tweet) feed.Tweet {
	t := feed.Tweet{
		ID:        r.ID,
		Text:      r.Text,
		CreatedAt: r.PostedAt.UTC(),
		Author: feed.Author{
			Username:    r.AuthorUsername,
			DisplayName: r.AuthorName,
			AvatarURL:   r.AuthorAvatar,
		},
		IsReply: r.IsReply,
		IsQuote: r.IsQuote,
		Media:   r.Media,
	}
	if t.Media == nil {
		t.Media = []feed.Media{}
	}
	if r.QuotedText != nil || r.QuotedAuthor != nil {
		t.QuotedTweet = &feed.QuotedTweet{}
		if r.QuotedText != nil {
			t.QuotedTweet.Text = *r.QuotedText
		}
		if r.QuotedAuthor != nil {
			t.QuotedTweet.AuthorUsername = *r.QuotedAuthor
		}
	}
	if len(r.Classification) > 0 {
		t.Classification = append([]byte(nil), r.Classification...)
	}
	return t
}
