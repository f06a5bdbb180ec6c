package upstream

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"github.com/samber/lo"
)

type listResponse struct {
	Tweets      []json.RawMessage `json:"tweets"`
	NextCursor  string            `json:"next_cursor"`
	HasNextPage *bool             `json:"has_next_page"`
}

// nextToken is empty when the upstream signals end of stream.
func (r *listResponse) nextToken() string {
	if r.HasNextPage != nil && !*r.HasNextPage {
		return ""
	}
	return strings.TrimSpace(r.NextCursor)
}

// flexibleID accepts ids encoded as either JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

type rawAuthor struct {
	UserName       string
	Name           string
	ProfilePicture string
}

func (a *rawAuthor) UnmarshalJSON(b []byte) error {
	fields, err := objectFields(b)
	if err != nil {
		return err
	}
	optional(fields, "userName", &a.UserName)
	optional(fields, "name", &a.Name)
	optional(fields, "profilePicture", &a.ProfilePicture)
	return nil
}

type rawMedia struct {
	Type          string
	MediaURLHTTPS string
	URL           string
}

func (m *rawMedia) UnmarshalJSON(b []byte) error {
	fields, err := objectFields(b)
	if err != nil {
		return err
	}
	optional(fields, "type", &m.Type)
	optional(fields, "media_url_https", &m.MediaURLHTTPS)
	optional(fields, "url", &m.URL)
	return nil
}

type rawQuoted struct {
	Text   string     `json:"text"`
	Author *rawAuthor `json:"author"`
}

type rawTweet struct {
	ID            flexibleID
	Text          string
	CreatedAt     string
	Author        *rawAuthor
	IsReply       bool
	InReplyToID   flexibleID
	QuotedTweet   *rawQuoted
	Media         []rawMedia
	ExtendedMedia []rawMedia
}

// decodeRawTweet decodes each field on its own so a malformed optional
// field degrades to its zero value instead of dropping the record.
func decodeRawTweet(data json.RawMessage) (rawTweet, bool) {
	fields, err := objectFields(data)
	if err != nil {
		return rawTweet{}, false
	}

	var rt rawTweet
	optional(fields, "id", &rt.ID)
	optional(fields, "text", &rt.Text)
	optional(fields, "createdAt", &rt.CreatedAt)
	optional(fields, "author", &rt.Author)
	optional(fields, "isReply", &rt.IsReply)
	optional(fields, "inReplyToId", &rt.InReplyToID)
	optional(fields, "quoted_tweet", &rt.QuotedTweet)

	var entities, extended map[string]json.RawMessage
	if optional(fields, "entities", &entities) {
		rt.Media = decodeMediaList(entities["media"])
	}
	if optional(fields, "extendedEntities", &extended) {
		rt.ExtendedMedia = decodeMediaList(extended["media"])
	}
	return rt, true
}

func decodeMediaList(data json.RawMessage) []rawMedia {
	var items []json.RawMessage
	if len(data) == 0 || json.Unmarshal(data, &items) != nil {
		return nil
	}
	out := make([]rawMedia, 0, len(items))
	for _, item := range items {
		var m rawMedia
		if json.Unmarshal(item, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func objectFields(b []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// optional decodes fields[key] into dst, leaving dst untouched on absence,
// null or a type mismatch.
func optional(fields map[string]json.RawMessage, key string, dst any) bool {
	v, ok := fields[key]
	if !ok || len(v) == 0 || string(v) == "null" {
		return false
	}
	return json.Unmarshal(v, dst) == nil
}

// normalize converts a raw record to a feed.Tweet. ok is false when the
// record has no id and cannot be keyed.
func normalize(rt rawTweet) (feed.Tweet, bool) {
	id := string(rt.ID)
	if id == "" {
		return feed.Tweet{}, false
	}

	t := feed.Tweet{
		ID:        id,
		Text:      rt.Text,
		CreatedAt: parseCreatedAt(rt.CreatedAt),
		Author:    normalizeAuthor(rt.Author),
		IsReply:   rt.IsReply || rt.InReplyToID != "",
		Media:     normalizeMedia(rt.ExtendedMedia, rt.Media),
	}

	if rt.QuotedTweet != nil {
		t.IsQuote = true
		t.QuotedTweet = &feed.QuotedTweet{
			Text:           rt.QuotedTweet.Text,
			AuthorUsername: normalizeAuthor(rt.QuotedTweet.Author).Username,
		}
	}
	return t, true
}

func normalizeAuthor(a *rawAuthor) feed.Author {
	if a == nil {
		return feed.UnknownAuthor
	}
	author := feed.Author{
		Username:    strings.TrimPrefix(strings.TrimSpace(a.UserName), "@"),
		DisplayName: strings.TrimSpace(a.Name),
		AvatarURL:   strings.TrimSpace(a.ProfilePicture),
	}
	if author.Username == "" {
		author.Username = feed.UnknownAuthor.Username
	}
	if author.DisplayName == "" {
		if author.Username == feed.UnknownAuthor.Username {
			author.DisplayName = feed.UnknownAuthor.DisplayName
		} else {
			author.DisplayName = author.Username
		}
	}
	return author
}

// normalizeMedia prefers the extended entity list, which carries every
// attachment, and falls back to the basic one. Entries are unique by URL.
func normalizeMedia(extended, basic []rawMedia) []feed.Media {
	src := extended
	if len(src) == 0 {
		src = basic
	}

	media := lo.FilterMap(src, func(m rawMedia, _ int) (feed.Media, bool) {
		u := strings.TrimSpace(m.MediaURLHTTPS)
		if u == "" {
			u = strings.TrimSpace(m.URL)
		}
		if u == "" {
			return feed.Media{}, false
		}
		typ := strings.TrimSpace(m.Type)
		if typ == "" {
			typ = "photo"
		}
		return feed.Media{Type: typ, URL: u}, true
	})

	return lo.UniqBy(media, func(m feed.Media) string { return m.URL })
}

// parseCreatedAt understands the legacy Twitter layout, RFC 3339 and the
// looser layouts dateparse handles. Unparseable values yield the zero time.
func parseCreatedAt(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RubyDate, raw); err == nil {
		return ts.UTC()
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC()
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	ts, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
