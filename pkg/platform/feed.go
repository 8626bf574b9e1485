package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// Feed reads public channel feeds (RSS/Atom mirrors of a channel). It has
// no comment threads and no live counters, and returns each feed as one page.
type Feed struct {
	client      *http.Client
	parser      *gofeed.Parser
	urlTemplate string
}

// NewFeed creates a feed adapter. urlTemplate contains one %s for the channel username.
func NewFeed(urlTemplate string, timeout time.Duration) *Feed {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Feed{
		client:      &http.Client{Timeout: timeout},
		parser:      gofeed.NewParser(),
		urlTemplate: urlTemplate,
	}
}

func (f *Feed) fetch(ctx context.Context, channel string) (*gofeed.Feed, error) {
	u := fmt.Sprintf(f.urlTemplate, url.PathEscape(channel))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request %s: %w", channel, err)
	}
	req.Header.Set("User-Agent", "insightradar/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", channel, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("feed %s status %d", channel, resp.StatusCode)
	}

	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", channel, err)
	}
	return parsed, nil
}

func (f *Feed) ResolveChannel(ctx context.Context, username string) (ChannelInfo, error) {
	parsed, err := f.fetch(ctx, username)
	if err != nil {
		return ChannelInfo{}, err
	}
	return ChannelInfo{
		ID:       "feed:" + strings.ToLower(username),
		Username: username,
		Title:    parsed.Title,
	}, nil
}

// posts converts feed items into posts, newest first. Items without a
// numeric post id in their link are skipped.
func (f *Feed) posts(parsed *gofeed.Feed) []RawPost {
	posts := make([]RawPost, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		id, ok := postIDFromLink(entry.Link)
		if !ok {
			id, ok = postIDFromLink(entry.GUID)
		}
		if !ok {
			continue
		}
		date := time.Now().UTC()
		if entry.PublishedParsed != nil {
			date = entry.PublishedParsed.UTC()
		} else if entry.UpdatedParsed != nil {
			date = entry.UpdatedParsed.UTC()
		}
		text := entry.Content
		if text == "" {
			text = entry.Description
		}
		if text == "" {
			text = entry.Title
		}
		media := ""
		if len(entry.Enclosures) > 0 {
			media = entry.Enclosures[0].Type
		}
		posts = append(posts, RawPost{ID: id, Date: date, Text: text, Media: media})
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].ID > posts[j].ID })
	return posts
}

func (f *Feed) FetchPosts(ctx context.Context, channel string, q PostQuery) (PostPage, error) {
	if q.Cursor != "" {
		return PostPage{}, nil
	}
	parsed, err := f.fetch(ctx, channel)
	if err != nil {
		return PostPage{}, err
	}
	all := f.posts(parsed)

	var out []RawPost
	if q.MinID > 0 {
		for i := len(all) - 1; i >= 0; i-- {
			if all[i].ID > q.MinID {
				out = append(out, all[i])
			}
		}
	} else {
		for _, p := range all {
			if q.OffsetDate.IsZero() || p.Date.Before(q.OffsetDate) {
				out = append(out, p)
			}
		}
	}
	if q.PageSize > 0 && len(out) > q.PageSize {
		out = out[:q.PageSize]
	}
	return PostPage{Posts: out}, nil
}

// FetchComments always returns an empty page: feeds carry no discussion threads.
func (f *Feed) FetchComments(ctx context.Context, channel string, postID int64, q CommentQuery) (CommentPage, error) {
	return CommentPage{}, nil
}

func (f *Feed) FetchPost(ctx context.Context, channel string, postID int64) (RawPost, error) {
	parsed, err := f.fetch(ctx, channel)
	if err != nil {
		return RawPost{}, err
	}
	for _, p := range f.posts(parsed) {
		if p.ID == postID {
			return p, nil
		}
	}
	return RawPost{}, ErrNotFound
}

// postIDFromLink extracts the message id from links such as
// https://t.me/channel/123.
func postIDFromLink(link string) (int64, bool) {
	if link == "" {
		return 0, false
	}
	u, err := url.Parse(link)
	if err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(path.Base(strings.TrimRight(u.Path, "/")), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
