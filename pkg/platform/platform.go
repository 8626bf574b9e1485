package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a channel or post does not exist publicly.
var ErrNotFound = errors.New("platform: not found")

// RateLimitError is returned when the platform asks the caller to back off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("platform rate limited, retry after %s", e.RetryAfter)
}

// ChannelInfo describes a resolved public channel.
type ChannelInfo struct {
	ID       string
	Username string
	Title    string
}

// RawPost is a channel message as reported by the platform.
type RawPost struct {
	ID          int64
	Date        time.Time
	Text        string
	Views       int
	Forwards    int
	Replies     int
	Reactions   map[string]int
	Media       string
	ForwardInfo map[string]any
}

// RawComment is a reply in a post's discussion thread.
type RawComment struct {
	ID         int64
	Date       time.Time
	AuthorName string
	Text       string
}

// PostQuery selects one page of channel posts. With MinID set, pages hold
// posts with a greater id in ascending order. Otherwise pages run newest
// first, starting before OffsetDate when it is set.
type PostQuery struct {
	MinID      int64
	OffsetDate time.Time
	Cursor     string
	PageSize   int
}

// PostPage is one page of posts. An empty NextCursor ends the stream.
type PostPage struct {
	Posts      []RawPost
	NextCursor string
}

// CommentQuery selects one page of replies, ascending by id after MinID.
type CommentQuery struct {
	MinID    int64
	Cursor   string
	PageSize int
}

type CommentPage struct {
	Comments   []RawComment
	NextCursor string
}

// Platform is the read-only surface of the messaging platform.
type Platform interface {
	ResolveChannel(ctx context.Context, username string) (ChannelInfo, error)
	FetchPosts(ctx context.Context, channel string, q PostQuery) (PostPage, error)
	FetchComments(ctx context.Context, channel string, postID int64, q CommentQuery) (CommentPage, error)
	FetchPost(ctx context.Context, channel string, postID int64) (RawPost, error)
}
