package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/insightradar/internal/apperr"
	"github.com/elonfeng/insightradar/internal/logging"
	"github.com/elonfeng/insightradar/internal/metrics"
	"github.com/elonfeng/insightradar/internal/store"
	"github.com/elonfeng/insightradar/pkg/platform"
)

// Options bounds collection work.
type Options struct {
	PageSize          int
	DefaultLimit      int
	CommentPageSize   int
	MaxRateLimitWaits int
	MaxFloodWait      time.Duration
}

// Collector pulls posts, comments and counters from the platform into the store.
type Collector struct {
	store    store.Store
	platform platform.Platform
	opts     Options

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(st store.Store, p platform.Platform, opts Options) *Collector {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 50
	}
	if opts.CommentPageSize <= 0 {
		opts.CommentPageSize = 100
	}
	if opts.MaxRateLimitWaits < 0 {
		opts.MaxRateLimitWaits = 0
	}
	if opts.MaxFloodWait <= 0 {
		opts.MaxFloodWait = 10 * time.Minute
	}
	return &Collector{
		store:    st,
		platform: p,
		opts:     opts,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// DefaultLimit is the post count used when a request names none.
func (c *Collector) DefaultLimit() int { return c.opts.DefaultLimit }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRateLimit calls fn until it stops failing with a platform rate limit.
// Each wait is capped at MaxFloodWait; more than MaxRateLimitWaits
// consecutive waits fail with a rate-limit error.
func withRateLimit[T any](ctx context.Context, c *Collector, what string, fn func() (T, error)) (T, error) {
	var zero T
	waits := 0
	for {
		v, err := fn()
		var rl *platform.RateLimitError
		if !errors.As(err, &rl) {
			return v, err
		}
		if waits >= c.opts.MaxRateLimitWaits {
			return zero, apperr.Wrap(apperr.KindRateLimited, err,
				"platform rate limit persisted after %d waits while fetching %s", waits, what)
		}
		waits++
		wait := rl.RetryAfter
		if wait > c.opts.MaxFloodWait {
			wait = c.opts.MaxFloodWait
		}
		metrics.RateLimitWaits.Inc()
		logging.Warn("platform_rate_limited", map[string]any{
			"fetch":   what,
			"wait_ms": wait.Milliseconds(),
			"attempt": waits,
		})
		if err := c.sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

func toStorePost(p platform.RawPost) store.Post {
	return store.Post{
		PlatformPostID: p.ID,
		Text:           p.Text,
		CreatedAt:      p.Date,
		ViewsCount:     p.Views,
		CommentsCount:  p.Replies,
		ForwardsCount:  p.Forwards,
		Reactions:      p.Reactions,
		MediaRef:       p.Media,
		ForwardInfo:    p.ForwardInfo,
	}
}

func platformNotFound(err error, format string, args ...any) error {
	if errors.Is(err, platform.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, err, format, args...)
	}
	return err
}

// postChannel loads a stored post and the channel it belongs to.
func (c *Collector) postChannel(ctx context.Context, postID int64) (*store.Post, *store.Channel, error) {
	post, err := c.store.GetPost(ctx, postID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apperr.NotFound("post %d not found", postID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load post %d: %w", postID, err)
	}
	ch, err := c.store.GetChannel(ctx, post.ChannelID)
	if err != nil {
		return nil, nil, fmt.Errorf("load channel %d: %w", post.ChannelID, err)
	}
	return post, ch, nil
}
