package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/insightradar/internal/logging"
	"github.com/elonfeng/insightradar/internal/metrics"
	"github.com/elonfeng/insightradar/internal/store"
	"github.com/elonfeng/insightradar/pkg/platform"
)

// Mode selects which posts a channel collection fetches.
type Mode string

const (
	ModeGetNew     Mode = "get_new"
	ModeInitial    Mode = "initial"
	ModeHistorical Mode = "historical"
)

// ParseMode accepts the wire names of the collection modes.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeGetNew, ModeInitial, ModeHistorical:
		return m, true
	}
	return "", false
}

// Request describes one channel collection. DateFrom and DateTo are
// calendar days (UTC) and only used by historical collection.
type Request struct {
	Mode     Mode
	DateFrom time.Time
	DateTo   time.Time
	Limit    int
}

// Result summarizes a finished collection.
type Result struct {
	Pages   int
	Posts   int
	Skipped int
}

func (r Result) String() string {
	return fmt.Sprintf("stored %d posts from %d pages (%d out of range)", r.Posts, r.Pages, r.Skipped)
}

// strategy adapts the shared page loop to one mode.
type strategy struct {
	query  platform.PostQuery
	limit  int
	accept func(p platform.RawPost) bool
	// done reports whether no later page can hold wanted posts.
	done func(page []platform.RawPost) bool
}

func (c *Collector) strategyFor(ctx context.Context, ch *store.Channel, req Request) (strategy, error) {
	all := func(platform.RawPost) bool { return true }
	never := func([]platform.RawPost) bool { return false }

	switch req.Mode {
	case ModeGetNew:
		maxID, err := c.store.MaxPlatformPostID(ctx, ch.ID)
		if err != nil {
			return strategy{}, err
		}
		if maxID == 0 {
			return strategy{limit: c.opts.DefaultLimit, accept: all, done: never}, nil
		}
		return strategy{
			query:  platform.PostQuery{MinID: maxID},
			limit:  req.Limit,
			accept: func(p platform.RawPost) bool { return p.ID > maxID },
			done:   never,
		}, nil

	case ModeInitial:
		limit := req.Limit
		if limit <= 0 {
			limit = c.opts.DefaultLimit
		}
		return strategy{limit: limit, accept: all, done: never}, nil

	case ModeHistorical:
		from := dayStart(req.DateFrom)
		end := dayStart(req.DateTo).AddDate(0, 0, 1)
		return strategy{
			query: platform.PostQuery{OffsetDate: end},
			limit: req.Limit,
			accept: func(p platform.RawPost) bool {
				return !p.Date.Before(from) && p.Date.Before(end)
			},
			// Pages run newest first: once the oldest post on a page is
			// before the window, every later page is too.
			done: func(page []platform.RawPost) bool {
				return len(page) > 0 && page[len(page)-1].Date.Before(from)
			},
		}, nil
	}
	return strategy{}, fmt.Errorf("unknown collection mode %q", req.Mode)
}

// CollectPosts runs one channel collection. Each page is upserted in its own
// transaction before the next page is requested.
func (c *Collector) CollectPosts(ctx context.Context, ch *store.Channel, req Request) (Result, error) {
	st, err := c.strategyFor(ctx, ch, req)
	if err != nil {
		return Result{}, err
	}

	var res Result
	q := st.query
	for {
		pageSize := c.opts.PageSize
		if st.limit > 0 && st.limit-res.Posts < pageSize {
			pageSize = st.limit - res.Posts
		}
		q.PageSize = pageSize

		page, err := withRateLimit(ctx, c, "posts of "+ch.Username, func() (platform.PostPage, error) {
			return c.platform.FetchPosts(ctx, ch.Username, q)
		})
		if err != nil {
			return res, platformNotFound(err, "channel %s not found on the platform", ch.Username)
		}
		if len(page.Posts) == 0 {
			break
		}
		res.Pages++

		batch := make([]store.Post, 0, len(page.Posts))
		for _, p := range page.Posts {
			if st.limit > 0 && res.Posts+len(batch) >= st.limit {
				break
			}
			if !st.accept(p) {
				res.Skipped++
				continue
			}
			batch = append(batch, toStorePost(p))
		}
		n, err := c.store.UpsertPosts(ctx, ch.ID, batch)
		if err != nil {
			return res, err
		}
		res.Posts += n
		metrics.AddUpserts("posts", n)

		logging.Debug("posts_page_stored", map[string]any{
			"channel": ch.Username,
			"page":    res.Pages,
			"stored":  n,
			"cursor":  q.Cursor,
		})

		if page.NextCursor == "" || st.done(page.Posts) || (st.limit > 0 && res.Posts >= st.limit) {
			break
		}
		q.Cursor = page.NextCursor
	}
	return res, nil
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
