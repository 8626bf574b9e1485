package collector

import (
	"context"
	"errors"
	"fmt"

	"github.com/elonfeng/insightradar/internal/apperr"
	"github.com/elonfeng/insightradar/internal/logging"
	"github.com/elonfeng/insightradar/internal/metrics"
	"github.com/elonfeng/insightradar/internal/store"
	"github.com/elonfeng/insightradar/pkg/platform"
)

// CommentResult summarizes a comment collection.
type CommentResult struct {
	Pages    int
	Seen     int
	Inserted int
}

func (r CommentResult) String() string {
	return fmt.Sprintf("inserted %d new comments (%d seen in %d pages)", r.Inserted, r.Seen, r.Pages)
}

// CollectComments fetches a post's replies. By default only replies newer
// than the newest stored one are requested; force walks the whole thread.
// Stored comments are never deleted, even when they no longer appear upstream.
func (c *Collector) CollectComments(ctx context.Context, postID int64, force bool) (CommentResult, error) {
	post, ch, err := c.postChannel(ctx, postID)
	if err != nil {
		return CommentResult{}, err
	}

	var minID int64
	if !force {
		if minID, err = c.store.MaxPlatformCommentID(ctx, post.ID); err != nil {
			return CommentResult{}, err
		}
	}

	var res CommentResult
	q := platform.CommentQuery{MinID: minID, PageSize: c.opts.CommentPageSize}
	for {
		page, err := withRateLimit(ctx, c, fmt.Sprintf("comments of %s/%d", ch.Username, post.PlatformPostID),
			func() (platform.CommentPage, error) {
				return c.platform.FetchComments(ctx, ch.Username, post.PlatformPostID, q)
			})
		if errors.Is(err, platform.ErrNotFound) {
			// no discussion thread attached
			break
		}
		if err != nil {
			return res, err
		}
		if len(page.Comments) == 0 {
			break
		}
		res.Pages++
		res.Seen += len(page.Comments)

		batch := make([]store.Comment, 0, len(page.Comments))
		for _, rc := range page.Comments {
			if rc.ID <= minID {
				continue
			}
			batch = append(batch, store.Comment{
				PlatformCommentID: rc.ID,
				AuthorName:        rc.AuthorName,
				Text:              rc.Text,
				CreatedAt:         rc.Date,
			})
		}
		n, err := c.store.InsertComments(ctx, post.ID, batch)
		if err != nil {
			return res, err
		}
		res.Inserted += n
		metrics.AddUpserts("comments", n)

		if page.NextCursor == "" {
			break
		}
		q.Cursor = page.NextCursor
	}

	if err := c.store.MarkCommentsCollected(ctx, post.ID, c.now()); err != nil {
		return res, err
	}

	if force {
		_, stored, err := c.store.ListComments(ctx, post.ID, 0, 0)
		if err == nil && stored > res.Seen {
			logging.Info("comments_drift", map[string]any{
				"post_id":        post.ID,
				"stored":         stored,
				"seen_upstream":  res.Seen,
				"missing_remote": stored - res.Seen,
			})
		}
	}
	return res, nil
}

// RefreshStats re-reads the counters of one post and stores them. Text,
// comments and analysis are left alone.
func (c *Collector) RefreshStats(ctx context.Context, postID int64) (*store.Post, error) {
	post, ch, err := c.postChannel(ctx, postID)
	if err != nil {
		return nil, err
	}

	raw, err := withRateLimit(ctx, c, fmt.Sprintf("post %s/%d", ch.Username, post.PlatformPostID),
		func() (platform.RawPost, error) {
			return c.platform.FetchPost(ctx, ch.Username, post.PlatformPostID)
		})
	if errors.Is(err, platform.ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "post %d no longer exists on the platform", postID)
	}
	if err != nil {
		return nil, err
	}

	updated, err := c.store.UpdatePostStats(ctx, post.ID, store.PostStats{
		ViewsCount:    raw.Views,
		CommentsCount: raw.Replies,
		ForwardsCount: raw.Forwards,
		Reactions:     raw.Reactions,
		UpdatedAt:     c.now(),
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
