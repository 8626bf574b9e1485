package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/insightradar/internal/apperr"
	"github.com/elonfeng/insightradar/internal/logging"
	"github.com/elonfeng/insightradar/internal/metrics"
	"github.com/elonfeng/insightradar/internal/store"
)

// Options configures retries and prompt size.
type Options struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxComments    int
	MaxPromptChars int
}

// Pipeline turns stored posts into stored analyses.
type Pipeline struct {
	store    store.Store
	analyzer Analyzer
	opts     Options

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewPipeline(st store.Store, analyzer Analyzer, opts Options) *Pipeline {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.MaxComments < 0 {
		opts.MaxComments = 0
	}
	if opts.MaxPromptChars <= 0 {
		opts.MaxPromptChars = 3800
	}
	return &Pipeline{
		store:    st,
		analyzer: analyzer,
		opts:     opts,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

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

// Check validates that a post can be analyzed for the first time.
func (p *Pipeline) Check(ctx context.Context, postID int64) (*store.Post, error) {
	post, err := p.analyzable(ctx, postID)
	if err != nil {
		return nil, err
	}
	_, err = p.store.GetAnalysis(ctx, postID)
	switch {
	case err == nil:
		return nil, apperr.AlreadyAnalyzed("post %d has already been analyzed", postID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return post, nil
}

func (p *Pipeline) analyzable(ctx context.Context, postID int64) (*store.Post, error) {
	post, err := p.store.GetPost(ctx, postID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("post %d not found", postID)
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(post.Text) == "" {
		return nil, apperr.Validation("post %d has no text to analyze", postID)
	}
	return post, nil
}

// Analyze creates the analysis of a post. An analysis stored concurrently
// by another run wins and yields an already-analyzed error.
func (p *Pipeline) Analyze(ctx context.Context, postID int64) (*store.Analysis, error) {
	post, err := p.Check(ctx, postID)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, post, false)
}

// Reanalyze replaces any existing analysis of a post.
func (p *Pipeline) Reanalyze(ctx context.Context, postID int64) (*store.Analysis, error) {
	post, err := p.analyzable(ctx, postID)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, post, true)
}

func (p *Pipeline) run(ctx context.Context, post *store.Post, overwrite bool) (*store.Analysis, error) {
	var comments []string
	if p.opts.MaxComments > 0 {
		var err error
		comments, err = p.store.RecentCommentTexts(ctx, post.ID, p.opts.MaxComments)
		if err != nil {
			return nil, err
		}
	}
	prompt := BuildPrompt(post.Text, comments, p.opts.MaxPromptChars)

	reply, result, err := p.completeWithRetry(ctx, post.ID, prompt)
	if err != nil {
		return nil, err
	}

	a := &store.Analysis{
		PostID:  post.ID,
		Summary: result.Summary,
		Sentiment: store.Sentiment{
			PositivePercent: result.Positive,
			NegativePercent: result.Negative,
			NeutralPercent:  result.Neutral,
		},
		KeyTopics:   result.KeyTopics,
		ModelUsed:   reply.Model,
		GeneratedAt: p.now(),
	}
	if err := p.store.SaveAnalysis(ctx, a, overwrite); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.AlreadyAnalyzed("post %d has already been analyzed", post.ID)
		}
		return nil, err
	}
	logging.Info("post_analyzed", map[string]any{
		"post_id": post.ID,
		"model":   a.ModelUsed,
		"topics":  len(a.KeyTopics),
	})
	return a, nil
}

// completeWithRetry calls the backend and parses its reply. Transient
// failures are retried with doubling backoff; anything else fails at once.
func (p *Pipeline) completeWithRetry(ctx context.Context, postID int64, prompt string) (Reply, Result, error) {
	backoff := p.opts.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		reply, err := p.analyzer.Complete(ctx, prompt)
		if err == nil {
			result, perr := ParseReply(reply.Text)
			if perr == nil {
				metrics.IncAnalysis("success")
				return reply, result, nil
			}
			err = perr
		}
		if ctx.Err() != nil {
			return Reply{}, Result{}, ctx.Err()
		}
		lastErr = err

		if !IsTransient(err) {
			metrics.IncAnalysis("permanent")
			return Reply{}, Result{}, apperr.Wrap(apperr.KindAnalysisFailed, err,
				"analysis of post %d failed", postID)
		}
		metrics.IncAnalysis("transient")
		if attempt == p.opts.MaxAttempts {
			break
		}

		logging.Warn("analysis_retry", map[string]any{
			"post_id":    postID,
			"attempt":    attempt,
			"backoff_ms": backoff.Milliseconds(),
			"error":      err,
		})
		if err := p.sleep(ctx, backoff); err != nil {
			return Reply{}, Result{}, err
		}
		backoff *= 2
		if backoff > p.opts.MaxBackoff {
			backoff = p.opts.MaxBackoff
		}
	}
	return Reply{}, Result{}, apperr.Wrap(apperr.KindAnalysisFailed, lastErr,
		"analysis of post %d failed after %d attempts", postID, p.opts.MaxAttempts)
}

// Sweep returns up to limit posts that have text and no analysis yet.
func (p *Pipeline) Sweep(ctx context.Context, limit int) ([]int64, error) {
	posts, err := p.store.ListUnanalyzed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list unanalyzed: %w", err)
	}
	ids := make([]int64, 0, len(posts))
	for _, post := range posts {
		ids = append(ids, post.ID)
	}
	return ids, nil
}
