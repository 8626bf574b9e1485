// Package orchestrator validates collection and analysis requests and turns
// them into background jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/elonfeng/insightradar/internal/apperr"
	"github.com/elonfeng/insightradar/internal/jobs"
	"github.com/elonfeng/insightradar/internal/logging"
	"github.com/elonfeng/insightradar/internal/store"
	"github.com/elonfeng/insightradar/pkg/analysis"
	"github.com/elonfeng/insightradar/pkg/collector"
)

// Options bounds what callers may request.
type Options struct {
	MaxLimit int
}

// Orchestrator is the single entry point for work that runs in the background.
type Orchestrator struct {
	store     store.Store
	jobs      *jobs.Manager
	collector *collector.Collector
	pipeline  *analysis.Pipeline
	opts      Options
}

// New wires the orchestrator. pipeline may be nil when no analysis backend
// is configured; analysis requests then fail validation.
func New(st store.Store, mgr *jobs.Manager, col *collector.Collector, pipeline *analysis.Pipeline, opts Options) *Orchestrator {
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 5000
	}
	return &Orchestrator{
		store:     st,
		jobs:      mgr,
		collector: col,
		pipeline:  pipeline,
		opts:      opts,
	}
}

// CollectRequest is a channel collection as requested by a client. Dates are
// calendar days; Limit is nil when the client sent none.
type CollectRequest struct {
	Mode     string
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    *int
}

// TriggerChannelCollection validates req and queues a channel-posts job.
func (o *Orchestrator) TriggerChannelCollection(ctx context.Context, channelID int64, req CollectRequest) (jobs.Job, error) {
	ch, err := o.store.GetChannel(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Job{}, apperr.NotFound("channel %d not found", channelID)
	}
	if err != nil {
		return jobs.Job{}, err
	}
	if !ch.IsActive {
		return jobs.Job{}, apperr.Validation("channel @%s is inactive", ch.Username)
	}

	creq, err := o.collectRequest(req)
	if err != nil {
		return jobs.Job{}, err
	}

	job, err := o.jobs.Submit(ctx, jobs.KindChannelPosts, ch.ID, string(creq.Mode), func(ctx context.Context) (string, error) {
		res, err := o.collector.CollectPosts(ctx, ch, creq)
		return res.String(), err
	})
	if err != nil {
		return jobs.Job{}, err
	}
	logging.Info("collection_triggered", map[string]any{
		"job_id":     job.ID,
		"channel_id": ch.ID,
		"mode":       creq.Mode,
	})
	return job, nil
}

func (o *Orchestrator) collectRequest(req CollectRequest) (collector.Request, error) {
	mode, ok := collector.ParseMode(req.Mode)
	if !ok {
		return collector.Request{}, apperr.Validation("unknown mode %q, want get_new, initial or historical", req.Mode)
	}
	out := collector.Request{Mode: mode}

	if req.Limit != nil {
		switch {
		case *req.Limit <= 0:
			return collector.Request{}, apperr.Validation("limit must be positive")
		case *req.Limit > o.opts.MaxLimit:
			return collector.Request{}, apperr.Validation("limit %d exceeds the maximum of %d", *req.Limit, o.opts.MaxLimit)
		}
		out.Limit = *req.Limit
	}

	if mode == collector.ModeHistorical {
		if req.DateFrom == nil || req.DateTo == nil {
			return collector.Request{}, apperr.Validation("historical collection needs date_from and date_to")
		}
		if req.DateFrom.After(*req.DateTo) {
			return collector.Request{}, apperr.Validation("date_from must not be after date_to")
		}
		out.DateFrom, out.DateTo = *req.DateFrom, *req.DateTo
	}
	return out, nil
}

// TriggerCommentCollection queues a post-comments job.
func (o *Orchestrator) TriggerCommentCollection(ctx context.Context, postID int64, force bool) (jobs.Job, error) {
	if err := o.requirePost(ctx, postID); err != nil {
		return jobs.Job{}, err
	}
	return o.submitComments(ctx, postID, force)
}

func (o *Orchestrator) submitComments(ctx context.Context, postID int64, force bool) (jobs.Job, error) {
	mode := "incremental"
	if force {
		mode = "full_rescan"
	}
	return o.jobs.Submit(ctx, jobs.KindPostComments, postID, mode, func(ctx context.Context) (string, error) {
		res, err := o.collector.CollectComments(ctx, postID, force)
		return res.String(), err
	})
}

// Skipped is a post a bulk trigger did not queue.
type Skipped struct {
	PostID int64       `json:"post_id"`
	Kind   apperr.Kind `json:"kind"`
	Reason string      `json:"reason"`
}

// BulkResult reports the outcome of a bulk trigger.
type BulkResult struct {
	Jobs    []jobs.Job `json:"jobs"`
	Skipped []Skipped  `json:"skipped"`
}

// TriggerBulkCommentCollection queues comment collection for every post in
// ids. Every id must exist; posts that already have a job in flight, or that
// do not fit in the queue, are reported as skipped.
func (o *Orchestrator) TriggerBulkCommentCollection(ctx context.Context, ids []int64, force bool) (BulkResult, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return BulkResult{}, apperr.Validation("post_ids must not be empty")
	}
	missing, err := o.store.MissingPostIDs(ctx, ids)
	if err != nil {
		return BulkResult{}, err
	}
	if len(missing) > 0 {
		return BulkResult{}, apperr.NotFound("posts not found: %s", joinIDs(missing))
	}

	res := BulkResult{Jobs: []jobs.Job{}, Skipped: []Skipped{}}
	for _, id := range ids {
		job, err := o.submitComments(ctx, id, force)
		switch {
		case err == nil:
			res.Jobs = append(res.Jobs, job)
		case errors.Is(err, apperr.ErrAlreadyRunning), errors.Is(err, apperr.ErrBusy):
			res.Skipped = append(res.Skipped, Skipped{PostID: id, Kind: apperr.KindOf(err), Reason: apperr.Message(err)})
		default:
			return res, err
		}
	}
	logging.Info("bulk_comments_triggered", map[string]any{
		"requested": len(ids),
		"queued":    len(res.Jobs),
		"skipped":   len(res.Skipped),
	})
	return res, nil
}

// TriggerStatsRefresh queues a post-stats job.
func (o *Orchestrator) TriggerStatsRefresh(ctx context.Context, postID int64) (jobs.Job, error) {
	if err := o.requirePost(ctx, postID); err != nil {
		return jobs.Job{}, err
	}
	return o.jobs.Submit(ctx, jobs.KindPostStats, postID, "", func(ctx context.Context) (string, error) {
		p, err := o.collector.RefreshStats(ctx, postID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("views=%d comments=%d forwards=%d", p.ViewsCount, p.CommentsCount, p.ForwardsCount), nil
	})
}

// RequestAnalysis queues the first analysis of a post.
func (o *Orchestrator) RequestAnalysis(ctx context.Context, postID int64) (jobs.Job, error) {
	if o.pipeline == nil {
		return jobs.Job{}, apperr.Validation("no analysis backend is configured")
	}
	if _, err := o.pipeline.Check(ctx, postID); err != nil {
		return jobs.Job{}, err
	}
	return o.submitAnalysis(ctx, postID, "", o.pipeline.Analyze)
}

// RequestReanalysis queues an analysis that replaces any stored one. It
// shares the analysis lease with RequestAnalysis, so the two never overlap
// on one post.
func (o *Orchestrator) RequestReanalysis(ctx context.Context, postID int64) (jobs.Job, error) {
	if o.pipeline == nil {
		return jobs.Job{}, apperr.Validation("no analysis backend is configured")
	}
	if err := o.requirePost(ctx, postID); err != nil {
		return jobs.Job{}, err
	}
	return o.submitAnalysis(ctx, postID, "reanalyze", o.pipeline.Reanalyze)
}

func (o *Orchestrator) submitAnalysis(ctx context.Context, postID int64, mode string,
	analyze func(context.Context, int64) (*store.Analysis, error)) (jobs.Job, error) {
	return o.jobs.Submit(ctx, jobs.KindPostAnalysis, postID, mode, func(ctx context.Context) (string, error) {
		a, err := analyze(ctx, postID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d/%d/%d topics: %s", a.Sentiment.PositivePercent, a.Sentiment.NegativePercent,
			a.Sentiment.NeutralPercent, strings.Join(a.KeyTopics, ", ")), nil
	})
}

func (o *Orchestrator) Jobs() []jobs.Job { return o.jobs.List() }

func (o *Orchestrator) Job(id string) (jobs.Job, error) { return o.jobs.Get(id) }

func (o *Orchestrator) Cancel(id string) (jobs.Job, error) { return o.jobs.Cancel(id) }

// CollectActiveChannels queues get_new collection for every active channel.
// Channels with a collection already in flight are skipped.
func (o *Orchestrator) CollectActiveChannels(ctx context.Context) (int, error) {
	channels, err := o.store.ListChannels(ctx, true)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, ch := range channels {
		_, err := o.TriggerChannelCollection(ctx, ch.ID, CollectRequest{Mode: string(collector.ModeGetNew)})
		switch {
		case err == nil:
			queued++
		case errors.Is(err, apperr.ErrAlreadyRunning):
			logging.Debug("collection_skipped", map[string]any{"channel_id": ch.ID, "reason": "already running"})
		case errors.Is(err, apperr.ErrBusy):
			return queued, err
		default:
			logging.Warn("collection_trigger_failed", map[string]any{"channel_id": ch.ID, "error": err})
		}
	}
	return queued, nil
}

// SweepAnalysis queues analysis for up to limit un-analyzed posts.
func (o *Orchestrator) SweepAnalysis(ctx context.Context, limit int) (int, error) {
	if o.pipeline == nil {
		return 0, nil
	}
	ids, err := o.pipeline.Sweep(ctx, limit)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, id := range ids {
		_, err := o.RequestAnalysis(ctx, id)
		switch {
		case err == nil:
			queued++
		case errors.Is(err, apperr.ErrAlreadyRunning), errors.Is(err, apperr.ErrAlreadyAnalyzed):
		case errors.Is(err, apperr.ErrBusy):
			return queued, err
		default:
			logging.Warn("analysis_trigger_failed", map[string]any{"post_id": id, "error": err})
		}
	}
	return queued, nil
}

func (o *Orchestrator) requirePost(ctx context.Context, postID int64) error {
	_, err := o.store.GetPost(ctx, postID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("post %d not found", postID)
	}
	return err
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func joinIDs(ids []int64) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
