// Package query serves the read side: paginated listings, post details and
// the analytics aggregates behind the dashboard charts.
package query

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/elonfeng/insightradar/internal/apperr"
	"github.com/elonfeng/insightradar/internal/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	DefaultTopics   = 10
	MaxTopics       = 100

	dateLayout = "2006-01-02"
	day        = 24 * time.Hour
)

// Page is one page of a listing.
type Page[T any] struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Size  int `json:"size"`
	Items []T `json:"items"`
}

// Paging clamps API paging values: page is 1-indexed, size defaults to 20
// and is kept within [1, 100].
func Paging(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case size == 0:
		size = DefaultPageSize
	case size < 1:
		size = 1
	case size > MaxPageSize:
		size = MaxPageSize
	}
	return page, size
}

// PostQuery filters the post table. Dates are calendar days in UTC and both
// ends are inclusive; zero values disable a filter. SortBy defaults to
// created_at and SortOrder to desc.
type PostQuery struct {
	Page        int
	Size        int
	Search      string
	ChannelID   int64
	DateFrom    time.Time
	DateTo      time.Time
	MinComments int
	SortBy      string
	SortOrder   string
}

// PostDetails is a listed post plus its analysis, if any.
type PostDetails struct {
	store.PostItem
	Analysis *store.Analysis `json:"analysis"`
}

// DayPoint is one row of the dynamics series.
type DayPoint struct {
	Date     string `json:"date"`
	Posts    int    `json:"posts"`
	Comments int    `json:"comments"`
}

// SentimentAverages are mean percentages over analyzed posts.
type SentimentAverages struct {
	PositiveAvg float64 `json:"positive_avg"`
	NegativeAvg float64 `json:"negative_avg"`
	NeutralAvg  float64 `json:"neutral_avg"`
	Analyses    int     `json:"analyses"`
}

// TopicCount is how many analyses in a window listed a topic.
type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// Service answers read queries against the store.
type Service struct {
	store         store.Store
	maxWindowDays int
}

func New(st store.Store, maxWindowDays int) *Service {
	if maxWindowDays <= 0 {
		maxWindowDays = 366
	}
	return &Service{store: st, maxWindowDays: maxWindowDays}
}

// ListPosts returns posts newest first.
func (s *Service) ListPosts(ctx context.Context, q PostQuery) (Page[store.PostItem], error) {
	page, size := Paging(q.Page, q.Size)
	if q.MinComments < 0 {
		return Page[store.PostItem]{}, apperr.Validation("min_comments must not be negative")
	}
	f := store.PostFilter{
		Search:      strings.TrimSpace(q.Search),
		ChannelID:   q.ChannelID,
		MinComments: q.MinComments,
		SortBy:      q.SortBy,
		Limit:       size,
		Offset:      (page - 1) * size,
	}
	if _, ok := store.PostSortColumns[q.SortBy]; q.SortBy != "" && !ok {
		return Page[store.PostItem]{}, apperr.Validation("cannot sort by %q", q.SortBy)
	}
	switch strings.ToLower(q.SortOrder) {
	case "", "desc":
	case "asc":
		f.Ascending = true
	default:
		return Page[store.PostItem]{}, apperr.Validation("sort_order must be asc or desc")
	}
	if !q.DateFrom.IsZero() {
		f.DateFrom = dayStart(q.DateFrom)
	}
	if !q.DateTo.IsZero() {
		f.DateTo = dayStart(q.DateTo).Add(day)
	}
	if !q.DateFrom.IsZero() && !q.DateTo.IsZero() && f.DateFrom.After(dayStart(q.DateTo)) {
		return Page[store.PostItem]{}, apperr.Validation("date_from must not be after date_to")
	}

	items, total, err := s.store.ListPosts(ctx, f)
	if err != nil {
		return Page[store.PostItem]{}, err
	}
	return Page[store.PostItem]{Total: total, Page: page, Size: size, Items: items}, nil
}

// GetPostDetails returns one post with its analysis.
func (s *Service) GetPostDetails(ctx context.Context, postID int64) (*PostDetails, error) {
	item, err := s.store.GetPostItem(ctx, postID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("post %d not found", postID)
	}
	if err != nil {
		return nil, err
	}
	d := &PostDetails{PostItem: *item}
	if item.HasAnalysis {
		a, err := s.store.GetAnalysis(ctx, postID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		d.Analysis = a
	}
	return d, nil
}

// ListComments returns the stored comments of a post, oldest first.
func (s *Service) ListComments(ctx context.Context, postID int64, page, size int) (Page[store.Comment], error) {
	page, size = Paging(page, size)
	if _, err := s.store.GetPost(ctx, postID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Page[store.Comment]{}, apperr.NotFound("post %d not found", postID)
		}
		return Page[store.Comment]{}, err
	}
	items, total, err := s.store.ListComments(ctx, postID, size, (page-1)*size)
	if err != nil {
		return Page[store.Comment]{}, err
	}
	return Page[store.Comment]{Total: total, Page: page, Size: size, Items: items}, nil
}

// ListInsights returns analyzed posts, most recently analyzed first.
func (s *Service) ListInsights(ctx context.Context, page, size int) (Page[store.Insight], error) {
	page, size = Paging(page, size)
	items, total, err := s.store.ListInsights(ctx, size, (page-1)*size)
	if err != nil {
		return Page[store.Insight]{}, err
	}
	return Page[store.Insight]{Total: total, Page: page, Size: size, Items: items}, nil
}

// GetDynamics counts posts and their stored comments per day of
// [start, end], with a row for every day.
func (s *Service) GetDynamics(ctx context.Context, start, end time.Time) ([]DayPoint, error) {
	from, to, err := s.window(start, end)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.PostActivity(ctx, from, to)
	if err != nil {
		return nil, err
	}

	points := []DayPoint{}
	index := map[string]int{}
	for d := from; d.Before(to); d = d.Add(day) {
		key := d.Format(dateLayout)
		index[key] = len(points)
		points = append(points, DayPoint{Date: key})
	}
	for _, r := range rows {
		i, ok := index[r.CreatedAt.UTC().Format(dateLayout)]
		if !ok {
			continue
		}
		points[i].Posts++
		points[i].Comments += r.Comments
	}
	return points, nil
}

// GetSentimentAverages averages the sentiment split of analyzed posts
// created in [start, end].
func (s *Service) GetSentimentAverages(ctx context.Context, start, end time.Time) (SentimentAverages, error) {
	from, to, err := s.window(start, end)
	if err != nil {
		return SentimentAverages{}, err
	}
	t, err := s.store.SentimentTotals(ctx, from, to)
	if err != nil {
		return SentimentAverages{}, err
	}
	if t.N == 0 {
		return SentimentAverages{}, nil
	}
	n := float64(t.N)
	return SentimentAverages{
		PositiveAvg: round2(t.Positive / n),
		NegativeAvg: round2(t.Negative / n),
		NeutralAvg:  round2(t.Neutral / n),
		Analyses:    t.N,
	}, nil
}

// GetTopTopics ranks key topics of posts created in [start, end] by how
// many analyses list them.
func (s *Service) GetTopTopics(ctx context.Context, start, end time.Time, limit int) ([]TopicCount, error) {
	from, to, err := s.window(start, end)
	if err != nil {
		return nil, err
	}
	switch {
	case limit == 0:
		limit = DefaultTopics
	case limit < 0:
		return nil, apperr.Validation("limit must be positive")
	case limit > MaxTopics:
		limit = MaxTopics
	}

	lists, err := s.store.TopicLists(ctx, from, to)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, topics := range lists {
		for _, t := range topics {
			if t = strings.TrimSpace(t); t != "" {
				counts[t]++
			}
		}
	}

	out := make([]TopicCount, 0, len(counts))
	for topic, n := range counts {
		out = append(out, TopicCount{Topic: topic, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Topic < out[j].Topic
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// window turns inclusive calendar days into the half-open range [from, to).
func (s *Service) window(start, end time.Time) (time.Time, time.Time, error) {
	if start.IsZero() || end.IsZero() {
		return time.Time{}, time.Time{}, apperr.Validation("start_date and end_date are required")
	}
	from, last := dayStart(start), dayStart(end)
	if from.After(last) {
		return time.Time{}, time.Time{}, apperr.Validation("start_date must not be after end_date")
	}
	to := last.Add(day)
	if days := int(to.Sub(from) / day); days > s.maxWindowDays {
		return time.Time{}, time.Time{}, apperr.Validation("window of %d days exceeds the %d day maximum", days, s.maxWindowDays)
	}
	return from, to, nil
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ParseDate parses a YYYY-MM-DD calendar day.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, apperr.Validation("invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}
