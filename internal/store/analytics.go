package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PostActivity returns every post created in [from, to) with its stored
// comment count. Day bucketing is left to the caller.
func (s *SQLiteStore) PostActivity(ctx context.Context, from, to time.Time) ([]DayActivity, error) {
	rows := []DayActivity{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT p.created_at, (SELECT COUNT(*) FROM comments c WHERE c.post_id = p.id) AS comments
		FROM posts p
		WHERE p.created_at >= ? AND p.created_at < ?
	`, ts(from), ts(to))
	if err != nil {
		return nil, fmt.Errorf("post activity: %w", err)
	}
	return rows, nil
}

// SentimentTotals sums sentiment percentages over analyses of posts created in [from, to).
func (s *SQLiteStore) SentimentTotals(ctx context.Context, from, to time.Time) (SentimentTotals, error) {
	var t SentimentTotals
	err := s.db.GetContext(ctx, &t, `
		SELECT COUNT(*) AS n,
			COALESCE(SUM(a.positive_percent), 0) AS positive,
			COALESCE(SUM(a.negative_percent), 0) AS negative,
			COALESCE(SUM(a.neutral_percent), 0) AS neutral
		FROM analyses a JOIN posts p ON p.id = a.post_id
		WHERE p.created_at >= ? AND p.created_at < ?
	`, ts(from), ts(to))
	if err != nil {
		return SentimentTotals{}, fmt.Errorf("sentiment totals: %w", err)
	}
	return t, nil
}

// TopicLists returns the key topics of every analysis of a post created in [from, to).
func (s *SQLiteStore) TopicLists(ctx context.Context, from, to time.Time) ([][]string, error) {
	var raw []string
	err := s.db.SelectContext(ctx, &raw, `
		SELECT a.key_topics FROM analyses a JOIN posts p ON p.id = a.post_id
		WHERE p.created_at >= ? AND p.created_at < ?
	`, ts(from), ts(to))
	if err != nil {
		return nil, fmt.Errorf("topic lists: %w", err)
	}
	lists := make([][]string, 0, len(raw))
	for _, r := range raw {
		var topics []string
		if err := json.Unmarshal([]byte(r), &topics); err != nil {
			continue
		}
		lists = append(lists, topics)
	}
	return lists, nil
}
