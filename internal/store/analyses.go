package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SaveAnalysis stores the analysis for a.PostID. Without overwrite an
// existing analysis is kept and ErrConflict is returned.
func (s *SQLiteStore) SaveAnalysis(ctx context.Context, a *Analysis, overwrite bool) error {
	topics := a.KeyTopics
	if topics == nil {
		topics = []string{}
	}
	topicsJSON, _ := json.Marshal(topics)
	if a.GeneratedAt.IsZero() {
		a.GeneratedAt = time.Now()
	}
	a.GeneratedAt = ts(a.GeneratedAt)

	onConflict := "DO NOTHING"
	if overwrite {
		onConflict = `DO UPDATE SET
			summary = excluded.summary,
			positive_percent = excluded.positive_percent,
			negative_percent = excluded.negative_percent,
			neutral_percent = excluded.neutral_percent,
			key_topics = excluded.key_topics,
			model_used = excluded.model_used,
			generated_at = excluded.generated_at`
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO analyses (post_id, summary, positive_percent, negative_percent, neutral_percent,
			key_topics, model_used, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(post_id) `+onConflict,
		a.PostID, a.Summary, a.Sentiment.PositivePercent, a.Sentiment.NegativePercent,
		a.Sentiment.NeutralPercent, string(topicsJSON), a.ModelUsed, a.GeneratedAt)
	if err != nil {
		return fmt.Errorf("save analysis %d: %w", a.PostID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("analysis %d: %w", a.PostID, ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, postID int64) (*Analysis, error) {
	var row analysisRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM analyses WHERE post_id = ?", postID)
	if notFound(err) {
		return nil, fmt.Errorf("analysis %d: %w", postID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis %d: %w", postID, err)
	}
	return row.analysis(), nil
}

type insightRow struct {
	PostID          int64     `db:"post_id"`
	Summary         string    `db:"summary"`
	Positive        int       `db:"positive_percent"`
	Negative        int       `db:"negative_percent"`
	Neutral         int       `db:"neutral_percent"`
	KeyTopics       string    `db:"key_topics"`
	ModelUsed       string    `db:"model_used"`
	GeneratedAt     time.Time `db:"generated_at"`
	ChannelUsername string    `db:"channel_username"`
	PostText        string    `db:"post_text"`
	PostCreatedAt   time.Time `db:"post_created_at"`
}

// ListInsights returns analyzed posts, most recently analyzed first.
func (s *SQLiteStore) ListInsights(ctx context.Context, limit, offset int) ([]Insight, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM analyses"); err != nil {
		return nil, 0, fmt.Errorf("count insights: %w", err)
	}

	var rows []insightRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT a.*, c.username AS channel_username, p.text AS post_text, p.created_at AS post_created_at
		FROM analyses a
		JOIN posts p ON p.id = a.post_id
		JOIN channels c ON c.id = p.channel_id
		ORDER BY a.generated_at DESC, a.post_id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list insights: %w", err)
	}

	insights := make([]Insight, 0, len(rows))
	for _, r := range rows {
		insights = append(insights, Insight{
			PostID:          r.PostID,
			ChannelUsername: r.ChannelUsername,
			PostText:        r.PostText,
			PostCreatedAt:   r.PostCreatedAt,
			Analysis:        analysisRow{
				PostID: r.PostID, Summary: r.Summary,
				Positive: r.Positive, Negative: r.Negative, Neutral: r.Neutral,
				KeyTopics: r.KeyTopics, ModelUsed: r.ModelUsed, GeneratedAt: r.GeneratedAt,
			}.analysis(),
		})
	}
	return insights, total, nil
}
