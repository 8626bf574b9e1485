package store

import (
	"encoding/json"
	"time"
)

// Channel is a monitored platform channel.
type Channel struct {
	ID                int64     `db:"id" json:"id"`
	PlatformChannelID string    `db:"platform_channel_id" json:"platform_channel_id"`
	Username          string    `db:"username" json:"username"`
	DisplayName       string    `db:"display_name" json:"display_name"`
	IsActive          bool      `db:"is_active" json:"is_active"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// Post is a channel message with its latest known counters.
type Post struct {
	ID                  int64          `db:"id" json:"id"`
	ChannelID           int64          `db:"channel_id" json:"channel_id"`
	PlatformPostID      int64          `db:"platform_post_id" json:"platform_post_id"`
	Text                string         `db:"text" json:"text"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	ViewsCount          int            `db:"views_count" json:"views_count"`
	CommentsCount       int            `db:"comments_count" json:"comments_count"`
	ForwardsCount       int            `db:"forwards_count" json:"forwards_count"`
	ReactionsJSON       string         `db:"reactions" json:"-"`
	Reactions           map[string]int `db:"-" json:"reactions"`
	MediaRef            string         `db:"media_ref" json:"media_ref,omitempty"`
	ForwardInfoJSON     string         `db:"forward_info" json:"-"`
	ForwardInfo         map[string]any `db:"-" json:"forward_info,omitempty"`
	StatsUpdatedAt      *time.Time     `db:"stats_updated_at" json:"stats_updated_at"`
	CommentsCollectedAt *time.Time     `db:"comments_collected_at" json:"comments_collected_at"`
}

func (p *Post) decode() {
	p.Reactions = map[string]int{}
	json.Unmarshal([]byte(p.ReactionsJSON), &p.Reactions)
	if p.ForwardInfoJSON != "" && p.ForwardInfoJSON != "{}" {
		json.Unmarshal([]byte(p.ForwardInfoJSON), &p.ForwardInfo)
	}
}

func (p *Post) encode() (reactions, forward string) {
	r := p.Reactions
	if r == nil {
		r = map[string]int{}
	}
	rb, _ := json.Marshal(r)
	fb := []byte("{}")
	if len(p.ForwardInfo) > 0 {
		fb, _ = json.Marshal(p.ForwardInfo)
	}
	return string(rb), string(fb)
}

// PostItem is a post as listed: joined with its channel and local counts.
type PostItem struct {
	Post
	ChannelUsername string `db:"channel_username" json:"channel_username"`
	StoredComments  int    `db:"stored_comments" json:"stored_comments"`
	HasAnalysis     bool   `db:"has_analysis" json:"has_analysis"`
}

// PostStats are the counters refreshed by the stats updater.
type PostStats struct {
	ViewsCount    int
	CommentsCount int
	ForwardsCount int
	Reactions     map[string]int
	UpdatedAt     time.Time
}

// PostFilter controls post listing. Zero values disable a filter.
type PostFilter struct {
	Search      string
	ChannelID   int64
	DateFrom    time.Time // inclusive
	DateTo      time.Time // exclusive
	MinComments int
	SortBy      string // a key of PostSortColumns; empty sorts by created_at
	Ascending   bool
	Limit       int
	Offset      int
}

// Comment is an immutable reply to a post.
type Comment struct {
	ID                int64     `db:"id" json:"id"`
	PostID            int64     `db:"post_id" json:"post_id"`
	PlatformCommentID int64     `db:"platform_comment_id" json:"platform_comment_id"`
	AuthorName        string    `db:"author_name" json:"author_name"`
	Text              string    `db:"text" json:"text"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// Sentiment is a three-way split in whole percent.
type Sentiment struct {
	PositivePercent int `json:"positive_percent"`
	NegativePercent int `json:"negative_percent"`
	NeutralPercent  int `json:"neutral_percent"`
}

// Analysis is the structured AI result for one post.
type Analysis struct {
	PostID      int64     `json:"post_id"`
	Summary     string    `json:"summary"`
	Sentiment   Sentiment `json:"sentiment"`
	KeyTopics   []string  `json:"key_topics"`
	ModelUsed   string    `json:"model_used"`
	GeneratedAt time.Time `json:"generated_at"`
}

type analysisRow struct {
	PostID      int64     `db:"post_id"`
	Summary     string    `db:"summary"`
	Positive    int       `db:"positive_percent"`
	Negative    int       `db:"negative_percent"`
	Neutral     int       `db:"neutral_percent"`
	KeyTopics   string    `db:"key_topics"`
	ModelUsed   string    `db:"model_used"`
	GeneratedAt time.Time `db:"generated_at"`
}

func (r analysisRow) analysis() *Analysis {
	a := &Analysis{
		PostID:      r.PostID,
		Summary:     r.Summary,
		Sentiment:   Sentiment{PositivePercent: r.Positive, NegativePercent: r.Negative, NeutralPercent: r.Neutral},
		KeyTopics:   []string{},
		ModelUsed:   r.ModelUsed,
		GeneratedAt: r.GeneratedAt,
	}
	json.Unmarshal([]byte(r.KeyTopics), &a.KeyTopics)
	return a
}

// Insight is an analyzed post in the insights feed.
type Insight struct {
	PostID          int64     `json:"post_id"`
	ChannelUsername string    `json:"channel_username"`
	PostText        string    `json:"post_text"`
	PostCreatedAt   time.Time `json:"post_created_at"`
	Analysis        *Analysis `json:"analysis"`
}

// DayActivity is one post and the number of stored comments on it.
type DayActivity struct {
	CreatedAt time.Time `db:"created_at"`
	Comments  int       `db:"comments"`
}

// SentimentTotals are summed percentages over N analyses.
type SentimentTotals struct {
	N        int     `db:"n"`
	Positive float64 `db:"positive"`
	Negative float64 `db:"negative"`
	Neutral  float64 `db:"neutral"`
}
