package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

const postItemColumns = `
	p.*,
	c.username AS channel_username,
	(SELECT COUNT(*) FROM comments cm WHERE cm.post_id = p.id) AS stored_comments,
	EXISTS(SELECT 1 FROM analyses a WHERE a.post_id = p.id) AS has_analysis
`

// UpsertPosts writes one page of posts in a single transaction. Existing rows
// keep their id and created_at; text, counters, reactions, media and forward
// info are refreshed.
func (s *SQLiteStore) UpsertPosts(ctx context.Context, channelID int64, posts []Post) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert posts: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO posts (channel_id, platform_post_id, text, created_at, views_count, comments_count,
			forwards_count, reactions, media_ref, forward_info)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, platform_post_id) DO UPDATE SET
			text = excluded.text,
			views_count = excluded.views_count,
			comments_count = excluded.comments_count,
			forwards_count = excluded.forwards_count,
			reactions = excluded.reactions,
			media_ref = excluded.media_ref,
			forward_info = excluded.forward_info
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert posts: %w", err)
	}
	defer stmt.Close()

	for i := range posts {
		p := &posts[i]
		reactions, forward := p.encode()
		if _, err := stmt.ExecContext(ctx, channelID, p.PlatformPostID, p.Text, ts(p.CreatedAt),
			p.ViewsCount, p.CommentsCount, p.ForwardsCount, reactions, p.MediaRef, forward); err != nil {
			return 0, fmt.Errorf("upsert post %d/%d: %w", channelID, p.PlatformPostID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert posts: %w", err)
	}
	return len(posts), nil
}

func (s *SQLiteStore) GetPost(ctx context.Context, id int64) (*Post, error) {
	var p Post
	err := s.db.GetContext(ctx, &p, "SELECT * FROM posts WHERE id = ?", id)
	if notFound(err) {
		return nil, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get post %d: %w", id, err)
	}
	p.decode()
	return &p, nil
}

func (s *SQLiteStore) GetPostItem(ctx context.Context, id int64) (*PostItem, error) {
	var item PostItem
	err := s.db.GetContext(ctx, &item, `SELECT `+postItemColumns+`
		FROM posts p JOIN channels c ON c.id = p.channel_id
		WHERE p.id = ?`, id)
	if notFound(err) {
		return nil, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get post item %d: %w", id, err)
	}
	item.decode()
	return &item, nil
}

// MissingPostIDs returns the ids from the input that have no stored post,
// in input order.
func (s *SQLiteStore) MissingPostIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("SELECT id FROM posts WHERE id IN (?)", ids)
	if err != nil {
		return nil, fmt.Errorf("build missing posts query: %w", err)
	}
	var found []int64
	if err := s.db.SelectContext(ctx, &found, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("find posts: %w", err)
	}
	have := make(map[int64]bool, len(found))
	for _, id := range found {
		have[id] = true
	}
	var missing []int64
	for _, id := range ids {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// MaxPlatformPostID returns the highest stored platform post id for a channel, or 0.
func (s *SQLiteStore) MaxPlatformPostID(ctx context.Context, channelID int64) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		"SELECT COALESCE(MAX(platform_post_id), 0) FROM posts WHERE channel_id = ?", channelID)
	if err != nil {
		return 0, fmt.Errorf("max post id %d: %w", channelID, err)
	}
	return id, nil
}

// UpdatePostStats rewrites only the counter columns and stats_updated_at.
func (s *SQLiteStore) UpdatePostStats(ctx context.Context, postID int64, stats PostStats) (*Post, error) {
	r := stats.Reactions
	if r == nil {
		r = map[string]int{}
	}
	reactions, _ := json.Marshal(r)

	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET views_count = ?, comments_count = ?, forwards_count = ?, reactions = ?, stats_updated_at = ?
		WHERE id = ?
	`, stats.ViewsCount, stats.CommentsCount, stats.ForwardsCount, string(reactions), ts(stats.UpdatedAt), postID)
	if err != nil {
		return nil, fmt.Errorf("update post stats %d: %w", postID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("post %d: %w", postID, ErrNotFound)
	}
	return s.GetPost(ctx, postID)
}

// ListPosts returns one page of posts ordered newest first, plus the total
// number of posts matching the filter.
// PostSortColumns maps the sortable post fields to their columns.
var PostSortColumns = map[string]string{
	"created_at":     "p.created_at",
	"views_count":    "p.views_count",
	"comments_count": "p.comments_count",
	"forwards_count": "p.forwards_count",
}

func (s *SQLiteStore) ListPosts(ctx context.Context, f PostFilter) ([]PostItem, int, error) {
	where := " WHERE 1=1"
	var args []any

	if f.Search != "" {
		where += ` AND lower(p.text) LIKE '%' || lower(?) || '%' ESCAPE '\'`
		args = append(args, escapeLike(f.Search))
	}
	if f.ChannelID > 0 {
		where += " AND p.channel_id = ?"
		args = append(args, f.ChannelID)
	}
	if !f.DateFrom.IsZero() {
		where += " AND p.created_at >= ?"
		args = append(args, ts(f.DateFrom))
	}
	if !f.DateTo.IsZero() {
		where += " AND p.created_at < ?"
		args = append(args, ts(f.DateTo))
	}
	if f.MinComments > 0 {
		where += " AND p.comments_count >= ?"
		args = append(args, f.MinComments)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM posts p"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count posts: %w", err)
	}

	col, ok := PostSortColumns[f.SortBy]
	if !ok {
		col = "p.created_at"
	}
	dir := "DESC"
	if f.Ascending {
		dir = "ASC"
	}
	query := "SELECT " + postItemColumns + " FROM posts p JOIN channels c ON c.id = p.channel_id" + where +
		" ORDER BY " + col + " " + dir + ", p.id " + dir + " LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	items := []PostItem{}
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list posts: %w", err)
	}
	for i := range items {
		items[i].decode()
	}
	return items, total, nil
}

// ListUnanalyzed returns the newest posts with text and no analysis.
func (s *SQLiteStore) ListUnanalyzed(ctx context.Context, limit int) ([]Post, error) {
	posts := []Post{}
	err := s.db.SelectContext(ctx, &posts, `
		SELECT p.* FROM posts p
		WHERE trim(p.text) <> '' AND NOT EXISTS(SELECT 1 FROM analyses a WHERE a.post_id = p.id)
		ORDER BY p.created_at DESC, p.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unanalyzed posts: %w", err)
	}
	for i := range posts {
		posts[i].decode()
	}
	return posts, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
