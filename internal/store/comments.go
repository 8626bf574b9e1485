package store

import (
	"context"
	"fmt"
	"time"
)

// InsertComments stores one page of comments in a single transaction.
// Comments already stored under the same platform id are left untouched.
// It returns the number of newly inserted rows.
func (s *SQLiteStore) InsertComments(ctx context.Context, postID int64, comments []Comment) (int, error) {
	if len(comments) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert comments: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO comments (post_id, platform_comment_id, author_name, text, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(post_id, platform_comment_id) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert comments: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range comments {
		res, err := stmt.ExecContext(ctx, postID, c.PlatformCommentID, c.AuthorName, c.Text, ts(c.CreatedAt))
		if err != nil {
			return 0, fmt.Errorf("insert comment %d/%d: %w", postID, c.PlatformCommentID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert comments: %w", err)
	}
	return inserted, nil
}

// MaxPlatformCommentID returns the highest stored platform comment id for a post, or 0.
func (s *SQLiteStore) MaxPlatformCommentID(ctx context.Context, postID int64) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		"SELECT COALESCE(MAX(platform_comment_id), 0) FROM comments WHERE post_id = ?", postID)
	if err != nil {
		return 0, fmt.Errorf("max comment id %d: %w", postID, err)
	}
	return id, nil
}

func (s *SQLiteStore) MarkCommentsCollected(ctx context.Context, postID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE posts SET comments_collected_at = ? WHERE id = ?", ts(at), postID)
	if err != nil {
		return fmt.Errorf("mark comments collected %d: %w", postID, err)
	}
	return nil
}

// ListComments returns one page of a post's comments, oldest first.
func (s *SQLiteStore) ListComments(ctx context.Context, postID int64, limit, offset int) ([]Comment, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM comments WHERE post_id = ?", postID); err != nil {
		return nil, 0, fmt.Errorf("count comments %d: %w", postID, err)
	}
	comments := []Comment{}
	err := s.db.SelectContext(ctx, &comments, `
		SELECT * FROM comments WHERE post_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?
	`, postID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list comments %d: %w", postID, err)
	}
	return comments, total, nil
}

// RecentCommentTexts returns up to limit non-empty comment texts, newest first.
func (s *SQLiteStore) RecentCommentTexts(ctx context.Context, postID int64, limit int) ([]string, error) {
	texts := []string{}
	err := s.db.SelectContext(ctx, &texts, `
		SELECT text FROM comments
		WHERE post_id = ? AND trim(text) <> ''
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, postID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent comments %d: %w", postID, err)
	}
	return texts, nil
}
