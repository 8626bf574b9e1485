package store

import (
	"context"
	"fmt"
	"time"
)

func (s *SQLiteStore) CreateChannel(ctx context.Context, c *Channel) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.CreatedAt = ts(c.CreatedAt)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (platform_channel_id, username, display_name, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.PlatformChannelID, c.Username, c.DisplayName, c.IsActive, c.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("create channel %s: %w", c.Username, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create channel %s: %w", c.Username, err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	var c Channel
	err := s.db.GetContext(ctx, &c, "SELECT * FROM channels WHERE id = ?", id)
	if notFound(err) {
		return nil, fmt.Errorf("channel %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %d: %w", id, err)
	}
	return &c, nil
}

// FindChannel returns the channel matching either the platform id or the
// username (case-insensitive).
func (s *SQLiteStore) FindChannel(ctx context.Context, platformChannelID, username string) (*Channel, error) {
	var c Channel
	err := s.db.GetContext(ctx, &c, `
		SELECT * FROM channels
		WHERE platform_channel_id = ? OR lower(username) = lower(?)
		ORDER BY id LIMIT 1
	`, platformChannelID, username)
	if notFound(err) {
		return nil, fmt.Errorf("channel %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find channel %s: %w", username, err)
	}
	return &c, nil
}

func (s *SQLiteStore) ListChannels(ctx context.Context, activeOnly bool) ([]Channel, error) {
	query := "SELECT * FROM channels"
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY id"

	channels := []Channel{}
	if err := s.db.SelectContext(ctx, &channels, query); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return channels, nil
}

func (s *SQLiteStore) SetChannelActive(ctx context.Context, id int64, active bool) (*Channel, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE channels SET is_active = ? WHERE id = ?", active, id)
	if err != nil {
		return nil, fmt.Errorf("set channel %d active: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("channel %d: %w", id, ErrNotFound)
	}
	return s.GetChannel(ctx, id)
}
