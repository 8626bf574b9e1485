package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row addressed by id or natural key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would violate a uniqueness rule.
	ErrConflict = errors.New("conflict")
)

// Store is the persistence interface.
type Store interface {
	CreateChannel(ctx context.Context, c *Channel) error
	GetChannel(ctx context.Context, id int64) (*Channel, error)
	FindChannel(ctx context.Context, platformChannelID, username string) (*Channel, error)
	ListChannels(ctx context.Context, activeOnly bool) ([]Channel, error)
	SetChannelActive(ctx context.Context, id int64, active bool) (*Channel, error)

	UpsertPosts(ctx context.Context, channelID int64, posts []Post) (int, error)
	GetPost(ctx context.Context, id int64) (*Post, error)
	GetPostItem(ctx context.Context, id int64) (*PostItem, error)
	MissingPostIDs(ctx context.Context, ids []int64) ([]int64, error)
	MaxPlatformPostID(ctx context.Context, channelID int64) (int64, error)
	UpdatePostStats(ctx context.Context, postID int64, stats PostStats) (*Post, error)
	ListPosts(ctx context.Context, f PostFilter) ([]PostItem, int, error)
	ListUnanalyzed(ctx context.Context, limit int) ([]Post, error)

	InsertComments(ctx context.Context, postID int64, comments []Comment) (int, error)
	MaxPlatformCommentID(ctx context.Context, postID int64) (int64, error)
	MarkCommentsCollected(ctx context.Context, postID int64, at time.Time) error
	ListComments(ctx context.Context, postID int64, limit, offset int) ([]Comment, int, error)
	RecentCommentTexts(ctx context.Context, postID int64, limit int) ([]string, error)

	SaveAnalysis(ctx context.Context, a *Analysis, overwrite bool) error
	GetAnalysis(ctx context.Context, postID int64) (*Analysis, error)
	ListInsights(ctx context.Context, limit, offset int) ([]Insight, int, error)

	PostActivity(ctx context.Context, from, to time.Time) ([]DayActivity, error)
	SentimentTotals(ctx context.Context, from, to time.Time) (SentimentTotals, error)
	TopicLists(ctx context.Context, from, to time.Time) ([][]string, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// New opens a SQLite database and runs migrations. path may be ":memory:".
func New(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serializes writers and keeps a :memory: database shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ts normalizes times before they are written or compared. Timestamps are
// stored as UTC with second precision so that text comparison orders them.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func tsPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := ts(*t)
	return &v
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
