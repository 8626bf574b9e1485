package collector

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/elonfeng/insightradar/internal/apperr"
	"github.com/elonfeng/insightradar/internal/store"
	"github.com/elonfeng/insightradar/pkg/platform"
)

// fakePlatform serves one channel from memory with cursor pagination.
type fakePlatform struct {
	mu         sync.Mutex
	posts      []platform.RawPost // any order
	comments   map[int64][]platform.RawComment
	okCalls    int // calls that succeed before rate limiting starts
	rateLimits int // 429s to return once okCalls is used up
	calls      int
	attempts   []string
	cursors    []string
}

func (f *fakePlatform) limited() error {
	f.calls++
	if f.calls > f.okCalls && f.rateLimits > 0 {
		f.rateLimits--
		return &platform.RateLimitError{RetryAfter: 3 * time.Second}
	}
	return nil
}

func (f *fakePlatform) ResolveChannel(ctx context.Context, username string) (platform.ChannelInfo, error) {
	return platform.ChannelInfo{ID: "1", Username: username}, nil
}

func (f *fakePlatform) FetchPosts(ctx context.Context, channel string, q platform.PostQuery) (platform.PostPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, q.Cursor)
	if err := f.limited(); err != nil {
		return platform.PostPage{}, err
	}
	f.cursors = append(f.cursors, q.Cursor)

	var sel []platform.RawPost
	for _, p := range f.posts {
		if q.MinID > 0 && p.ID <= q.MinID {
			continue
		}
		if q.MinID == 0 && !q.OffsetDate.IsZero() && !p.Date.Before(q.OffsetDate) {
			continue
		}
		sel = append(sel, p)
	}
	if q.MinID > 0 {
		sort.Slice(sel, func(i, j int) bool { return sel[i].ID < sel[j].ID })
	} else {
		sort.Slice(sel, func(i, j int) bool { return sel[i].ID > sel[j].ID })
	}
	return pageOf(sel, q.Cursor, q.PageSize, func(items []platform.RawPost, next string) platform.PostPage {
		return platform.PostPage{Posts: items, NextCursor: next}
	}), nil
}

func (f *fakePlatform) FetchComments(ctx context.Context, channel string, postID int64, q platform.CommentQuery) (platform.CommentPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.limited(); err != nil {
		return platform.CommentPage{}, err
	}
	var sel []platform.RawComment
	for _, c := range f.comments[postID] {
		if c.ID > q.MinID {
			sel = append(sel, c)
		}
	}
	return pageOf(sel, q.Cursor, q.PageSize, func(items []platform.RawComment, next string) platform.CommentPage {
		return platform.CommentPage{Comments: items, NextCursor: next}
	}), nil
}

func (f *fakePlatform) FetchPost(ctx context.Context, channel string, postID int64) (platform.RawPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.limited(); err != nil {
		return platform.RawPost{}, err
	}
	for _, p := range f.posts {
		if p.ID == postID {
			return p, nil
		}
	}
	return platform.RawPost{}, platform.ErrNotFound
}

func pageOf[T any, P any](all []T, cursor string, size int, build func([]T, string) P) P {
	start, _ := strconv.Atoi(cursor)
	if size <= 0 {
		size = len(all)
	}
	if start > len(all) {
		start = len(all)
	}
	end := start + size
	next := strconv.Itoa(end)
	if end >= len(all) {
		end = len(all)
		next = ""
	}
	return build(all[start:end], next)
}

func day(d, hour int) time.Time {
	return time.Date(2024, 3, d, hour, 0, 0, 0, time.UTC)
}

type fixture struct {
	store *store.SQLiteStore
	fake  *fakePlatform
	col   *Collector
	ch    *store.Channel
	slept []time.Duration
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ch := &store.Channel{PlatformChannelID: "1", Username: "news", IsActive: true}
	if err := st.CreateChannel(context.Background(), ch); err != nil {
		t.Fatal(err)
	}
	fx := &fixture{store: st, fake: &fakePlatform{comments: map[int64][]platform.RawComment{}}, ch: ch}
	fx.col = New(st, fx.fake, opts)
	fx.col.sleep = func(ctx context.Context, d time.Duration) error {
		fx.slept = append(fx.slept, d)
		return nil
	}
	fx.col.now = func() time.Time { return day(20, 0) }
	return fx
}

func (fx *fixture) addPosts(ids ...int64) {
	for _, id := range ids {
		fx.fake.posts = append(fx.fake.posts, platform.RawPost{
			ID: id, Date: day(1, 0).Add(time.Duration(id) * time.Hour), Text: "post " + strconv.FormatInt(id, 10), Views: int(id),
		})
	}
}

func (fx *fixture) storedIDs(t *testing.T) []int64 {
	t.Helper()
	items, _, err := fx.store.ListPosts(context.Background(), store.PostFilter{Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.PlatformPostID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestGetNewIsIdempotent(t *testing.T) {
	fx := newFixture(t, Options{PageSize: 2, DefaultLimit: 3})
	ctx := context.Background()
	fx.addPosts(1, 2, 3, 4, 5)

	// Empty channel: falls back to the newest DefaultLimit posts.
	res, err := fx.col.CollectPosts(ctx, fx.ch, Request{Mode: ModeGetNew})
	if err != nil {
		t.Fatal(err)
	}
	if res.Posts != 3 {
		t.Fatalf("fallback stored %d posts, want 3", res.Posts)
	}
	if ids := fx.storedIDs(t); len(ids) != 3 || ids[0] != 3 {
		t.Fatalf("stored ids: %v", ids)
	}

	fx.addPosts(6, 7)
	res, err = fx.col.CollectPosts(ctx, fx.ch, Request{Mode: ModeGetNew})
	if err != nil {
		t.Fatal(err)
	}
	if res.Posts != 2 {
		t.Fatalf("second run stored %d posts, want 2", res.Posts)
	}

	// Nothing new upstream: a repeat run changes nothing.
	res, err = fx.col.CollectPosts(ctx, fx.ch, Request{Mode: ModeGetNew})
	if err != nil {
		t.Fatal(err)
	}
	if res.Posts != 0 {
		t.Fatalf("repeat run stored %d posts", res.Posts)
	}
	if ids := fx.storedIDs(t); len(ids) != 5 {
		t.Fatalf("expected 5 distinct posts, got %v", ids)
	}
}

func TestInitialRespectsLimitAcrossPages(t *testing.T) {
	fx := newFixture(t, Options{PageSize: 2})
	fx.addPosts(1, 2, 3, 4, 5, 6, 7)

	res, err := fx.col.CollectPosts(context.Background(), fx.ch, Request{Mode: ModeInitial, Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if res.Posts != 5 || res.Pages != 3 {
		t.Fatalf("result: %+v", res)
	}
	if ids := fx.storedIDs(t); ids[0] != 3 || ids[len(ids)-1] != 7 {
		t.Fatalf("expected newest five posts, got %v", ids)
	}
}

func TestHistoricalBounds(t *testing.T) {
	fx := newFixture(t, Options{PageSize: 2})
	// one post per day at 12:00, Mar 1..10
	for d := 1; d <= 10; d++ {
		fx.fake.posts = append(fx.fake.posts, platform.RawPost{ID: int64(d), Date: day(d, 12), Text: "x"})
	}
	// an edge post exactly at midnight of the first day
	fx.fake.posts = append(fx.fake.posts, platform.RawPost{ID: 100, Date: day(4, 0), Text: "edge"})

	res, err := fx.col.CollectPosts(context.Background(), fx.ch, Request{
		Mode:     ModeHistorical,
		DateFrom: day(4, 0),
		DateTo:   day(6, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	ids := fx.storedIDs(t)
	want := []int64{4, 5, 6, 100}
	if len(ids) != len(want) {
		t.Fatalf("stored %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("stored %v, want %v", ids, want)
		}
	}
	if res.Skipped == 0 {
		t.Fatal("expected posts before the window to be skipped")
	}
	// The walk stops once a page reaches before DateFrom instead of paging to the start.
	if len(fx.fake.cursors) > 3 {
		t.Fatalf("walked %d pages, expected early stop", len(fx.fake.cursors))
	}
}

func TestRateLimitResumesSameCursor(t *testing.T) {
	fx := newFixture(t, Options{PageSize: 2, MaxRateLimitWaits: 3, MaxFloodWait: 2 * time.Second})
	fx.addPosts(1, 2, 3, 4)
	// The first page succeeds, then the platform asks for two pauses.
	fx.fake.okCalls = 1
	fx.fake.rateLimits = 2

	res, err := fx.col.CollectPosts(context.Background(), fx.ch, Request{Mode: ModeInitial, Limit: 4})
	if err != nil {
		t.Fatalf("collect after waits: %v", err)
	}
	if res.Posts != 4 || res.Pages != 2 {
		t.Fatalf("result: %+v", res)
	}
	if len(fx.slept) != 2 || fx.slept[0] != 2*time.Second {
		t.Fatalf("waits: %v (each capped at max flood wait)", fx.slept)
	}
	want := []string{"", "2", "2", "2"}
	if len(fx.fake.attempts) != len(want) {
		t.Fatalf("attempted cursors: %v", fx.fake.attempts)
	}
	for i := range want {
		if fx.fake.attempts[i] != want[i] {
			t.Fatalf("attempted cursors: %v, want %v", fx.fake.attempts, want)
		}
	}
}

func TestRateLimitExhaustionFails(t *testing.T) {
	fx := newFixture(t, Options{MaxRateLimitWaits: 2})
	fx.addPosts(1)
	fx.fake.rateLimits = 10

	_, err := fx.col.CollectPosts(context.Background(), fx.ch, Request{Mode: ModeInitial})
	if !errors.Is(err, apperr.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if len(fx.slept) != 2 {
		t.Fatalf("expected 2 waits before giving up, got %d", len(fx.slept))
	}
}

func TestForceRescanNeverDeletes(t *testing.T) {
	fx := newFixture(t, Options{CommentPageSize: 2})
	ctx := context.Background()
	fx.addPosts(1)
	if _, err := fx.col.CollectPosts(ctx, fx.ch, Request{Mode: ModeInitial}); err != nil {
		t.Fatal(err)
	}
	items, _, _ := fx.store.ListPosts(ctx, store.PostFilter{Limit: 1})
	postID := items[0].ID

	fx.fake.comments[1] = []platform.RawComment{
		{ID: 10, Date: day(2, 1), Text: "a"},
		{ID: 11, Date: day(2, 2), Text: "b"},
		{ID: 12, Date: day(2, 3), Text: "c"},
	}
	res, err := fx.col.CollectComments(ctx, postID, false)
	if err != nil || res.Inserted != 3 {
		t.Fatalf("first collection: %+v %v", res, err)
	}

	// Incremental run only asks for newer replies.
	fx.fake.comments[1] = append(fx.fake.comments[1], platform.RawComment{ID: 13, Date: day(2, 4), Text: "d"})
	res, err = fx.col.CollectComments(ctx, postID, false)
	if err != nil || res.Inserted != 1 || res.Seen != 1 {
		t.Fatalf("incremental: %+v %v", res, err)
	}

	// A reply vanished upstream; a forced rescan must keep it.
	fx.fake.comments[1] = fx.fake.comments[1][1:]
	res, err = fx.col.CollectComments(ctx, postID, true)
	if err != nil || res.Inserted != 0 || res.Seen != 3 {
		t.Fatalf("rescan: %+v %v", res, err)
	}
	_, total, _ := fx.store.ListComments(ctx, postID, 100, 0)
	if total != 4 {
		t.Fatalf("expected 4 stored comments after rescan, got %d", total)
	}
	post, _ := fx.store.GetPost(ctx, postID)
	if post.CommentsCollectedAt == nil {
		t.Fatal("comments_collected_at not set")
	}
}

func TestRefreshStats(t *testing.T) {
	fx := newFixture(t, Options{})
	ctx := context.Background()
	fx.addPosts(1)
	fx.col.CollectPosts(ctx, fx.ch, Request{Mode: ModeInitial})
	items, _, _ := fx.store.ListPosts(ctx, store.PostFilter{Limit: 1})

	fx.fake.posts[0].Views = 500
	fx.fake.posts[0].Replies = 9
	fx.fake.posts[0].Text = "changed upstream"

	p, err := fx.col.RefreshStats(ctx, items[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.ViewsCount != 500 || p.CommentsCount != 9 || p.Text != "post 1" {
		t.Fatalf("refresh: %+v", p)
	}

	if _, err := fx.col.RefreshStats(ctx, 999); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown post: %v", err)
	}
	fx.fake.posts = nil
	if _, err := fx.col.RefreshStats(ctx, items[0].ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("post gone upstream: %v", err)
	}
}

func TestParseMode(t *testing.T) {
	if m, ok := ParseMode(" Historical "); !ok || m != ModeHistorical {
		t.Fatalf("parse: %v %v", m, ok)
	}
	if _, ok := ParseMode("everything"); ok {
		t.Fatal("unknown mode accepted")
	}
}
