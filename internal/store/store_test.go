package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedChannel(t *testing.T, s *SQLiteStore, username string) *Channel {
	t.Helper()
	c := &Channel{PlatformChannelID: "pc-" + username, Username: username, IsActive: true}
	if err := s.CreateChannel(context.Background(), c); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	return c
}

func day(d int, hour int) time.Time {
	return time.Date(2024, 3, d, hour, 0, 0, 0, time.UTC)
}

func TestChannelUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, s, "golang")

	dup := &Channel{PlatformChannelID: "pc-golang", Username: "other", IsActive: true}
	if err := s.CreateChannel(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	found, err := s.FindChannel(ctx, "", "GoLang")
	if err != nil || found.Username != "golang" {
		t.Fatalf("find by username: %v %+v", err, found)
	}
	if _, err := s.SetChannelActive(ctx, 999, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	c, err := s.SetChannelActive(ctx, found.ID, false)
	if err != nil || c.IsActive {
		t.Fatalf("deactivate: %v %+v", err, c)
	}
	active, _ := s.ListChannels(ctx, true)
	if len(active) != 0 {
		t.Fatalf("expected no active channels, got %d", len(active))
	}
}

func TestUpsertPostsIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "news")

	page := []Post{
		{PlatformPostID: 1, Text: "first", CreatedAt: day(1, 10), ViewsCount: 5, Reactions: map[string]int{"👍": 2}},
		{PlatformPostID: 2, Text: "second", CreatedAt: day(2, 10), ViewsCount: 7},
	}
	if _, err := s.UpsertPosts(ctx, ch.ID, page); err != nil {
		t.Fatal(err)
	}
	page[0].ViewsCount = 50
	page[0].Text = "first (edited)"
	if _, err := s.UpsertPosts(ctx, ch.ID, page); err != nil {
		t.Fatal(err)
	}

	items, total, err := s.ListPosts(ctx, PostFilter{Limit: 20})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 posts after re-upsert, got total=%d len=%d", total, len(items))
	}
	// newest first
	if items[0].PlatformPostID != 2 || items[1].PlatformPostID != 1 {
		t.Fatalf("unexpected order: %d, %d", items[0].PlatformPostID, items[1].PlatformPostID)
	}
	if items[1].ViewsCount != 50 || items[1].Text != "first (edited)" || items[1].Reactions["👍"] != 2 {
		t.Fatalf("fields not refreshed: %+v", items[1].Post)
	}
	if items[1].ChannelUsername != "news" {
		t.Fatalf("channel username: %q", items[1].ChannelUsername)
	}
	max, _ := s.MaxPlatformPostID(ctx, ch.ID)
	if max != 2 {
		t.Fatalf("max platform id: %d", max)
	}
}

func TestListPostsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "news")
	s.UpsertPosts(ctx, ch.ID, []Post{
		{PlatformPostID: 1, Text: "Rates are UP", CreatedAt: day(1, 10), CommentsCount: 1},
		{PlatformPostID: 2, Text: "weather 100%", CreatedAt: day(2, 10), CommentsCount: 10},
		{PlatformPostID: 3, Text: "rates down", CreatedAt: day(3, 10), CommentsCount: 3},
	})

	items, total, _ := s.ListPosts(ctx, PostFilter{Search: "rates", Limit: 20})
	if total != 2 || len(items) != 2 {
		t.Fatalf("search: total=%d", total)
	}
	_, total, _ = s.ListPosts(ctx, PostFilter{Search: "100%", Limit: 20})
	if total != 1 {
		t.Fatalf("escaped search: total=%d", total)
	}
	_, total, _ = s.ListPosts(ctx, PostFilter{DateFrom: day(2, 0), DateTo: day(3, 0), Limit: 20})
	if total != 1 {
		t.Fatalf("date window: total=%d", total)
	}
	_, total, _ = s.ListPosts(ctx, PostFilter{MinComments: 3, Limit: 20})
	if total != 2 {
		t.Fatalf("min comments: total=%d", total)
	}

	items, _, _ = s.ListPosts(ctx, PostFilter{SortBy: "comments_count", Limit: 20})
	if items[0].PlatformPostID != 2 || items[2].PlatformPostID != 1 {
		t.Fatalf("comments desc: %d..%d", items[0].PlatformPostID, items[2].PlatformPostID)
	}
	items, _, _ = s.ListPosts(ctx, PostFilter{Ascending: true, Limit: 20})
	if items[0].PlatformPostID != 1 {
		t.Fatalf("created asc: first %d", items[0].PlatformPostID)
	}
}

func TestCommentsInsertOrIgnore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "news")
	s.UpsertPosts(ctx, ch.ID, []Post{{PlatformPostID: 1, Text: "p", CreatedAt: day(1, 10)}})
	post, _, _ := s.ListPosts(ctx, PostFilter{Limit: 1})
	postID := post[0].ID

	first := []Comment{
		{PlatformCommentID: 10, AuthorName: "a", Text: "hello", CreatedAt: day(1, 11)},
		{PlatformCommentID: 11, AuthorName: "b", Text: "hi", CreatedAt: day(1, 12)},
	}
	n, err := s.InsertComments(ctx, postID, first)
	if err != nil || n != 2 {
		t.Fatalf("insert: n=%d err=%v", n, err)
	}
	again := []Comment{
		{PlatformCommentID: 10, AuthorName: "a", Text: "edited", CreatedAt: day(1, 11)},
		{PlatformCommentID: 12, AuthorName: "c", Text: "new", CreatedAt: day(1, 13)},
	}
	n, err = s.InsertComments(ctx, postID, again)
	if err != nil || n != 1 {
		t.Fatalf("re-insert: n=%d err=%v", n, err)
	}
	comments, total, _ := s.ListComments(ctx, postID, 10, 0)
	if total != 3 {
		t.Fatalf("expected 3 comments, got %d", total)
	}
	if comments[0].Text != "hello" {
		t.Fatalf("stored comment was mutated: %q", comments[0].Text)
	}
	if _, err := s.InsertComments(ctx, 999, first); err == nil {
		t.Fatal("expected foreign key failure for unknown post")
	}
}

func TestAnalysisGuardAndSentimentTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "news")
	s.UpsertPosts(ctx, ch.ID, []Post{
		{PlatformPostID: 1, Text: "a", CreatedAt: day(1, 10)},
		{PlatformPostID: 2, Text: "b", CreatedAt: day(2, 10)},
	})
	items, _, _ := s.ListPosts(ctx, PostFilter{Limit: 10})

	a1 := &Analysis{PostID: items[0].ID, Summary: "s", Sentiment: Sentiment{70, 10, 20}, KeyTopics: []string{"x"}}
	a2 := &Analysis{PostID: items[1].ID, Summary: "s", Sentiment: Sentiment{30, 50, 20}, KeyTopics: []string{"x", "y"}}
	if err := s.SaveAnalysis(ctx, a1, false); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAnalysis(ctx, a2, false); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAnalysis(ctx, a1, false); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on second save, got %v", err)
	}
	a1.Summary = "rewritten"
	if err := s.SaveAnalysis(ctx, a1, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ := s.GetAnalysis(ctx, a1.PostID)
	if got.Summary != "rewritten" {
		t.Fatalf("overwrite not applied: %q", got.Summary)
	}

	totals, err := s.SentimentTotals(ctx, day(1, 0), day(3, 0))
	if err != nil {
		t.Fatal(err)
	}
	if totals.N != 2 || totals.Positive != 100 || totals.Negative != 60 || totals.Neutral != 40 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
	lists, _ := s.TopicLists(ctx, day(1, 0), day(3, 0))
	if len(lists) != 2 {
		t.Fatalf("topic lists: %v", lists)
	}

	unanalyzed, _ := s.ListUnanalyzed(ctx, 10)
	if len(unanalyzed) != 0 {
		t.Fatalf("expected every post analyzed, got %d pending", len(unanalyzed))
	}
	insights, total, _ := s.ListInsights(ctx, 10, 0)
	if total != 2 || insights[0].Analysis == nil || insights[0].ChannelUsername != "news" {
		t.Fatalf("insights: total=%d %+v", total, insights)
	}
}

func TestUpdatePostStatsTouchesOnlyCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "news")
	s.UpsertPosts(ctx, ch.ID, []Post{{PlatformPostID: 1, Text: "keep me", CreatedAt: day(1, 10)}})
	items, _, _ := s.ListPosts(ctx, PostFilter{Limit: 1})

	now := day(5, 9)
	p, err := s.UpdatePostStats(ctx, items[0].ID, PostStats{ViewsCount: 99, Reactions: map[string]int{"🔥": 4}, UpdatedAt: now})
	if err != nil {
		t.Fatal(err)
	}
	if p.ViewsCount != 99 || p.Text != "keep me" || p.Reactions["🔥"] != 4 {
		t.Fatalf("unexpected post: %+v", p)
	}
	if p.StatsUpdatedAt == nil || !p.StatsUpdatedAt.Equal(now) {
		t.Fatalf("stats_updated_at: %v", p.StatsUpdatedAt)
	}
	missing, _ := s.MissingPostIDs(ctx, []int64{items[0].ID, 77})
	if len(missing) != 1 || missing[0] != 77 {
		t.Fatalf("missing ids: %v", missing)
	}
}
