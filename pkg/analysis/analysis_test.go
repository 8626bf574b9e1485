package analysis

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/elonfeng/insightradar/internal/apperr"
	"github.com/elonfeng/insightradar/internal/store"
)

const goodReply = "```json\n" + `{"summary": "Rates rise; readers worried.", "sentiment": {"positive": 20, "negative": 50, "neutral": 30}, "key_topics": ["rates", " Rates ", "inflation", ""]}` + "\n```"

type scriptedAnalyzer struct {
	replies []Reply
	errs    []error
	calls   int
	prompts []string
}

func (s *scriptedAnalyzer) Complete(ctx context.Context, prompt string) (Reply, error) {
	i := s.calls
	s.calls++
	s.prompts = append(s.prompts, prompt)
	if i < len(s.errs) && s.errs[i] != nil {
		return Reply{}, s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], nil
	}
	return Reply{Text: goodReply, Model: "test-model"}, nil
}

func newPipelineFixture(t *testing.T, an Analyzer, opts Options) (*Pipeline, *store.SQLiteStore, *[]time.Duration) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	ch := &store.Channel{PlatformChannelID: "1", Username: "news", IsActive: true}
	st.CreateChannel(ctx, ch)
	st.UpsertPosts(ctx, ch.ID, []store.Post{
		{PlatformPostID: 1, Text: "Central bank raises rates", CreatedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		{PlatformPostID: 2, Text: "   ", CreatedAt: time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)},
	})

	p := NewPipeline(st, an, opts)
	slept := []time.Duration{}
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, st, &slept
}

func postID(t *testing.T, st *store.SQLiteStore, platformID int64) int64 {
	t.Helper()
	items, _, _ := st.ListPosts(context.Background(), store.PostFilter{Limit: 10})
	for _, it := range items {
		if it.PlatformPostID == platformID {
			return it.ID
		}
	}
	t.Fatalf("post %d not stored", platformID)
	return 0
}

func TestAnalyzeStoresNormalizedResult(t *testing.T) {
	an := &scriptedAnalyzer{}
	p, st, _ := newPipelineFixture(t, an, Options{MaxComments: 5})
	ctx := context.Background()
	id := postID(t, st, 1)
	st.InsertComments(ctx, id, []store.Comment{{PlatformCommentID: 1, Text: "this is bad news", CreatedAt: time.Now()}})

	a, err := p.Analyze(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if a.ModelUsed != "test-model" || a.Sentiment.NegativePercent != 50 {
		t.Fatalf("analysis: %+v", a)
	}
	if len(a.KeyTopics) != 2 || a.KeyTopics[0] != "rates" || a.KeyTopics[1] != "inflation" {
		t.Fatalf("topics: %v", a.KeyTopics)
	}
	if !strings.Contains(an.prompts[0], "this is bad news") {
		t.Fatal("comments missing from prompt")
	}
	stored, err := st.GetAnalysis(ctx, id)
	if err != nil || stored.Summary != a.Summary {
		t.Fatalf("stored: %+v %v", stored, err)
	}
}

func TestAnalysisGuard(t *testing.T) {
	p, st, _ := newPipelineFixture(t, &scriptedAnalyzer{}, Options{})
	ctx := context.Background()
	id := postID(t, st, 1)

	if _, err := p.Analyze(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Check(ctx, id); !errors.Is(err, apperr.ErrAlreadyAnalyzed) {
		t.Fatalf("expected already analyzed, got %v", err)
	}
	if _, err := p.Analyze(ctx, id); !errors.Is(err, apperr.ErrAlreadyAnalyzed) {
		t.Fatalf("expected already analyzed, got %v", err)
	}
	if _, err := p.Check(ctx, postID(t, st, 2)); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for empty text, got %v", err)
	}
	if _, err := p.Check(ctx, 999); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	a, err := p.Reanalyze(ctx, id)
	if err != nil || a.PostID != id {
		t.Fatalf("reanalyze: %+v %v", a, err)
	}
}

func TestTransientFailuresRetryWithBackoff(t *testing.T) {
	busy := transient(errors.New("status 503"))
	an := &scriptedAnalyzer{errs: []error{busy, busy, busy}}
	p, st, slept := newPipelineFixture(t, an, Options{
		MaxAttempts: 4, BaseBackoff: time.Second, MaxBackoff: 3 * time.Second,
	})

	if _, err := p.Analyze(context.Background(), postID(t, st, 1)); err != nil {
		t.Fatalf("expected success on fourth attempt: %v", err)
	}
	if an.calls != 4 {
		t.Fatalf("calls: %d", an.calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("backoffs: %v", *slept)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Fatalf("backoffs: %v, want %v", *slept, want)
		}
	}
}

func TestRetriesExhaustedYieldAnalysisFailed(t *testing.T) {
	busy := transient(errors.New("status 429"))
	an := &scriptedAnalyzer{errs: []error{busy, busy, busy}}
	p, st, _ := newPipelineFixture(t, an, Options{MaxAttempts: 3, BaseBackoff: time.Millisecond})
	id := postID(t, st, 1)

	_, err := p.Analyze(context.Background(), id)
	if !errors.Is(err, apperr.ErrAnalysisFailed) {
		t.Fatalf("expected analysis failed, got %v", err)
	}
	if an.calls != 3 {
		t.Fatalf("calls: %d", an.calls)
	}
	if _, err := st.GetAnalysis(context.Background(), id); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("no analysis may be stored after failure")
	}
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	an := &scriptedAnalyzer{replies: []Reply{{Text: "I cannot help with that."}}}
	p, st, _ := newPipelineFixture(t, an, Options{MaxAttempts: 5})

	_, err := p.Analyze(context.Background(), postID(t, st, 1))
	if !errors.Is(err, apperr.ErrAnalysisFailed) {
		t.Fatalf("expected analysis failed, got %v", err)
	}
	if an.calls != 1 {
		t.Fatalf("bad JSON must not be retried, calls=%d", an.calls)
	}
}

func TestNormalizeSentiment(t *testing.T) {
	cases := []struct {
		in   [3]float64
		want [3]int
	}{
		{[3]float64{70, 10, 20}, [3]int{70, 10, 20}},
		{[3]float64{1, 1, 1}, [3]int{34, 33, 33}},
		{[3]float64{0.5, 0.25, 0.25}, [3]int{50, 25, 25}},
		{[3]float64{0, 0, 0}, [3]int{0, 0, 100}},
		{[3]float64{-5, 30, 30}, [3]int{0, 50, 50}},
		{[3]float64{33.3, 33.3, 33.4}, [3]int{33, 33, 34}},
	}
	for _, c := range cases {
		p, n, u := NormalizeSentiment(c.in[0], c.in[1], c.in[2])
		if [3]int{p, n, u} != c.want {
			t.Errorf("%v: got %d/%d/%d, want %v", c.in, p, n, u, c.want)
		}
		if p+n+u != 100 {
			t.Errorf("%v: sum %d", c.in, p+n+u)
		}
	}
}

func TestNormalizeTopicsCapsAtTen(t *testing.T) {
	in := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "A"}
	out := NormalizeTopics(in)
	if len(out) != MaxTopics || out[0] != "a" || out[9] != "j" {
		t.Fatalf("topics: %v", out)
	}
}

func TestBuildPromptTruncates(t *testing.T) {
	p := BuildPrompt(strings.Repeat("я", 5000), []string{"tail comment"}, 100)
	if strings.Contains(p, "tail comment") {
		t.Fatal("content beyond the limit must be cut")
	}
	if strings.Count(p, "я") != 100-len("POST:\n") {
		t.Fatalf("unexpected rune count %d", strings.Count(p, "я"))
	}
}

func TestOpenAIClassifiesStatus(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing auth header")
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error": {"message": "nope"}}`))
			return
		}
		w.Write([]byte(`{"model": "gpt-4o-mini-2024-07-18", "choices": [{"message": {"content": "{\"summary\": \"s\"}"}}]}`))
	}))
	defer srv.Close()
	o := NewOpenAI("", "k", srv.URL, time.Second)
	ctx := context.Background()

	if _, err := o.Complete(ctx, "p"); !IsTransient(err) {
		t.Fatalf("429 should be transient: %v", err)
	}
	status = http.StatusBadRequest
	if _, err := o.Complete(ctx, "p"); err == nil || IsTransient(err) {
		t.Fatalf("400 should be permanent: %v", err)
	}
	status = http.StatusOK
	reply, err := o.Complete(ctx, "p")
	if err != nil || reply.Model != "gpt-4o-mini-2024-07-18" {
		t.Fatalf("reply: %+v %v", reply, err)
	}
}
