package alert

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elonfeng/insightradar/internal/jobs"
)

func failedJob() jobs.Job {
	finished := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return jobs.Job{
		ID:         "job-1",
		Kind:       jobs.KindPostAnalysis,
		Target:     42,
		Status:     jobs.StatusFailed,
		FinishedAt: &finished,
		Error:      "analysis of post 42 failed after 4 attempts",
		ErrorKind:  "analysis_failed",
	}
}

func TestWebhookSignsDelivery(t *testing.T) {
	var (
		mu     sync.Mutex
		got    Delivery
		header http.Header
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		header = r.Header.Clone()
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, "s3cret")
	hook.now = func() time.Time { return time.Unix(1709294400, 0) }
	m := NewManager([]Notifier{hook})
	m.JobFailed(failedJob())

	mu.Lock()
	defer mu.Unlock()
	if got.Event != EventJobFailed || got.Job == nil {
		t.Fatalf("delivery: %+v", got)
	}
	if got.Job.JobID != "job-1" || got.Job.Target != 42 || got.Job.ErrorKind != "analysis_failed" {
		t.Fatalf("job payload: %+v", got.Job)
	}
	if header.Get("X-Insightradar-Delivery") != "job-1" || header.Get("X-Insightradar-Timestamp") != "1709294400" {
		t.Fatalf("headers: %v", header)
	}
	if sig := header.Get("X-Signature-256"); sig != Sign("s3cret", "1709294400", body) {
		t.Fatalf("signature %q does not match body", sig)
	}
	if Sign("s3cret", "1709294401", body) == header.Get("X-Signature-256") {
		t.Fatal("signature must depend on the timestamp")
	}
}

func TestBroadcastJoinsErrors(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	var slackText string
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		slackText, _ = payload["text"].(string)
	}))
	defer good.Close()

	m := NewManager([]Notifier{NewSlack(good.URL), NewWebhook(bad.URL, "")})
	err := m.Broadcast(t.Context(), FromJob(failedJob()))
	if err == nil || !strings.Contains(err.Error(), "webhook: deliver job job-1: receiver status 500") {
		t.Fatalf("expected webhook failure, got %v", err)
	}
	if slackText != "post-analysis job failed for 42" {
		t.Fatalf("slack text: %q", slackText)
	}
}

func TestJobFailedWithoutNotifiers(t *testing.T) {
	m := NewManager(nil)
	if m.HasNotifiers() {
		t.Fatal("no notifiers configured")
	}
	m.JobFailed(failedJob())
}
