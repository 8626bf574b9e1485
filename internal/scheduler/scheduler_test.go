package scheduler

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

type countingTriggers struct {
	collects int
	sweeps   []int
	err      error
	deadline bool
}

func (c *countingTriggers) CollectActiveChannels(ctx context.Context) (int, error) {
	c.collects++
	_, c.deadline = ctx.Deadline()
	return 2, c.err
}

func (c *countingTriggers) SweepAnalysis(ctx context.Context, limit int) (int, error) {
	c.sweeps = append(c.sweeps, limit)
	return limit, nil
}

func TestEntriesFollowOptions(t *testing.T) {
	s, err := New(&countingTriggers{}, Options{CollectCron: "*/30 * * * *", AnalysisCron: "*/10 * * * *"})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Entries(); len(got) != 1 || got[0] != "collect" {
		t.Fatalf("analysis sweep must stay off unless enabled: %v", got)
	}

	s, err = New(&countingTriggers{}, Options{CollectCron: "*/30 * * * *", AnalysisCron: "*/10 * * * *", AutoAnalysis: true})
	if err != nil {
		t.Fatal(err)
	}
	got := s.Entries()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "analysis" || got[1] != "collect" {
		t.Fatalf("entries: %v", got)
	}

	if _, err := New(&countingTriggers{}, Options{CollectCron: "every tuesday"}); err == nil {
		t.Fatal("invalid cron spec must be rejected")
	}
}

func TestRunNowAppliesTimeoutAndBatch(t *testing.T) {
	tr := &countingTriggers{err: errors.New("store closed")}
	s, err := New(tr, Options{SweepBatch: 7, RunTimeout: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	s.RunNow("collect", s.collect)
	s.RunNow("analysis", s.sweep)

	if tr.collects != 1 || !tr.deadline {
		t.Fatalf("collect: runs=%d deadline=%v", tr.collects, tr.deadline)
	}
	if len(tr.sweeps) != 1 || tr.sweeps[0] != 7 {
		t.Fatalf("sweeps: %v", tr.sweeps)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	s, _ := New(&countingTriggers{}, Options{CollectCron: "@every 1h"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
