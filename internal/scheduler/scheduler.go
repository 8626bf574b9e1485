package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/elonfeng/insightradar/internal/logging"
)

// Triggers is the work the scheduler fans out periodically.
type Triggers interface {
	CollectActiveChannels(ctx context.Context) (int, error)
	SweepAnalysis(ctx context.Context, limit int) (int, error)
}

// Options configures the cron entries. An empty spec disables an entry.
type Options struct {
	CollectCron  string
	AnalysisCron string
	AutoAnalysis bool
	SweepBatch   int
	RunTimeout   time.Duration
}

// Scheduler runs periodic collection and analysis sweeps.
type Scheduler struct {
	cron     *cron.Cron
	triggers Triggers
	opts     Options

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
}

func New(triggers Triggers, opts Options) (*Scheduler, error) {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 20
	}
	s := &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		triggers: triggers,
		opts:     opts,
		entries:  make(map[string]cron.EntryID),
		ctx:      context.Background(),
	}

	if opts.CollectCron != "" {
		if err := s.add("collect", opts.CollectCron, s.collect); err != nil {
			return nil, err
		}
	}
	if opts.AutoAnalysis && opts.AnalysisCron != "" {
		if err := s.add("analysis", opts.AnalysisCron, s.sweep); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, fn func(ctx context.Context) (int, error)) error {
	id, err := s.cron.AddFunc(spec, func() { s.RunNow(name, fn) })
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.entries[name] = id
	return nil
}

func (s *Scheduler) collect(ctx context.Context) (int, error) {
	return s.triggers.CollectActiveChannels(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) (int, error) {
	return s.triggers.SweepAnalysis(ctx, s.opts.SweepBatch)
}

// Entries lists the names of the scheduled entries.
func (s *Scheduler) Entries() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// RunNow runs one entry with the per-run timeout and logs the outcome.
func (s *Scheduler) RunNow(name string, fn func(ctx context.Context) (int, error)) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(parent, s.opts.RunTimeout)
	defer cancel()

	start := time.Now()
	queued, err := fn(ctx)
	fields := map[string]any{
		"entry":       name,
		"queued":      queued,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err
		logging.Warn("schedule_run_failed", fields)
		return
	}
	logging.Info("schedule_run", fields)
}

// Run starts the cron loop and blocks until ctx is cancelled. Running
// entries are waited for before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	logging.Info("scheduler_started", map[string]any{
		"collect_cron":  s.opts.CollectCron,
		"analysis_cron": s.opts.AnalysisCron,
		"auto_analysis": s.opts.AutoAnalysis,
	})
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	logging.Info("scheduler_stopped", nil)
	return nil
}
