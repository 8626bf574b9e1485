package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/insightradar/internal/config"
	"github.com/elonfeng/insightradar/internal/jobs"
	"github.com/elonfeng/insightradar/internal/logging"
	"github.com/elonfeng/insightradar/internal/scheduler"
	"github.com/elonfeng/insightradar/internal/store"
	"github.com/elonfeng/insightradar/pkg/alert"
	"github.com/elonfeng/insightradar/pkg/analysis"
	"github.com/elonfeng/insightradar/pkg/collector"
	"github.com/elonfeng/insightradar/pkg/orchestrator"
	"github.com/elonfeng/insightradar/pkg/platform"
	"github.com/elonfeng/insightradar/pkg/query"
	"github.com/elonfeng/insightradar/pkg/registry"
	"github.com/elonfeng/insightradar/pkg/server"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Setup(os.Stderr, cfg.Log.Level)
	return cfg, nil
}

func buildPlatform(cfg *config.Config) (platform.Platform, error) {
	if cfg.Platform.Kind == "feed" {
		return platform.NewFeed(cfg.Platform.FeedURLTemplate, cfg.Platform.ParseTimeout()), nil
	}
	return platform.NewGateway(platform.GatewayOptions{
		BaseURL:     cfg.Platform.BaseURL,
		Token:       cfg.Platform.Token,
		SessionPath: cfg.Platform.SessionPath,
		RPS:         cfg.Platform.RPS,
		Burst:       cfg.Platform.Burst,
		Timeout:     cfg.Platform.ParseTimeout(),
	})
}

// buildLocker returns the lease backend and a func releasing its resources.
func buildLocker(ctx context.Context, cfg *config.Config) (jobs.Locker, func(), error) {
	if cfg.Locks.Backend == "postgres" {
		l, err := jobs.NewPGLocker(ctx, cfg.Locks.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	}
	return jobs.NewMemoryLocker(), func() {}, nil
}

// buildPipeline returns nil when no analysis backend can be built.
func buildPipeline(ctx context.Context, cfg *config.Config, db store.Store) *analysis.Pipeline {
	analyzer, err := analysis.NewAnalyzer(ctx, analysis.ProviderConfig{
		Provider: cfg.Analysis.Provider,
		Model:    cfg.Analysis.Model,
		APIKey:   cfg.Analysis.APIKey,
		BaseURL:  cfg.Analysis.BaseURL,
		Timeout:  cfg.Analysis.ParseTimeout(),
	})
	if err != nil {
		logging.Warn("analysis_disabled", map[string]any{"error": err})
		return nil
	}
	logging.Info("analysis_enabled", map[string]any{"provider": cfg.Analysis.Provider, "model": cfg.Analysis.Model})
	return analysis.NewPipeline(db, analyzer, analysis.Options{
		MaxAttempts:    cfg.Analysis.MaxAttempts,
		BaseBackoff:    cfg.Analysis.ParseBaseBackoff(),
		MaxBackoff:     cfg.Analysis.ParseMaxBackoff(),
		MaxComments:    cfg.Analysis.MaxComments,
		MaxPromptChars: cfg.Analysis.MaxPromptChars,
	})
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	db        *store.SQLiteStore
	jobs      *jobs.Manager
	registry  *registry.Registry
	pipeline  *analysis.Pipeline
	orch      *orchestrator.Orchestrator
	query     *query.Service
	closeLock func()
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	plat, err := buildPlatform(cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build platform client: %w", err)
	}

	locker, closeLock, err := buildLocker(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build job locker: %w", err)
	}

	alerts := buildAlertManager(cfg)
	mgr := jobs.NewManager(locker, jobs.Options{
		Workers:   cfg.Jobs.Workers,
		QueueSize: cfg.Jobs.QueueSize,
		LeaseTTL:  cfg.Jobs.ParseLeaseTTL(),
		Retention: cfg.Jobs.ParseRetention(),
		OnFailure: func(j jobs.Job) { go alerts.JobFailed(j) },
	})

	col := collector.New(db, plat, collector.Options{
		PageSize:          cfg.Collector.PageSize,
		DefaultLimit:      cfg.Collector.DefaultLimit,
		CommentPageSize:   cfg.Collector.CommentPageSize,
		MaxRateLimitWaits: cfg.Collector.MaxRateLimitWaits,
		MaxFloodWait:      cfg.Collector.ParseMaxFloodWait(),
	})
	pipeline := buildPipeline(ctx, cfg, db)

	return &app{
		cfg:       cfg,
		db:        db,
		jobs:      mgr,
		registry:  registry.New(db, plat),
		pipeline:  pipeline,
		orch:      orchestrator.New(db, mgr, col, pipeline, orchestrator.Options{MaxLimit: cfg.Collector.MaxLimit}),
		query:     query.New(db, cfg.Query.MaxWindowDays),
		closeLock: closeLock,
	}, nil
}

func (a *app) Close() {
	a.closeLock()
	a.db.Close()
}

func runServe(port int, withScheduler bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}
	srv := server.New(a.registry, a.orch, a.query, server.Options{
		Port:         port,
		CollectOnAdd: a.cfg.Registry.CollectOnAdd,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.jobs.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if withScheduler {
		sched, err := scheduler.New(a.orch, scheduler.Options{
			CollectCron:  a.cfg.Schedule.CollectCron,
			AnalysisCron: a.cfg.Schedule.AnalysisCron,
			AutoAnalysis: a.cfg.Analysis.Auto,
			SweepBatch:   a.cfg.Analysis.SweepBatch,
			RunTimeout:   a.cfg.Schedule.ParseRunTimeout(),
		})
		if err != nil {
			cancel()
			g.Wait()
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	err = g.Wait()
	logging.Info("shutdown", nil)
	return err
}

// runJob submits one job, waits for it and prints its result.
func runJob(a *app, submit func(ctx context.Context) (jobs.Job, error)) error {
	job, err := waitJob(a, submit)
	if err != nil {
		return err
	}
	fmt.Println(job.Result)
	return nil
}

// waitJob starts the workers, submits one job and waits for it to succeed.
func waitJob(a *app, submit func(ctx context.Context) (jobs.Job, error)) (jobs.Job, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.jobs.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	job, err := submit(ctx)
	if err != nil {
		return jobs.Job{}, err
	}
	fmt.Fprintf(os.Stderr, "job %s queued (%s %d)\n", job.ID, job.Kind, job.Target)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.orch.Cancel(job.ID)
			return job, ctx.Err()
		case <-ticker.C:
		}
		job, err = a.orch.Job(job.ID)
		if err != nil {
			return job, err
		}
		if !job.Status.Terminal() {
			continue
		}
		if job.Status != jobs.StatusSucceeded {
			return job, fmt.Errorf("job %s %s: %s", job.ID, job.Status, job.Error)
		}
		return job, nil
	}
}

func runCollect(channelID int64, mode, dateFrom, dateTo string, limit *int) error {
	a, err := buildApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()

	req := orchestrator.CollectRequest{Mode: mode, Limit: limit}
	if dateFrom != "" {
		t, err := query.ParseDate(dateFrom)
		if err != nil {
			return err
		}
		req.DateFrom = &t
	}
	if dateTo != "" {
		t, err := query.ParseDate(dateTo)
		if err != nil {
			return err
		}
		req.DateTo = &t
	}
	return runJob(a, func(ctx context.Context) (jobs.Job, error) {
		return a.orch.TriggerChannelCollection(ctx, channelID, req)
	})
}

func runComments(postID int64, force bool) error {
	a, err := buildApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()
	return runJob(a, func(ctx context.Context) (jobs.Job, error) {
		return a.orch.TriggerCommentCollection(ctx, postID, force)
	})
}

func runStats(postID int64) error {
	a, err := buildApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()
	return runJob(a, func(ctx context.Context) (jobs.Job, error) {
		return a.orch.TriggerStatsRefresh(ctx, postID)
	})
}

// runAnalyze runs the analysis as a job so it holds the same lease as
// analyses queued by a server sharing the lock backend.
func runAnalyze(postID int64, force, jsonOutput bool) error {
	a, err := buildApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()
	if a.pipeline == nil {
		return errors.New("no analysis backend configured (set OPENAI_API_KEY, ANTHROPIC_API_KEY or GEMINI_API_KEY)")
	}

	if _, err := waitJob(a, func(ctx context.Context) (jobs.Job, error) {
		if force {
			return a.orch.RequestReanalysis(ctx, postID)
		}
		return a.orch.RequestAnalysis(ctx, postID)
	}); err != nil {
		return err
	}

	details, err := a.query.GetPostDetails(context.Background(), postID)
	if err != nil {
		return err
	}
	result := details.Analysis
	if result == nil {
		return fmt.Errorf("post %d has no stored analysis", postID)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	fmt.Printf("post %d analyzed by %s\n\n%s\n\n", result.PostID, result.ModelUsed, result.Summary)
	fmt.Printf("sentiment: %d%% positive, %d%% negative, %d%% neutral\n",
		result.Sentiment.PositivePercent, result.Sentiment.NegativePercent, result.Sentiment.NeutralPercent)
	fmt.Printf("topics: %v\n", result.KeyTopics)
	return nil
}

func runChannelsList(jsonOutput bool) error {
	a, err := buildApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()

	channels, err := a.registry.ListChannels(context.Background())
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(channels)
	}

	if len(channels) == 0 {
		fmt.Println("no channels registered (add one: insightradar channels add <username>)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tTITLE\tACTIVE\tADDED")
	for _, c := range channels {
		fmt.Fprintf(w, "%d\t@%s\t%s\t%v\t%s\n",
			c.ID, c.Username, c.DisplayName, c.IsActive, c.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runChannelsAdd(username string) error {
	a, err := buildApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()

	ch, err := a.registry.AddChannel(context.Background(), username)
	if err != nil {
		return err
	}
	fmt.Printf("added @%s as channel %d\n", ch.Username, ch.ID)
	return nil
}

func runChannelsToggle(id int64, active bool) error {
	a, err := buildApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()

	ch, err := a.registry.SetActive(context.Background(), id, active)
	if err != nil {
		return err
	}
	fmt.Printf("@%s active: %v\n", ch.Username, ch.IsActive)
	return nil
}
