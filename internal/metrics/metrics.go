package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insightradar_jobs_finished_total",
		Help: "Background jobs that reached a terminal state",
	}, []string{"kind", "status"})
	JobsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insightradar_jobs_rejected_total",
		Help: "Job triggers rejected before enqueueing",
	}, []string{"kind", "reason"})
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "insightradar_job_duration_seconds",
		Help:    "Background job run time",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	RateLimitWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "insightradar_platform_rate_limit_waits_total",
		Help: "Times a collection job paused for a platform rate limit",
	})
	AnalysisAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insightradar_analysis_attempts_total",
		Help: "Analysis backend calls by outcome",
	}, []string{"outcome"})
	Upserts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insightradar_upserts_total",
		Help: "Rows written by collection jobs",
	}, []string{"entity"})
)

func init() {
	prometheus.MustRegister(JobsFinished, JobsRejected, JobDuration, RateLimitWaits, AnalysisAttempts, Upserts)
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// ObserveJob records a finished job.
func ObserveJob(kind, status string, start time.Time) {
	JobsFinished.WithLabelValues(kind, status).Inc()
	JobDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func IncRejected(kind, reason string) { JobsRejected.WithLabelValues(kind, reason).Inc() }
func IncAnalysis(outcome string)      { AnalysisAttempts.WithLabelValues(outcome).Inc() }
func AddUpserts(entity string, n int) { Upserts.WithLabelValues(entity).Add(float64(n)) }
