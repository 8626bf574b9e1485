package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/elonfeng/insightradar/internal/apperr"
	"github.com/elonfeng/insightradar/internal/logging"
	"github.com/elonfeng/insightradar/internal/metrics"
	"github.com/elonfeng/insightradar/pkg/orchestrator"
	"github.com/elonfeng/insightradar/pkg/query"
	"github.com/elonfeng/insightradar/pkg/registry"
)

// Options configures the HTTP server.
type Options struct {
	Port int
	// CollectOnAdd queues an initial collection for every newly added channel.
	CollectOnAdd bool
}

// Server provides the HTTP API.
type Server struct {
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	query    *query.Service
	opts     Options
}

func New(reg *registry.Registry, orch *orchestrator.Orchestrator, q *query.Service, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	return &Server{registry: reg, orch: orch, query: q, opts: opts}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /channels", s.handleListChannels)
	mux.HandleFunc("POST /channels", s.handleAddChannel)
	mux.HandleFunc("PATCH /channels/{id}", s.handleToggleChannel)
	mux.HandleFunc("POST /channels/{id}/collect-posts", s.handleCollectPosts)

	mux.HandleFunc("GET /data/posts", s.handleListPosts)
	mux.HandleFunc("GET /data/posts/{id}", s.handlePostDetails)
	mux.HandleFunc("POST /data/posts/{id}/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /posts/{id}/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /posts/{id}/collect-comments", s.handleCollectComments)
	mux.HandleFunc("POST /posts/bulk/collect-comments", s.handleBulkCollectComments)
	mux.HandleFunc("POST /posts/{id}/update-stats", s.handleUpdateStats)
	mux.HandleFunc("GET /posts/{id}/comments", s.handleListComments)

	mux.HandleFunc("GET /insights", s.handleInsights)
	mux.HandleFunc("GET /analytics/dynamics", s.handleDynamics)
	mux.HandleFunc("GET /analytics/sentiment", s.handleSentiment)
	mux.HandleFunc("GET /analytics/topics", s.handleTopics)

	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleCancelJob)

	return logRequests(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logging.Info("server_listening", map[string]any{"addr": srv.Addr})
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug("http_request", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errBadBody marks request bodies that could not be decoded.
var errBadBody = errors.New("malformed request body")

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	if errors.Is(err, errBadBody) {
		return http.StatusUnprocessableEntity
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindDuplicate, apperr.KindAlreadyRunning, apperr.KindAlreadyAnalyzed:
		return http.StatusConflict
	case apperr.KindBusy:
		return http.StatusServiceUnavailable
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindAnalysisFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.Error("request_failed", map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err,
		})
	}
	writeJSON(w, status, map[string]string{
		"detail": apperr.Message(err),
		"kind":   string(apperr.KindOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched
// unless required is set.
func decodeBody(r *http.Request, v any, required bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) && !required {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, errors.Join(errBadBody, err), "malformed request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid id %q", raw)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", name)
	}
	return n, nil
}

func queryDate(r *http.Request, name string, required bool) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		if required {
			return time.Time{}, apperr.Validation("%s is required", name)
		}
		return time.Time{}, nil
	}
	return query.ParseDate(raw)
}

func pageParams(r *http.Request) (int, int, error) {
	page, err := queryInt(r, "page")
	if err != nil {
		return 0, 0, err
	}
	size, err := queryInt(r, "size")
	if err != nil {
		return 0, 0, err
	}
	return page, size, nil
}

func accepted(w http.ResponseWriter, message, jobID string) {
	writeJSON(w, http.StatusAccepted, map[string]string{"message": message, "job_id": jobID})
}
