package server

import (
	"net/http"
	"time"

	"github.com/elonfeng/insightradar/internal/apperr"
	"github.com/elonfeng/insightradar/internal/logging"
	"github.com/elonfeng/insightradar/pkg/orchestrator"
	"github.com/elonfeng/insightradar/pkg/query"
)

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.registry.ListChannels(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleAddChannel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		writeError(w, r, err)
		return
	}
	ch, err := s.registry.AddChannel(r.Context(), body.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.opts.CollectOnAdd {
		job, err := s.orch.TriggerChannelCollection(r.Context(), ch.ID, orchestrator.CollectRequest{Mode: "initial"})
		if err != nil {
			logging.Warn("initial_collection_not_queued", map[string]any{"channel_id": ch.ID, "error": err})
		} else {
			logging.Info("initial_collection_queued", map[string]any{"channel_id": ch.ID, "job_id": job.ID})
		}
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleToggleChannel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		IsActive *bool `json:"is_active"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		writeError(w, r, err)
		return
	}
	if body.IsActive == nil {
		writeError(w, r, apperr.Validation("is_active is required"))
		return
	}
	ch, err := s.registry.SetActive(r.Context(), id, *body.IsActive)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleCollectPosts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Mode     string  `json:"mode"`
		DateFrom *string `json:"date_from"`
		DateTo   *string `json:"date_to"`
		Limit    *int    `json:"limit"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		writeError(w, r, err)
		return
	}
	req := orchestrator.CollectRequest{Mode: body.Mode, Limit: body.Limit}
	for _, d := range []struct {
		raw *string
		dst **time.Time
	}{{body.DateFrom, &req.DateFrom}, {body.DateTo, &req.DateTo}} {
		if d.raw == nil || *d.raw == "" {
			continue
		}
		t, err := query.ParseDate(*d.raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		*d.dst = &t
	}

	job, err := s.orch.TriggerChannelCollection(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	accepted(w, "collection of posts started", job.ID)
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := query.PostQuery{
		Page:      page,
		Size:      size,
		Search:    r.URL.Query().Get("search"),
		SortBy:    r.URL.Query().Get("sort_by"),
		SortOrder: r.URL.Query().Get("sort_order"),
	}
	channelID, err := queryInt(r, "channel_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	q.ChannelID = int64(channelID)
	if q.MinComments, err = queryInt(r, "min_comments"); err != nil {
		writeError(w, r, err)
		return
	}
	if q.DateFrom, err = queryDate(r, "date_from", false); err != nil {
		writeError(w, r, err)
		return
	}
	if q.DateTo, err = queryDate(r, "date_to", false); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.query.ListPosts(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePostDetails(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := s.query.GetPostDetails(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.orch.RequestAnalysis(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	accepted(w, "analysis started", job.ID)
}

func (s *Server) handleCollectComments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		ForceFullRescan bool `json:"force_full_rescan"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.orch.TriggerCommentCollection(r.Context(), id, body.ForceFullRescan)
	if err != nil {
		writeError(w, r, err)
		return
	}
	accepted(w, "collection of comments started", job.ID)
}

func (s *Server) handleBulkCollectComments(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PostIDs         []int64 `json:"post_ids"`
		ForceFullRescan bool    `json:"force_full_rescan"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.orch.TriggerBulkCommentCollection(r.Context(), body.PostIDs, body.ForceFullRescan)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "collection of comments started",
		"jobs":    res.Jobs,
		"skipped": res.Skipped,
	})
}

func (s *Server) handleUpdateStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.orch.TriggerStatsRefresh(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	accepted(w, "stats update started", job.ID)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, size, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.query.ListComments(r.Context(), id, page, size)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.query.ListInsights(r.Context(), page, size)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func window(r *http.Request) (time.Time, time.Time, error) {
	start, err := queryDate(r, "start_date", true)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := queryDate(r, "end_date", true)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func (s *Server) handleDynamics(w http.ResponseWriter, r *http.Request) {
	start, end, err := window(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	points, err := s.query.GetDynamics(r.Context(), start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleSentiment(w http.ResponseWriter, r *http.Request) {
	start, end, err := window(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	avg, err := s.query.GetSentimentAverages(r.Context(), start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, avg)
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	start, end, err := window(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	topics, err := s.query.GetTopTopics(r.Context(), start, end, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, topics)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Jobs())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Job(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Cancel(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}
