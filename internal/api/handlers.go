package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"imgfetchd/internal/model"
	"imgfetchd/internal/store"
	logx "imgfetchd/pkg/logx"
)

type jobInput struct {
	Image       string `json:"image"`
	Priority    int    `json:"priority"`
	MaxAttempts int    `json:"max_attempts"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, model.OK("Service is running", map[string]string{"status": "ok"}))
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "Not Found", "No route found")
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var in jobInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request",
			"Invalid JSON format or request payload size exceeded")
		return
	}

	image := strings.TrimSpace(in.Image)
	if image == "" {
		writeError(w, http.StatusBadRequest, "Bad Request", "image must not be empty")
		return
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}

	job, err := s.store.CreateJob(r.Context(), image, in.Priority, maxAttempts)
	if err != nil {
		s.log.Error("create job failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, model.OK("Job accepted", map[string]any{
		"id":     job.ID,
		"status": job.Status,
	}))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := model.Status(r.URL.Query().Get("status"))
	jobs, err := s.store.ListJobs(r.Context(), status)
	if err != nil {
		s.log.Error("list jobs failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}
	if jobs == nil {
		jobs = []model.JobSummary{}
	}
	writeJSON(w, http.StatusOK, model.OK("", jobs))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found", "Job not found")
		return
	}
	if err != nil {
		s.log.Error("get job failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, model.OK("", job))
}

func (s *Server) handleJobMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.store.MetricsByJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.log.Error("job metrics failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, model.OK("", metricViews(metrics)))
}

func (s *Server) handleRecentMetrics(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	metrics, err := s.store.RecentMetrics(r.Context(), limit)
	if err != nil {
		s.log.Error("recent metrics failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, model.OK("", metricViews(metrics)))
}

// metricView exposes labels as a decoded JSON object instead of the stored
// string.
type metricView struct {
	model.Metric
	LabelsObj any `json:"labels,omitempty"`
}

func metricViews(ms []model.Metric) []metricView {
	out := make([]metricView, 0, len(ms))
	for _, m := range ms {
		v := metricView{Metric: m}
		if m.Labels != nil {
			var obj any
			if err := json.Unmarshal([]byte(*m.Labels), &obj); err == nil {
				v.LabelsObj = obj
			}
		}
		out = append(out, v)
	}
	return out
}
