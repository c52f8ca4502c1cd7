package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/example/automation-gateway/internal/jobs"
	"github.com/example/automation-gateway/internal/model"
)

// Catalog describes the actions the gateway accepts.
type Catalog interface {
	Actions() []model.Action
	Timeout(action model.Action) time.Duration
}

type Server struct {
	Jobs    *jobs.Manager
	Actions Catalog
	Metrics http.Handler
	// Limiter throttles job submissions; nil disables throttling.
	Limiter *rate.Limiter
}

// createJobRequest requires action, target and requested_by to be present.
// Empty strings are accepted for target and requested_by.
type createJobRequest struct {
	Action      *string        `json:"action"`
	Target      *string        `json:"target"`
	RequestedBy *string        `json:"requested_by"`
	Parameters  map[string]any `json:"parameters"`
}

type createJobResponse struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(s.throttle).Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/actions", s.handleListActions)
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Limiter != nil && !s.Limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeErr(w, http.StatusTooManyRequests, fmt.Errorf("submission rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Action == nil || req.Target == nil || req.RequestedBy == nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("action, target and requested_by are required"))
		return
	}
	action := strings.TrimSpace(*req.Action)

	id, err := s.Jobs.Submit(r.Context(), jobs.SubmitRequest{
		Action:      model.Action(action),
		Target:      *req.Target,
		RequestedBy: *req.RequestedBy,
		Parameters:  req.Parameters,
	})
	if err != nil {
		if errors.Is(err, model.ErrUnsupportedAction) {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("unsupported action: %s", action))
			return
		}
		writeErr(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: id, Status: model.JobPending})
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status *model.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed := model.JobStatus(strings.ToUpper(raw))
		if !parsed.Valid() {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", raw))
			return
		}
		status = &parsed
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		if value > 100 {
			value = 100
		}
		limit = value
	}

	views, err := s.Jobs.List(r.Context(), status, limit)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	type action struct {
		Name           model.Action `json:"name"`
		TimeoutSeconds float64      `json:"timeout_seconds"`
	}
	out := make([]action, 0)
	if s.Actions != nil {
		for _, a := range s.Actions.Actions() {
			out = append(out, action{Name: a, TimeoutSeconds: s.Actions.Timeout(a).Seconds()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnsupportedAction):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
