// Package api is the admission and query surface in front of the record
// store. It owns request validation, per-tenant admission control, and
// idempotent submission; it never claims or executes work.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"jobengine/internal/config"
	"jobengine/internal/models"
	"jobengine/internal/ratelimit"
	"jobengine/internal/store"
	"jobengine/internal/telemetry"
)

// Server wires the HTTP handlers.
type Server struct {
	cfg     config.Config
	store   store.Store
	clock   store.Clock
	limiter *ratelimit.TokenBucket
	log     *zap.SugaredLogger
}

// New constructs the API server. limiter may be nil to disable admission
// rate limiting.
func New(cfg config.Config, st store.Store, clock store.Clock, limiter *ratelimit.TokenBucket, log *zap.SugaredLogger) *Server {
	if clock == nil {
		clock = store.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{cfg: cfg, store: st, clock: clock, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGet)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Get("/dlq", s.handleDeadLetters)
	r.Get("/stats", s.handleStats)
	return r
}

type submitRequest struct {
	Payload          json.RawMessage `json:"payload"`
	MaxAttempts      int             `json:"max_attempts"`
	IdempotencyToken string          `json:"idempotency_token"`
}

type submitResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}
	if req.MaxAttempts < 0 {
		http.Error(w, "max_attempts must be positive", http.StatusBadRequest)
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.DefaultMaxAttempts
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+tenant)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	// A previously used token returns the original record unchanged.
	if req.IdempotencyToken != "" {
		if existing, ok, err := s.store.FindByIdempotencyToken(r.Context(), req.IdempotencyToken); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		} else if ok {
			writeJSON(w, http.StatusOK, submitResponse{Job: existing, Idempotent: true})
			return
		}
	}

	now := s.clock.Now()
	job := models.Job{
		ID:          uuid.NewString(),
		Status:      models.StatusPending,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
		Tenant:      tenant,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.IdempotencyToken != "" {
		job.IdempotencyToken = &req.IdempotencyToken
	}

	if err := s.store.Create(r.Context(), job); err != nil {
		if errors.Is(err, store.ErrDuplicateToken) {
			// Someone else bound the token after our check.
			if existing, ok, findErr := s.store.FindByIdempotencyToken(r.Context(), req.IdempotencyToken); findErr == nil && ok {
				writeJSON(w, http.StatusOK, submitResponse{Job: existing, Idempotent: true})
				return
			}
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	telemetry.SubmitCounter.Inc()
	s.log.Infow("job submitted", "job_id", job.ID, "tenant", tenant, "max_attempts", job.MaxAttempts)
	writeJSON(w, http.StatusAccepted, submitResponse{Job: job, Idempotent: false})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.Status(raw)
		if !status.Valid() {
			http.Error(w, fmt.Sprintf("unknown status %q", raw), http.StatusBadRequest)
			return
		}
		f.Status = &status
	}

	jobs, err := s.store.List(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleRetry resubmits a failed job as a brand-new record. The original
// stays failed and untouched; terminal states are never resurrected.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	orig, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if orig.Status != models.StatusFailed {
		http.Error(w, "only failed jobs can be retried", http.StatusConflict)
		return
	}

	now := s.clock.Now()
	clone := models.Job{
		ID:          uuid.NewString(),
		Status:      models.StatusPending,
		Payload:     append(json.RawMessage(nil), orig.Payload...),
		MaxAttempts: orig.MaxAttempts,
		Tenant:      orig.Tenant,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(r.Context(), clone); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.log.Infow("job retried", "job_id", orig.ID, "new_job_id", clone.ID)
	writeJSON(w, http.StatusAccepted, clone)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dls, err := s.store.ListDeadLetters(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if dls == nil {
		dls = []models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dls})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]int64{}
	for _, status := range []models.Status{
		models.StatusPending, models.StatusRunning, models.StatusDone, models.StatusFailed,
	} {
		n, err := s.store.CountByStatus(r.Context(), status)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out[string(status)] = n
	}
	dlq, err := s.store.DeadLetterCount(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out["dead_letters"] = dlq
	writeJSON(w, http.StatusOK, out)
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
