// Package api exposes the HTTP interface for the auditor service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adverify/siteauditor/internal/audit"
	"github.com/adverify/siteauditor/internal/queue"
	"github.com/adverify/siteauditor/internal/telemetry"
)

const defaultAlertLimit = 50

// Queue is the slice of the task queue the API needs.
type Queue interface {
	Enqueue(publisher audit.Publisher) (string, error)
	GetJob(id string) (queue.Job, bool)
	Depth() int
}

// Server wires HTTP handlers to the task queue and stores.
type Server struct {
	router chi.Router
	queue  Queue
	audits audit.AuditStore
	alerts audit.AlertStore
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(q Queue, audits audit.AuditStore, alerts audit.AlertStore, logger *zap.Logger) *Server {
	s := &Server{
		queue:  q,
		audits: audits,
		alerts: alerts,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/audits", s.submitAudit)
		r.Get("/audits/{site_id}", s.getLatestAudit)
		r.Get("/jobs/{job_id}/status", s.getJobStatus)
		r.Get("/alerts", s.listPendingAlerts)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type auditRequest struct {
	SiteID  string `json:"site_id"`
	SiteURL string `json:"site_url"`
}

func (s *Server) submitAudit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SiteID == "" || req.SiteURL == "" {
		writeError(w, http.StatusBadRequest, "site_id and site_url are required")
		return
	}

	jobID, err := s.queue.Enqueue(audit.Publisher{
		ID:      req.SiteID,
		SiteID:  req.SiteID,
		SiteURL: req.SiteURL,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "queued"})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, ok := s.queue.GetJob(jobID)
	if !ok {
		// Finished and executing jobs leave the backlog; only pending jobs
		// are addressable.
		writeError(w, http.StatusNotFound, "job not pending")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  job.ID,
		"site_id": job.Publisher.SiteID,
		"status":  "queued",
		"depth":   s.queue.Depth(),
	})
}

func (s *Server) getLatestAudit(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "site_id")
	payload, err := s.audits.PreviousAudit(r.Context(), siteID)
	if err != nil {
		s.logger.Error("load latest audit failed", zap.String("site_id", siteID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load audit")
		return
	}
	if payload == nil {
		writeError(w, http.StatusNotFound, "no completed audit for site")
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) listPendingAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	alerts, err := s.alerts.ListPending(r.Context(), limit)
	if err != nil {
		s.logger.Error("list pending alerts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []audit.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)
		telemetry.ObserveHTTPRequest(r.Method, routePattern(r), ww.status, elapsed)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
