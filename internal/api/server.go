package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	iduuid "github.com/JakeFAU/indieweb-listener/internal/id/uuid"
	"github.com/JakeFAU/indieweb-listener/internal/metrics"
	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

const (
	maxFormBytes   = 64 << 10
	enqueueTimeout = 5 * time.Second
	readyTimeout   = 2 * time.Second
	statusPath     = "/webmention/status/"
)

// Recorder is the synchronous claim processor behind POST /webmention.
type Recorder interface {
	webmention.Submitter
	// Accepts reports whether target is inside the site namespace.
	Accepts(target string) bool
}

// Enqueuer accepts claims for background processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, item webmention.QueueItem) error
}

// Config controls request handling.
type Config struct {
	// Async queues claims and answers 202 instead of verifying inline.
	Async bool
	// RequestTimeout bounds every request. Zero disables the bound.
	RequestTimeout time.Duration
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the recorder, dispatcher, and stores.
type Server struct {
	router     chi.Router
	recorder   Recorder
	jobStore   webmention.JobStore
	dispatcher Enqueuer
	idGen      webmention.IDGenerator
	clock      webmention.Clock
	mentions   *MentionHandler
	checks     map[string]ReadinessCheck
	cfg        Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. jobStore,
// dispatcher and idGen are only used in async mode; mentions may be nil.
func NewServer(
	recorder Recorder,
	jobStore webmention.JobStore,
	dispatcher Enqueuer,
	idGen webmention.IDGenerator,
	clock webmention.Clock,
	mentions *MentionHandler,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		recorder:   recorder,
		jobStore:   jobStore,
		dispatcher: dispatcher,
		idGen:      idGen,
		clock:      clock,
		mentions:   mentions,
		checks:     map[string]ReadinessCheck{},
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	if cfg.RequestTimeout > 0 {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/webmention", func(r chi.Router) {
		r.Post("/", s.receive)
		r.Get("/status/{job_id}", s.getJobStatus)
		if mentions != nil {
			r.Get("/mentions", mentions.ListMentions)
			r.Get("/mentions/{id}", mentions.GetMention)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// AddReadinessCheck registers a named probe consulted by /readyz.
func (s *Server) AddReadinessCheck(name string, check ReadinessCheck) {
	s.checks[name] = check
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// receive handles POST /webmention. Fields are read from the form body or
// the query string.
func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		writeText(w, http.StatusBadRequest, "malformed form body")
		return
	}
	claim := webmention.Claim{
		Source: strings.TrimSpace(r.Form.Get("source")),
		Target: strings.TrimSpace(r.Form.Get("target")),
		Vouch:  strings.TrimSpace(r.Form.Get("vouch")),
	}
	logger := s.logger.With(
		zap.String("request_id", requestID(r.Context())),
		zap.String("source", claim.Source),
		zap.String("target", claim.Target),
		zap.String("vouch", claim.Vouch),
	)
	logger.Info("webmention received")

	if claim.Source == "" || claim.Target == "" {
		writeText(w, webmention.StatusInvalid, webmention.DetailInvalidPost)
		return
	}
	if s.cfg.Async {
		s.enqueue(w, r, claim, logger)
		return
	}

	outcome, err := s.recorder.Submit(r.Context(), claim)
	if err != nil {
		logger.Error("webmention processing failed", zap.Error(err))
		writeText(w, webmention.StatusInternalError, webmention.DetailInternalError)
		return
	}
	if outcome.Accepted() && wantsHTML(r) {
		http.Redirect(w, r, claim.Target, http.StatusSeeOther)
		return
	}
	writeText(w, outcome.Status, outcome.Detail)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, claim webmention.Claim, logger *zap.Logger) {
	if !s.recorder.Accepts(claim.Target) {
		writeText(w, webmention.StatusInvalid, webmention.DetailInvalidPost)
		return
	}
	if s.dispatcher == nil || s.jobStore == nil || s.idGen == nil {
		writeText(w, http.StatusServiceUnavailable, "async processing unavailable")
		return
	}
	jobID, err := s.enqueueJob(r.Context(), claim)
	if err != nil {
		logger.Error("enqueue webmention failed", zap.Error(err))
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, "webmention queue unavailable")
		return
	}
	location := statusPath + jobID
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status_url": location})
}

func (s *Server) enqueueJob(ctx context.Context, claim webmention.Claim) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := time.Now().UTC()
	if s.clock != nil {
		now = s.clock.Now()
	}
	job := webmention.Job{
		ID:        jobID,
		Status:    webmention.JobStatusQueued,
		Claim:     claim,
		Submitted: now,
	}
	if err := s.jobStore.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := webmention.QueueItem{
		JobID:     jobID,
		Claim:     claim,
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		if updateErr := s.jobStore.UpdateJob(ctx, jobID, webmention.JobStatusFailed, nil, err.Error()); updateErr != nil {
			s.logger.Warn("mark unqueued job failed", zap.String("job_id", jobID), zap.Error(updateErr))
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if !iduuid.Valid(jobID) {
		writeError(w, http.StatusBadRequest, "invalid job_id")
		return
	}
	if s.jobStore == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// wantsHTML reports whether the caller is a browser form post.
func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, webmention.StatusInternalError, webmention.DetailInternalError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
