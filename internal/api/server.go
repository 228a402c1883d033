// Package api exposes the HTTP interface for the scraper service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xcellparts/scraper/internal/events"
	"github.com/xcellparts/scraper/internal/metrics"
	"github.com/xcellparts/scraper/internal/scrape"
	"github.com/xcellparts/scraper/internal/scheduler"
)

// Archiver builds a zip of a job's stored images.
type Archiver interface {
	Build(ctx context.Context, jobID string, records []scrape.Image) ([]byte, error)
}

// Server wires HTTP handlers to the scheduler, registry, and broadcaster.
type Server struct {
	router    chi.Router
	sched     *scheduler.Scheduler
	registry  scrape.Registry
	events    *events.Broadcaster
	archiver  Archiver
	logger    *zap.Logger
	startedAt time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	sched *scheduler.Scheduler,
	registry scrape.Registry,
	broadcaster *events.Broadcaster,
	archiver Archiver,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sched:     sched,
		registry:  registry,
		events:    broadcaster,
		archiver:  archiver,
		logger:    logger,
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	// Streaming endpoints stay outside the timeout handler; everything else
	// gets a request deadline.
	r.Get("/events", s.streamJobs)
	r.Get("/logs/stream", s.streamLogs)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(60 * time.Second))

		r.Get("/health", s.health)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())

		r.Get("/scrape", s.submitScrape)
		r.Post("/scrape", s.submitScrape)
		r.Get("/logs", s.listLogs)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/reset", s.resetJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.deleteJob)
				r.Post("/stop", s.stopJob)
				r.Get("/images", s.listImages)
				r.Get("/images/{image_id}", s.getImage)
				r.Get("/archive", s.getArchive)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/pause-all", s.pauseAll)
			r.Post("/resume-all", s.resumeAll)
			r.Get("/overview", s.overview)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

type scrapeRequest struct {
	URL   string `json:"url"`
	JobID string `json:"jobId"`
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if r.Method == http.MethodGet {
		req.URL = r.URL.Query().Get("url")
		req.JobID = r.URL.Query().Get("jobId")
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	res, err := s.sched.Submit(req.JobID, req.URL)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	switch {
	case res.Duplicate:
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate", "job": res.Job})
	case res.Cached:
		writeJSON(w, http.StatusOK, map[string]any{"status": "cached", "job": res.Job})
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "job": res.Job})
	}
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.registry.List()
	summaries := make([]scrape.Summary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, job.Summarize(false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": summaries})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.registry.Get(chi.URLParam(r, "job_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job.Summarize(true)})
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if !s.sched.Stop(jobID) {
		writeError(w, http.StatusNotFound, "job not found or already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": jobID, "status": "stopping"})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if !s.sched.Delete(jobID) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": jobID, "status": "deleted"})
}

func (s *Server) resetJobs(w http.ResponseWriter, _ *http.Request) {
	stopped := s.sched.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "stopped": stopped})
}

func (s *Server) pauseAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"paused": s.sched.PauseAll()})
}

func (s *Server) resumeAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"resumed": s.sched.ResumeAll()})
}

func (s *Server) overview(w http.ResponseWriter, _ *http.Request) {
	running, queued := s.sched.Depth()
	byStatus := map[scrape.JobStatus]int{}
	jobs := s.registry.List()
	for _, job := range jobs {
		byStatus[job.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slots_in_use":   running,
		"queue_depth":    queued,
		"jobs_total":     len(jobs),
		"jobs_by_status": byStatus,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.events.History(limit)})
}

// imageMeta is the listing shape for stored images: everything but the bytes.
type imageMeta struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	OriginalURL  string    `json:"original_url"`
	Index        int       `json:"index"`
	ProductIndex int       `json:"product_index"`
	ProductName  string    `json:"product_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Converted    bool      `json:"converted"`
	Size         int64     `json:"size,omitempty"`
	Quality      int       `json:"quality,omitempty"`
	Error        string    `json:"error,omitempty"`
}

func (s *Server) listImages(w http.ResponseWriter, r *http.Request) {
	job, ok := s.registry.Get(chi.URLParam(r, "job_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	records := jobImages(job)
	out := make([]imageMeta, 0, len(records))
	for _, record := range records {
		out = append(out, imageMeta{
			ID:           record.ID,
			URL:          record.URL,
			OriginalURL:  record.OriginalURL,
			Index:        record.Index,
			ProductIndex: record.ProductIndex,
			ProductName:  record.ProductName,
			CreatedAt:    record.CreatedAt,
			Converted:    record.Converted,
			Size:         record.Size,
			Quality:      record.Quality,
			Error:        record.Error,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": out})
}

func (s *Server) getImage(w http.ResponseWriter, r *http.Request) {
	job, ok := s.registry.Get(chi.URLParam(r, "job_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	imageID := chi.URLParam(r, "image_id")
	for _, record := range jobImages(job) {
		if record.ID != imageID {
			continue
		}
		if len(record.Data) == 0 {
			// Nothing stored locally; send the client to the source.
			http.Redirect(w, r, record.OriginalURL, http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(record.Data)))
		if _, err := w.Write(record.Data); err != nil {
			s.logger.Debug("image write failed", zap.Error(err))
		}
		return
	}
	writeError(w, http.StatusNotFound, "image not found")
}

func (s *Server) getArchive(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, ok := s.registry.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	data, err := s.archiver.Build(r.Context(), jobID, jobImages(job))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	filename := scrape.SanitizeSegment(job.Model, jobID) + ".zip"
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("archive write failed", zap.Error(err))
	}
}

// jobImages flattens the job's per-product image records.
func jobImages(job scrape.Job) []scrape.Image {
	var out []scrape.Image
	for _, product := range job.Products {
		out = append(out, product.Images...)
	}
	return out
}

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
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
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

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
