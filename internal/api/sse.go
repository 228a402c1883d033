package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/xcellparts/scraper/internal/events"
	"github.com/xcellparts/scraper/internal/scrape"
)

// streamJobs serves GET /events: a server-sent event stream of job state
// deltas. On connect the client receives a ready frame carrying the full
// current job list, then one job_update frame per mutation plus heartbeats.
func (s *Server) streamJobs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := prepareStream(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	jobs := s.registry.List()
	summaries := make([]scrape.Summary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, job.Summarize(false))
	}
	s.writeFrame(w, flusher, events.EventReady, map[string]any{"jobs": summaries})

	sub := s.events.Subscribe(events.KindJobs)
	defer s.events.Unsubscribe(sub)
	s.pump(w, r, flusher, sub)
}

// streamLogs serves GET /logs/stream: recent history on connect, then live
// log frames.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := prepareStream(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s.writeFrame(w, flusher, events.EventReady, map[string]any{"logs": s.events.History(0)})

	sub := s.events.Subscribe(events.KindLogs)
	defer s.events.Unsubscribe(sub)
	s.pump(w, r, flusher, sub)
}

// pump forwards broadcast messages to the client until it disconnects or the
// broadcaster shuts down.
func (s *Server) pump(w http.ResponseWriter, r *http.Request, flusher http.Flusher, sub *events.Subscriber) {
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			s.writeFrame(w, flusher, msg.Event, msg.Payload)
		}
	}
}

func prepareStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func (s *Server) writeFrame(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Debug("encode stream payload failed", zap.Error(err))
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return
	}
	flusher.Flush()
}
