package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/tremor/internal/model"
	"github.com/seantiz/tremor/internal/store"
)

// logTimeFormat renders timestamps with centisecond precision.
const logTimeFormat = "2006-01-02T15:04:05.00"

// logRow is a log entry as [timestamp, level, process, message].
func logRow(e model.LogEntry) [4]string {
	return [4]string{e.Timestamp.UTC().Format(logTimeFormat), e.Level, e.Process, e.Message}
}

func (s *Server) handleLogSlice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	start := parseIntQuery(r, "start", 0)
	stop := parseIntQuery(r, "stop", -1)

	entries, err := s.reader.LogSlice(r.Context(), id, start, stop)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, []string{"calculation " + id + " not found"})
		return
	}
	if err != nil {
		s.logger.Error("log slice", "job_id", id, "error", err)
		s.writeLines(w, http.StatusInternalServerError, err)
		return
	}

	rows := make([][4]string, len(entries))
	for i, e := range entries {
		rows[i] = logRow(e)
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleLogSize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := s.reader.LogCount(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, []string{"calculation " + id + " not found"})
		return
	}
	if err != nil {
		s.logger.Error("log size", "job_id", id, "error", err)
		s.writeLines(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleTraceback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	lines, err := s.reader.Traceback(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, []string{"no traceback for calculation " + id})
		return
	}
	if err != nil {
		s.logger.Error("traceback", "job_id", id, "error", err)
		s.writeLines(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleStreamLog(w http.ResponseWriter, r *http.Request) {
	job, ok := s.getJob(w, r)
	if !ok {
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if !job.IsRunning() {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing to a job that finished after the status check returns a
	// closed channel, so the loop below exits immediately.
	ch, unsub := s.engine.Broker().Subscribe(job.ID)
	defer unsub()
	logStreams.Inc()
	defer logStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			row, err := json.Marshal(logRow(e))
			if err != nil {
				s.logger.Error("encode log entry", "error", err)
				return
			}
			if err := writeSSEData(w, string(row)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEData writes an SSE data event. Multi-line strings are split so
// that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, data string) error {
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
