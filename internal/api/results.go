package api

import (
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/tremor/internal/export"
	"github.com/seantiz/tremor/internal/store"
)

// resultSummary is an output listed by GET /v1/calc/{id}/results.
type resultSummary struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	OutTypes []string `json:"outtypes"`
	URL      string   `json:"url"`
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	results, err := s.reader.Results(r.Context(), id, s.owner(r))
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, []string{"no results for calculation " + id})
		return
	}
	if err != nil {
		s.logger.Error("list results", "job_id", id, "error", err)
		s.writeLines(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]resultSummary, len(results))
	for i, res := range results {
		out[i] = resultSummary{
			ID:       res.ID,
			Name:     res.DisplayName,
			Type:     res.OutputType,
			OutTypes: res.Formats,
			URL:      baseURL(r) + "/v1/calc/result/" + res.ID,
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExportResult(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	art, err := s.exports.Export(r.Context(), export.Request{
		ResultID:    chi.URLParam(r, "id"),
		ExportType:  q.Get("export_type"),
		Download:    q.Get("dload"),
		DownloadSet: q.Has("dload"),
	})
	var unsupported *export.UnsupportedFormatError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.As(err, &unsupported):
		s.writeLines(w, http.StatusNotFound, err)
		return
	case err != nil:
		s.logger.Error("export result", "result_id", chi.URLParam(r, "id"), "error", err)
		s.writeLines(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Data)))
	if art.Attachment {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": art.Filename}))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(art.Data); err != nil {
		s.logger.Warn("write export", "error", err)
	}
}
