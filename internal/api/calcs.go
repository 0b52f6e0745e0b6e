package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/tremor/internal/engine"
	"github.com/seantiz/tremor/internal/model"
	"github.com/seantiz/tremor/internal/status"
	"github.com/seantiz/tremor/internal/store"
)

// runResponse is the JSON response for POST /v1/calc/run.
type runResponse struct {
	JobID       string            `json:"job_id"`
	Status      string            `json:"status"`
	JobType     string            `json:"job_type"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters"`
}

// jobSummary is a job as listed by GET /v1/calc/list.
type jobSummary struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	JobType     string `json:"job_type"`
	Status      string `json:"status"`
	IsRunning   bool   `json:"is_running"`
	Owner       string `json:"owner"`
	URL         string `json:"url"`
}

// jobView is the full job returned by GET /v1/calc/{id}/info.
type jobView struct {
	jobSummary
	Relevant            bool              `json:"relevant"`
	HazardCalculationID *string           `json:"hazard_calculation_id"`
	LogLevel            string            `json:"log_level"`
	CreatedAt           time.Time         `json:"created_at"`
	StartTime           *time.Time        `json:"start_time"`
	StopTime            *time.Time        `json:"stop_time"`
	Parameters          map[string]string `json:"parameters"`
}

func summarize(r *http.Request, j *model.Job) jobSummary {
	return jobSummary{
		ID:          j.ID,
		Description: j.Description,
		JobType:     j.JobType,
		Status:      j.Status,
		IsRunning:   j.IsRunning(),
		Owner:       j.Owner,
		URL:         baseURL(r) + "/v1/calc/" + j.ID,
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	form, err := s.readSubmitForm(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer form.cleanup()

	job, err := s.engine.Run(r.Context(), engine.Submission{
		Upload:         form.upload,
		Owner:          s.owner(r),
		CallbackURL:    form.field("callback_url"),
		ForeignCalcID:  form.field("foreign_calculation_id"),
		HazardOutputID: form.field("hazard_output_id"),
		HazardJobID:    form.field("hazard_job_id"),
	})
	if err != nil {
		s.logger.Warn("submission rejected", "owner", s.owner(r), "error", err)
		s.writeLines(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, runResponse{
		JobID:       job.ID,
		Status:      job.Status,
		JobType:     job.JobType,
		Description: job.Description,
		Parameters:  job.Parameters,
	})
}

func (s *Server) handleListCalcs(w http.ResponseWriter, r *http.Request) {
	f := status.Filter{JobType: r.URL.Query().Get("job_type")}
	if f.JobType != "" && f.JobType != model.JobTypeHazard && f.JobType != model.JobTypeRisk {
		s.writeError(w, http.StatusBadRequest, "job_type must be hazard or risk")
		return
	}
	var err error
	if f.IsRunning, err = parseBoolQuery(r, "is_running"); err != nil {
		s.writeError(w, http.StatusBadRequest, "is_running must be a boolean")
		return
	}
	if f.Relevant, err = parseBoolQuery(r, "relevant"); err != nil {
		s.writeError(w, http.StatusBadRequest, "relevant must be a boolean")
		return
	}

	jobs, err := s.reader.ListJobs(r.Context(), s.owner(r), f)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeLines(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]jobSummary, len(jobs))
	for i, j := range jobs {
		out[i] = summarize(r, j)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// getJob loads the job named in the URL, writing the error response when it
// cannot.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.reader.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, []string{"calculation " + id + " not found"})
		return nil, false
	}
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeLines(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return job, true
}

// handleGetCalc returns the summary of one of the requesting owner's jobs.
func (s *Server) handleGetCalc(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobs, err := s.reader.ListJobs(r.Context(), s.owner(r), status.Filter{ID: id})
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeLines(w, http.StatusInternalServerError, err)
		return
	}
	if len(jobs) == 0 {
		s.writeJSON(w, http.StatusNotFound, []string{"calculation " + id + " not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, summarize(r, jobs[0]))
}

func (s *Server) handleCalcInfo(w http.ResponseWriter, r *http.Request) {
	job, ok := s.getJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, jobView{
		jobSummary:          summarize(r, job),
		Relevant:            job.Relevant,
		HazardCalculationID: job.HazardCalculationID,
		LogLevel:            job.LogLevel,
		CreatedAt:           job.CreatedAt,
		StartTime:           job.StartTime,
		StopTime:            job.StopTime,
		Parameters:          job.Parameters,
	})
}

func (s *Server) handleRemoveCalc(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.reader.Remove(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, []string{"calculation " + id + " not found"})
		return
	}
	if err != nil {
		s.logger.Error("remove job", "job_id", id, "error", err)
		s.writeLines(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, []string{})
}
