// Package status answers read queries about jobs, their calculation logs and
// their results, and soft-deletes jobs.
package status

import (
	"context"
	"fmt"
	"strings"

	"github.com/seantiz/tremor/internal/model"
	"github.com/seantiz/tremor/internal/store"
)

// FormatLister reports the export formats available for an output type.
type FormatLister interface {
	Formats(outputType string) []string
}

// Filter holds the optional list filters. Owner always applies.
type Filter struct {
	ID        string
	JobType   string
	IsRunning *bool
	Relevant  *bool
}

// Result is an output of a complete job with its export formats.
type Result struct {
	*model.Output
	Formats []string
}

// Reader serves job, log and result queries.
type Reader struct {
	store   store.Store
	formats FormatLister
}

// NewReader creates a Reader over s.
func NewReader(s store.Store, formats FormatLister) *Reader {
	return &Reader{store: s, formats: formats}
}

// GetJob returns the job with the given id or store.ErrNotFound.
func (r *Reader) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return r.store.GetJob(ctx, id)
}

// ListJobs returns the owner's jobs matching f, most recent first.
func (r *Reader) ListJobs(ctx context.Context, owner string, f Filter) ([]*model.Job, error) {
	jobs, err := r.store.ListJobs(ctx, store.JobFilter{
		Owner:     owner,
		ID:        f.ID,
		JobType:   f.JobType,
		IsRunning: f.IsRunning,
		Relevant:  f.Relevant,
	})
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	return jobs, nil
}

// LogSlice returns the log entries in [start, stop) in storage order. A
// negative stop means no upper bound. An empty range is not an error.
func (r *Reader) LogSlice(ctx context.Context, id string, start, stop int) ([]model.LogEntry, error) {
	if _, err := r.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return r.store.LogSlice(ctx, id, max(start, 0), stop)
}

// LogCount returns the number of log entries of a job.
func (r *Reader) LogCount(ctx context.Context, id string) (int, error) {
	if _, err := r.store.GetJob(ctx, id); err != nil {
		return 0, err
	}
	return r.store.LogCount(ctx, id)
}

// Traceback returns the lines of the job's CRITICAL log entry.
func (r *Reader) Traceback(ctx context.Context, id string) ([]string, error) {
	if _, err := r.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	e, err := r.store.CriticalLog(ctx, id)
	if err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimRight(e.Message, "\n"), "\n"), nil
}

// Remove marks the job irrelevant. Execution is not affected.
func (r *Reader) Remove(ctx context.Context, id string) error {
	if err := r.store.SetRelevant(ctx, id, false); err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	return nil
}

// Results lists the outputs of a complete job owned by owner. Jobs of other
// owners, unfinished jobs and jobs without outputs yield store.ErrNotFound.
func (r *Reader) Results(ctx context.Context, id, owner string) ([]Result, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Owner != owner || job.Status != model.StatusComplete {
		return nil, store.ErrNotFound
	}
	outputs, err := r.store.ListOutputs(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, store.ErrNotFound
	}

	results := make([]Result, len(outputs))
	for i, o := range outputs {
		results[i] = Result{Output: o, Formats: r.formats.Formats(o.OutputType)}
	}
	return results, nil
}
