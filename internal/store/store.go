package store

import (
	"context"
	"errors"

	"github.com/seantiz/tremor/internal/model"
)

// ErrInvalidTransition is returned when a job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobFilter selects jobs for listing. Owner is mandatory; every other field is
// optional and the set ones are combined with AND.
type JobFilter struct {
	Owner string
	ID    string
	// JobType is model.JobTypeHazard or model.JobTypeRisk. Hazard jobs are the
	// ones without a hazard calculation linkage.
	JobType   string
	IsRunning *bool
	Relevant  *bool
}

// Store defines the persistence operations for jobs, their logs and outputs.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error)
	UpdateJobStatus(ctx context.Context, id, status string) error
	SetRelevant(ctx context.Context, id string, relevant bool) error

	AppendLog(ctx context.Context, e *model.LogEntry) error
	LogSlice(ctx context.Context, jobID string, start, stop int) ([]model.LogEntry, error)
	LogCount(ctx context.Context, jobID string) (int, error)
	CriticalLog(ctx context.Context, jobID string) (*model.LogEntry, error)

	CreateOutput(ctx context.Context, o *model.Output) error
	GetOutput(ctx context.Context, id string) (*model.Output, error)
	ListOutputs(ctx context.Context, jobID string) ([]*model.Output, error)

	Close() error
}
