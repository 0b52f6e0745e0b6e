package calc

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/tremor/internal/model"
)

// LoadRequest carries everything a Loader needs to create a job.
type LoadRequest struct {
	DefinitionPath string
	Owner          string
	LogLevel       string
	JobType        string
	HazardOutputID string
	HazardJobID    string
}

// Loader resolves a job definition into a persisted job record in pending
// status.
type Loader interface {
	Load(ctx context.Context, req LoadRequest) (*model.Job, error)
}

// Run describes one execution of a job.
type Run struct {
	Job *model.Job
	// Workspace is the directory holding the staged definition and inputs.
	Workspace string
	// Log writes to the job's calculation log.
	Log logrus.FieldLogger
}

// Artifact is a result produced by a calculator, persisted as an output.
type Artifact struct {
	OutputType  string
	DisplayName string
	Payload     []byte
}

// Calculator executes jobs. The context carries the job deadline.
type Calculator interface {
	Calculate(ctx context.Context, run Run) ([]Artifact, error)
}

// CalculatorFunc adapts a function to the Calculator interface.
type CalculatorFunc func(ctx context.Context, run Run) ([]Artifact, error)

// Calculate implements Calculator.
func (f CalculatorFunc) Calculate(ctx context.Context, run Run) ([]Artifact, error) {
	return f(ctx, run)
}
