package model

import "time"

// Job status constants.
const (
	StatusPending   = "pending"
	StatusExecuting = "executing"
	StatusComplete  = "complete"
	StatusFailed    = "failed"
)

// Job type constants.
const (
	JobTypeHazard = "hazard"
	JobTypeRisk   = "risk"
)

// Log level names as stored in the job log.
const (
	LevelDebug    = "DEBUG"
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusExecuting: true,
		StatusFailed:    true,
	},
	StatusExecuting: {
		StatusComplete: true,
		StatusFailed:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final job status.
func IsTerminal(status string) bool {
	return status == StatusComplete || status == StatusFailed
}

// Job is one submitted calculation.
type Job struct {
	ID                  string            `json:"id"`
	JobType             string            `json:"job_type"`
	Status              string            `json:"status"`
	Description         string            `json:"description"`
	Owner               string            `json:"owner"`
	Relevant            bool              `json:"relevant"`
	HazardCalculationID *string           `json:"hazard_calculation_id,omitempty"`
	LogLevel            string            `json:"log_level"`
	Parameters          map[string]string `json:"parameters"`
	CreatedAt           time.Time         `json:"created_at"`
	StartTime           *time.Time        `json:"start_time"`
	StopTime            *time.Time        `json:"stop_time"`
}

// IsRunning reports whether the job has not reached a terminal status yet.
func (j *Job) IsRunning() bool {
	return !IsTerminal(j.Status)
}

// LogEntry is a single persisted line of a job's calculation log.
type LogEntry struct {
	Seq       int64     `json:"seq"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Process   string    `json:"process"`
	Message   string    `json:"message"`
}

// Output is a result artifact produced by a completed job. Payload holds the
// engine's raw result which exporters render on demand.
type Output struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	OutputType  string    `json:"output_type"`
	DisplayName string    `json:"display_name"`
	Payload     []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// PreviousStatuses returns the statuses from which a job may move to status.
func PreviousStatuses(status string) []string {
	var from []string
	for _, s := range []string{StatusPending, StatusExecuting, StatusComplete, StatusFailed} {
		if ValidTransition(s, status) {
			from = append(from, s)
		}
	}
	return from
}
