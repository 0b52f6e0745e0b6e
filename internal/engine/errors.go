package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCandidateFiles is returned when an upload holds no job definition.
	ErrNoCandidateFiles = errors.New("could not find any file")
	// ErrQueueFull is returned when the worker pool cannot accept more jobs.
	ErrQueueFull = errors.New("job queue is full")
	// ErrPoolClosed is returned for submissions after shutdown began.
	ErrPoolClosed = errors.New("job queue is closed")
)

// LoaderError wraps a failure of the job definition loader.
type LoaderError struct {
	Definition string
	Err        error
}

func (e *LoaderError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Definition, e.Err)
}

func (e *LoaderError) Unwrap() error { return e.Err }
