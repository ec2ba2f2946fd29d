package jobs

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/analysisworker/pkg/models"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrNotReady     = errors.New("job not completed")
	ErrValidation   = errors.New("invalid submission")
	ErrFileNotFound = errors.New("output file not found")
	ErrShuttingDown = errors.New("job manager is shutting down")
)

// StatusError reports the status that made a job unable to serve a request.
// It unwraps to ErrNotReady.
type StatusError struct {
	Status models.JobStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: status is %s", ErrNotReady, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrNotReady }
