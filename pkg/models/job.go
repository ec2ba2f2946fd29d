// Package models contains shared data models used across the analysis worker.
package models

import "time"

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

func (s JobStatus) String() string { return string(s) }

// Job tracks one analysis run. The API returns a job_id on POST /analyze;
// the client polls GET /status/{job_id} until the status is terminal.
//
// Result and OutputFiles are only set when Status is completed, Error only
// when Status is failed.
type Job struct {
	ID          string            `json:"job_id"`
	Status      JobStatus         `json:"status"`
	Progress    float64           `json:"progress"`
	Message     string            `json:"message"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Result      map[string]any    `json:"result,omitempty"`
	OutputFiles []OutputFile      `json:"output_files,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// OutputFile describes an output artifact that exists on disk after a
// successful run.
type OutputFile struct {
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	DType       string `json:"dtype"`
	Description string `json:"description"`
	Size        int64  `json:"size"`
	Required    bool   `json:"required"`

	// Path is the absolute location on disk. Never sent to clients.
	Path string `json:"-"`
}
