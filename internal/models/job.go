package models

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the state of a job
type JobStatus string

const (
	StatusPending JobStatus = "PENDING"
	StatusRunning JobStatus = "RUNNING"
	StatusSuccess JobStatus = "SUCCESS"
	StatusFailure JobStatus = "FAILURE"
)

// ParseJobStatus converts a string into a known JobStatus
func ParseJobStatus(s string) (JobStatus, error) {
	switch status := JobStatus(strings.ToUpper(strings.TrimSpace(s))); status {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailure:
		return status, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// ModelKind selects which classification model a job runs against
type ModelKind string

const (
	ModelBrainMRI ModelKind = "brain_mri"
	ModelLungCT   ModelKind = "lung_ct"
)

// ParseModelKind converts a string into a known ModelKind
func ParseModelKind(s string) (ModelKind, error) {
	switch kind := ModelKind(strings.ToLower(strings.TrimSpace(s))); kind {
	case ModelBrainMRI, ModelLungCT:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown model %q", s)
	}
}

// Result holds the classification outcome of a successful job
type Result struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Job represents one submitted inference request
type Job struct {
	ID             string     `json:"id"`
	PredictionID   string     `json:"prediction_id"`
	Model          ModelKind  `json:"model"`
	InputReference string     `json:"input_reference"`
	Status         JobStatus  `json:"status"`
	Result         *Result    `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	UsedFallback   bool       `json:"used_fallback"`
	Attempts       int        `json:"attempts"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the job
func (j *Job) Clone() *Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// CreateJobRequest represents a request to submit a job
type CreateJobRequest struct {
	PredictionID   string `json:"prediction_id"`
	Model          string `json:"model"`
	InputReference string `json:"input_reference"`
}

// InferenceRequest is the body accepted by the per-model inference routes
type InferenceRequest struct {
	PredictionID string `json:"predictionId"`
	Instance     string `json:"instance"`
}

// SubmitResponse is returned once a job has been queued
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// StatusResponse describes the current state of a job to a polling client
type StatusResponse struct {
	TaskID       string    `json:"task_id"`
	Status       JobStatus `json:"status"`
	Result       *Result   `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
	Message      string    `json:"message,omitempty"`
	UsedFallback bool      `json:"used_fallback,omitempty"`
}
