package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeAuthorize   JobType = "controller_authorize"
	JobTypeUnauthorize JobType = "controller_unauthorize"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background controller action
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// AuthorizeJobPayload contains the payload for controller authorize jobs.
// The job carries only the entitlement id; the worker re-reads the ledger row
// so a grant superseded or expired in the meantime is never applied.
type AuthorizeJobPayload struct {
	EntitlementID uint `json:"entitlement_id"`
}

// ToMap converts the payload to a map for storage
func (p AuthorizeJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"entitlement_id": p.EntitlementID,
	}
}

// AuthorizeJobPayloadFromMap creates a payload from a map
func AuthorizeJobPayloadFromMap(data map[string]interface{}) (*AuthorizeJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload AuthorizeJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// UnauthorizeJobPayload contains the payload for controller unauthorize jobs.
// EntitlementID is informational; the action targets the MAC.
type UnauthorizeJobPayload struct {
	SubjectMAC    string `json:"subject_mac"`
	EntitlementID uint   `json:"entitlement_id,omitempty"`
}

// ToMap converts the payload to a map for storage
func (p UnauthorizeJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"subject_mac":    p.SubjectMAC,
		"entitlement_id": p.EntitlementID,
	}
}

// UnauthorizeJobPayloadFromMap creates a payload from a map
func UnauthorizeJobPayloadFromMap(data map[string]interface{}) (*UnauthorizeJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload UnauthorizeJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
