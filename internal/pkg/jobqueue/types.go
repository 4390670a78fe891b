package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job. Job types double as the event names
// passed to Schedule.
type JobType string

const (
	JobTypeDeliveryScheduled JobType = "delivery.scheduled"
	JobTypeWebhookProcess    JobType = "webhook.process"
	JobTypeWebhookRetry      JobType = "webhook.retry"
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

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	RunAt       *time.Time             `json:"run_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	ErrorCode   string                 `json:"error_code,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// DeliveryPayload is carried by delivery.scheduled jobs
type DeliveryPayload struct {
	DeliveryID string `json:"deliveryId"`
	UserID     string `json:"userId"`
	Channel    string `json:"channel"`
	Attempt    int    `json:"attempt"`
}

// ToMap converts the payload to a map for storage
func (p DeliveryPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"deliveryId": p.DeliveryID,
		"userId":     p.UserID,
		"channel":    p.Channel,
		"attempt":    p.Attempt,
	}
}

func DeliveryPayloadFromMap(data map[string]interface{}) (*DeliveryPayload, error) {
	var payload DeliveryPayload
	err := decodePayload(data, &payload)
	return &payload, err
}

// WebhookPayload is carried by webhook.process and webhook.retry jobs
type WebhookPayload struct {
	WebhookEventID string `json:"webhookEventId"`
	EventType      string `json:"eventType"`
	RetryCount     int    `json:"retryCount"`
}

func (p WebhookPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"webhookEventId": p.WebhookEventID,
		"eventType":      p.EventType,
		"retryCount":     p.RetryCount,
	}
}

func WebhookPayloadFromMap(data map[string]interface{}) (*WebhookPayload, error) {
	var payload WebhookPayload
	err := decodePayload(data, &payload)
	return &payload, err
}

func decodePayload(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
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
	j.ErrorCode = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying and records when it runs next
func (j *Job) MarkAsRetrying(runAt time.Time) {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
	j.RunAt = &runAt
}
