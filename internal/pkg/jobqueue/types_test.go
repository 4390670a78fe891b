package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobType(t *testing.T) {
	tests := []struct {
		name     string
		jobType  JobType
		expected string
	}{
		{"Delivery Scheduled", JobTypeDeliveryScheduled, "delivery.scheduled"},
		{"Webhook Process", JobTypeWebhookProcess, "webhook.process"},
		{"Webhook Retry", JobTypeWebhookRetry, "webhook.retry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.jobType))
		})
	}
}

func TestJob_IsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		job       *Job
		retryable bool
	}{
		{
			name:      "Failed job with retries remaining",
			job:       &Job{Status: JobStatusFailed, RetryCount: 1, MaxRetries: 3},
			retryable: true,
		},
		{
			name:      "Failed job with no retries remaining",
			job:       &Job{Status: JobStatusFailed, RetryCount: 3, MaxRetries: 3},
			retryable: false,
		},
		{
			name:      "Completed job",
			job:       &Job{Status: JobStatusCompleted, RetryCount: 1, MaxRetries: 3},
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.job.IsRetryable())
		})
	}
}

func TestJob_StatusTransitions(t *testing.T) {
	job := &Job{Status: JobStatusPending, MaxRetries: 3}
	before := time.Now()

	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	require.NotNil(t, job.ProcessedAt)
	assert.False(t, job.UpdatedAt.Before(before))

	job.MarkAsFailed("provider down")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "provider down", job.ErrorMsg)
	assert.Equal(t, 1, job.RetryCount)

	runAt := time.Now().Add(time.Minute)
	job.MarkAsRetrying(runAt)
	assert.Equal(t, JobStatusRetrying, job.Status)
	require.NotNil(t, job.RunAt)
	assert.Equal(t, runAt, *job.RunAt)

	job.ErrorCode = "NETWORK_ERROR"
	job.MarkAsCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.ErrorMsg)
	assert.Empty(t, job.ErrorCode)
}

func TestDeliveryPayloadFromMap(t *testing.T) {
	p := DeliveryPayload{DeliveryID: "d-1", UserID: "u-1", Channel: "message", Attempt: 2}

	got, err := DeliveryPayloadFromMap(p.ToMap())
	require.NoError(t, err)
	assert.Equal(t, p, *got)
}

func TestWebhookPayloadFromMap_JSONNumbers(t *testing.T) {
	// Payloads read back from Redis carry float64 numbers.
	got, err := WebhookPayloadFromMap(map[string]interface{}{
		"webhookEventId": "evt_1",
		"eventType":      "invoice.paid",
		"retryCount":     float64(2),
	})
	require.NoError(t, err)
	assert.Equal(t, "evt_1", got.WebhookEventID)
	assert.Equal(t, 2, got.RetryCount)
}
