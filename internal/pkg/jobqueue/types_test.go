package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizeJobPayloadRoundtrip(t *testing.T) {
	payload := AuthorizeJobPayload{EntitlementID: 42}

	got, err := AuthorizeJobPayloadFromMap(payload.ToMap())
	require.NoError(t, err)
	assert.Equal(t, uint(42), got.EntitlementID)
}

func TestUnauthorizeJobPayloadRoundtrip(t *testing.T) {
	payload := UnauthorizeJobPayload{SubjectMAC: "aa:bb:cc:dd:ee:ff", EntitlementID: 7}

	got, err := UnauthorizeJobPayloadFromMap(payload.ToMap())
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", got.SubjectMAC)
	assert.Equal(t, uint(7), got.EntitlementID)
}

func TestJobStatusTransitions(t *testing.T) {
	job := &Job{
		ID:         "test-job",
		Type:       JobTypeAuthorize,
		Status:     JobStatusPending,
		MaxRetries: DefaultMaxRetries,
	}

	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	assert.NotNil(t, job.ProcessedAt)

	job.MarkAsFailed("controller timeout")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "controller timeout", job.ErrorMsg)
	assert.Equal(t, 1, job.RetryCount)
	assert.True(t, job.IsRetryable())

	job.MarkAsRetrying()
	assert.Equal(t, JobStatusRetrying, job.Status)

	job.MarkAsCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.ErrorMsg)
}

func TestJobIsRetryableExhausted(t *testing.T) {
	job := &Job{Status: JobStatusFailed, RetryCount: DefaultMaxRetries, MaxRetries: DefaultMaxRetries}
	assert.False(t, job.IsRetryable())

	job = &Job{Status: JobStatusPending, RetryCount: 0, MaxRetries: DefaultMaxRetries}
	assert.False(t, job.IsRetryable(), "only failed jobs are retryable")
}

func TestRetryDelayBackoff(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 8 * time.Minute},
		{6, 10 * time.Minute},
		{20, 10 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelay(tt.retryCount), "retryCount=%d", tt.retryCount)
	}
}
