package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobType string

const (
	JobTypeWebhookReplay  JobType = "webhook_replay"
	JobTypeWebhookArchive JobType = "webhook_archive"
)

// JobState is the lifecycle position of a job record.
type JobState string

const (
	JobQueued   JobState = "queued"
	JobRunning  JobState = "running"
	JobDone     JobState = "done"
	JobFailed   JobState = "failed"
	JobDeferred JobState = "deferred" // failed, waiting for its backoff to elapse
)

// Job is the record stored under RecordKey(ID) while the job is alive.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	State       JobState        `json:"state"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WebhookJobPayload points a replay or archive job at a stored delivery.
type WebhookJobPayload struct {
	WebhookEventID uint   `json:"webhook_event_id"`
	Reason         string `json:"reason,omitempty"` // delivery_failed, sweeper, admin
}

func newJob(id string, jobType JobType, payload any, maxAttempts int) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	now := time.Now()
	return &Job{
		ID:          id,
		Type:        jobType,
		State:       JobQueued,
		Payload:     raw,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}, nil
}

// WebhookPayload decodes the delivery reference of a webhook job.
func (j *Job) WebhookPayload() (WebhookJobPayload, error) {
	var p WebhookJobPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("invalid webhook job payload: %w", err)
	}
	if p.WebhookEventID == 0 {
		return p, fmt.Errorf("webhook_event_id is required")
	}
	return p, nil
}

// CanRetry reports whether a failed job has attempts left.
func (j *Job) CanRetry() bool {
	return j.State == JobFailed && j.Attempts < j.MaxAttempts
}

func (j *Job) begin(now time.Time) {
	j.State = JobRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

func (j *Job) succeed(now time.Time) {
	j.State = JobDone
	j.LastError = ""
	j.FinishedAt = &now
	j.UpdatedAt = now
}

func (j *Job) fail(now time.Time, cause error) {
	j.State = JobFailed
	j.Attempts++
	j.LastError = cause.Error()
	j.UpdatedAt = now
}

func (j *Job) postpone(now time.Time) {
	j.State = JobDeferred
	j.UpdatedAt = now
}

// runningSince is when the current attempt started, falling back to the last update.
func (j *Job) runningSince() time.Time {
	if j.StartedAt != nil && !j.StartedAt.IsZero() {
		return *j.StartedAt
	}
	if !j.UpdatedAt.IsZero() {
		return j.UpdatedAt
	}
	return j.EnqueuedAt
}

// retryDelay grows linearly with the number of failed attempts.
func retryDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base * time.Duration(attempts)
}
