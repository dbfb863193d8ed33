package ingestq

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	// StatusFailed is only recorded on events; a failed job row returns to
	// pending or moves to dead_letter in the same transition.
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether no further automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Job types produced and consumed by this module.
const (
	JobTypeIngestVideo         = "INGEST_VIDEO"
	JobTypeRefreshVideoStats   = "REFRESH_VIDEO_STATS"
	JobTypeRefreshChannelStats = "REFRESH_CHANNEL_STATS"
)

// Job is a unit of deferred work. The queue does not interpret Payload;
// handlers deserialize it themselves.
type Job struct {
	ID           string
	JobType      string
	Payload      []byte
	Priority     int
	DedupKey     string
	Status       Status
	AttemptCount int
	MaxAttempts  int
	LastError    string

	LeasedBy       string
	LeasedAt       time.Time
	LeaseExpiresAt time.Time

	AvailableAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LeaseExpired reports whether an in_progress job can be reclaimed at now.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == StatusInProgress && !j.LeaseExpiresAt.After(now)
}

// JobEvent is an append-only audit record, one per status transition.
type JobEvent struct {
	ID            string
	JobID         string
	Status        Status
	ErrorMessage  string
	Metadata      json.RawMessage
	DurationMS    int64
	AttemptNumber int
	CreatedAt     time.Time
}

// EventMetadata builds the JSON metadata stored on a JobEvent.
func EventMetadata(kv map[string]any) json.RawMessage {
	if len(kv) == 0 {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(kv)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// ElapsedMS returns the milliseconds between a job's lease start and now,
// or zero when the job was never leased.
func ElapsedMS(leasedAt, now time.Time) int64 {
	if leasedAt.IsZero() || now.Before(leasedAt) {
		return 0
	}
	return now.Sub(leasedAt).Milliseconds()
}

// JobFilter narrows Admin listings.
type JobFilter struct {
	Statuses []Status
	JobType  string
	Limit    int
	Offset   int
}
