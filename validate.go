package ingestq

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrNotFound          = errors.New("ingestq: job not found")
	ErrInvalidTransition = errors.New("ingestq: invalid status transition")
	ErrNotLeaseHolder    = errors.New("ingestq: job is not leased by this worker")
)

// ValidationError reports malformed queue arguments. Nothing is persisted
// when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "ingestq: invalid " + e.Field + ": " + e.Message
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Permanent marks err as not worth retrying. MarkFailed routes a permanent
// error straight to dead_letter regardless of the attempt count.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

func ValidateEnqueue(jobType string, payload []byte, options EnqueueOptions) error {
	if strings.TrimSpace(jobType) == "" {
		return &ValidationError{Field: "job_type", Message: "must not be empty"}
	}
	if payload == nil {
		return &ValidationError{Field: "payload", Message: "must not be nil"}
	}
	if !json.Valid(payload) {
		return &ValidationError{Field: "payload", Message: "must be valid JSON"}
	}
	if options.MaxAttempts < 0 {
		return &ValidationError{Field: "max_attempts", Message: "must be >= 0"}
	}
	if options.DedupKey != "" && strings.TrimSpace(options.DedupKey) == "" {
		return &ValidationError{Field: "dedup_key", Message: "must not be blank"}
	}
	return nil
}

func ValidateDequeue(workerID string, jobTypes []string, limit int) error {
	if strings.TrimSpace(workerID) == "" {
		return &ValidationError{Field: "worker_id", Message: "must not be empty"}
	}
	if len(jobTypes) == 0 {
		return &ValidationError{Field: "job_types", Message: "must not be empty"}
	}
	for _, jt := range jobTypes {
		if strings.TrimSpace(jt) == "" {
			return &ValidationError{Field: "job_types", Message: "must not contain empty types"}
		}
	}
	if limit <= 0 {
		return &ValidationError{Field: "limit", Message: "must be > 0"}
	}
	return nil
}

func ValidateJobID(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return &ValidationError{Field: "job_id", Message: "must not be empty"}
	}
	return nil
}

func ResolveEnqueueOptions(opts []EnqueueOption) EnqueueOptions {
	return applyEnqueueOptions(opts)
}

// ErrorMessage flattens a handler error for storage.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var p *backoff.PermanentError
	if errors.As(err, &p) && p.Err != nil {
		return p.Err.Error()
	}
	return err.Error()
}
