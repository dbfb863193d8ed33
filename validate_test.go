package ingestq

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidateEnqueue(t *testing.T) {
	tests := []struct {
		name    string
		jobType string
		payload []byte
		opts    EnqueueOptions
		field   string
	}{
		{"valid", "T", []byte(`{"a":1}`), EnqueueOptions{}, ""},
		{"empty type", " ", []byte(`{}`), EnqueueOptions{}, "job_type"},
		{"nil payload", "T", nil, EnqueueOptions{}, "payload"},
		{"invalid json", "T", []byte(`{`), EnqueueOptions{}, "payload"},
		{"negative attempts", "T", []byte(`{}`), EnqueueOptions{MaxAttempts: -1}, "max_attempts"},
		{"blank dedup key", "T", []byte(`{}`), EnqueueOptions{DedupKey: "  "}, "dedup_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnqueue(tt.jobType, tt.payload, tt.opts)
			checkField(t, err, tt.field)
		})
	}
}

func TestValidateDequeue(t *testing.T) {
	tests := []struct {
		name     string
		workerID string
		types    []string
		limit    int
		field    string
	}{
		{"valid", "w1", []string{"T"}, 1, ""},
		{"empty worker", "", []string{"T"}, 1, "worker_id"},
		{"no types", "w1", nil, 1, "job_types"},
		{"blank type", "w1", []string{"T", ""}, 1, "job_types"},
		{"zero limit", "w1", []string{"T"}, 0, "limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkField(t, ValidateDequeue(tt.workerID, tt.types, tt.limit), tt.field)
		})
	}
}

func checkField(t *testing.T, err error, field string) {
	t.Helper()
	if field == "" {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return
	}
	var v *ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if v.Field != field {
		t.Errorf("Field = %q, want %q", v.Field, field)
	}
	if !IsValidation(err) {
		t.Error("IsValidation = false, want true")
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("video removed")
	err := fmt.Errorf("ingest: %w", Permanent(base))

	if !IsPermanent(err) {
		t.Error("IsPermanent = false, want true")
	}
	if IsPermanent(base) {
		t.Error("IsPermanent(base) = true, want false")
	}
	if got := ErrorMessage(Permanent(base)); got != "video removed" {
		t.Errorf("ErrorMessage = %q, want %q", got, "video removed")
	}
	if got := ErrorMessage(nil); got != "" {
		t.Errorf("ErrorMessage(nil) = %q, want empty", got)
	}
}
