package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mhpenta/ingestq"
)

type jobView struct {
	ID             string          `json:"id"`
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	DedupKey       string          `json:"dedup_key,omitempty"`
	Status         ingestq.Status  `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      string          `json:"last_error,omitempty"`
	LeasedBy       string          `json:"leased_by,omitempty"`
	LeasedAt       *time.Time      `json:"leased_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	AvailableAt    time.Time       `json:"available_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func newJobView(j ingestq.Job) jobView {
	return jobView{
		ID:             j.ID,
		JobType:        j.JobType,
		Payload:        json.RawMessage(j.Payload),
		Priority:       j.Priority,
		DedupKey:       j.DedupKey,
		Status:         j.Status,
		AttemptCount:   j.AttemptCount,
		MaxAttempts:    j.MaxAttempts,
		LastError:      j.LastError,
		LeasedBy:       j.LeasedBy,
		LeasedAt:       optTime(j.LeasedAt),
		LeaseExpiresAt: optTime(j.LeaseExpiresAt),
		AvailableAt:    j.AvailableAt,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func newJobViews(jobs []ingestq.Job) []jobView {
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobView(j))
	}
	return out
}

type eventView struct {
	ID            string          `json:"id"`
	Status        ingestq.Status  `json:"status"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
	AttemptNumber int             `json:"attempt_number"`
	CreatedAt     time.Time       `json:"created_at"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	statuses, err := parseStatuses(q["status"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, offset, err := parsePage(q)
	if err != nil {
		s.writeError(w, err)
		return
	}

	jobs, err := s.admin.ListJobs(r.Context(), ingestq.JobFilter{
		Statuses: statuses,
		JobType:  q.Get("job_type"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobViews(jobs))
}

func (s *Server) listFailedJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := parsePage(q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jobs, err := s.admin.ListFailedJobs(r.Context(), q.Get("job_type"), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobViews(jobs))
}

func (s *Server) countJobs(w http.ResponseWriter, r *http.Request) {
	counts, err := s.admin.CountByStatus(r.Context(), r.URL.Query().Get("job_type"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.admin.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.admin.GetJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.admin.ListEvents(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{
			ID:            e.ID,
			Status:        e.Status,
			ErrorMessage:  e.ErrorMessage,
			Metadata:      e.Metadata,
			DurationMS:    e.DurationMS,
			AttemptNumber: e.AttemptNumber,
			CreatedAt:     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) acceptDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.AcceptDeadLetter(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.admin.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("dead letter job accepted", "job_id", id, "job_type", job.JobType)
	writeJSON(w, http.StatusOK, newJobView(job))
}

type enqueueRequest struct {
	JobType     string          `json:"job_type" validate:"required"`
	Payload     json.RawMessage `json:"payload" validate:"required"`
	Priority    *int            `json:"priority,omitempty"`
	DedupKey    string          `json:"dedup_key,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty" validate:"gte=0"`
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var opts []ingestq.EnqueueOption
	if req.Priority != nil {
		opts = append(opts, ingestq.WithPriority(*req.Priority))
	}
	if req.DedupKey != "" {
		opts = append(opts, ingestq.WithDedupKey(req.DedupKey))
	}
	if req.RunAt != nil {
		opts = append(opts, ingestq.WithRunAt(*req.RunAt))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, ingestq.WithMaxAttempts(req.MaxAttempts))
	}

	id, err := s.queue.Enqueue(r.Context(), req.JobType, req.Payload, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.admin.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newJobView(job))
}

type cleanupRequest struct {
	OlderThan string `json:"older_than" validate:"required"`
}

type cleanupResponse struct {
	Deleted int64     `json:"deleted"`
	Before  time.Time `json:"before"`
}

func (s *Server) cleanupJobs(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	age, err := time.ParseDuration(req.OlderThan)
	if err != nil || age <= 0 {
		s.writeError(w, &ingestq.ValidationError{Field: "older_than", Message: "must be a positive duration"})
		return
	}

	before := s.clock().Add(-age)
	n, err := s.admin.CleanupCompletedJobs(r.Context(), before)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("completed jobs cleaned up", "deleted", n, "before", before)
	writeJSON(w, http.StatusOK, cleanupResponse{Deleted: n, Before: before})
}

// parseStatuses accepts repeated and comma separated status parameters.
func parseStatuses(values []string) ([]ingestq.Status, error) {
	var out []ingestq.Status
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			st := ingestq.Status(part)
			switch st {
			case ingestq.StatusPending, ingestq.StatusInProgress, ingestq.StatusCompleted, ingestq.StatusDeadLetter:
				out = append(out, st)
			default:
				return nil, &ingestq.ValidationError{Field: "status", Message: "unknown status " + strconv.Quote(part)}
			}
		}
	}
	return out, nil
}

func parsePage(q map[string][]string) (limit, offset int, err error) {
	if limit, err = intParam(q, "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = intParam(q, "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func intParam(q map[string][]string, name string) (int, error) {
	vals := q[name]
	if len(vals) == 0 || vals[0] == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil || n < 0 {
		return 0, &ingestq.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}
