package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// ErrJobNotFound is returned for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// JobStore tracks async verification jobs in memory.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]webmention.Job
	now  func() time.Time
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]webmention.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job webmention.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob moves a job to status, stamping start and finish times.
func (s *JobStore) UpdateJob(
	_ context.Context,
	jobID string,
	status webmention.JobStatus,
	outcome *webmention.Outcome,
	errText string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = status
	job.ErrorText = errText
	if outcome != nil {
		o := *outcome
		job.Outcome = &o
	}
	now := s.now()
	if status == webmention.JobStatusRunning && job.Started == nil {
		job.Started = pointerTime(now)
	}
	if isTerminal(status) {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (webmention.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return webmention.Job{}, ErrJobNotFound
	}
	return job, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

func isTerminal(status webmention.JobStatus) bool {
	switch status {
	case webmention.JobStatusAccepted, webmention.JobStatusRejected,
		webmention.JobStatusFailed, webmention.JobStatusCanceled:
		return true
	default:
		return false
	}
}
