package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"plumemail/internal/domain"
	"plumemail/internal/mailer"
	"plumemail/internal/notify"
	"plumemail/internal/store"
)

// ErrInvalidSchedule indicates a due time in the past.
var ErrInvalidSchedule = errors.New("due time is in the past")

// Config wires the scheduler's collaborators.
type Config struct {
	Jobs      store.JobStore
	Requests  store.RequestStore
	Deliverer mailer.Deliverer
	Notifier  *notify.Notifier
	Logger    *slog.Logger
	// PollInterval bounds fire latency: a job fires at most one interval
	// after its due time. Zero defaults to one second.
	PollInterval time.Duration
	// RetryBackoff is added to the due time when a delivery attempt fails
	// and the job returns to pending. Zero defaults to 30 seconds.
	RetryBackoff time.Duration
	// MaxAttempts caps delivery attempts per job. Zero defaults to 2
	// (one initial attempt plus one retry).
	MaxAttempts int
}

// Scheduler owns deferred-send jobs: it persists them, fires each at most
// once at its due time, and reports the outcome on the owning request.
type Scheduler struct {
	jobs      store.JobStore
	requests  store.RequestStore
	deliverer mailer.Deliverer
	notifier  *notify.Notifier
	logger    *slog.Logger

	pollInterval time.Duration
	retryBackoff time.Duration
	maxAttempts  int
	now          func() time.Time
}

// New builds a scheduler. Run starts the firing loop separately.
func New(cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:         cfg.Jobs,
		requests:     cfg.Requests,
		deliverer:    cfg.Deliverer,
		notifier:     cfg.Notifier,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		retryBackoff: cfg.RetryBackoff,
		maxAttempts:  cfg.MaxAttempts,
		now:          time.Now,
	}
}

// Schedule registers a deferred send. The payload snapshot is what will be
// delivered; later edits to the request do not reach an already-scheduled
// job. The job is persisted before Schedule returns.
func (s *Scheduler) Schedule(requestID int64, dueAt time.Time, payload domain.PayloadSnapshot) (string, error) {
	now := s.now().UTC()
	if !dueAt.After(now) {
		return "", ErrInvalidSchedule
	}
	job := domain.ScheduledJob{
		ID:        uuid.NewString(),
		RequestID: requestID,
		DueAt:     dueAt.UTC(),
		Payload:   payload,
		State:     domain.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.CreateJob(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Cancel removes a pending job. Returns false, without error, when the job is
// unknown or already past pending: a cancel racing the firing loop resolves
// in favor of firing.
func (s *Scheduler) Cancel(jobID string) (bool, error) {
	return s.jobs.CancelJob(jobID)
}

// CancelByRequest cancels the pending job for a request, if one exists.
func (s *Scheduler) CancelByRequest(requestID int64) (bool, error) {
	job, ok, err := s.jobs.PendingJobForRequest(requestID)
	if err != nil || !ok {
		return false, err
	}
	return s.jobs.CancelJob(job.ID)
}

// ListPending returns pending jobs ordered by due time.
func (s *Scheduler) ListPending() ([]domain.ScheduledJob, error) {
	return s.jobs.ListPendingJobs()
}

// Recover returns jobs stranded in firing by a crash to pending. Such jobs
// may deliver twice; the contract degrades to at-least-once across a crash.
func (s *Scheduler) Recover() (int, error) {
	n, err := s.jobs.ResetFiringJobs()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("re-armed jobs stranded mid-fire", "count", n)
	}
	return n, nil
}

// Run is the firing loop. One coordinating goroutine owns it; the exclusive
// claim in the job store keeps even accidental concurrent coordinators from
// double-firing. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.drainDue(ctx)
		}
	}
}

// drainDue fires every job due at this tick, one at a time.
func (s *Scheduler) drainDue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !s.fireOne(ctx) {
			return
		}
	}
}

// fireOne claims and fires a single due job. Reports whether a job was
// claimed. No store lock is held across the delivery call.
func (s *Scheduler) fireOne(ctx context.Context) bool {
	job, ok, err := s.jobs.ClaimDueJob(s.now().UTC())
	if err != nil {
		s.logger.Error("claim due job", "err", err)
		return false
	}
	if !ok {
		return false
	}

	err = s.deliverer.Deliver(ctx, job.Payload.Recipient, job.Payload.Subject, job.Payload.Body)
	if err == nil {
		s.finish(ctx, job, domain.JobDelivered)
		return true
	}

	s.logger.Warn("deferred delivery attempt failed",
		"job_id", job.ID,
		"request_id", job.RequestID,
		"attempt", job.Attempts,
		"err", err,
	)
	if job.Attempts >= s.maxAttempts {
		s.finish(ctx, job, domain.JobFailed)
		return true
	}
	if err := s.jobs.ReleaseJob(job.ID, s.now().UTC().Add(s.retryBackoff)); err != nil {
		s.logger.Error("release job for retry", "job_id", job.ID, "err", err)
	}
	return true
}

// finish records the terminal job state, moves the owning request, and
// publishes the lifecycle event.
func (s *Scheduler) finish(ctx context.Context, job domain.ScheduledJob, state domain.JobState) {
	if err := s.jobs.CompleteJob(job.ID, state); err != nil {
		s.logger.Error("complete job", "job_id", job.ID, "err", err)
	}

	status := domain.StatusSent
	kind := notify.KindRequestSent
	message := "request delivered"
	if state == domain.JobFailed {
		status = domain.StatusFailed
		kind = notify.KindRequestFailed
		message = "request delivery failed"
	}
	if _, err := s.requests.UpdateRequestStatus(job.RequestID, status); err != nil {
		s.logger.Error("update request status after fire",
			"request_id", job.RequestID,
			"status", string(status),
			"err", err,
		)
	}
	if s.notifier != nil {
		s.notifier.Publish(ctx, kind, message, map[string]any{
			"requestId": job.RequestID,
			"jobId":     job.ID,
			"recipient": job.Payload.Recipient,
		})
	}
}

// SetClock overrides the time source. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}
