package store

import (
	"errors"
	"time"

	"plumemail/internal/domain"
)

var (
	// ErrNotFound indicates an unknown record id.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition indicates an illegal request status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RequestStore persists outgoing requests. Requests are never deleted; they
// remain as an audit trail and cancellation is a status, not an erasure.
type RequestStore interface {
	CreateRequest(rawText, subject, body, recipient string) (domain.Request, error)
	GetRequest(id int64) (domain.Request, error)
	ListRequests() ([]domain.Request, error)
	// UpdateRequestStatus enforces the transition rules in domain.CanTransition
	// and sets SentAt exactly when a request enters the sent status.
	UpdateRequestStatus(id int64, status domain.RequestStatus) (domain.Request, error)
}

// ResponseStore persists inbound replies. Record never validates that the
// request id resolves; a reply may arrive before its request is visible.
type ResponseStore interface {
	RecordResponse(requestID int64, sender, subject, body string) (domain.Response, error)
	MarkResponseRead(id int64) error
	ListResponsesForRequest(requestID int64) ([]domain.Response, error)
}

// JobStore persists deferred-send jobs. ClaimDueJob is the exclusive
// pending -> firing transition: two concurrent claimers can never both get the
// same job, and a claim cannot interleave with CancelJob on the same row.
type JobStore interface {
	CreateJob(job domain.ScheduledJob) error
	GetJob(id string) (domain.ScheduledJob, bool, error)
	// CancelJob returns true only when the job was pending and is now
	// cancelled. Unknown or already-fired jobs return false, not an error.
	CancelJob(id string) (bool, error)
	// ClaimDueJob atomically moves the earliest due pending job to firing and
	// increments its attempt count. Equal due times break by insertion order.
	ClaimDueJob(now time.Time) (domain.ScheduledJob, bool, error)
	// ReleaseJob returns a firing job to pending with a new due time (retry).
	ReleaseJob(id string, dueAt time.Time) error
	// CompleteJob moves a firing job to delivered or failed.
	CompleteJob(id string, state domain.JobState) error
	ListPendingJobs() ([]domain.ScheduledJob, error)
	PendingJobForRequest(requestID int64) (domain.ScheduledJob, bool, error)
	// ResetFiringJobs returns jobs stranded in firing (crash recovery) to
	// pending. Delivery becomes at-least-once across such a crash.
	ResetFiringJobs() (int, error)
}

// Store groups the three persistence concerns behind one implementation.
type Store interface {
	RequestStore
	ResponseStore
	JobStore
}
