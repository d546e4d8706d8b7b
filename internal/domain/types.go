package domain

import "time"

// RequestStatus tracks a request through its lifecycle.
type RequestStatus string

const (
	StatusDraft     RequestStatus = "draft"
	StatusScheduled RequestStatus = "scheduled"
	StatusSent      RequestStatus = "sent"
	StatusFailed    RequestStatus = "failed"
)

// CanTransition reports whether a request may move from one status to another.
// Transitions run forward through draft -> scheduled -> sent, with failed as an
// alternative terminal. The single backward edge, scheduled -> draft, is the
// cancellation of a deferred send. Sent and failed are terminal.
func CanTransition(from, to RequestStatus) bool {
	switch from {
	case StatusDraft:
		return to == StatusScheduled || to == StatusSent || to == StatusFailed
	case StatusScheduled:
		return to == StatusDraft || to == StatusSent || to == StatusFailed
	default:
		return false
	}
}

// Request is an outgoing message tracked from draft to sent.
type Request struct {
	ID        int64         `json:"id"`
	RawText   string        `json:"rawText"`
	Subject   string        `json:"subject"`
	Body      string        `json:"body"`
	Recipient string        `json:"recipient"`
	Status    RequestStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	SentAt    *time.Time    `json:"sentAt,omitempty"`
}

// Response is an inbound reply linked to a request. The request reference is
// weak: a reply may be recorded before its request row is visible.
type Response struct {
	ID         int64     `json:"id"`
	RequestID  int64     `json:"requestId"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
	Read       bool      `json:"read"`
}

// JobState tracks a deferred-send job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobFiring    JobState = "firing"
	JobDelivered JobState = "delivered"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// PayloadSnapshot is the message content captured when a send is scheduled.
// Later edits to the request do not change an already-scheduled send.
type PayloadSnapshot struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// ScheduledJob is a deferred send owned by the scheduler.
type ScheduledJob struct {
	ID        string          `json:"id"`
	RequestID int64           `json:"requestId"`
	DueAt     time.Time       `json:"dueAt"`
	Payload   PayloadSnapshot `json:"payload"`
	Attempts  int             `json:"attempts"`
	State     JobState        `json:"state"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
