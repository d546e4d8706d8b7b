package store

import (
	"sync"
	"time"

	"plumemail/internal/domain"
)

// MemoryStore keeps all records in-process. It backs tests and single-node
// runs without Postgres. Each concern owns its lock, mirroring the per-store
// serialization the durable implementation gets from the database.
type MemoryStore struct {
	reqMu    sync.Mutex
	requests map[int64]domain.Request
	reqOrder []int64
	reqSeq   int64

	respMu    sync.Mutex
	responses map[int64]domain.Response
	respOrder []int64
	respSeq   int64

	jobMu    sync.Mutex
	jobs     map[string]domain.ScheduledJob
	jobOrder []string

	now func() time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[int64]domain.Request),
		responses: make(map[int64]domain.Response),
		jobs:      make(map[string]domain.ScheduledJob),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.now = now
}

// CreateRequest sanitizes the free-text fields and persists a new draft.
func (m *MemoryStore) CreateRequest(rawText, subject, body, recipient string) (domain.Request, error) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	m.reqSeq++
	req := domain.Request{
		ID:        m.reqSeq,
		RawText:   sanitizeText(rawText, MaxRawTextLen),
		Subject:   sanitizeLine(subject, MaxSubjectLen),
		Body:      sanitizeText(body, MaxBodyLen),
		Recipient: sanitizeLine(recipient, MaxRecipientLen),
		Status:    domain.StatusDraft,
		CreatedAt: m.now().UTC(),
	}
	m.requests[req.ID] = req
	m.reqOrder = append(m.reqOrder, req.ID)
	return req, nil
}

// GetRequest retrieves a request by id.
func (m *MemoryStore) GetRequest(id int64) (domain.Request, error) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return domain.Request{}, ErrNotFound
	}
	return req, nil
}

// ListRequests returns all requests ordered by id ascending.
func (m *MemoryStore) ListRequests() ([]domain.Request, error) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	res := make([]domain.Request, 0, len(m.reqOrder))
	for _, id := range m.reqOrder {
		res = append(res, m.requests[id])
	}
	return res, nil
}

// UpdateRequestStatus applies one forward transition under the store lock.
func (m *MemoryStore) UpdateRequestStatus(id int64, status domain.RequestStatus) (domain.Request, error) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return domain.Request{}, ErrNotFound
	}
	if !domain.CanTransition(req.Status, status) {
		return domain.Request{}, ErrInvalidTransition
	}
	req.Status = status
	if status == domain.StatusSent {
		sentAt := m.now().UTC()
		req.SentAt = &sentAt
	}
	m.requests[id] = req
	return req, nil
}

// RecordResponse persists an inbound reply.
func (m *MemoryStore) RecordResponse(requestID int64, sender, subject, body string) (domain.Response, error) {
	m.respMu.Lock()
	defer m.respMu.Unlock()
	m.respSeq++
	resp := domain.Response{
		ID:         m.respSeq,
		RequestID:  requestID,
		Sender:     sanitizeLine(sender, MaxRecipientLen),
		Subject:    sanitizeLine(subject, MaxSubjectLen),
		Body:       sanitizeText(body, MaxBodyLen),
		ReceivedAt: m.now().UTC(),
	}
	m.responses[resp.ID] = resp
	m.respOrder = append(m.respOrder, resp.ID)
	return resp, nil
}

// MarkResponseRead flips the read flag.
func (m *MemoryStore) MarkResponseRead(id int64) error {
	m.respMu.Lock()
	defer m.respMu.Unlock()
	resp, ok := m.responses[id]
	if !ok {
		return ErrNotFound
	}
	resp.Read = true
	m.responses[id] = resp
	return nil
}

// ListResponsesForRequest returns replies for a request ordered by id.
func (m *MemoryStore) ListResponsesForRequest(requestID int64) ([]domain.Response, error) {
	m.respMu.Lock()
	defer m.respMu.Unlock()
	res := make([]domain.Response, 0)
	for _, id := range m.respOrder {
		if resp := m.responses[id]; resp.RequestID == requestID {
			res = append(res, resp)
		}
	}
	return res, nil
}

// CreateJob persists a deferred-send job.
func (m *MemoryStore) CreateJob(job domain.ScheduledJob) error {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	if _, exists := m.jobs[job.ID]; !exists {
		m.jobOrder = append(m.jobOrder, job.ID)
	}
	m.jobs[job.ID] = job
	return nil
}

// GetJob retrieves a job by id.
func (m *MemoryStore) GetJob(id string) (domain.ScheduledJob, bool, error) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	job, ok := m.jobs[id]
	return job, ok, nil
}

// CancelJob moves a pending job to cancelled. Shares the job lock with
// ClaimDueJob so a job can never be both cancelled and fired.
func (m *MemoryStore) CancelJob(id string) (bool, error) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.State != domain.JobPending {
		return false, nil
	}
	job.State = domain.JobCancelled
	job.UpdatedAt = m.now().UTC()
	m.jobs[id] = job
	return true, nil
}

// ClaimDueJob claims the earliest due pending job, if any.
func (m *MemoryStore) ClaimDueJob(now time.Time) (domain.ScheduledJob, bool, error) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	bestID := ""
	for _, id := range m.jobOrder {
		job := m.jobs[id]
		if job.State != domain.JobPending || job.DueAt.After(now) {
			continue
		}
		// jobOrder is insertion order, so strict Before keeps the earlier
		// insertion on equal due times.
		if bestID == "" || job.DueAt.Before(m.jobs[bestID].DueAt) {
			bestID = id
		}
	}
	if bestID == "" {
		return domain.ScheduledJob{}, false, nil
	}
	job := m.jobs[bestID]
	job.State = domain.JobFiring
	job.Attempts++
	job.UpdatedAt = m.now().UTC()
	m.jobs[bestID] = job
	return job, true, nil
}

// ReleaseJob returns a firing job to pending with a pushed-back due time.
func (m *MemoryStore) ReleaseJob(id string, dueAt time.Time) error {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.State = domain.JobPending
	job.DueAt = dueAt
	job.UpdatedAt = m.now().UTC()
	m.jobs[id] = job
	return nil
}

// CompleteJob finishes a firing job as delivered or failed.
func (m *MemoryStore) CompleteJob(id string, state domain.JobState) error {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.State = state
	job.UpdatedAt = m.now().UTC()
	m.jobs[id] = job
	return nil
}

// ListPendingJobs returns pending jobs ordered by due time ascending.
func (m *MemoryStore) ListPendingJobs() ([]domain.ScheduledJob, error) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	res := make([]domain.ScheduledJob, 0)
	for _, id := range m.jobOrder {
		if job := m.jobs[id]; job.State == domain.JobPending {
			res = append(res, job)
		}
	}
	// Insertion-order walk plus stable compare keeps the tie-break.
	for i := 1; i < len(res); i++ {
		for j := i; j > 0 && res[j].DueAt.Before(res[j-1].DueAt); j-- {
			res[j], res[j-1] = res[j-1], res[j]
		}
	}
	return res, nil
}

// PendingJobForRequest finds the pending job targeting a request, if any.
func (m *MemoryStore) PendingJobForRequest(requestID int64) (domain.ScheduledJob, bool, error) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	for _, id := range m.jobOrder {
		job := m.jobs[id]
		if job.RequestID == requestID && job.State == domain.JobPending {
			return job, true, nil
		}
	}
	return domain.ScheduledJob{}, false, nil
}

// ResetFiringJobs returns stranded firing jobs to pending.
func (m *MemoryStore) ResetFiringJobs() (int, error) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	count := 0
	for _, id := range m.jobOrder {
		job := m.jobs[id]
		if job.State == domain.JobFiring {
			job.State = domain.JobPending
			job.UpdatedAt = m.now().UTC()
			m.jobs[id] = job
			count++
		}
	}
	return count, nil
}
