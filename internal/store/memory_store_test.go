package store

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"plumemail/internal/domain"
)

func TestCreateRequestSanitizesAndStartsAsDraft(t *testing.T) {
	s := NewMemoryStore()
	req, err := s.CreateRequest("besoin\x00 de congés\x1b[31m", "Demande\nde congés", "Corps...\x07", "rh@example.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.ID != 1 {
		t.Fatalf("first id = %d, want 1", req.ID)
	}
	if req.Status != domain.StatusDraft {
		t.Fatalf("status = %s, want draft", req.Status)
	}
	if strings.ContainsAny(req.RawText, "\x00\x1b") {
		t.Fatalf("control sequences not stripped: %q", req.RawText)
	}
	if strings.Contains(req.Subject, "\n") {
		t.Fatalf("subject should be a single line: %q", req.Subject)
	}
	if req.Body != "Corps..." {
		t.Fatalf("body = %q", req.Body)
	}
}

func TestCreateRequestClampsLongFields(t *testing.T) {
	s := NewMemoryStore()
	long := strings.Repeat("a", MaxSubjectLen+50)
	req, err := s.CreateRequest("x", long, "b", "rh@example.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(req.Subject) != MaxSubjectLen {
		t.Fatalf("subject len = %d, want %d", len(req.Subject), MaxSubjectLen)
	}
}

func TestUpdateRequestStatusTransitions(t *testing.T) {
	cases := []struct {
		name string
		path []domain.RequestStatus
		ok   bool
	}{
		{"draft to scheduled to sent", []domain.RequestStatus{domain.StatusScheduled, domain.StatusSent}, true},
		{"draft straight to sent", []domain.RequestStatus{domain.StatusSent}, true},
		{"cancel back to draft", []domain.RequestStatus{domain.StatusScheduled, domain.StatusDraft}, true},
		{"sent cannot regress to draft", []domain.RequestStatus{domain.StatusSent, domain.StatusDraft}, false},
		{"sent cannot regress to scheduled", []domain.RequestStatus{domain.StatusSent, domain.StatusScheduled}, false},
		{"failed is terminal", []domain.RequestStatus{domain.StatusFailed, domain.StatusDraft}, false},
		{"draft cannot re-enter draft", []domain.RequestStatus{domain.StatusDraft}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewMemoryStore()
			req, err := s.CreateRequest("texte", "sujet", "corps", "rh@example.com")
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			var lastErr error
			for _, status := range tc.path {
				_, lastErr = s.UpdateRequestStatus(req.ID, status)
				if lastErr != nil {
					break
				}
			}
			if tc.ok && lastErr != nil {
				t.Fatalf("path failed: %v", lastErr)
			}
			if !tc.ok && !errors.Is(lastErr, ErrInvalidTransition) {
				t.Fatalf("err = %v, want ErrInvalidTransition", lastErr)
			}
		})
	}
}

func TestUpdateRequestStatusUnknownID(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.UpdateRequestStatus(42, domain.StatusSent); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// SentAt must be set if and only if the request reached sent, whatever the
// sequence of attempted transitions.
func TestSentAtInvariantUnderRandomTransitions(t *testing.T) {
	statuses := []domain.RequestStatus{
		domain.StatusDraft, domain.StatusScheduled, domain.StatusSent, domain.StatusFailed,
	}
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		s := NewMemoryStore()
		req, err := s.CreateRequest("t", "s", "b", "a@b.fr")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		for i := 0; i < 10; i++ {
			_, _ = s.UpdateRequestStatus(req.ID, statuses[rng.Intn(len(statuses))])
		}
		got, err := s.GetRequest(req.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if (got.SentAt != nil) != (got.Status == domain.StatusSent) {
			t.Fatalf("trial %d: sentAt=%v status=%s violates invariant", trial, got.SentAt, got.Status)
		}
	}
}

func TestListRequestsOrderedByID(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 3; i++ {
		if _, err := s.CreateRequest("t", "s", "b", "a@b.fr"); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	reqs, err := s.ListRequests()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reqs) != 3 {
		t.Fatalf("len = %d, want 3", len(reqs))
	}
	for i, req := range reqs {
		if req.ID != int64(i+1) {
			t.Fatalf("order broken at %d: id %d", i, req.ID)
		}
	}
}

func TestResponsesRecordAndMarkRead(t *testing.T) {
	s := NewMemoryStore()
	// Request id 99 does not resolve; record must still succeed.
	resp, err := s.RecordResponse(99, "rh@example.com", "RE: Demande", "Accordé")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if resp.Read {
		t.Fatalf("read flag should default to false")
	}
	if err := s.MarkResponseRead(resp.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	list, err := s.ListResponsesForRequest(99)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || !list[0].Read {
		t.Fatalf("unexpected list %+v", list)
	}
	if err := s.MarkResponseRead(12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func newJob(id string, requestID int64, dueAt time.Time) domain.ScheduledJob {
	return domain.ScheduledJob{
		ID:        id,
		RequestID: requestID,
		DueAt:     dueAt,
		Payload:   domain.PayloadSnapshot{Recipient: "rh@example.com", Subject: "s", Body: "b"},
		State:     domain.JobPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func TestClaimDueJobPicksEarliestAndBreaksTiesByInsertion(t *testing.T) {
	s := NewMemoryStore()
	due := time.Now().UTC().Add(-time.Second)
	if err := s.CreateJob(newJob("job-b", 2, due)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateJob(newJob("job-a", 1, due)); err != nil {
		t.Fatalf("create: %v", err)
	}
	job, ok, err := s.ClaimDueJob(time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("claim: %v ok=%v", err, ok)
	}
	if job.ID != "job-b" {
		t.Fatalf("claimed %s, want job-b (inserted first)", job.ID)
	}
	if job.State != domain.JobFiring || job.Attempts != 1 {
		t.Fatalf("claimed job state=%s attempts=%d", job.State, job.Attempts)
	}
}

func TestClaimDueJobIgnoresFutureAndNonPending(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	if err := s.CreateJob(newJob("future", 1, now.Add(time.Hour))); err != nil {
		t.Fatalf("create: %v", err)
	}
	cancelled := newJob("cancelled", 2, now.Add(-time.Minute))
	cancelled.State = domain.JobCancelled
	if err := s.CreateJob(cancelled); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok, _ := s.ClaimDueJob(now); ok {
		t.Fatalf("nothing should be claimable")
	}
}

func TestCancelJobOnlyFromPending(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	if err := s.CreateJob(newJob("j1", 1, now.Add(-time.Second))); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := s.CancelJob("j1")
	if err != nil || !ok {
		t.Fatalf("cancel pending = %v, %v", ok, err)
	}
	// Already cancelled: no-op, not an error.
	ok, err = s.CancelJob("j1")
	if err != nil || ok {
		t.Fatalf("second cancel = %v, %v", ok, err)
	}
	// Unknown id: no-op.
	ok, err = s.CancelJob("missing")
	if err != nil || ok {
		t.Fatalf("cancel unknown = %v, %v", ok, err)
	}
	// A cancelled job never fires.
	if _, claimed, _ := s.ClaimDueJob(now); claimed {
		t.Fatalf("cancelled job must not be claimable")
	}
}

func TestCancelLosesToClaim(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateJob(newJob("j1", 1, time.Now().UTC().Add(-time.Second))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok, _ := s.ClaimDueJob(time.Now().UTC()); !ok {
		t.Fatalf("claim should succeed")
	}
	ok, err := s.CancelJob("j1")
	if err != nil || ok {
		t.Fatalf("cancel after claim = %v, %v; firing job cannot be cancelled", ok, err)
	}
}

func TestListPendingJobsOrderedByDueAt(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	_ = s.CreateJob(newJob("late", 1, now.Add(3*time.Hour)))
	_ = s.CreateJob(newJob("early", 2, now.Add(time.Hour)))
	_ = s.CreateJob(newJob("mid", 3, now.Add(2*time.Hour)))
	jobs, err := s.ListPendingJobs()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"early", "mid", "late"}
	for i, job := range jobs {
		if job.ID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, job.ID, want[i])
		}
	}
}

func TestResetFiringJobs(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	_ = s.CreateJob(newJob("j1", 1, now.Add(-time.Second)))
	_ = s.CreateJob(newJob("j2", 2, now.Add(-time.Second)))
	if _, ok, _ := s.ClaimDueJob(now); !ok {
		t.Fatalf("claim should succeed")
	}
	n, err := s.ResetFiringJobs()
	if err != nil || n != 1 {
		t.Fatalf("reset = %d, %v, want 1", n, err)
	}
	jobs, _ := s.ListPendingJobs()
	if len(jobs) != 2 {
		t.Fatalf("pending after reset = %d, want 2", len(jobs))
	}
}

func TestReleaseAndCompleteJob(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	_ = s.CreateJob(newJob("j1", 1, now.Add(-time.Second)))
	job, ok, _ := s.ClaimDueJob(now)
	if !ok {
		t.Fatalf("claim should succeed")
	}
	retryAt := now.Add(30 * time.Second)
	if err := s.ReleaseJob(job.ID, retryAt); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _, _ := s.GetJob(job.ID)
	if got.State != domain.JobPending || !got.DueAt.Equal(retryAt) {
		t.Fatalf("released job = %+v", got)
	}
	if _, ok, _ = s.ClaimDueJob(retryAt.Add(time.Second)); !ok {
		t.Fatalf("reclaim should succeed")
	}
	if err := s.CompleteJob(job.ID, domain.JobDelivered); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _, _ = s.GetJob(job.ID)
	if got.State != domain.JobDelivered || got.Attempts != 2 {
		t.Fatalf("completed job = %+v", got)
	}
}
