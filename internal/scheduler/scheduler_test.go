package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"plumemail/internal/domain"
	"plumemail/internal/notify"
	"plumemail/internal/store"
)

type delivery struct {
	recipient, subject, body string
}

type fakeDeliverer struct {
	mu       sync.Mutex
	calls    []delivery
	failures int // fail this many calls before succeeding
}

func (d *fakeDeliverer) Deliver(_ context.Context, recipient, subject, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, delivery{recipient, subject, body})
	if d.failures > 0 {
		d.failures--
		return errors.New("relay unavailable")
	}
	return nil
}

func (d *fakeDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type captureSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Send(_ context.Context, ev notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) kinds() []notify.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Kind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	store     *store.MemoryStore
	deliverer *fakeDeliverer
	sink      *captureSink
	sched     *Scheduler
	now       time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemoryStore(),
		deliverer: &fakeDeliverer{},
		sink:      &captureSink{},
		now:       time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	notifier := notify.New(nil)
	notifier.Register(f.sink)
	cfg.Jobs = f.store
	cfg.Requests = f.store
	cfg.Deliverer = f.deliverer
	cfg.Notifier = notifier
	f.sched = New(cfg)
	f.sched.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) newScheduledRequest(t *testing.T) domain.Request {
	t.Helper()
	req, err := f.store.CreateRequest("besoin de congés", "Demande de congés", "Corps...", "rh@example.com")
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := f.store.UpdateRequestStatus(req.ID, domain.StatusScheduled); err != nil {
		t.Fatalf("mark scheduled: %v", err)
	}
	return req
}

func TestScheduleRejectsPastDueTime(t *testing.T) {
	f := newFixture(t, Config{})
	req := f.newScheduledRequest(t)
	if _, err := f.sched.Schedule(req.ID, f.now.Add(-time.Second), domain.PayloadSnapshot{}); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}
	if _, err := f.sched.Schedule(req.ID, f.now, domain.PayloadSnapshot{}); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("dueAt == now should be rejected, got %v", err)
	}
}

func TestJobFiresOnceWithSnapshotPayload(t *testing.T) {
	f := newFixture(t, Config{})
	req := f.newScheduledRequest(t)

	snapshot := domain.PayloadSnapshot{Recipient: "rh@example.com", Subject: "Demande de congés", Body: "Corps..."}
	if _, err := f.sched.Schedule(req.ID, f.now.Add(time.Second), snapshot); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Not due yet.
	f.sched.drainDue(context.Background())
	if f.deliverer.count() != 0 {
		t.Fatalf("job fired before due time")
	}

	f.now = f.now.Add(2 * time.Second)
	f.sched.drainDue(context.Background())
	f.sched.drainDue(context.Background())

	if got := f.deliverer.count(); got != 1 {
		t.Fatalf("delivery count = %d, want exactly 1", got)
	}
	if f.deliverer.calls[0] != (delivery{"rh@example.com", "Demande de congés", "Corps..."}) {
		t.Fatalf("delivered payload = %+v, want the scheduling-time snapshot", f.deliverer.calls[0])
	}

	got, err := f.store.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != domain.StatusSent || got.SentAt == nil {
		t.Fatalf("request after fire = %+v", got)
	}
	if kinds := f.sink.kinds(); len(kinds) != 1 || kinds[0] != notify.KindRequestSent {
		t.Fatalf("events = %v, want one request.sent", kinds)
	}
}

func TestCancelledJobNeverFires(t *testing.T) {
	f := newFixture(t, Config{})
	req := f.newScheduledRequest(t)
	jobID, err := f.sched.Schedule(req.ID, f.now.Add(time.Second), domain.PayloadSnapshot{Recipient: "rh@example.com"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	ok, err := f.sched.Cancel(jobID)
	if err != nil || !ok {
		t.Fatalf("cancel = %v, %v", ok, err)
	}

	f.now = f.now.Add(time.Minute)
	f.sched.drainDue(context.Background())
	if f.deliverer.count() != 0 {
		t.Fatalf("cancelled job fired")
	}

	// Cancelling again, or cancelling an unknown job, is a no-op.
	if ok, _ := f.sched.Cancel(jobID); ok {
		t.Fatalf("second cancel should report false")
	}
	if ok, _ := f.sched.Cancel("unknown"); ok {
		t.Fatalf("unknown job cancel should report false")
	}
}

func TestCancelByRequest(t *testing.T) {
	f := newFixture(t, Config{})
	req := f.newScheduledRequest(t)
	if _, err := f.sched.Schedule(req.ID, f.now.Add(time.Hour), domain.PayloadSnapshot{}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	ok, err := f.sched.CancelByRequest(req.ID)
	if err != nil || !ok {
		t.Fatalf("cancel by request = %v, %v", ok, err)
	}
	if ok, _ := f.sched.CancelByRequest(req.ID); ok {
		t.Fatalf("no pending job should remain")
	}
}

func TestRetryOnceThenFail(t *testing.T) {
	f := newFixture(t, Config{RetryBackoff: 30 * time.Second})
	f.deliverer.failures = 10 // always fail
	req := f.newScheduledRequest(t)
	if _, err := f.sched.Schedule(req.ID, f.now.Add(time.Second), domain.PayloadSnapshot{Recipient: "rh@example.com"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// First attempt fails; job returns to pending with backoff.
	f.now = f.now.Add(2 * time.Second)
	f.sched.drainDue(context.Background())
	if f.deliverer.count() != 1 {
		t.Fatalf("attempts = %d, want 1", f.deliverer.count())
	}
	pending, _ := f.store.ListPendingJobs()
	if len(pending) != 1 {
		t.Fatalf("job should be pending again for its retry")
	}

	// Backoff not yet elapsed: nothing to fire.
	f.now = f.now.Add(10 * time.Second)
	f.sched.drainDue(context.Background())
	if f.deliverer.count() != 1 {
		t.Fatalf("retry fired before backoff elapsed")
	}

	// Second (final) attempt fails; job and request are marked failed.
	f.now = f.now.Add(time.Minute)
	f.sched.drainDue(context.Background())
	if f.deliverer.count() != 2 {
		t.Fatalf("attempts = %d, want 2", f.deliverer.count())
	}
	got, _ := f.store.GetRequest(req.ID)
	if got.Status != domain.StatusFailed || got.SentAt != nil {
		t.Fatalf("request after exhausted retries = %+v", got)
	}
	if kinds := f.sink.kinds(); len(kinds) != 1 || kinds[0] != notify.KindRequestFailed {
		t.Fatalf("events = %v, want one request.failed", kinds)
	}
}

func TestRecoverReArmsStrandedJobs(t *testing.T) {
	f := newFixture(t, Config{})
	req := f.newScheduledRequest(t)
	if _, err := f.sched.Schedule(req.ID, f.now.Add(time.Second), domain.PayloadSnapshot{Recipient: "rh@example.com"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	// Simulate a crash between claim and completion.
	f.now = f.now.Add(2 * time.Second)
	if _, ok, _ := f.store.ClaimDueJob(f.now); !ok {
		t.Fatalf("claim should succeed")
	}

	n, err := f.sched.Recover()
	if err != nil || n != 1 {
		t.Fatalf("recover = %d, %v, want 1", n, err)
	}
	f.sched.drainDue(context.Background())
	if f.deliverer.count() != 1 {
		t.Fatalf("re-armed job should fire")
	}
}

func TestRunFiresDueJobs(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 10 * time.Millisecond})
	f.sched.SetClock(time.Now) // Run uses wall-clock waits
	req := f.newScheduledRequest(t)
	if _, err := f.sched.Schedule(req.ID, time.Now().Add(50*time.Millisecond), domain.PayloadSnapshot{Recipient: "rh@example.com"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.sched.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.deliverer.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if got := f.deliverer.count(); got != 1 {
		t.Fatalf("delivery count = %d, want 1", got)
	}
}
