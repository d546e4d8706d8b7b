package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"plumemail/internal/domain"
	"plumemail/internal/mailer"
	"plumemail/internal/notify"
	"plumemail/internal/ratelimit"
	"plumemail/internal/scheduler"
	"plumemail/internal/session"
	"plumemail/internal/store"
	"plumemail/pkg/ai"
	"plumemail/pkg/auth"
)

// Config wires the orchestrator's collaborators.
type Config struct {
	Store     store.Store
	Guard     *session.Guard
	Limiter   *ratelimit.SlidingWindowLimiter
	Scheduler *scheduler.Scheduler
	Deliverer mailer.Deliverer
	Notifier  *notify.Notifier
	Composer  ai.Composer
	Logger    *slog.Logger

	// Principal and PasswordHash are the single configured login identity.
	// PasswordHash is a bcrypt hash, never the plain password.
	Principal    string
	PasswordHash string
}

// App composes guard, limiter, stores, scheduler, and notifier into the
// externally visible pipeline operations. Every mutating operation gates
// explicitly: session first, then the rate budget. No operation partially
// applies its effect; a failure leaves the stores as they were.
type App struct {
	stores    store.Store
	guard     *session.Guard
	limiter   *ratelimit.SlidingWindowLimiter
	scheduler *scheduler.Scheduler
	deliverer mailer.Deliverer
	notifier  *notify.Notifier
	composer  ai.Composer
	logger    *slog.Logger
	validate  *validator.Validate

	principal    string
	passwordHash string
}

// New builds the orchestrator.
func New(cfg Config) *App {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		stores:       cfg.Store,
		guard:        cfg.Guard,
		limiter:      cfg.Limiter,
		scheduler:    cfg.Scheduler,
		deliverer:    cfg.Deliverer,
		notifier:     cfg.Notifier,
		composer:     cfg.Composer,
		logger:       logger,
		validate:     validator.New(),
		principal:    cfg.Principal,
		passwordHash: cfg.PasswordHash,
	}
}

// SubmitInput carries a new outgoing request.
type SubmitInput struct {
	RawText   string `json:"rawText" validate:"required,max=2000"`
	Subject   string `json:"subject" validate:"required,max=200"`
	Body      string `json:"body" validate:"required,max=10000"`
	Recipient string `json:"recipient" validate:"required,email,max=254"`
}

// ReplyInput carries an inbound reply from the external intake.
type ReplyInput struct {
	RequestID int64  `json:"requestId" validate:"required,gt=0"`
	Sender    string `json:"sender" validate:"required,email,max=254"`
	Subject   string `json:"subject" validate:"max=200"`
	Body      string `json:"body" validate:"required,max=10000"`
}

// gate runs the session check then the rate budget for one operation. The
// admitted principal is the limiter key, so budgets follow the caller.
func (a *App) gate(token string, class ratelimit.Class) (string, error) {
	principal, err := a.guard.Validate(token)
	if err != nil {
		return "", err
	}
	if ok, retryAfter := a.limiter.Allow(principal, class); !ok {
		return "", &RateLimitError{RetryAfter: retryAfter}
	}
	return principal, nil
}

// Login verifies the configured credentials and mints a session. callerKey
// identifies the unauthenticated caller (remote address) for the auth budget,
// which is spent before the password check so failed guesses burn it too.
func (a *App) Login(callerKey, username, password string) (string, error) {
	if ok, retryAfter := a.limiter.Allow(callerKey, ratelimit.ClassAuth); !ok {
		return "", &RateLimitError{RetryAfter: retryAfter}
	}
	if username != a.principal || !auth.CheckPassword(password, a.passwordHash) {
		return "", session.ErrUnauthenticated
	}
	return a.guard.Create(username)
}

// Logout destroys the session. Idempotent.
func (a *App) Logout(token string) error {
	return a.guard.Destroy(token)
}

// Submit creates a new draft request.
func (a *App) Submit(token string, in SubmitInput) (domain.Request, error) {
	if _, err := a.gate(token, ratelimit.ClassDefault); err != nil {
		return domain.Request{}, err
	}
	if err := a.validate.Struct(in); err != nil {
		return domain.Request{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return a.stores.CreateRequest(in.RawText, in.Subject, in.Body, in.Recipient)
}

// Compose drafts a subject and body for the caller's free-text need. Nothing
// is persisted; the caller submits the draft separately. The generator call
// happens outside any store lock and may be slow.
func (a *App) Compose(ctx context.Context, token, need, tone string) (string, string, error) {
	if _, err := a.gate(token, ratelimit.ClassDefault); err != nil {
		return "", "", err
	}
	if a.composer == nil {
		return "", "", fmt.Errorf("%w: no generator configured", ai.ErrGeneration)
	}
	return a.composer.Compose(ctx, need, tone)
}

// ScheduleSend arms a deferred send for a draft request. The payload is
// snapshotted here; later edits to the request do not reach the job. On
// failure the request keeps its previous status and no job remains armed.
func (a *App) ScheduleSend(token string, requestID int64, dueAt time.Time) (string, error) {
	if _, err := a.gate(token, ratelimit.ClassDefault); err != nil {
		return "", err
	}
	req, err := a.stores.GetRequest(requestID)
	if err != nil {
		return "", err
	}
	if !domain.CanTransition(req.Status, domain.StatusScheduled) {
		return "", store.ErrInvalidTransition
	}
	jobID, err := a.scheduler.Schedule(requestID, dueAt, domain.PayloadSnapshot{
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
	})
	if err != nil {
		return "", err
	}
	if _, err := a.stores.UpdateRequestStatus(requestID, domain.StatusScheduled); err != nil {
		// Roll the job back so a failed operation leaves nothing armed.
		if _, cancelErr := a.scheduler.Cancel(jobID); cancelErr != nil {
			a.logger.Error("cancel job after status update failure",
				"job_id", jobID, "request_id", requestID, "err", cancelErr)
		}
		return "", err
	}
	return jobID, nil
}

// SendNow delivers a request synchronously, bypassing the scheduler. A pending
// deferred job for the request is cancelled first so the send cannot double.
// Delivery failure is surfaced immediately without retry and marks the
// request failed.
func (a *App) SendNow(ctx context.Context, token string, requestID int64) (domain.Request, error) {
	if _, err := a.gate(token, ratelimit.ClassDefault); err != nil {
		return domain.Request{}, err
	}
	req, err := a.stores.GetRequest(requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if !domain.CanTransition(req.Status, domain.StatusSent) {
		return domain.Request{}, store.ErrInvalidTransition
	}
	if _, err := a.scheduler.CancelByRequest(requestID); err != nil {
		return domain.Request{}, err
	}

	deliverErr := a.deliverer.Deliver(ctx, req.Recipient, req.Subject, req.Body)
	if deliverErr != nil {
		if _, err := a.stores.UpdateRequestStatus(requestID, domain.StatusFailed); err != nil {
			a.logger.Error("mark request failed after send",
				"request_id", requestID, "err", err)
		}
		a.publish(ctx, notify.KindRequestFailed, "request delivery failed", req)
		return domain.Request{}, deliverErr
	}

	updated, err := a.stores.UpdateRequestStatus(requestID, domain.StatusSent)
	if err != nil {
		return domain.Request{}, err
	}
	a.publish(ctx, notify.KindRequestSent, "request delivered", req)
	return updated, nil
}

// CancelSend revokes a scheduled request's pending job and returns it to
// draft. Reports false, without error, when no pending job exists: a cancel
// racing the firing loop loses to the fire.
func (a *App) CancelSend(token string, requestID int64) (bool, error) {
	if _, err := a.gate(token, ratelimit.ClassDefault); err != nil {
		return false, err
	}
	if _, err := a.stores.GetRequest(requestID); err != nil {
		return false, err
	}
	cancelled, err := a.scheduler.CancelByRequest(requestID)
	if err != nil || !cancelled {
		return false, err
	}
	if _, err := a.stores.UpdateRequestStatus(requestID, domain.StatusDraft); err != nil {
		return false, err
	}
	return true, nil
}

// RecordReply ingests an inbound reply. No session: the intake is external.
// The request id is kept even when it does not resolve; a reply may arrive
// before its request is visible.
func (a *App) RecordReply(ctx context.Context, callerKey string, in ReplyInput) (domain.Response, error) {
	if ok, retryAfter := a.limiter.Allow(callerKey, ratelimit.ClassAPI); !ok {
		return domain.Response{}, &RateLimitError{RetryAfter: retryAfter}
	}
	if err := a.validate.Struct(in); err != nil {
		return domain.Response{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	resp, err := a.stores.RecordResponse(in.RequestID, in.Sender, in.Subject, in.Body)
	if err != nil {
		return domain.Response{}, err
	}
	if a.notifier != nil {
		a.notifier.Publish(ctx, notify.KindResponseReceived, "reply received", map[string]any{
			"responseId": resp.ID,
			"requestId":  resp.RequestID,
			"sender":     resp.Sender,
		})
	}
	return resp, nil
}

// GetRequest returns one request.
func (a *App) GetRequest(token string, id int64) (domain.Request, error) {
	if _, err := a.gate(token, ratelimit.ClassDefault); err != nil {
		return domain.Request{}, err
	}
	return a.stores.GetRequest(id)
}

// ListRequests returns all requests ordered by id.
func (a *App) ListRequests(token string) ([]domain.Request, error) {
	if _, err := a.gate(token, ratelimit.ClassDefault); err != nil {
		return nil, err
	}
	return a.stores.ListRequests()
}

// ListReplies returns the replies recorded for a request, ordered by id.
func (a *App) ListReplies(token string, requestID int64) ([]domain.Response, error) {
	if _, err := a.gate(token, ratelimit.ClassDefault); err != nil {
		return nil, err
	}
	return a.stores.ListResponsesForRequest(requestID)
}

// MarkReplyRead flips a reply's read flag.
func (a *App) MarkReplyRead(token string, id int64) error {
	if _, err := a.gate(token, ratelimit.ClassDefault); err != nil {
		return err
	}
	return a.stores.MarkResponseRead(id)
}

// ListPending returns the armed deferred-send jobs ordered by due time.
func (a *App) ListPending(token string) ([]domain.ScheduledJob, error) {
	if _, err := a.gate(token, ratelimit.ClassDefault); err != nil {
		return nil, err
	}
	return a.scheduler.ListPending()
}

func (a *App) publish(ctx context.Context, kind notify.Kind, message string, req domain.Request) {
	if a.notifier == nil {
		return
	}
	a.notifier.Publish(ctx, kind, message, map[string]any{
		"requestId": req.ID,
		"recipient": req.Recipient,
	})
}
