package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"plumemail/internal/domain"
)

// GormStore implements Store on Postgres via GORM. Row updates that race
// (status transitions, job claims) run as conditional updates checked through
// RowsAffected, so the database serializes them.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&RequestModel{}, &ResponseModel{}, &JobModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// CreateRequest sanitizes the free-text fields and persists a new draft.
func (s *GormStore) CreateRequest(rawText, subject, body, recipient string) (domain.Request, error) {
	model := RequestModel{
		RawText:   sanitizeText(rawText, MaxRawTextLen),
		Subject:   sanitizeLine(subject, MaxSubjectLen),
		Body:      sanitizeText(body, MaxBodyLen),
		Recipient: sanitizeLine(recipient, MaxRecipientLen),
		Status:    string(domain.StatusDraft),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Request{}, err
	}
	return requestFromModel(model), nil
}

// GetRequest retrieves a request by id.
func (s *GormStore) GetRequest(id int64) (domain.Request, error) {
	var model RequestModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Request{}, ErrNotFound
		}
		return domain.Request{}, err
	}
	return requestFromModel(model), nil
}

// ListRequests returns all requests ordered by id ascending.
func (s *GormStore) ListRequests() ([]domain.Request, error) {
	var models []RequestModel
	if err := s.db.Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Request, 0, len(models))
	for _, m := range models {
		res = append(res, requestFromModel(m))
	}
	return res, nil
}

// UpdateRequestStatus applies one forward transition. The update is
// conditional on the current status so concurrent transitions serialize.
func (s *GormStore) UpdateRequestStatus(id int64, status domain.RequestStatus) (domain.Request, error) {
	var out domain.Request
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model RequestModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !domain.CanTransition(domain.RequestStatus(model.Status), status) {
			return ErrInvalidTransition
		}
		updates := map[string]any{"status": string(status)}
		if status == domain.StatusSent {
			updates["sent_at"] = time.Now().UTC()
		}
		res := tx.Model(&RequestModel{}).
			Where("id = ? AND status = ?", id, model.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			return err
		}
		out = requestFromModel(model)
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	return out, nil
}

// RecordResponse persists an inbound reply. The request id is not validated.
func (s *GormStore) RecordResponse(requestID int64, sender, subject, body string) (domain.Response, error) {
	model := ResponseModel{
		RequestID:  requestID,
		Sender:     sanitizeLine(sender, MaxRecipientLen),
		Subject:    sanitizeLine(subject, MaxSubjectLen),
		Body:       sanitizeText(body, MaxBodyLen),
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Response{}, err
	}
	return responseFromModel(model), nil
}

// MarkResponseRead flips the read flag.
func (s *GormStore) MarkResponseRead(id int64) error {
	res := s.db.Model(&ResponseModel{}).Where("id = ?", id).Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListResponsesForRequest returns replies for a request ordered by id.
func (s *GormStore) ListResponsesForRequest(requestID int64) ([]domain.Response, error) {
	var models []ResponseModel
	if err := s.db.Where("request_id = ?", requestID).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Response, 0, len(models))
	for _, m := range models {
		res = append(res, responseFromModel(m))
	}
	return res, nil
}

// CreateJob persists a deferred-send job.
func (s *GormStore) CreateJob(job domain.ScheduledJob) error {
	model, err := jobToModel(job)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

// GetJob retrieves a job by id.
func (s *GormStore) GetJob(id string) (domain.ScheduledJob, bool, error) {
	var model JobModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ScheduledJob{}, false, nil
		}
		return domain.ScheduledJob{}, false, err
	}
	job, err := jobFromModel(model)
	if err != nil {
		return domain.ScheduledJob{}, false, err
	}
	return job, true, nil
}

// CancelJob moves a pending job to cancelled. Conditional on pending, so a
// cancel racing a claim resolves in favor of whichever update lands first.
func (s *GormStore) CancelJob(id string) (bool, error) {
	res := s.db.Model(&JobModel{}).
		Where("id = ? AND state = ?", id, string(domain.JobPending)).
		Updates(map[string]any{
			"state":      string(domain.JobCancelled),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClaimDueJob claims the earliest due pending job. The pending -> firing
// update is conditional, so two coordinators cannot both claim one job.
func (s *GormStore) ClaimDueJob(now time.Time) (domain.ScheduledJob, bool, error) {
	var model JobModel
	err := s.db.
		Where("state = ? AND due_at <= ?", string(domain.JobPending), now).
		Order("due_at ASC, created_at ASC, id ASC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ScheduledJob{}, false, nil
	}
	if err != nil {
		return domain.ScheduledJob{}, false, err
	}
	res := s.db.Model(&JobModel{}).
		Where("id = ? AND state = ?", model.ID, string(domain.JobPending)).
		Updates(map[string]any{
			"state":      string(domain.JobFiring),
			"attempts":   model.Attempts + 1,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return domain.ScheduledJob{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race to another claimer or a cancel; the next poll retries.
		return domain.ScheduledJob{}, false, nil
	}
	model.State = string(domain.JobFiring)
	model.Attempts++
	job, err := jobFromModel(model)
	if err != nil {
		return domain.ScheduledJob{}, false, err
	}
	return job, true, nil
}

// ReleaseJob returns a firing job to pending with a pushed-back due time.
func (s *GormStore) ReleaseJob(id string, dueAt time.Time) error {
	res := s.db.Model(&JobModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"state":      string(domain.JobPending),
			"due_at":     dueAt,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob finishes a firing job as delivered or failed.
func (s *GormStore) CompleteJob(id string, state domain.JobState) error {
	res := s.db.Model(&JobModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"state":      string(state),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingJobs returns pending jobs ordered by due time ascending.
func (s *GormStore) ListPendingJobs() ([]domain.ScheduledJob, error) {
	var models []JobModel
	if err := s.db.
		Where("state = ?", string(domain.JobPending)).
		Order("due_at ASC, created_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ScheduledJob, 0, len(models))
	for _, m := range models {
		job, err := jobFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, job)
	}
	return res, nil
}

// PendingJobForRequest finds the pending job targeting a request, if any.
func (s *GormStore) PendingJobForRequest(requestID int64) (domain.ScheduledJob, bool, error) {
	var model JobModel
	err := s.db.
		Where("request_id = ? AND state = ?", requestID, string(domain.JobPending)).
		Order("created_at ASC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ScheduledJob{}, false, nil
	}
	if err != nil {
		return domain.ScheduledJob{}, false, err
	}
	job, err := jobFromModel(model)
	if err != nil {
		return domain.ScheduledJob{}, false, err
	}
	return job, true, nil
}

// ResetFiringJobs returns stranded firing jobs to pending.
func (s *GormStore) ResetFiringJobs() (int, error) {
	res := s.db.Model(&JobModel{}).
		Where("state = ?", string(domain.JobFiring)).
		Updates(map[string]any{
			"state":      string(domain.JobPending),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func requestFromModel(m RequestModel) domain.Request {
	return domain.Request{
		ID:        m.ID,
		RawText:   m.RawText,
		Subject:   m.Subject,
		Body:      m.Body,
		Recipient: m.Recipient,
		Status:    domain.RequestStatus(m.Status),
		CreatedAt: m.CreatedAt,
		SentAt:    m.SentAt,
	}
}

func responseFromModel(m ResponseModel) domain.Response {
	return domain.Response{
		ID:         m.ID,
		RequestID:  m.RequestID,
		Sender:     m.Sender,
		Subject:    m.Subject,
		Body:       m.Body,
		ReceivedAt: m.ReceivedAt,
		Read:       m.Read,
	}
}

func jobToModel(job domain.ScheduledJob) (JobModel, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return JobModel{}, fmt.Errorf("encode payload: %w", err)
	}
	return JobModel{
		ID:        job.ID,
		RequestID: job.RequestID,
		DueAt:     job.DueAt,
		Payload:   payload,
		Attempts:  job.Attempts,
		State:     string(job.State),
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}, nil
}

func jobFromModel(m JobModel) (domain.ScheduledJob, error) {
	var payload domain.PayloadSnapshot
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return domain.ScheduledJob{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	return domain.ScheduledJob{
		ID:        m.ID,
		RequestID: m.RequestID,
		DueAt:     m.DueAt,
		Payload:   payload,
		Attempts:  m.Attempts,
		State:     domain.JobState(m.State),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}
