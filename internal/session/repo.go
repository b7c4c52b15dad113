package session

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Record) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetBySessionID(ctx context.Context, sessionID string) (*Record, error) {
	var s Record
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) ListSessions(ctx context.Context, userID uint64, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var recs []Record
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// MarkCompleting transitions session_id from expected to completing, compare-and-set
// on the prior status. Returns false when the row was not in expected status, which
// callers must treat as a concurrent or already-finished attempt.
func (r *Repo) MarkCompleting(ctx context.Context, sessionID string, expected Status) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Record{}).
		Where("session_id = ? AND status = ?", sessionID, expected).
		Update("status", StatusCompleting)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkCompleted finalizes the local record. Only a completing row may become
// completed; completed and cancelled stay terminal.
func (r *Repo) MarkCompleted(ctx context.Context, sessionID, summary string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&Record{}).
		Where("session_id = ? AND status = ?", sessionID, StatusCompleting).
		Updates(map[string]any{
			"status":       StatusCompleted,
			"summary":      summary,
			"completed_at": &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RevertCompleting puts a session back to in_progress after a fatal local
// failure before any ledger call. No-op for rows not in completing.
func (r *Repo) RevertCompleting(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Model(&Record{}).
		Where("session_id = ? AND status = ?", sessionID, StatusCompleting).
		Update("status", StatusInProgress).Error
}

func (r *Repo) CancelSession(ctx context.Context, sessionID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Record{}).
		Where("session_id = ? AND status IN ?", sessionID, []Status{StatusScheduled, StatusInProgress}).
		Update("status", StatusCancelled)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Achievement CRUD

// CreateAchievementOrGetExisting inserts the achievement row, but if one already
// exists for the session it returns the existing row instead. Same catch-and-recover
// shape as job idempotency: insert first, resolve the unique-key conflict after.
func (r *Repo) CreateAchievementOrGetExisting(ctx context.Context, a *Achievement) (*Achievement, bool, error) {
	err := r.db.WithContext(ctx).Create(a).Error
	if err == nil {
		return a, true, nil
	}

	existing, getErr := r.GetAchievementBySessionID(ctx, a.SessionID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *Repo) GetAchievementBySessionID(ctx context.Context, sessionID string) (*Achievement, error) {
	var a Achievement
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repo) ListAchievementsByUser(ctx context.Context, userID uint64, limit int) ([]Achievement, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var achievements []Achievement
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&achievements).Error; err != nil {
		return nil, err
	}
	return achievements, nil
}

// Job CRUD

func (r *Repo) GetJobByID(ctx context.Context, id string) (*CompletionJob, error) {
	var j CompletionJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&CompletionJob{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, externalID uint64, imageAddr, metadataAddr string, tokenID uint64) error {
	return r.db.WithContext(ctx).Model(&CompletionJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           JobSucceeded,
			"external_id":      externalID,
			"image_address":    imageAddr,
			"metadata_address": metadataAddr,
			"token_id":         tokenID,
			"error":            nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&CompletionJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*CompletionJob, error) {
	var job CompletionJob
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id, idempotency_key)
// already exists, it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *CompletionJob) (*CompletionJob, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		// No key provided -> always a new job
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
