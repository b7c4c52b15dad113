package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Service struct {
	repo *Repo
}

func NewService(repo *Repo) *Service {
	return &Service{repo: repo}
}

// CreateSession starts a new in-progress therapy session with a freshly
// generated internal identifier. The ledger-side record is created lazily on
// first completion, not here.
func (s *Service) CreateSession(ctx context.Context, userID uint64, title string) (*Record, error) {
	if title == "" {
		title = fmt.Sprintf("New Session - %s", time.Now().Format("2006-01-02 15:04"))
	}

	rec := &Record{
		SessionID:     uuid.NewString(),
		UserID:        userID,
		Status:        StatusInProgress,
		Title:         title,
		ScheduledTime: time.Now(),
	}
	if err := s.repo.CreateSession(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetOwnedSession returns the record only when it belongs to userID; foreign
// sessions are reported as not found to hide their existence.
func (s *Service) GetOwnedSession(ctx context.Context, userID uint64, sessionID string) (*Record, error) {
	rec, err := s.repo.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return rec, nil
}

func (s *Service) ListSessions(ctx context.Context, userID uint64, limit int) ([]Record, error) {
	return s.repo.ListSessions(ctx, userID, limit)
}

func (s *Service) CancelSession(ctx context.Context, userID uint64, sessionID string) error {
	if _, err := s.GetOwnedSession(ctx, userID, sessionID); err != nil {
		return err
	}
	done, err := s.repo.CancelSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !done {
		return errors.New("session is not cancellable")
	}
	return nil
}

func (s *Service) ListAchievements(ctx context.Context, userID uint64, limit int) ([]Achievement, error) {
	return s.repo.ListAchievementsByUser(ctx, userID, limit)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*CompletionJob, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *CompletionJob) (*CompletionJob, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}
