package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}, &Achievement{}, &CompletionJob{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedSession(t *testing.T, repo *Repo, status Status) *Record {
	t.Helper()
	rec := &Record{
		SessionID:     fmt.Sprintf("sess-%s-%d", t.Name(), time.Now().UnixNano()),
		UserID:        1,
		Status:        status,
		Title:         "Test Session",
		ScheduledTime: time.Now(),
	}
	if err := repo.CreateSession(context.Background(), rec); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return rec
}

func TestMarkCompleting_CompareAndSet(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	rec := seedSession(t, repo, StatusInProgress)

	ok, err := repo.MarkCompleting(context.Background(), rec.SessionID, StatusInProgress)
	if err != nil {
		t.Fatalf("mark completing: %v", err)
	}
	if !ok {
		t.Fatalf("expected CAS to succeed from in_progress")
	}

	// second CAS from in_progress must observe the changed status and fail
	ok, err = repo.MarkCompleting(context.Background(), rec.SessionID, StatusInProgress)
	if err != nil {
		t.Fatalf("second mark completing: %v", err)
	}
	if ok {
		t.Fatalf("expected CAS to fail once status moved to completing")
	}
}

func TestMarkCompleted_OnlyFromCompleting(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	rec := seedSession(t, repo, StatusInProgress)

	if err := repo.MarkCompleted(context.Background(), rec.SessionID, "summary"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not-found for in_progress row, got %v", err)
	}

	if _, err := repo.MarkCompleting(context.Background(), rec.SessionID, StatusInProgress); err != nil {
		t.Fatalf("mark completing: %v", err)
	}
	if err := repo.MarkCompleted(context.Background(), rec.SessionID, "all done"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	got, err := repo.GetBySessionID(context.Background(), rec.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.Summary != "all done" || got.CompletedAt == nil {
		t.Fatalf("unexpected record after completion: %+v", got)
	}
}

func TestCompletedIsTerminal(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	rec := seedSession(t, repo, StatusCompleted)

	ok, err := repo.MarkCompleting(context.Background(), rec.SessionID, StatusInProgress)
	if err != nil || ok {
		t.Fatalf("completed row must not re-enter completing: ok=%v err=%v", ok, err)
	}

	cancelled, err := repo.CancelSession(context.Background(), rec.SessionID)
	if err != nil || cancelled {
		t.Fatalf("completed row must not be cancellable: ok=%v err=%v", cancelled, err)
	}
}

func TestRevertCompleting(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	rec := seedSession(t, repo, StatusInProgress)

	if _, err := repo.MarkCompleting(context.Background(), rec.SessionID, StatusInProgress); err != nil {
		t.Fatalf("mark completing: %v", err)
	}
	if err := repo.RevertCompleting(context.Background(), rec.SessionID); err != nil {
		t.Fatalf("revert: %v", err)
	}

	got, err := repo.GetBySessionID(context.Background(), rec.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("expected in_progress after revert, got %s", got.Status)
	}
}

func TestCreateAchievementOrGetExisting(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	rec := seedSession(t, repo, StatusCompleting)

	first := &Achievement{
		SessionID:       rec.SessionID,
		UserID:          1,
		ExternalID:      1700000000000001,
		ImageAddress:    "ipfs://img",
		MetadataAddress: "ipfs://meta",
		TokenID:         7,
	}
	got, created, err := repo.CreateAchievementOrGetExisting(context.Background(), first)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	if got.TokenID != 7 {
		t.Fatalf("unexpected token id %d", got.TokenID)
	}

	dup := &Achievement{
		SessionID:       rec.SessionID,
		UserID:          1,
		ExternalID:      1700000000000002,
		ImageAddress:    "ipfs://other",
		MetadataAddress: "ipfs://other-meta",
		TokenID:         8,
	}
	got, created, err = repo.CreateAchievementOrGetExisting(context.Background(), dup)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("expected existing row to be returned, not a new one")
	}
	if got.TokenID != 7 || got.ExternalID != 1700000000000001 {
		t.Fatalf("expected original achievement back, got %+v", got)
	}
}

func TestCreateJobOrGetExisting_IdempotencyKey(t *testing.T) {
	repo := NewRepo(openTestDB(t))

	key := "retry-abc"
	j1 := &CompletionJob{ID: "01JOBAAAAAAAAAAAAAAAAAAAAA", UserID: 5, SessionID: "s1",
		Summary: "sum", DurationMinutes: 10, MoodScore: -1, IdempotencyKey: &key, Status: JobQueued}

	got, created, err := repo.CreateJobOrGetExisting(context.Background(), j1)
	if err != nil || !created {
		t.Fatalf("first job: created=%v err=%v", created, err)
	}
	if got.ID != j1.ID {
		t.Fatalf("unexpected job id %s", got.ID)
	}

	j2 := &CompletionJob{ID: "01JOBBBBBBBBBBBBBBBBBBBBBB", UserID: 5, SessionID: "s1",
		Summary: "sum", DurationMinutes: 10, MoodScore: -1, IdempotencyKey: &key, Status: JobQueued}
	got, created, err = repo.CreateJobOrGetExisting(context.Background(), j2)
	if err != nil {
		t.Fatalf("duplicate job: %v", err)
	}
	if created || got.ID != j1.ID {
		t.Fatalf("expected original job back, created=%v id=%s", created, got.ID)
	}
}

func TestCreateJobOrGetExisting_KeyScopedPerUser(t *testing.T) {
	repo := NewRepo(openTestDB(t))

	key := "shared-key"
	j1 := &CompletionJob{ID: "01JOBCCCCCCCCCCCCCCCCCCCCC", UserID: 5, SessionID: "s1",
		Summary: "sum", DurationMinutes: 10, MoodScore: -1, IdempotencyKey: &key, Status: JobQueued}
	if _, created, err := repo.CreateJobOrGetExisting(context.Background(), j1); err != nil || !created {
		t.Fatalf("user 5 job: created=%v err=%v", created, err)
	}

	// a different user reusing the same key gets a fresh job, not a conflict
	key2 := key
	j2 := &CompletionJob{ID: "01JOBDDDDDDDDDDDDDDDDDDDDD", UserID: 6, SessionID: "s2",
		Summary: "sum", DurationMinutes: 10, MoodScore: -1, IdempotencyKey: &key2, Status: JobQueued}
	got, created, err := repo.CreateJobOrGetExisting(context.Background(), j2)
	if err != nil {
		t.Fatalf("user 6 job: %v", err)
	}
	if !created || got.ID != j2.ID {
		t.Fatalf("expected a fresh job for user 6, created=%v id=%s", created, got.ID)
	}
}
