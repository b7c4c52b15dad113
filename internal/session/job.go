package session

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// CompletionJob is one queued request to complete a session. Jobs are what the
// worker consumes; the orchestrator itself stays synchronous.
type CompletionJob struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID    uint64 `gorm:"index;index:uniq_user_idempo,unique,priority:1;not null"`
	SessionID string `gorm:"size:36;index;not null"`

	Summary         string `gorm:"type:text;not null"`
	DurationMinutes int    `gorm:"not null"`
	MoodScore       int    `gorm:"not null"`
	// JSON-encoded achievement list; small and read-mostly
	Achievements string `gorm:"type:text"`

	// unique per user, not globally: two users may reuse the same key
	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_user_idempo,unique,priority:2" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ExternalID      *uint64 `gorm:"index"`
	ImageAddress    *string `gorm:"type:varchar(128)"`
	MetadataAddress *string `gorm:"type:varchar(128)"`
	TokenID         *uint64

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
