package session

import "time"

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	// StatusCompleting is the local intent state written before any ledger call;
	// a crashed attempt leaves it behind and a retry may resume from it.
	StatusCompleting Status = "completing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a status may never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Record struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string `gorm:"type:varchar(36);uniqueIndex;not null" json:"session_id"`
	UserID    uint64 `gorm:"index;not null" json:"-"`
	Status    Status `gorm:"type:varchar(16);index;not null" json:"status"`
	Title     string `gorm:"type:varchar(255)" json:"title"`
	Summary   string `gorm:"type:text" json:"summary"`

	ScheduledTime time.Time  `json:"scheduled_time"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Record) TableName() string { return "therapy_sessions" }

// Achievement is the persisted outcome of a completed session: the external
// ledger identifier plus the immutable artifact addresses and token. One row
// per session, written once.
type Achievement struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID  string `gorm:"type:varchar(36);uniqueIndex;not null" json:"session_id"`
	UserID     uint64 `gorm:"index;not null" json:"-"`
	ExternalID uint64 `gorm:"uniqueIndex;not null" json:"external_id"`

	ImageAddress    string `gorm:"type:varchar(128);not null" json:"image_address"`
	MetadataAddress string `gorm:"type:varchar(128);not null" json:"metadata_address"`
	TokenID         uint64 `gorm:"not null" json:"token_id"`

	DurationMinutes  int       `json:"duration_minutes"`
	MoodScore        int       `json:"mood_score"`
	AchievementCount int       `json:"achievement_count"`
	CreatedAt        time.Time `json:"created_at"`
}

func (Achievement) TableName() string { return "session_achievements" }
