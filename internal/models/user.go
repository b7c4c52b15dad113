package models

import "time"

type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Email        string `gorm:"type:varchar(255);uniqueIndex;not null"`
	Username     string `gorm:"type:varchar(32);uniqueIndex;not null"`
	PasswordHash string `gorm:"type:varchar(128);not null"`

	// ledger identity the user's achievement tokens are minted to
	WalletAddress string `gorm:"type:varchar(64);index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string { return "users" }
