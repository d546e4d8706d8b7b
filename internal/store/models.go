package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type RequestModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	RawText   string    `gorm:"not null"`
	Subject   string    `gorm:"not null"`
	Body      string    `gorm:"not null"`
	Recipient string    `gorm:"not null;index"`
	Status    string    `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
	SentAt    *time.Time
}

func (RequestModel) TableName() string { return "requests" }

type ResponseModel struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	RequestID  int64     `gorm:"not null;index"`
	Sender     string    `gorm:"not null"`
	Subject    string    `gorm:"not null"`
	Body       string    `gorm:"not null"`
	ReceivedAt time.Time `gorm:"not null"`
	Read       bool      `gorm:"not null;default:false"`
}

func (ResponseModel) TableName() string { return "responses" }

type JobModel struct {
	ID        string         `gorm:"primaryKey"`
	RequestID int64          `gorm:"not null;index"`
	DueAt     time.Time      `gorm:"not null;index"`
	Payload   datatypes.JSON `gorm:"not null"`
	Attempts  int            `gorm:"not null;default:0"`
	State     string         `gorm:"not null;index"`
	CreatedAt time.Time      `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (JobModel) TableName() string { return "scheduled_jobs" }
