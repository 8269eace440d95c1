package models

import (
	"time"
)

// Link is one server share link found in a wall post.
type Link struct {
	Link      string `json:"link"`
	Timestamp string `json:"timestamp"`
	Page      int    `json:"-"`
}

// ConnectionLog is the archived form of an audit entry.
type ConnectionLog struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)"`
	Timestamp   time.Time `gorm:"index;not null"`
	RawTime     string    `gorm:"type:varchar(64)"`
	EventType   string    `gorm:"type:varchar(32);not null;index"`
	ClientIP    string    `gorm:"type:varchar(45);not null;index"`
	Country     string    `gorm:"type:varchar(8);index"`
	CountryName string    `gorm:"type:varchar(128)"`
	AccessKey   string    `gorm:"type:varchar(255)"`
	UserAgent   string    `gorm:"type:text"`
}

func (ConnectionLog) TableName() string {
	return "connection_logs"
}
