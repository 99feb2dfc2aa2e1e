package models

import "time"

// OutboundMessage records one attempt to send a message through an
// operator's session.
type OutboundMessage struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	OperatorID  string `gorm:"size:64;index"`
	OrderID     *uint  `gorm:"index"`
	Destination string `gorm:"size:64;not null"`
	Kind        string `gorm:"size:8;default:text"` // text, media
	Body        string `gorm:"type:text"`
	MediaURL    string `gorm:"size:512"`
	MessageID   string `gorm:"size:128"`
	Status      string `gorm:"size:16;not null;index"` // sent, unavailable, failed
	Error       string `gorm:"type:text"`
	CreatedAt   time.Time
}
