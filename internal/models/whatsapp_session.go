package models

import "time"

// WhatsAppSession mirrors the connection status of one operator's messaging
// session. The session registry is the only writer; rows marked connected are
// restored at process start.
type WhatsAppSession struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	OperatorID     string `gorm:"size:64;not null;uniqueIndex"`
	IsConnected    bool   `gorm:"default:false;index"`
	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
	LastHeartbeat  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName pins the table name used by existing deployments.
func (WhatsAppSession) TableName() string {
	return "whatsapp_sessions"
}
