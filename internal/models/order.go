package models

import "time"

// Order is a repair order. Only the fields needed to pick a messaging
// session are modelled here; the billing side lives elsewhere.
type Order struct {
	ID           uint    `gorm:"primaryKey;autoIncrement"`
	MechanicID   string  `gorm:"size:64;not null;index"`
	ApprovedByID *string `gorm:"size:64;index"` // approving supervisor, if any
	ClientName   string  `gorm:"size:128"`
	ClientPhone  string  `gorm:"size:32"`
	Status       string  `gorm:"size:24;default:received;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Mechanic   Mechanic  `gorm:"foreignKey:MechanicID"`
	ApprovedBy *Mechanic `gorm:"foreignKey:ApprovedByID"`
}
