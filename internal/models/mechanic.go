package models

import "time"

// Mechanic is a shop operator. A mechanic whose ID appears as another
// mechanic's SupervisorID is supervisor-tier.
type Mechanic struct {
	ID           string  `gorm:"primaryKey;size:64"`
	Name         string  `gorm:"size:128;not null"`
	Phone        string  `gorm:"size:32"`
	SupervisorID *string `gorm:"size:64;index"`
	Active       bool    `gorm:"default:true"`
	CreatedAt    time.Time

	Supervisor *Mechanic `gorm:"foreignKey:SupervisorID"`
}
