package db

import (
	"fmt"

	"github.com/zulandar/garage/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model owned by this service.
func AllModels() []interface{} {
	return []interface{}{
		&models.Mechanic{},
		&models.Order{},
		&models.WhatsAppSession{},
		&models.OutboundMessage{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
