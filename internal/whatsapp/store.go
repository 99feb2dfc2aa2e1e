package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/garage/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StatusStore persists the externally visible status of each operator's
// session, keyed by operator id. Writes are upserts: the store may already
// hold rows this process did not create.
type StatusStore interface {
	MarkConnected(ctx context.Context, operatorID string, at time.Time) error
	MarkDisconnected(ctx context.Context, operatorID string, at time.Time) error
	Heartbeat(ctx context.Context, operatorID string, at time.Time) error
	ListConnected(ctx context.Context) ([]string, error)
}

// GormStore is the StatusStore backed by the whatsapp_sessions table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("whatsapp: store: db is required")
	}
	return &GormStore{db: db}, nil
}

// MarkConnected records a successful connection at the given time. The
// heartbeat is refreshed as well.
func (g *GormStore) MarkConnected(ctx context.Context, operatorID string, at time.Time) error {
	row := models.WhatsAppSession{
		OperatorID:    operatorID,
		IsConnected:   true,
		ConnectedAt:   &at,
		LastHeartbeat: &at,
	}
	return g.upsert(ctx, &row, "is_connected", "connected_at", "last_heartbeat")
}

// MarkDisconnected records the loss of a connection.
func (g *GormStore) MarkDisconnected(ctx context.Context, operatorID string, at time.Time) error {
	row := models.WhatsAppSession{
		OperatorID:     operatorID,
		IsConnected:    false,
		DisconnectedAt: &at,
	}
	return g.upsert(ctx, &row, "is_connected", "disconnected_at")
}

// Heartbeat refreshes LastHeartbeat for an operator.
func (g *GormStore) Heartbeat(ctx context.Context, operatorID string, at time.Time) error {
	row := models.WhatsAppSession{
		OperatorID:    operatorID,
		IsConnected:   true,
		LastHeartbeat: &at,
	}
	return g.upsert(ctx, &row, "last_heartbeat")
}

// ListConnected returns the operators whose last recorded status is
// connected, ordered by operator id.
func (g *GormStore) ListConnected(ctx context.Context) ([]string, error) {
	var ids []string
	err := g.db.WithContext(ctx).Model(&models.WhatsAppSession{}).
		Where("is_connected = ?", true).
		Order("operator_id ASC").
		Pluck("operator_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("whatsapp: list connected: %w", err)
	}
	return ids, nil
}

// Find returns the persisted record for an operator, or nil if none exists.
func (g *GormStore) Find(ctx context.Context, operatorID string) (*models.WhatsAppSession, error) {
	var row models.WhatsAppSession
	err := g.db.WithContext(ctx).Where("operator_id = ?", operatorID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("whatsapp: find %s: %w", operatorID, err)
	}
	return &row, nil
}

// All returns every persisted record ordered by operator id.
func (g *GormStore) All(ctx context.Context) ([]models.WhatsAppSession, error) {
	var rows []models.WhatsAppSession
	if err := g.db.WithContext(ctx).Order("operator_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("whatsapp: list sessions: %w", err)
	}
	return rows, nil
}

func (g *GormStore) upsert(ctx context.Context, row *models.WhatsAppSession, columns ...string) error {
	columns = append(columns, "updated_at")
	result := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "operator_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(row)
	if result.Error != nil {
		return fmt.Errorf("whatsapp: persist status for %s: %w", row.OperatorID, result.Error)
	}
	return nil
}
