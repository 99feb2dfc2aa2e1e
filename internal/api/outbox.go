package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/zulandar/garage/internal/models"
	"gorm.io/gorm"
)

// Delivery outcomes recorded in the outbound log.
const (
	statusSent        = "sent"
	statusUnavailable = "unavailable"
	statusFailed      = "failed"
)

// outbox appends send attempts to outbound_messages. Writes are best
// effort: a failed insert never fails the request.
type outbox struct {
	db  *gorm.DB
	log *slog.Logger
}

func newOutbox(db *gorm.DB, logger *slog.Logger) *outbox {
	return &outbox{db: db, log: logger}
}

func (o *outbox) record(msg models.OutboundMessage) {
	if o.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.db.WithContext(ctx).Create(&msg).Error; err != nil {
		o.log.Warn("api: outbound log write failed", "operator", msg.OperatorID, "error", err)
	}
}

// recent returns the latest outbound messages, newest first, optionally
// filtered by operator.
func (o *outbox) recent(ctx context.Context, operatorID string, limit int) ([]models.OutboundMessage, error) {
	q := o.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if operatorID != "" {
		q = q.Where("operator_id = ?", operatorID)
	}
	var rows []models.OutboundMessage
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
