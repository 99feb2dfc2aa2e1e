// Package orders resolves repair orders into the fields that decide which
// operator's WhatsApp session speaks for them.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/zulandar/garage/internal/models"
	"github.com/zulandar/garage/internal/whatsapp"
	"gorm.io/gorm"
)

// DefaultCacheTTL is how long a resolved order is reused.
const DefaultCacheTTL = 30 * time.Second

// ErrOrderNotFound is returned for unknown or malformed order ids.
var ErrOrderNotFound = errors.New("orders: order not found")

// Opts holds parameters for creating a Lookup.
type Opts struct {
	DB     *gorm.DB
	TTL    time.Duration // defaults to DefaultCacheTTL
	Logger *slog.Logger
}

// Lookup implements whatsapp.OrderLookup over the orders and mechanics
// tables. Results are cached for a short TTL since an order's assignee
// rarely changes while messages about it are being sent.
type Lookup struct {
	db    *gorm.DB
	cache *ttlcache.Cache[string, whatsapp.Order]
	log   *slog.Logger
}

// New creates a Lookup and starts its cache janitor. Call Close to stop it.
func New(opts Opts) (*Lookup, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("orders: db is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache := ttlcache.New[string, whatsapp.Order](
		ttlcache.WithTTL[string, whatsapp.Order](ttl),
	)
	go cache.Start()
	return &Lookup{db: opts.DB, cache: cache, log: logger}, nil
}

// LookupOrder implements whatsapp.OrderLookup.
func (l *Lookup) LookupOrder(ctx context.Context, orderID string) (whatsapp.Order, error) {
	if item := l.cache.Get(orderID, ttlcache.WithDisableTouchOnHit[string, whatsapp.Order]()); item != nil {
		return item.Value(), nil
	}

	id, err := strconv.ParseUint(orderID, 10, 64)
	if err != nil {
		return whatsapp.Order{}, fmt.Errorf("%w: invalid id %q", ErrOrderNotFound, orderID)
	}

	l.log.Debug("orders: cache miss, querying database", "order", orderID)
	var order models.Order
	err = l.db.WithContext(ctx).First(&order, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return whatsapp.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return whatsapp.Order{}, fmt.Errorf("orders: get %s: %w", orderID, err)
	}

	var subordinates int64
	err = l.db.WithContext(ctx).Model(&models.Mechanic{}).
		Where("supervisor_id = ?", order.MechanicID).
		Count(&subordinates).Error
	if err != nil {
		return whatsapp.Order{}, fmt.Errorf("orders: supervisor tier for %s: %w", order.MechanicID, err)
	}

	o := whatsapp.Order{
		ID:                   orderID,
		OperatorID:           order.MechanicID,
		OperatorIsSupervisor: subordinates > 0,
	}
	if order.ApprovedByID != nil {
		o.ApprovingSupervisorID = *order.ApprovedByID
	}
	l.cache.Set(orderID, o, ttlcache.DefaultTTL)
	return o, nil
}

// Invalidate drops a cached order, e.g. after it was reassigned.
func (l *Lookup) Invalidate(orderID string) {
	l.cache.Delete(orderID)
}

// Close stops the cache janitor.
func (l *Lookup) Close() {
	l.cache.Stop()
}
