package order

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var ErrOrderNotFound = errors.New("order_not_found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

var Module = fx.Module("order",
	fx.Provide(NewRepository),
)

// ExistsForCycle reports whether a subscription already has orders in the
// half-open date range [start, end]. Used to keep generation idempotent.
func (r *Repository) ExistsForCycle(ctx context.Context, subscriptionID snowflake.ID, start, end time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Order{}).
		Where("subscription_id = ? AND date >= ? AND date <= ?", subscriptionID, start, end).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *Repository) InsertBatch(ctx context.Context, orders []Order) error {
	if len(orders) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&orders).Error
}

func (r *Repository) FindByDateSlot(ctx context.Context, subscriptionID snowflake.ID, date time.Time, slot subscriptiondomain.Slot) (*Order, error) {
	var o Order
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND date = ? AND slot = ?", subscriptionID, date, slot).
		First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

// UpdateStatus transitions an order out of scheduled. The conditional WHERE
// keeps concurrent skips idempotent.
func (r *Repository) UpdateStatus(ctx context.Context, id snowflake.ID, from, to Status) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CancelFromDate voids all scheduled orders for a group on or after a date.
func (r *Repository) CancelFromDate(ctx context.Context, tx *gorm.DB, groupID snowflake.ID, from time.Time) (int64, error) {
	db := r.db
	if tx != nil {
		db = tx
	}
	res := db.WithContext(ctx).Model(&Order{}).
		Where("group_id = ? AND date >= ? AND status = ?", groupID, from, StatusScheduled).
		Updates(map[string]any{"status": StatusCancelled, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// CountForVendorDate supports the daily-capacity check during generation.
func (r *Repository) CountForVendorDate(ctx context.Context, vendorID snowflake.ID, date time.Time, slot subscriptiondomain.Slot) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Order{}).
		Where("vendor_id = ? AND date = ? AND slot = ? AND status = ?", vendorID, date, slot, StatusScheduled).
		Count(&count).Error
	return count, err
}
