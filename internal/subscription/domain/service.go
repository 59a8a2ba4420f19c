package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tiffinly/tiffinly/internal/cycle"
)

var (
	ErrGroupNotFound         = errors.New("group_not_found")
	ErrGroupNotActive        = errors.New("group_not_active")
	ErrGroupNotPaused        = errors.New("group_not_paused")
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrSubscriptionNotActive = errors.New("subscription_not_active")
	ErrCutoffPassed          = errors.New("cutoff_passed")
	ErrInvalidOrderState     = errors.New("invalid_order_state")
	ErrStartDateLocked       = errors.New("start_date_locked")
	ErrInvalidStartDate      = errors.New("invalid_start_date")
	ErrInvalidScheduleDays   = errors.New("invalid_schedule_days")
	ErrVendorSlotNotFound    = errors.New("vendor_slot_not_found")
	ErrAlreadyCancelled      = errors.New("group_already_cancelled")
)

type SkipMealRequest struct {
	SubscriptionID snowflake.ID
	Date           time.Time
	// Slot defaults to the subscription's own slot when empty.
	Slot Slot
}

type SkipMealResult struct {
	CreditGranted bool
	SkipsUsed     int
	SkipLimit     int
}

// Service is the subscription lifecycle state machine.
type Service interface {
	GetGroup(ctx context.Context, id snowflake.ID) (*SubscriptionGroup, error)
	ListGroupSubscriptions(ctx context.Context, groupID snowflake.ID) ([]Subscription, error)

	// SkipMeal validates the skip cutoff, order state, and skip limit. An
	// over-limit skip still marks the order skipped but forfeits the credit.
	SkipMeal(ctx context.Context, req SkipMealRequest) (SkipMealResult, error)

	PauseGroup(ctx context.Context, groupID snowflake.ID, reason string) error
	ResumeGroup(ctx context.Context, groupID snowflake.ID) error
	CancelGroup(ctx context.Context, groupID snowflake.ID, reason string) error

	// ChangeStartDate is only allowed before the first cycle begins.
	ChangeStartDate(ctx context.Context, subscriptionID snowflake.ID, newStart time.Time) error

	// UpdateScheduleDays stages a schedule change that takes effect at the
	// next renewal.
	UpdateScheduleDays(ctx context.Context, subscriptionID snowflake.ID, days []int) error

	// ResetForRenewal advances the group and every subscription into the
	// next cycle: renewal dates move, skip counters reset to zero, and any
	// pending schedule change is applied.
	ResetForRenewal(ctx context.Context, groupID snowflake.ID, next cycle.Cycle) error

	// HandleMandateFailure downgrades a group to manual collection after a
	// mandate charge is declined.
	HandleMandateFailure(ctx context.Context, groupID snowflake.ID) error

	// HandleMandateRevoked resolves the group holding the mandate and
	// downgrades it. Fired off gateway token webhooks.
	HandleMandateRevoked(ctx context.Context, mandateID string) error
}
