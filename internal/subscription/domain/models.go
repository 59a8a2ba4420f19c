// Package domain contains persistence models for subscription groups, their
// per-slot subscriptions, and trials.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tiffinly/tiffinly/internal/cycle"
	"gorm.io/datatypes"
)

// GroupStatus represents lifecycle states for a vendor-consumer billing
// relationship.
type GroupStatus string

const (
	GroupStatusActive    GroupStatus = "active"
	GroupStatusPaused    GroupStatus = "paused"
	GroupStatusCancelled GroupStatus = "cancelled"
)

// SubscriptionStatus mirrors the group status on each slot subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// PaymentMethod selects how renewals are collected.
type PaymentMethod string

const (
	PaymentMethodManual  PaymentMethod = "manual"
	PaymentMethodMandate PaymentMethod = "mandate"
)

// MandateState tracks the recurring-payment authorization.
type MandateState string

const (
	MandateStateActive  MandateState = "active"
	MandateStateFailed  MandateState = "failed"
	MandateStateExpired MandateState = "expired"
)

// Slot is a meal slot.
type Slot string

const (
	SlotBreakfast Slot = "breakfast"
	SlotLunch     Slot = "lunch"
	SlotDinner    Slot = "dinner"
)

// SubscriptionGroup is one vendor-consumer billing relationship. Invariant:
// PausedAt is set iff Status == paused.
type SubscriptionGroup struct {
	ID               snowflake.ID     `gorm:"primaryKey"`
	ConsumerID       snowflake.ID     `gorm:"not null;index"`
	VendorID         snowflake.ID     `gorm:"not null;index"`
	Status           GroupStatus      `gorm:"type:text;not null;index"`
	PausedAt         *time.Time       `gorm:""`
	PaymentMethod    PaymentMethod    `gorm:"type:text;not null;default:'manual'"`
	MandateID        *string          `gorm:"type:text"`
	MandateStatus    *MandateState    `gorm:"type:text"`
	MandateExpiresAt *time.Time       `gorm:""`
	PeriodType       cycle.PeriodType `gorm:"type:text;not null"`
	RenewalDate      time.Time        `gorm:"not null;index"`
	CreatedAt        time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionGroup) TableName() string { return "subscription_groups" }

// MandateUsable reports whether a renewal may charge through the mandate.
func (g *SubscriptionGroup) MandateUsable(now time.Time) bool {
	if g.PaymentMethod != PaymentMethodMandate || g.MandateID == nil {
		return false
	}
	if g.MandateStatus == nil || *g.MandateStatus != MandateStateActive {
		return false
	}
	if g.MandateExpiresAt != nil && !g.MandateExpiresAt.After(now) {
		return false
	}
	return true
}

// Subscription is one slot within a group. Invariant:
// SkipsUsedCurrentCycle <= SkipLimit, reset to 0 on every renewal.
type Subscription struct {
	ID                    snowflake.ID             `gorm:"primaryKey"`
	GroupID               snowflake.ID             `gorm:"not null;index"`
	ConsumerID            snowflake.ID             `gorm:"not null;index"`
	VendorID              snowflake.ID             `gorm:"not null;index"`
	Slot                  Slot                     `gorm:"type:text;not null"`
	ScheduleDays          datatypes.JSONSlice[int] `gorm:"not null"`
	PendingScheduleDays   datatypes.JSONSlice[int] `gorm:""`
	Status                SubscriptionStatus       `gorm:"type:text;not null;index"`
	StartDate             time.Time                `gorm:"not null"`
	RenewalDate           time.Time                `gorm:"not null"`
	SkipLimit             int                      `gorm:"not null;default:0"`
	SkipsUsedCurrentCycle int                      `gorm:"not null;default:0"`
	NextCycleStart        time.Time                `gorm:"not null"`
	NextCycleEnd          time.Time                `gorm:"not null"`
	PricePerMeal          int64                    `gorm:"not null"`
	DeliveryAddressID     snowflake.ID             `gorm:"not null"`
	CreatedAt             time.Time                `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time                `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// TrialStatus represents trial lifecycle states.
type TrialStatus string

const (
	TrialStatusActive    TrialStatus = "active"
	TrialStatusCompleted TrialStatus = "completed"
	TrialStatusCancelled TrialStatus = "cancelled"
)

// Trial is a time-boxed vendor trial preceding a paid group.
type Trial struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	GroupID   snowflake.ID `gorm:"not null;index"`
	VendorID  snowflake.ID `gorm:"not null;index"`
	Status    TrialStatus  `gorm:"type:text;not null;index"`
	StartDate time.Time    `gorm:"not null"`
	EndDate   time.Time    `gorm:"not null;index"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Trial) TableName() string { return "trials" }
