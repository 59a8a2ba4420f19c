// Package domain contains the credit ledger models: slot-scoped credits,
// group-scoped global credits, and the applications that consume them.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
)

// Status represents credit lifecycle states.
type Status string

const (
	StatusAvailable Status = "available"
	StatusExpired   Status = "expired"
	StatusConverted Status = "converted"
)

// Reason records why a credit was granted.
type Reason string

const (
	ReasonCustomerSkip     Reason = "customer_skip"
	ReasonVendorHoliday    Reason = "vendor_holiday"
	ReasonOpsFailure       Reason = "ops_failure"
	ReasonManualAdjustment Reason = "manual_adjustment"
	ReasonFailedRefund     Reason = "failed_refund"
)

// Credit is a slot-scoped meal credit. Quantity is meals granted,
// ConsumedQuantity how many have been applied. Invariant:
// ConsumedQuantity <= Quantity, and Status leaves available only when the
// expiry or auto-cancel jobs move it.
type Credit struct {
	ID               snowflake.ID            `gorm:"primaryKey"`
	GroupID          snowflake.ID            `gorm:"not null;index"`
	SubscriptionID   snowflake.ID            `gorm:"not null;index"`
	ConsumerID       snowflake.ID            `gorm:"not null;index"`
	Slot             subscriptiondomain.Slot `gorm:"type:text;not null"`
	Quantity         int                     `gorm:"not null"`
	ConsumedQuantity int                     `gorm:"not null;default:0"`
	PricePerMeal     int64                   `gorm:"not null"`
	Reason           Reason                  `gorm:"type:text;not null"`
	Status           Status                  `gorm:"type:text;not null;index"`
	ExpiresAt        time.Time               `gorm:"not null;index"`
	CreatedAt        time.Time               `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
	UpdatedAt        time.Time               `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Credit) TableName() string { return "credits" }

// Remaining is the unconsumed meal count.
func (c *Credit) Remaining() int { return c.Quantity - c.ConsumedQuantity }

// GlobalCredit is a monetary credit usable against any of the consumer's
// invoices. Auto-cancel mints one per group from the surviving slot credits.
type GlobalCredit struct {
	ID              snowflake.ID  `gorm:"primaryKey"`
	ConsumerID      snowflake.ID  `gorm:"not null;index"`
	SourceGroupID   *snowflake.ID `gorm:"index"`
	Amount          int64         `gorm:"not null"`
	ConsumedAmount  int64         `gorm:"not null;default:0"`
	Status          Status        `gorm:"type:text;not null;index"`
	ExpiresAt       time.Time     `gorm:"not null;index"`
	CreatedAt       time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
	UpdatedAt       time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (GlobalCredit) TableName() string { return "global_credits" }

// Remaining is the unconsumed amount.
func (g *GlobalCredit) Remaining() int64 { return g.Amount - g.ConsumedAmount }

// CreditApplication is the audit trail linking a credit (slot or global) to
// the invoice it discounted.
type CreditApplication struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	InvoiceID      snowflake.ID  `gorm:"not null;index"`
	CreditID       *snowflake.ID `gorm:"index"`
	GlobalCreditID *snowflake.ID `gorm:"index"`
	Quantity       int           `gorm:"not null;default:0"`
	Amount         int64         `gorm:"not null"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditApplication) TableName() string { return "credit_applications" }
