// Package domain contains invoice and line item models for renewal billing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusFailed  InvoiceStatus = "failed"
)

// RefundStatus tracks refunds issued against a paid invoice.
type RefundStatus string

const (
	RefundStatusNone      RefundStatus = "none"
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusCompleted RefundStatus = "completed"
	RefundStatusFailed    RefundStatus = "failed"
	RefundStatusConverted RefundStatus = "converted_to_credit"
)

// Invoice bills one group for one cycle. Amounts are in minor currency units.
// Invariant: NetAmount = GrossAmount - CreditAmount, never negative. One
// invoice per (group, period_start).
type Invoice struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	GroupID        snowflake.ID  `gorm:"not null;index:idx_invoices_group_period,unique"`
	ConsumerID     snowflake.ID  `gorm:"not null;index"`
	VendorID       snowflake.ID  `gorm:"not null;index"`
	PeriodStart    time.Time     `gorm:"not null;index:idx_invoices_group_period,unique"`
	PeriodEnd      time.Time     `gorm:"not null"`
	GrossAmount    int64         `gorm:"not null"`
	CreditAmount   int64         `gorm:"not null;default:0"`
	NetAmount      int64         `gorm:"not null"`
	Status         InvoiceStatus `gorm:"type:text;not null;index"`
	PaymentOrderID *string       `gorm:"type:text;index"`
	PaymentID      *string       `gorm:"type:text"`
	PaidAt         *time.Time    `gorm:""`
	FailedAt       *time.Time    `gorm:""`
	RetryCount     int           `gorm:"not null;default:0"`
	LastRetryAt    *time.Time    `gorm:""`
	RefundStatus   RefundStatus  `gorm:"type:text;not null;default:'none'"`
	OrdersGeneratedAt *time.Time `gorm:"index"`
	RefundID       *string       `gorm:"type:text"`
	RefundAmount   int64         `gorm:"not null;default:0"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceLineItem is one subscription slot's share of an invoice. MealCount
// is what the cycle schedules; BillableMeals is what remains after that
// slot's credits. Invariant: BillableMeals = MealCount - CreditsApplied and
// Amount = BillableMeals * PricePerMeal.
type InvoiceLineItem struct {
	ID             snowflake.ID            `gorm:"primaryKey"`
	InvoiceID      snowflake.ID            `gorm:"not null;index"`
	SubscriptionID snowflake.ID            `gorm:"not null;index"`
	Slot           subscriptiondomain.Slot `gorm:"type:text;not null"`
	MealCount      int                     `gorm:"not null"`
	CreditsApplied int                     `gorm:"not null;default:0"`
	BillableMeals  int                     `gorm:"not null"`
	PricePerMeal   int64                   `gorm:"not null"`
	Amount         int64                   `gorm:"not null"`
	CreatedAt      time.Time               `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceLineItem) TableName() string { return "invoice_line_items" }
