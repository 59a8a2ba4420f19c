// Package order persists the concrete meal deliveries generated from paid
// cycles.
package order

import (
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
)

// Status represents meal order states.
type Status string

const (
	StatusScheduled       Status = "scheduled"
	StatusSkippedCustomer Status = "skipped_customer"
	StatusSkippedVendor   Status = "skipped_vendor"
	StatusDelivered       Status = "delivered"
	StatusCancelled       Status = "cancelled"
)

// Order is one meal on one date for one subscription slot.
type Order struct {
	ID             snowflake.ID            `gorm:"primaryKey"`
	SubscriptionID snowflake.ID            `gorm:"not null;index"`
	GroupID        snowflake.ID            `gorm:"not null;index"`
	ConsumerID     snowflake.ID            `gorm:"not null;index"`
	VendorID       snowflake.ID            `gorm:"not null;index"`
	Date           time.Time               `gorm:"not null;index"`
	Slot           subscriptiondomain.Slot `gorm:"type:text;not null"`
	Status         Status                  `gorm:"type:text;not null"`
	CreatedAt      time.Time               `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time               `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Order) TableName() string { return "orders" }
