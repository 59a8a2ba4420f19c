package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	"gorm.io/gorm"
)

var (
	ErrCreditNotFound  = errors.New("credit_not_found")
	ErrInvalidQuantity = errors.New("invalid_credit_quantity")
)

// GrantRequest creates a slot credit.
type GrantRequest struct {
	GroupID        snowflake.ID
	SubscriptionID snowflake.ID
	ConsumerID     snowflake.ID
	Slot           subscriptiondomain.Slot
	Quantity       int
	PricePerMeal   int64
	Reason         Reason
}

// Application is one FIFO draw against a credit during invoice settlement.
type Application struct {
	CreditID       *snowflake.ID
	GlobalCreditID *snowflake.ID
	Quantity       int
	Amount         int64
}

// LineCharge is one invoice line offered up for slot credits.
type LineCharge struct {
	LineItemID     snowflake.ID
	SubscriptionID snowflake.ID
	Slot           subscriptiondomain.Slot
	MealCount      int
	PricePerMeal   int64
}

// LineApplication reports how many of one line's meals credits covered.
type LineApplication struct {
	LineItemID     snowflake.ID
	CreditsApplied int
	Amount         int64
}

// ApplyResult summarizes how far credits covered an invoice.
type ApplyResult struct {
	Applications []Application
	Lines        []LineApplication
	// AmountCovered is the monetary value deducted from the invoice.
	AmountCovered int64
}

// ConversionResult reports what auto-cancel folded into a global credit.
type ConversionResult struct {
	CreditsConverted int
	GlobalCredit     *GlobalCredit
}

// ExpiryResult counts what one expiry page flipped, broken down for the job
// result summary.
type ExpiryResult struct {
	Expired  int
	BySlot   map[string]int
	ByReason map[string]int
}

// Service is the credit ledger.
type Service interface {
	Grant(ctx context.Context, req GrantRequest) (*Credit, error)
	GrantGlobal(ctx context.Context, consumerID snowflake.ID, sourceGroupID *snowflake.ID, amount int64) (*GlobalCredit, error)

	// ApplyCreditsToInvoice consumes credits line by line: each line draws
	// only its own subscription+slot's available credits (oldest first),
	// capped at the line's meal count. Global credits then cover whatever
	// balance remains. It records one CreditApplication per draw.
	ApplyCreditsToInvoice(ctx context.Context, tx *gorm.DB, invoiceID, consumerID snowflake.ID, lines []LineCharge) (*ApplyResult, error)

	// ExpireBatch flips a page of overdue available credits to expired and
	// reports the flipped rows by slot and reason.
	ExpireBatch(ctx context.Context, asOf time.Time, limit int) (*ExpiryResult, error)

	// ConvertGroupCredits folds every available slot credit of a group into
	// one global credit inside the caller's transaction. Zero remaining value
	// yields a nil GlobalCredit.
	ConvertGroupCredits(ctx context.Context, tx *gorm.DB, groupID, consumerID snowflake.ID, expiresAt time.Time) (*ConversionResult, error)

	// AvailableFor lists a group's spendable slot credits, oldest first.
	AvailableFor(ctx context.Context, groupID snowflake.ID) ([]Credit, error)
}
