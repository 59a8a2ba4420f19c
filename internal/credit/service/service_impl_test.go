package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/tiffinly/tiffinly/internal/clock"
	"github.com/tiffinly/tiffinly/internal/config"
	"github.com/tiffinly/tiffinly/internal/credit/domain"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc   domain.Service
	db    *gorm.DB
	clock *clock.FakeClock
	node  *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Credit{}, &domain.GlobalCredit{}, &domain.CreditApplication{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))

	svc := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fc,
		Settings: config.NewStaticPlatformSettingsHolder(config.DefaultPlatformSettings()),
	})
	return &fixture{svc: svc, db: db, clock: fc, node: node}
}

func (f *fixture) grant(t *testing.T, groupID, subID snowflake.ID, slot subscriptiondomain.Slot, qty int, price int64) *domain.Credit {
	t.Helper()
	credit, err := f.svc.Grant(context.Background(), domain.GrantRequest{
		GroupID:        groupID,
		SubscriptionID: subID,
		ConsumerID:     42,
		Slot:           slot,
		Quantity:       qty,
		PricePerMeal:   price,
		Reason:         domain.ReasonCustomerSkip,
	})
	require.NoError(t, err)
	return credit
}

func (f *fixture) lineFor(subID snowflake.ID, slot subscriptiondomain.Slot, meals int, price int64) domain.LineCharge {
	return domain.LineCharge{
		LineItemID:     f.node.Generate(),
		SubscriptionID: subID,
		Slot:           slot,
		MealCount:      meals,
		PricePerMeal:   price,
	}
}

func TestGrantSetsExpiryFromSettings(t *testing.T) {
	f := newFixture(t)

	credit := f.grant(t, 7, f.node.Generate(), subscriptiondomain.SlotLunch, 2, 15000)
	assert.Equal(t, domain.StatusAvailable, credit.Status)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 90), credit.ExpiresAt)
	assert.Equal(t, 2, credit.Remaining())

	_, err := f.svc.Grant(context.Background(), domain.GrantRequest{Quantity: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestApplyCreditsOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	groupID := snowflake.ID(7)
	subID := f.node.Generate()

	first := f.grant(t, groupID, subID, subscriptiondomain.SlotLunch, 2, 10000)
	f.clock.Advance(time.Hour)
	second := f.grant(t, groupID, subID, subscriptiondomain.SlotLunch, 3, 10000)

	// Four scheduled meals drain the first credit fully and two of the second.
	line := f.lineFor(subID, subscriptiondomain.SlotLunch, 4, 10000)
	res, err := f.svc.ApplyCreditsToInvoice(ctx, nil, f.node.Generate(), 42, []domain.LineCharge{line})
	require.NoError(t, err)
	assert.EqualValues(t, 40000, res.AmountCovered)
	require.Len(t, res.Applications, 2)
	assert.Equal(t, first.ID, *res.Applications[0].CreditID)
	assert.Equal(t, 2, res.Applications[0].Quantity)
	assert.Equal(t, second.ID, *res.Applications[1].CreditID)
	assert.Equal(t, 2, res.Applications[1].Quantity)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, line.LineItemID, res.Lines[0].LineItemID)
	assert.Equal(t, 4, res.Lines[0].CreditsApplied)

	var reloaded domain.Credit
	require.NoError(t, f.db.First(&reloaded, "id = ?", second.ID).Error)
	assert.Equal(t, 1, reloaded.Remaining())
}

func TestApplyCapsAtLineMealCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	groupID := snowflake.ID(9)
	subID := f.node.Generate()

	credit := f.grant(t, groupID, subID, subscriptiondomain.SlotLunch, 5, 10000)

	// A two-meal line never consumes more than two credits, whatever the
	// credit balance holds.
	line := f.lineFor(subID, subscriptiondomain.SlotLunch, 2, 10000)
	res, err := f.svc.ApplyCreditsToInvoice(ctx, nil, f.node.Generate(), 42, []domain.LineCharge{line})
	require.NoError(t, err)
	assert.EqualValues(t, 20000, res.AmountCovered)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, 2, res.Lines[0].CreditsApplied)

	var reloaded domain.Credit
	require.NoError(t, f.db.First(&reloaded, "id = ?", credit.ID).Error)
	assert.Equal(t, 3, reloaded.Remaining())
}

func TestApplyIsScopedToSubscriptionAndSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	groupID := snowflake.ID(13)
	breakfastSub := f.node.Generate()
	dinnerSub := f.node.Generate()

	credit := f.grant(t, groupID, breakfastSub, subscriptiondomain.SlotBreakfast, 10, 10000)

	// The breakfast credit covers only the breakfast line's five meals; the
	// dinner line stays fully billable.
	lines := []domain.LineCharge{
		f.lineFor(breakfastSub, subscriptiondomain.SlotBreakfast, 5, 10000),
		f.lineFor(dinnerSub, subscriptiondomain.SlotDinner, 5, 10000),
	}
	res, err := f.svc.ApplyCreditsToInvoice(ctx, nil, f.node.Generate(), 42, lines)
	require.NoError(t, err)
	assert.EqualValues(t, 50000, res.AmountCovered)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, lines[0].LineItemID, res.Lines[0].LineItemID)
	assert.Equal(t, 5, res.Lines[0].CreditsApplied)

	var reloaded domain.Credit
	require.NoError(t, f.db.First(&reloaded, "id = ?", credit.ID).Error)
	assert.Equal(t, 5, reloaded.Remaining())
}

func TestApplyFallsBackToGlobalCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	groupID := snowflake.ID(11)
	subID := f.node.Generate()

	f.grant(t, groupID, subID, subscriptiondomain.SlotLunch, 1, 10000)
	gc, err := f.svc.GrantGlobal(ctx, 42, nil, 15000)
	require.NoError(t, err)

	// One slot credit covers one of two meals; the global credit covers the
	// remaining balance by amount.
	line := f.lineFor(subID, subscriptiondomain.SlotLunch, 2, 10000)
	res, err := f.svc.ApplyCreditsToInvoice(ctx, nil, f.node.Generate(), 42, []domain.LineCharge{line})
	require.NoError(t, err)
	assert.EqualValues(t, 20000, res.AmountCovered)
	require.Len(t, res.Applications, 2)
	assert.Equal(t, gc.ID, *res.Applications[1].GlobalCreditID)
	assert.EqualValues(t, 10000, res.Applications[1].Amount)

	var reloaded domain.GlobalCredit
	require.NoError(t, f.db.First(&reloaded, "id = ?", gc.ID).Error)
	assert.EqualValues(t, 5000, reloaded.Remaining())
}

func TestExpireBatchFlipsOverdueCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.grant(t, 3, f.node.Generate(), subscriptiondomain.SlotLunch, 1, 10000)
	f.grant(t, 3, f.node.Generate(), subscriptiondomain.SlotLunch, 1, 10000)

	// Not yet expired.
	res, err := f.svc.ExpireBatch(ctx, f.clock.Now(), 100)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)

	f.clock.Advance(91 * 24 * time.Hour)
	res, err = f.svc.ExpireBatch(ctx, f.clock.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Expired)
	assert.Equal(t, map[string]int{string(subscriptiondomain.SlotLunch): 2}, res.BySlot)
	assert.Equal(t, map[string]int{string(domain.ReasonCustomerSkip): 2}, res.ByReason)

	// Idempotent: nothing left to expire.
	res, err = f.svc.ExpireBatch(ctx, f.clock.Now(), 100)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
}

func TestConvertGroupCreditsMintsOneGlobalCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	groupID := snowflake.ID(21)
	subID := f.node.Generate()

	drained := f.grant(t, groupID, subID, subscriptiondomain.SlotLunch, 1, 12000)
	f.clock.Advance(time.Hour)
	f.grant(t, groupID, subID, subscriptiondomain.SlotLunch, 2, 12000)
	f.grant(t, groupID, f.node.Generate(), subscriptiondomain.SlotDinner, 1, 8000)

	// Consume the oldest credit fully before converting.
	line := f.lineFor(subID, subscriptiondomain.SlotLunch, 1, 12000)
	_, err := f.svc.ApplyCreditsToInvoice(ctx, nil, f.node.Generate(), 42, []domain.LineCharge{line})
	require.NoError(t, err)

	expiresAt := f.clock.Now().AddDate(0, 0, 90)
	conv, err := f.svc.ConvertGroupCredits(ctx, nil, groupID, 42, expiresAt)
	require.NoError(t, err)
	assert.Equal(t, 3, conv.CreditsConverted)
	require.NotNil(t, conv.GlobalCredit)
	// Remaining value: 0*12000 + 2*12000 + 1*8000.
	assert.EqualValues(t, 32000, conv.GlobalCredit.Amount)
	assert.Equal(t, expiresAt, conv.GlobalCredit.ExpiresAt)

	var converted domain.Credit
	require.NoError(t, f.db.First(&converted, "id = ?", drained.ID).Error)
	assert.Equal(t, domain.StatusConverted, converted.Status)

	// Second conversion finds nothing available.
	conv, err = f.svc.ConvertGroupCredits(ctx, nil, groupID, 42, expiresAt)
	require.NoError(t, err)
	assert.Zero(t, conv.CreditsConverted)
	assert.Nil(t, conv.GlobalCredit)
}
