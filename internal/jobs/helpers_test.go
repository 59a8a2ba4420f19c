package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/tiffinly/tiffinly/internal/billing/domain"
	billingservice "github.com/tiffinly/tiffinly/internal/billing/service"
	"github.com/tiffinly/tiffinly/internal/clock"
	"github.com/tiffinly/tiffinly/internal/config"
	creditdomain "github.com/tiffinly/tiffinly/internal/credit/domain"
	creditservice "github.com/tiffinly/tiffinly/internal/credit/service"
	jobdomain "github.com/tiffinly/tiffinly/internal/job/domain"
	jobservice "github.com/tiffinly/tiffinly/internal/job/service"
	"github.com/tiffinly/tiffinly/internal/notifier"
	obsmetrics "github.com/tiffinly/tiffinly/internal/observability/metrics"
	"github.com/tiffinly/tiffinly/internal/order"
	paymentdomain "github.com/tiffinly/tiffinly/internal/payment/domain"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	subscriptionservice "github.com/tiffinly/tiffinly/internal/subscription/service"
	"github.com/tiffinly/tiffinly/internal/vendor"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// fakeGateway is a programmable payment gateway double.
type fakeGateway struct {
	chargeErr   error
	chargeCalls int
	orderCalls  int
	refundErr   error
}

func (g *fakeGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*paymentdomain.PaymentOrder, error) {
	g.orderCalls++
	return &paymentdomain.PaymentOrder{
		ID:       fmt.Sprintf("order_%d", g.orderCalls),
		Amount:   amount,
		Currency: currency,
		Receipt:  receipt,
		Status:   "created",
	}, nil
}

func (g *fakeGateway) VerifySignature(orderID, paymentID, signature string) bool { return true }

func (g *fakeGateway) VerifyWebhookSignature(body []byte, signature string) bool { return true }

func (g *fakeGateway) ChargeViaMandate(ctx context.Context, mandateID string, amount int64, currency, receipt string) (string, error) {
	g.chargeCalls++
	if g.chargeErr != nil {
		return "", g.chargeErr
	}
	return fmt.Sprintf("pay_%d", g.chargeCalls), nil
}

func (g *fakeGateway) GetMandateStatus(ctx context.Context, mandateID string) (*paymentdomain.MandateStatus, error) {
	return &paymentdomain.MandateStatus{ID: mandateID, Active: true}, nil
}

func (g *fakeGateway) CreateRefund(ctx context.Context, paymentID string, amount int64) (*paymentdomain.Refund, error) {
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &paymentdomain.Refund{ID: "rfnd_1", Amount: amount, Status: "processed"}, nil
}

type jobsFixture struct {
	jobs     *Jobs
	db       *gorm.DB
	clock    *clock.FakeClock
	gateway  *fakeGateway
	node     *snowflake.Node
	engine   jobdomain.Service
	credits  creditdomain.Service
	billing  billingdomain.Service
	subs     subscriptiondomain.Service
	settings *config.PlatformSettingsHolder
}

// monday is the anchor date all fixtures build on.
var monday = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func newJobsFixture(t *testing.T) *jobsFixture {
	t.Helper()
	obsmetrics.ResetJobMetricsForTest()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&jobdomain.Job{}, &jobdomain.JobLog{},
		&subscriptiondomain.SubscriptionGroup{}, &subscriptiondomain.Subscription{}, &subscriptiondomain.Trial{},
		&creditdomain.Credit{}, &creditdomain.GlobalCredit{}, &creditdomain.CreditApplication{},
		&billingdomain.Invoice{}, &billingdomain.InvoiceLineItem{},
		&order.Order{}, &vendor.VendorSlot{}, &vendor.VendorHoliday{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(monday.Add(8 * time.Hour))
	log := zap.NewNop()
	settings := config.NewStaticPlatformSettingsHolder(config.DefaultPlatformSettings())
	gateway := &fakeGateway{}
	sink := notifier.NewLogNotifier(log)

	engine := jobservice.NewService(jobservice.Params{DB: db, Log: log, GenID: node})
	credits := creditservice.New(creditservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Settings: settings,
	})
	billing := billingservice.New(billingservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Credits: credits, Gateway: gateway,
	})
	orders := order.NewRepository(db)
	vendors := vendor.NewRepository(db)
	subs := subscriptionservice.New(subscriptionservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Settings: settings,
		Credits: credits, Orders: orders, Vendors: vendors, Notifier: sink,
	})

	j := New(Params{
		DB: db, Log: log, GenID: node, Clock: fc, Settings: settings,
		Engine: engine, Billing: billing, Credits: credits, Subscriptions: subs,
		Orders: orders, Vendors: vendors, Gateway: gateway, Notifier: sink,
	})

	return &jobsFixture{
		jobs: j, db: db, clock: fc, gateway: gateway, node: node,
		engine: engine, credits: credits, billing: billing, subs: subs,
		settings: settings,
	}
}

type groupOpts struct {
	mandate     bool
	status      subscriptiondomain.GroupStatus
	pausedAt    *time.Time
	renewalDate time.Time
}

func (f *jobsFixture) makeGroup(t *testing.T, opts groupOpts) *subscriptiondomain.SubscriptionGroup {
	t.Helper()
	if opts.status == "" {
		opts.status = subscriptiondomain.GroupStatusActive
	}
	if opts.renewalDate.IsZero() {
		opts.renewalDate = monday
	}

	group := &subscriptiondomain.SubscriptionGroup{
		ID:            f.node.Generate(),
		ConsumerID:    f.node.Generate(),
		VendorID:      f.node.Generate(),
		Status:        opts.status,
		PausedAt:      opts.pausedAt,
		PaymentMethod: subscriptiondomain.PaymentMethodManual,
		PeriodType:    "weekly",
		RenewalDate:   opts.renewalDate,
		CreatedAt:     f.clock.Now(),
		UpdatedAt:     f.clock.Now(),
	}
	if opts.mandate {
		mandateID := "token_" + group.ID.String()
		state := subscriptiondomain.MandateStateActive
		group.PaymentMethod = subscriptiondomain.PaymentMethodMandate
		group.MandateID = &mandateID
		group.MandateStatus = &state
	}
	require.NoError(t, f.db.Create(group).Error)
	return group
}

func (f *jobsFixture) makeSubscription(t *testing.T, group *subscriptiondomain.SubscriptionGroup, days []int, price int64) *subscriptiondomain.Subscription {
	t.Helper()
	sub := &subscriptiondomain.Subscription{
		ID:                f.node.Generate(),
		GroupID:           group.ID,
		ConsumerID:        group.ConsumerID,
		VendorID:          group.VendorID,
		Slot:              subscriptiondomain.SlotLunch,
		ScheduleDays:      datatypes.NewJSONSlice(days),
		Status:            subscriptiondomain.SubscriptionStatusActive,
		StartDate:         monday.AddDate(0, 0, -7),
		RenewalDate:       group.RenewalDate,
		SkipLimit:         2,
		NextCycleStart:    monday.AddDate(0, 0, -7),
		NextCycleEnd:      monday.AddDate(0, 0, -1),
		PricePerMeal:      price,
		DeliveryAddressID: f.node.Generate(),
		CreatedAt:         f.clock.Now(),
		UpdatedAt:         f.clock.Now(),
	}
	require.NoError(t, f.db.Create(sub).Error)
	return sub
}

func (f *jobsFixture) makeVendorSlot(t *testing.T, vendorID snowflake.ID, capacity int) *vendor.VendorSlot {
	t.Helper()
	vs := &vendor.VendorSlot{
		ID:                  f.node.Generate(),
		VendorID:            vendorID,
		Slot:                subscriptiondomain.SlotLunch,
		DeliveryWindowStart: "12:00",
		DeliveryWindowEnd:   "13:00",
		DailyCapacity:       capacity,
		CreatedAt:           f.clock.Now(),
	}
	require.NoError(t, f.db.Create(vs).Error)
	return vs
}

func (f *jobsFixture) grantCredit(t *testing.T, group *subscriptiondomain.SubscriptionGroup, subID snowflake.ID, qty int, price int64) *creditdomain.Credit {
	t.Helper()
	credit, err := f.credits.Grant(context.Background(), creditdomain.GrantRequest{
		GroupID:        group.ID,
		SubscriptionID: subID,
		ConsumerID:     group.ConsumerID,
		Slot:           subscriptiondomain.SlotLunch,
		Quantity:       qty,
		PricePerMeal:   price,
		Reason:         creditdomain.ReasonCustomerSkip,
	})
	require.NoError(t, err)
	return credit
}
