// Package jobs holds the externally triggered batch job definitions:
// renewals, payment retries, credit expiry, order generation, trial
// completion, and auto-cancel of long-paused groups.
package jobs

import (
	"context"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/tiffinly/tiffinly/internal/billing/domain"
	"github.com/tiffinly/tiffinly/internal/clock"
	"github.com/tiffinly/tiffinly/internal/config"
	creditdomain "github.com/tiffinly/tiffinly/internal/credit/domain"
	jobdomain "github.com/tiffinly/tiffinly/internal/job/domain"
	"github.com/tiffinly/tiffinly/internal/notifier"
	"github.com/tiffinly/tiffinly/internal/order"
	paymentdomain "github.com/tiffinly/tiffinly/internal/payment/domain"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	"github.com/tiffinly/tiffinly/internal/vendor"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Batch sizes per job type. Auto-cancel runs a single pass per trigger.
const (
	renewalBatchSize         = 100
	paymentRetryBatchSize    = 50
	creditExpiryBatchSize    = 1000
	orderGenerationBatchSize = 50
	trialCompletionBatchSize = 100
	autoCancelBatchSize      = 50
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Settings      *config.PlatformSettingsHolder
	Engine        jobdomain.Service
	Billing       billingdomain.Service
	Credits       creditdomain.Service
	Subscriptions subscriptiondomain.Service
	Orders        *order.Repository
	Vendors       *vendor.Repository
	Gateway       paymentdomain.Gateway
	Notifier      notifier.Notifier
}

// Jobs is the registry of job definitions. Each RunX method executes one
// trigger of that job under the engine lifecycle.
type Jobs struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	settings      *config.PlatformSettingsHolder
	engine        jobdomain.Service
	billing       billingdomain.Service
	credits       creditdomain.Service
	subscriptions subscriptiondomain.Service
	orders        *order.Repository
	vendors       *vendor.Repository
	gateway       paymentdomain.Gateway
	notifier      notifier.Notifier
}

func New(p Params) *Jobs {
	return &Jobs{
		db:            p.DB,
		log:           p.Log.Named("jobs"),
		genID:         p.GenID,
		clock:         p.Clock,
		settings:      p.Settings,
		engine:        p.Engine,
		billing:       p.Billing,
		credits:       p.Credits,
		subscriptions: p.Subscriptions,
		orders:        p.Orders,
		vendors:       p.Vendors,
		gateway:       p.Gateway,
		notifier:      p.Notifier,
	}
}

var Module = fx.Module("jobs",
	fx.Provide(New),
)

// Run dispatches one trigger of the named job type.
func (j *Jobs) Run(ctx context.Context, jobType jobdomain.Type) (map[string]any, error) {
	switch jobType {
	case jobdomain.TypeRenewal:
		return j.RunRenewals(ctx)
	case jobdomain.TypePaymentRetry:
		return j.RunPaymentRetries(ctx)
	case jobdomain.TypeCreditExpiry:
		return j.RunCreditExpiry(ctx)
	case jobdomain.TypeOrderGeneration:
		return j.RunOrderGeneration(ctx)
	case jobdomain.TypeTrialCompletion:
		return j.RunTrialCompletion(ctx)
	case jobdomain.TypeAutoCancel:
		return j.RunAutoCancelPaused(ctx)
	default:
		return nil, jobdomain.ErrInvalidJobType
	}
}
