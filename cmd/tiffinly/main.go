package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/tiffinly/tiffinly/internal/billing"
	"github.com/tiffinly/tiffinly/internal/clock"
	"github.com/tiffinly/tiffinly/internal/config"
	"github.com/tiffinly/tiffinly/internal/credit"
	"github.com/tiffinly/tiffinly/internal/job"
	"github.com/tiffinly/tiffinly/internal/joblock"
	"github.com/tiffinly/tiffinly/internal/jobs"
	"github.com/tiffinly/tiffinly/internal/logger"
	"github.com/tiffinly/tiffinly/internal/migration"
	"github.com/tiffinly/tiffinly/internal/notifier"
	"github.com/tiffinly/tiffinly/internal/order"
	"github.com/tiffinly/tiffinly/internal/payment"
	"github.com/tiffinly/tiffinly/internal/server"
	"github.com/tiffinly/tiffinly/internal/subscription"
	"github.com/tiffinly/tiffinly/internal/vendor"
	"github.com/tiffinly/tiffinly/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		joblock.Module,
		migration.Module,

		// Functional domains
		job.Module,
		credit.Module,
		billing.Module,
		subscription.Module,
		order.Module,
		vendor.Module,
		payment.Module,
		notifier.Module,
		jobs.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
