// Package server exposes the HTTP surface: internal job triggers for the
// external scheduler, the payment webhook, and the consumer-facing
// subscription lifecycle endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingdomain "github.com/tiffinly/tiffinly/internal/billing/domain"
	"github.com/tiffinly/tiffinly/internal/config"
	jobdomain "github.com/tiffinly/tiffinly/internal/job/domain"
	"github.com/tiffinly/tiffinly/internal/jobs"
	paymentdomain "github.com/tiffinly/tiffinly/internal/payment/domain"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func registerGin(cfg config.Config) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Params struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	Jobs            *jobs.Jobs
	JobEngine       jobdomain.Service
	BillingSvc      billingdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	Gateway         paymentdomain.Gateway
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	jobs            *jobs.Jobs
	jobEngine       jobdomain.Service
	billingSvc      billingdomain.Service
	subscriptionSvc subscriptiondomain.Service
	gateway         paymentdomain.Gateway
}

func NewServer(p Params) *Server {
	return &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("server"),
		jobs:            p.Jobs,
		jobEngine:       p.JobEngine,
		billingSvc:      p.BillingSvc,
		subscriptionSvc: p.SubscriptionSvc,
		gateway:         p.Gateway,
	}
}

func registerRoutes(s *Server) {
	internal := s.engine.Group("/internal")
	{
		internal.POST("/jobs/:type/run", s.runJob)
		internal.GET("/jobs/:id", s.getJob)
	}

	s.engine.POST("/webhooks/razorpay", s.razorpayWebhook)

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/groups/:id/pause", s.pauseGroup)
		v1.POST("/groups/:id/resume", s.resumeGroup)
		v1.POST("/groups/:id/cancel", s.cancelGroup)
		v1.GET("/groups/:id", s.getGroup)
		v1.POST("/subscriptions/:id/skip", s.skipMeal)
		v1.PATCH("/subscriptions/:id/schedule-days", s.updateScheduleDays)
		v1.PATCH("/subscriptions/:id/start-date", s.changeStartDate)
		v1.POST("/invoices/:id/refund", s.createRefund)
		v1.POST("/invoices/:id/refund/retry", s.retryRefund)
		v1.POST("/invoices/:id/refund/convert", s.convertRefund)
	}
}

func run(lc fx.Lifecycle, s *Server) {
	srv := &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
