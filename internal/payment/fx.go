package payment

import (
	"github.com/tiffinly/tiffinly/internal/config"
	paymentdomain "github.com/tiffinly/tiffinly/internal/payment/domain"
	"github.com/tiffinly/tiffinly/internal/payment/razorpay"
	"go.uber.org/fx"
)

// Module wires the Razorpay gateway.
var Module = fx.Module("payment",
	fx.Provide(NewGateway),
)

func NewGateway(cfg config.Config) paymentdomain.Gateway {
	return razorpay.New(cfg.RazorpayKeyID, cfg.RazorpayKeySecret, cfg.RazorpayWebhookSecret)
}
