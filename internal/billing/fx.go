package billing

import (
	"github.com/tiffinly/tiffinly/internal/billing/service"
	"go.uber.org/fx"
)

// Module wires the invoice service.
var Module = fx.Module("billing",
	fx.Provide(service.New),
)
