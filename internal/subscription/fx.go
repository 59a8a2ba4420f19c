package subscription

import (
	"github.com/tiffinly/tiffinly/internal/subscription/service"
	"go.uber.org/fx"
)

// Module wires the subscription lifecycle service.
var Module = fx.Module("subscription",
	fx.Provide(service.New),
)
