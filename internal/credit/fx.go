package credit

import (
	"github.com/tiffinly/tiffinly/internal/credit/service"
	"go.uber.org/fx"
)

// Module wires the credit ledger service.
var Module = fx.Module("credit",
	fx.Provide(service.New),
)
