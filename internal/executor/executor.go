// Package executor defines the broker adapter contract consumed by the
// execution pipeline, plus a simulated broker for dry runs and tests.
package executor

import (
	"context"

	"regime-trader/internal/model"
)

// Broker places orders at a venue. Implementations are opaque to the
// pipeline: possibly slow, possibly failing, and never retried internally —
// retry policy belongs to the caller.
type Broker interface {
	// PlaceOrder submits one order. A broker-side rejection comes back as
	// StatusRejected with a nil error; a transport or adapter failure comes
	// back as a non-nil error.
	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
}
