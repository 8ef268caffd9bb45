// Package channels holds the alert sink implementations used by the
// dead letter queue to reach operators.
package channels

import (
	"context"

	"github.com/basket/actiongate/internal/persistence"
)

// Sink delivers a failure-streak alert to one destination.
type Sink interface {
	// Name returns the unique name of the sink (e.g., "telegram").
	Name() string

	Alert(ctx context.Context, rec persistence.DeadLetterRecord) error
}
