package common

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Client is the capability set the controller needs from a trading venue.
// One Client is borrowed by exactly one strategy instance.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetPosition(ctx context.Context, symbol string, side PositionSide) (Position, error)
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// Ping performs a read-only authenticated round trip.
	Ping(ctx context.Context) error
}

// Closer is implemented by clients holding background resources.
type Closer interface {
	Close() error
}

// APIError is a non-2xx venue response.
type APIError struct {
	Venue  string
	Status int
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: status %d code %d: %s", e.Venue, e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Venue, e.Status, e.Msg)
}

// Retryable reports whether the venue may accept the same request later.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || e.Status == 418 || e.Status >= 500
}

// Unauthorized reports a rejected key or signature.
func (e *APIError) Unauthorized() bool {
	return e.Status == 401 || e.Status == 403
}
