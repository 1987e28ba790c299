package common

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

type throttled struct {
	next    Client
	limiter *rate.Limiter
}

// Throttle limits order placement and cancellation through c to perSecond
// requests with the given burst. Reads are not throttled. A non-positive rate
// returns c unchanged.
func Throttle(c Client, perSecond float64, burst int) Client {
	if perSecond <= 0 {
		return c
	}
	if burst < 1 {
		burst = 1
	}
	return &throttled{next: c, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *throttled) Unwrap() Client { return t.next }

func (t *throttled) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return OrderResult{}, err
	}
	return t.next.PlaceOrder(ctx, req)
}

func (t *throttled) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.next.CancelOrder(ctx, symbol, orderID)
}

func (t *throttled) GetPosition(ctx context.Context, symbol string, side PositionSide) (Position, error) {
	return t.next.GetPosition(ctx, symbol, side)
}

func (t *throttled) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return t.next.GetPrice(ctx, symbol)
}

func (t *throttled) Ping(ctx context.Context) error { return t.next.Ping(ctx) }

func (t *throttled) Close() error {
	if c, ok := t.next.(Closer); ok {
		return c.Close()
	}
	return nil
}

// Innermost strips retry and throttle wrappers from c.
func Innermost(c Client) Client {
	for {
		u, ok := c.(interface{ Unwrap() Client })
		if !ok {
			return c
		}
		c = u.Unwrap()
	}
}
