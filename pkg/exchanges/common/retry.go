package common

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"hedge-core/pkg/errs"
)

// Policy bounds every exchange call made through WithRetry.
type Policy struct {
	Timeout         time.Duration `yaml:"timeout"`
	MaxTries        uint          `yaml:"max_tries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DefaultPolicy is used for platforms without an explicit policy.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:         10 * time.Second,
		MaxTries:        3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.MaxTries == 0 {
		p.MaxTries = d.MaxTries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	return p
}

type retryClient struct {
	next     Client
	policy   Policy
	platform string
}

// WithRetry wraps c so that every call gets a per-attempt timeout and a
// bounded exponential backoff. A call that exhausts its budget fails with
// EXCHANGE_TIMEOUT; venue rejections are returned at once.
func WithRetry(c Client, platform string, p Policy) Client {
	return &retryClient{next: c, policy: p.normalized(), platform: platform}
}

// Unwrap returns the wrapped client.
func (r *retryClient) Unwrap() Client { return r.next }

func (r *retryClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	return do(ctx, r, "place_order", func(ctx context.Context) (OrderResult, error) {
		return r.next.PlaceOrder(ctx, req)
	})
}

func (r *retryClient) GetPosition(ctx context.Context, symbol string, side PositionSide) (Position, error) {
	return do(ctx, r, "get_position", func(ctx context.Context) (Position, error) {
		return r.next.GetPosition(ctx, symbol, side)
	})
}

func (r *retryClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return do(ctx, r, "get_price", func(ctx context.Context) (decimal.Decimal, error) {
		return r.next.GetPrice(ctx, symbol)
	})
}

func (r *retryClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := do(ctx, r, "cancel_order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.CancelOrder(ctx, symbol, orderID)
	})
	return err
}

func (r *retryClient) Ping(ctx context.Context) error {
	_, err := do(ctx, r, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.Ping(ctx)
	})
	return err
}

func (r *retryClient) Close() error {
	if c, ok := r.next.(Closer); ok {
		return c.Close()
	}
	return nil
}

func do[T any](ctx context.Context, r *retryClient, op string, call func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval

	permanent := false
	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
		v, err := call(callCtx)
		if err == nil {
			return v, nil
		}
		if !retryable(err) {
			permanent = true
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.policy.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn().Err(err).
				Str("platform", r.platform).
				Str("op", op).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("exchange call failed, retrying")
		}),
	)
	if err == nil {
		return res, nil
	}
	if permanent || ctx.Err() != nil {
		return res, err
	}
	return res, errs.New(errs.CodeExchangeTimeout,
		errs.WithMessage(op+" exhausted its retry budget"),
		errs.WithCause(err),
		errs.WithDetail("platform", r.platform),
		errs.WithDetail("op", op),
	)
}

// retryable classifies errors: venue rejections and configuration errors are
// final, transport failures and timeouts are not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if e, ok := errs.As(err); ok {
		return e.Kind() == errs.KindTransient
	}
	return true
}
