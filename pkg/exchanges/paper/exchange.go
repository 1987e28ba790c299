// Package paper is an in-memory venue that fills market orders at a settable
// price. It backs dry runs and serves as the exchange double in tests.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hedge-core/pkg/exchanges/common"
)

// Config configures a paper venue.
type Config struct {
	APIKey string
	// Prices seeds symbol prices.
	Prices map[string]decimal.Decimal
}

// Order is a submitted paper order.
type Order struct {
	ID        string
	Request   common.OrderRequest
	Status    common.OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}

type leg struct {
	qty decimal.Decimal
	avg decimal.Decimal
}

type posKey struct {
	symbol string
	side   common.PositionSide
}

// Exchange keeps prices, positions and orders in memory.
type Exchange struct {
	mu        sync.Mutex
	apiKey    string
	prices    map[string]decimal.Decimal
	positions map[posKey]*leg
	orders    map[string]*Order
	seq       []string

	partial  []decimal.Decimal // fill ratios for the next orders
	failures []error           // errors returned by the next calls
	pingErr  error
}

// New creates a paper venue.
func New(cfg Config) *Exchange {
	e := &Exchange{
		apiKey:    cfg.APIKey,
		prices:    make(map[string]decimal.Decimal),
		positions: make(map[posKey]*leg),
		orders:    make(map[string]*Order),
	}
	for s, p := range cfg.Prices {
		e.prices[s] = p
	}
	return e
}

// SetPrice moves the market for symbol.
func (e *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	e.prices[symbol] = price
	e.mu.Unlock()
}

// SetPosition seeds a leg as if it existed before the controller started.
func (e *Exchange) SetPosition(symbol string, side common.PositionSide, qty, avg decimal.Decimal) {
	e.mu.Lock()
	e.positions[posKey{symbol, side}] = &leg{qty: qty, avg: avg}
	e.mu.Unlock()
}

// PartialNext makes the next order fill only ratio of its quantity and stay
// open.
func (e *Exchange) PartialNext(ratio decimal.Decimal) {
	e.mu.Lock()
	e.partial = append(e.partial, ratio)
	e.mu.Unlock()
}

// FailNext makes the next n calls of any kind return err.
func (e *Exchange) FailNext(err error, n int) {
	e.mu.Lock()
	for i := 0; i < n; i++ {
		e.failures = append(e.failures, err)
	}
	e.mu.Unlock()
}

// SetAPIKey replaces the key Ping checks for.
func (e *Exchange) SetAPIKey(key string) {
	e.mu.Lock()
	e.apiKey = key
	e.mu.Unlock()
}

// SetPingError overrides the connection test result.
func (e *Exchange) SetPingError(err error) {
	e.mu.Lock()
	e.pingErr = err
	e.mu.Unlock()
}

// CompleteOrder fills the remainder of an open order at the current price.
func (e *Exchange) CompleteOrder(orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: unknown order %s", orderID)
	}
	if o.Status.Final() {
		return fmt.Errorf("paper: order %s is %s", orderID, o.Status)
	}
	price, err := e.priceLocked(o.Request.Symbol)
	if err != nil {
		return err
	}
	rest := o.Request.Qty.Sub(o.FilledQty)
	e.fillLocked(o, rest, price)
	o.Status = common.StatusFilled
	return nil
}

// Orders returns submitted orders in submission order.
func (e *Exchange) Orders() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Order, 0, len(e.seq))
	for _, id := range e.seq {
		out = append(out, *e.orders[id])
	}
	return out
}

// Symbols lists symbols with a known price.
func (e *Exchange) Symbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.prices))
	for s := range e.prices {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (e *Exchange) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return common.OrderResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failLocked(); err != nil {
		return common.OrderResult{}, err
	}
	if !req.Qty.IsPositive() {
		return common.OrderResult{}, &common.APIError{Venue: "paper", Status: 400, Msg: "quantity must be positive"}
	}
	if req.PositionSide != common.PositionLong && req.PositionSide != common.PositionShort {
		return common.OrderResult{}, &common.APIError{Venue: "paper", Status: 400, Msg: "position side required"}
	}
	price, err := e.priceLocked(req.Symbol)
	if err != nil {
		return common.OrderResult{}, err
	}
	if req.ReduceOnly {
		held := decimal.Zero
		if l, ok := e.positions[posKey{req.Symbol, req.PositionSide}]; ok {
			held = l.qty
		}
		if req.Qty.GreaterThan(held) {
			return common.OrderResult{}, &common.APIError{Venue: "paper", Status: 400, Msg: "reduce-only quantity exceeds position"}
		}
	}

	o := &Order{ID: uuid.New().String(), Request: req, Status: common.StatusFilled}
	qty := req.Qty
	if len(e.partial) > 0 {
		ratio := e.partial[0]
		e.partial = e.partial[1:]
		qty = req.Qty.Mul(ratio)
		o.Status = common.StatusPartial
	}
	e.fillLocked(o, qty, price)
	e.orders[o.ID] = o
	e.seq = append(e.seq, o.ID)

	return common.OrderResult{
		OrderID:   o.ID,
		ClientID:  req.ClientID,
		Status:    o.Status,
		FilledQty: o.FilledQty,
		AvgPrice:  o.AvgPrice,
	}, nil
}

func (e *Exchange) GetPosition(ctx context.Context, symbol string, side common.PositionSide) (common.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failLocked(); err != nil {
		return common.Position{}, err
	}
	pos := common.Position{Symbol: symbol, Side: side}
	if l, ok := e.positions[posKey{symbol, side}]; ok {
		pos.Qty = l.qty
		pos.AvgPrice = l.avg
	}
	return pos, nil
}

func (e *Exchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failLocked(); err != nil {
		return decimal.Zero, err
	}
	return e.priceLocked(symbol)
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failLocked(); err != nil {
		return err
	}
	o, ok := e.orders[orderID]
	if !ok {
		return &common.APIError{Venue: "paper", Status: 400, Msg: "unknown order " + orderID}
	}
	if !o.Status.Final() {
		o.Status = common.StatusCanceled
	}
	return nil
}

func (e *Exchange) Ping(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failLocked(); err != nil {
		return err
	}
	if e.pingErr != nil {
		return e.pingErr
	}
	if e.apiKey == "" {
		return &common.APIError{Venue: "paper", Status: 401, Msg: "api key required"}
	}
	return nil
}

func (e *Exchange) priceLocked(symbol string) (decimal.Decimal, error) {
	p, ok := e.prices[symbol]
	if !ok || !p.IsPositive() {
		return decimal.Zero, &common.APIError{Venue: "paper", Status: 400, Msg: "no price for " + symbol}
	}
	return p, nil
}

func (e *Exchange) failLocked() error {
	if len(e.failures) == 0 {
		return nil
	}
	err := e.failures[0]
	e.failures = e.failures[1:]
	return err
}

// fillLocked executes qty of o at price against the position book.
func (e *Exchange) fillLocked(o *Order, qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	req := o.Request
	key := posKey{req.Symbol, req.PositionSide}
	l, ok := e.positions[key]
	if !ok {
		l = &leg{}
		e.positions[key] = l
	}
	opening := (req.PositionSide == common.PositionLong) == (req.Side == common.SideBuy)
	if opening {
		cost := l.qty.Mul(l.avg).Add(qty.Mul(price))
		l.qty = l.qty.Add(qty)
		l.avg = cost.Div(l.qty)
	} else {
		l.qty = l.qty.Sub(qty)
		if !l.qty.IsPositive() {
			l.qty = decimal.Zero
			l.avg = decimal.Zero
		}
	}

	total := o.FilledQty.Add(qty)
	o.AvgPrice = o.FilledQty.Mul(o.AvgPrice).Add(qty.Mul(price)).Div(total)
	o.FilledQty = total
}

// ErrUnavailable simulates a venue outage in tests.
var ErrUnavailable = errors.New("paper: venue unavailable")
