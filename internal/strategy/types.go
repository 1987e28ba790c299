package strategy

import (
	"github.com/shopspring/decimal"

	"hedge-core/internal/state"
)

// Action is what an intent does to its side.
type Action string

const (
	ActionOpen  Action = "open"
	ActionAdd   Action = "add"
	ActionClose Action = "close"
	ActionHedge Action = "hedge"
)

// Order sides sent to the exchange.
const (
	Buy  = "BUY"
	Sell = "SELL"
)

// Rule numbers carried on intents. RuleForced marks closes that bypass the
// decision rules.
const (
	RuleForced     = 0
	RuleReopen     = 1
	RuleAdd        = 2
	RuleTPFirst    = 3
	RuleTPAveraged = 4
	RuleHedge      = 5
	RuleUnlockTP   = 6
	RuleUnlockSL   = 7
	RuleRecoveryTP = 8
)

// MaxPassesPerTick bounds the re-evaluation loop of one tick and the number
// of orders one tick may send.
const MaxPassesPerTick = 8

// OrderIntent is an order the engine wants placed. Side is the position side
// the order acts on.
type OrderIntent struct {
	Side       state.Side      `json:"side"`
	Action     Action          `json:"action"`
	OrderSide  string          `json:"order_side"`
	Qty        decimal.Decimal `json:"qty"`
	ReduceOnly bool            `json:"reduce_only"`
	Rule       int             `json:"rule"`
	Reason     string          `json:"reason"`
}

// Fill is an execution reported for an intent. Continuation marks a further
// fill of an intent that was already applied once (partial fills).
type Fill struct {
	Qty          decimal.Decimal
	Price        decimal.Decimal
	OrderID      string
	Continuation bool
}

// Input is everything one evaluation looks at.
type Input struct {
	Price              decimal.Decimal
	Long               state.PositionState
	Short              state.PositionState
	Now                int64
	ExchangeFaultUntil int64
}

// Decision is the evaluated state of both sides plus the intents that lead
// there, assuming every intent fills fully at the input price.
type Decision struct {
	Long    state.PositionState
	Short   state.PositionState
	Intents []OrderIntent
}

// Side returns a pointer to the requested side of d.
func (d *Decision) Side(side state.Side) *state.PositionState {
	if side == state.Short {
		return &d.Short
	}
	return &d.Long
}

// Engine is a decision state machine bound to one validated parameter set.
type Engine interface {
	Name() string
	Params() Params
	Evaluate(in Input) (Decision, error)
	// Apply folds an actual fill of intent into the pair.
	Apply(long, short *state.PositionState, intent OrderIntent, fill Fill, now int64)
}

func openOrderSide(side state.Side) string {
	if side == state.Short {
		return Sell
	}
	return Buy
}

func closeOrderSide(side state.Side) string {
	if side == state.Short {
		return Buy
	}
	return Sell
}

// ProfitRatio is (price-avg)/avg signed by side. It is zero for a flat side.
func ProfitRatio(side state.Side, avg, price decimal.Decimal) decimal.Decimal {
	if !avg.IsPositive() {
		return decimal.Zero
	}
	diff := price.Sub(avg)
	if side == state.Short {
		diff = diff.Neg()
	}
	return diff.Div(avg)
}

// UnrealizedPnL is the mark-to-market result of a side at price.
func UnrealizedPnL(side state.Side, p state.PositionState, price decimal.Decimal) decimal.Decimal {
	if p.Flat() {
		return decimal.Zero
	}
	diff := price.Sub(p.AvgPrice)
	if side == state.Short {
		diff = diff.Neg()
	}
	return diff.Mul(p.Qty)
}
