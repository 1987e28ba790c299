package state

import (
	"fmt"

	"github.com/shopspring/decimal"

	"hedge-core/pkg/errs"
)

// CurrentSchemaVersion is the layout written by Save.
const CurrentSchemaVersion = 3

// Side names one track of a hedged pair.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Opposite returns the other side of the pair.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

func (s Side) Valid() bool { return s == Long || s == Short }

// Fill kinds recorded in add_history.
const (
	FillOpen     = "open"
	FillAdd      = "add"
	FillHedge    = "hedge"
	FillBackfill = "backfill"
)

// Fill is one entry of a side's add history.
type Fill struct {
	Kind    string          `json:"kind"`
	Qty     decimal.Decimal `json:"qty"`
	Price   decimal.Decimal `json:"price"`
	Round   int             `json:"round"`
	OrderID string          `json:"order_id,omitempty"`
	At      int64           `json:"at"`
}

// Pending is an order that was reported partially filled and is still
// outstanding on the exchange.
type Pending struct {
	OrderID     string          `json:"order_id"`
	ClientID    string          `json:"client_id,omitempty"`
	Action      string          `json:"action"`
	Rule        int             `json:"rule"`
	Qty         decimal.Decimal `json:"qty"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	BaseQty     decimal.Decimal `json:"base_qty"`
	SubmittedAt int64           `json:"submitted_at"`
}

// HedgeState is mirrored on both sides of a pair.
type HedgeState struct {
	Locked        bool            `json:"hedge_locked"`
	Stop          bool            `json:"hedge_stop"`
	LockedProfit  decimal.Decimal `json:"locked_profit"`
	LockedOnFull  bool            `json:"hedge_locked_on_full"`
	CooldownUntil int64           `json:"cooldown_until"`
}

// PositionState is the persisted view of one side.
type PositionState struct {
	Qty                decimal.Decimal `json:"qty"`
	AvgPrice           decimal.Decimal `json:"avg_price"`
	AddTimes           int             `json:"add_times"`
	LastEntryPrice     decimal.Decimal `json:"last_entry_price"`
	LastFillPrice      decimal.Decimal `json:"last_fill_price"`
	LastQty            decimal.Decimal `json:"last_qty"`
	AddHistory         []Fill          `json:"add_history"`
	Round              int             `json:"round"`
	OppositeQty        decimal.Decimal `json:"opposite_qty"`
	FastAddPausedUntil int64           `json:"fast_add_paused_until"`
	Hedge              HedgeState      `json:"hedge_state"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	Pending            *Pending        `json:"pending,omitempty"`
}

// NewPositionState returns a flat side in its first round.
func NewPositionState() PositionState {
	return PositionState{Round: 1, AddHistory: []Fill{}}
}

// Flat reports whether the side holds no quantity.
func (p PositionState) Flat() bool { return !p.Qty.IsPositive() }

// Clone returns a deep copy.
func (p PositionState) Clone() PositionState {
	out := p
	out.AddHistory = append([]Fill(nil), p.AddHistory...)
	if out.AddHistory == nil {
		out.AddHistory = []Fill{}
	}
	if p.Pending != nil {
		pending := *p.Pending
		out.Pending = &pending
	}
	return out
}

// SymbolState holds both sides of one symbol traded on one platform.
type SymbolState struct {
	Long  PositionState `json:"long"`
	Short PositionState `json:"short"`
}

func NewSymbolState() *SymbolState {
	return &SymbolState{Long: NewPositionState(), Short: NewPositionState()}
}

// Side returns a pointer to the requested side.
func (s *SymbolState) Side(side Side) *PositionState {
	if side == Short {
		return &s.Short
	}
	return &s.Long
}

// HasPending reports whether either side waits on an outstanding order.
func (s *SymbolState) HasPending() bool {
	return s.Long.Pending != nil || s.Short.Pending != nil
}

// BackfillFlags marks which sides were reconciled against the exchange.
type BackfillFlags struct {
	Long  bool `json:"long"`
	Short bool `json:"short"`
}

func (b BackfillFlags) Done(side Side) bool {
	if side == Short {
		return b.Short
	}
	return b.Long
}

// GlobalState is account-wide trading state.
type GlobalState struct {
	ExchangeFaultUntil int64                    `json:"exchange_fault_until"`
	BackfillDone       map[string]BackfillFlags `json:"backfill_done"` // by PairKey
	SchemaVersion      int                      `json:"schema_version"`
}

// PairKey names the pair of symbol on platform inside an account. Each
// platform holds its own position, so pairs are never shared across
// platforms.
func PairKey(platform, symbol string) string { return platform + "/" + symbol }

// AccountState is the root persisted unit of one account.
type AccountState struct {
	AccountID     string                  `json:"account_id"`
	SchemaVersion int                     `json:"schema_version"`
	LastUpdate    int64                   `json:"last_update"`
	Pairs         map[string]*SymbolState `json:"pairs"`
	// Unclaimed holds pairs of files written before pairs carried their
	// platform, keyed by symbol. The first platform to trade the symbol
	// claims it.
	Unclaimed map[string]*SymbolState `json:"unclaimed,omitempty"`
	Global    GlobalState             `json:"global"`
}

// NewAccountState returns the default state used for unknown accounts.
func NewAccountState(account string) *AccountState {
	return &AccountState{
		AccountID:     account,
		SchemaVersion: CurrentSchemaVersion,
		Pairs:         make(map[string]*SymbolState),
		Global: GlobalState{
			BackfillDone:  make(map[string]BackfillFlags),
			SchemaVersion: CurrentSchemaVersion,
		},
	}
}

// Pair returns the state of symbol on platform, creating a flat one on first
// access.
func (a *AccountState) Pair(platform, symbol string) *SymbolState {
	if a.Pairs == nil {
		a.Pairs = make(map[string]*SymbolState)
	}
	key := PairKey(platform, symbol)
	s, ok := a.Pairs[key]
	if !ok || s == nil {
		s = NewSymbolState()
		a.Pairs[key] = s
	}
	return s
}

// Claim moves the unclaimed pair of symbol to platform when platform has no
// pair of its own yet. The claimed pair is reconciled again before use.
func (a *AccountState) Claim(platform, symbol string) bool {
	legacy, ok := a.Unclaimed[symbol]
	if !ok {
		return false
	}
	key := PairKey(platform, symbol)
	if _, taken := a.Pairs[key]; taken {
		return false
	}
	if a.Pairs == nil {
		a.Pairs = make(map[string]*SymbolState)
	}
	if legacy == nil {
		legacy = NewSymbolState()
	}
	a.Pairs[key] = legacy
	delete(a.Unclaimed, symbol)
	if len(a.Unclaimed) == 0 {
		a.Unclaimed = nil
	}
	delete(a.Global.BackfillDone, key)
	return true
}

// BackfillDone reports whether side of the pair was already reconciled.
func (a *AccountState) BackfillDone(platform, symbol string, side Side) bool {
	return a.Global.BackfillDone[PairKey(platform, symbol)].Done(side)
}

// MarkBackfilled records that side of the pair no longer needs
// reconciliation.
func (a *AccountState) MarkBackfilled(platform, symbol string, side Side) {
	if a.Global.BackfillDone == nil {
		a.Global.BackfillDone = make(map[string]BackfillFlags)
	}
	key := PairKey(platform, symbol)
	flags := a.Global.BackfillDone[key]
	if side == Short {
		flags.Short = true
	} else {
		flags.Long = true
	}
	a.Global.BackfillDone[key] = flags
}

// Clone returns a deep copy so callers can evaluate without touching the
// cached original.
func (a *AccountState) Clone() *AccountState {
	if a == nil {
		return nil
	}
	out := *a
	out.Pairs = clonePairs(a.Pairs)
	if a.Unclaimed != nil {
		out.Unclaimed = clonePairs(a.Unclaimed)
	}
	out.Global.BackfillDone = make(map[string]BackfillFlags, len(a.Global.BackfillDone))
	for sym, f := range a.Global.BackfillDone {
		out.Global.BackfillDone[sym] = f
	}
	return &out
}

func clonePairs(in map[string]*SymbolState) map[string]*SymbolState {
	out := make(map[string]*SymbolState, len(in))
	for k, s := range in {
		if s == nil {
			continue
		}
		out[k] = &SymbolState{Long: s.Long.Clone(), Short: s.Short.Clone()}
	}
	return out
}

// CheckPair verifies the at-rest invariants of a long/short pair.
func CheckPair(long, short PositionState, maxAddTimes int) error {
	if long.Hedge.Locked != short.Hedge.Locked {
		return errs.Newf(errs.CodeInvalidState, "hedge_locked differs between long and short")
	}
	if long.Hedge.Locked && !(long.Hedge.Stop && short.Hedge.Stop) {
		return errs.Newf(errs.CodeInvalidState, "hedge_locked without hedge_stop on both sides")
	}
	for _, side := range []struct {
		name Side
		pos  PositionState
	}{{Long, long}, {Short, short}} {
		if err := checkSide(side.pos, maxAddTimes); err != nil {
			return errs.New(errs.CodeInvalidState,
				errs.WithMessage(fmt.Sprintf("%s: %s", side.name, err.Error())),
				errs.WithDetail("side", string(side.name)))
		}
	}
	return nil
}

func checkSide(p PositionState, maxAddTimes int) error {
	switch {
	case p.Qty.IsNegative():
		return fmt.Errorf("negative qty %s", p.Qty)
	case p.AvgPrice.IsNegative():
		return fmt.Errorf("negative avg_price %s", p.AvgPrice)
	case p.Hedge.LockedProfit.IsNegative():
		return fmt.Errorf("negative locked_profit %s", p.Hedge.LockedProfit)
	case p.AddTimes < 0:
		return fmt.Errorf("negative add_times %d", p.AddTimes)
	case maxAddTimes >= 0 && p.AddTimes > maxAddTimes:
		return fmt.Errorf("add_times %d exceeds max %d", p.AddTimes, maxAddTimes)
	case p.Qty.IsZero() && (!p.AvgPrice.IsZero() || p.AddTimes != 0):
		return fmt.Errorf("flat side carries avg_price %s add_times %d", p.AvgPrice, p.AddTimes)
	case p.Round < 1:
		return fmt.Errorf("round %d below 1", p.Round)
	}
	return nil
}
