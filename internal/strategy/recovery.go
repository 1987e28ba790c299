package strategy

import (
	"github.com/shopspring/decimal"

	"hedge-core/internal/state"
)

// Recovery unwinds positions that were adopted from the exchange. It never
// opens or adds. A two-sided position is treated as a hedge-locked pair and
// released through the unlock rules; a lone side is closed once it reaches its
// release take-profit.
type Recovery struct {
	p RecoveryParams
}

func NewRecovery(p RecoveryParams) *Recovery { return &Recovery{p: p} }

func (r *Recovery) Name() string   { return RecoveryName }
func (r *Recovery) Params() Params { return r.p }

func (r *Recovery) Evaluate(in Input) (Decision, error) {
	return evaluate(in, -1, state.Long, r.next, r.Apply)
}

func (r *Recovery) next(side state.Side, d *Decision, in Input) (OrderIntent, bool) {
	p := d.Side(side)
	o := d.Side(side.Opposite())
	if p.Flat() {
		return OrderIntent{}, false
	}
	if p.Hedge.Locked {
		return releaseIntent(side, p, o, in, r.p.hedge())
	}
	if ProfitRatio(side, p.AvgPrice, in.Price).GreaterThanOrEqual(r.p.ReleaseTPAfterFull.For(side)) {
		return closeIntent(side, p.Qty, RuleRecoveryTP, "recovery take-profit"), true
	}
	return OrderIntent{}, false
}

func (r *Recovery) Apply(long, short *state.PositionState, intent OrderIntent, fill Fill, now int64) {
	applyFill(long, short, intent, fill, now, 0, r.p.Cooldown)
}

// LockAdopted marks a pair adopted with quantity on both sides as hedge
// locked. It reports whether anything changed.
func LockAdopted(long, short *state.PositionState, now, cooldown int64) bool {
	if long.Flat() || short.Flat() || long.Hedge.Locked {
		return false
	}
	for _, s := range []*state.PositionState{long, short} {
		s.Hedge.Locked = true
		s.Hedge.Stop = true
		s.Hedge.LockedProfit = decimal.Zero
		s.Hedge.CooldownUntil = now + cooldown
	}
	return true
}

// AdoptPosition records a position found on the exchange as the side's
// opening fill.
func AdoptPosition(p *state.PositionState, qty, avgPrice decimal.Decimal, now int64) {
	if !qty.IsPositive() {
		return
	}
	p.Qty = qty
	p.AvgPrice = avgPrice
	p.AddTimes = 0
	p.LastEntryPrice = avgPrice
	p.LastFillPrice = avgPrice
	p.LastQty = qty
	p.AddHistory = append(p.AddHistory, state.Fill{
		Kind: state.FillBackfill, Qty: qty, Price: avgPrice, Round: p.Round, At: now,
	})
}
