package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"hedge-core/internal/state"
	"hedge-core/pkg/errs"
)

// Martingale runs the martingale-hedge state machine:
// open -> add -> take-profit -> hedge-lock -> unlock -> re-open.
//
// Rules are checked per side in a fixed order and the first match wins:
//
//  1. re-open      flat, hedge_stop off, opposite flat
//  2. add          adverse move >= add_interval since last entry
//  3. tp first     add_times == 0 and profit >= tp_first_order
//  4. tp averaged  add_times > 0 and profit >= tp_before_full / tp_after_full
//  5. hedge        full adds, loss >= trigger_loss, opposite smaller
//  6. unlock tp    locked, opposite still open, profit >= release_tp_after_full
//  7. unlock sl    locked, opposite flat, loss <= locked_profit * release_sl_loss_ratio
//
// Rules 2-5 never fire while the pair is hedge locked. Rules 6 and 7 wait for
// the hedge cooldown.
type Martingale struct {
	p MartingaleParams
}

func NewMartingale(p MartingaleParams) *Martingale {
	if p.EntrySide == "" {
		p.EntrySide = state.Long
	}
	return &Martingale{p: p}
}

func (m *Martingale) Name() string   { return MartingaleHedgeName }
func (m *Martingale) Params() Params { return m.p }

// Evaluate runs the rules until a pass emits nothing, simulating a full fill
// of every intent at in.Price. The returned state is therefore a fixed point:
// evaluating it again at the same price yields no intents.
func (m *Martingale) Evaluate(in Input) (Decision, error) {
	return evaluate(in, m.p.MaxAdds, m.p.EntrySide, m.next, m.Apply)
}

func (m *Martingale) next(side state.Side, d *Decision, in Input) (OrderIntent, bool) {
	p := d.Side(side)
	o := d.Side(side.Opposite())
	price := in.Price

	if p.Flat() {
		if !p.Hedge.Stop && o.Flat() {
			return OrderIntent{
				Side: side, Action: ActionOpen, OrderSide: openOrderSide(side),
				Qty: m.p.FirstQty, Rule: RuleReopen, Reason: "re-open",
			}, true
		}
		return OrderIntent{}, false
	}

	profit := ProfitRatio(side, p.AvgPrice, price)
	locked := p.Hedge.Locked

	if !locked && p.AddTimes < m.p.MaxAdds && in.Now >= p.FastAddPausedUntil &&
		adverseMove(side, entryReference(*p), price).GreaterThanOrEqual(m.p.AddInterval) {
		base := p.LastQty
		if !base.IsPositive() {
			base = p.Qty
		}
		return OrderIntent{
			Side: side, Action: ActionAdd, OrderSide: openOrderSide(side),
			Qty: base.Mul(m.p.AddRatio), Rule: RuleAdd,
			Reason: fmt.Sprintf("add %d/%d", p.AddTimes+1, m.p.MaxAdds),
		}, true
	}

	if !locked && p.AddTimes == 0 && profit.GreaterThanOrEqual(m.p.TPFirstOrder) {
		return closeIntent(side, p.Qty, RuleTPFirst, "take-profit first order"), true
	}

	if !locked && p.AddTimes > 0 {
		target := m.p.TPBeforeFull
		if p.AddTimes >= m.p.MaxAdds {
			target = m.p.TPAfterFull
		}
		if profit.GreaterThanOrEqual(target) {
			return closeIntent(side, p.Qty, RuleTPAveraged, "take-profit averaged"), true
		}
	}

	if !locked && p.AddTimes >= m.p.MaxAdds &&
		profit.Neg().GreaterThanOrEqual(m.p.Hedge.TriggerLoss) && o.Qty.LessThan(p.Qty) {
		hedgeSide := side.Opposite()
		return OrderIntent{
			Side: hedgeSide, Action: ActionHedge, OrderSide: openOrderSide(hedgeSide),
			Qty: p.Qty.Sub(o.Qty), Rule: RuleHedge,
			Reason: fmt.Sprintf("hedge %s loss", side),
		}, true
	}

	if locked {
		return releaseIntent(side, p, o, in, m.p.Hedge)
	}
	return OrderIntent{}, false
}

// releaseIntent checks the unlock rules shared with the recovery engine.
func releaseIntent(side state.Side, p, o *state.PositionState, in Input, h HedgeParams) (OrderIntent, bool) {
	if in.Now < p.Hedge.CooldownUntil {
		return OrderIntent{}, false
	}
	if !o.Flat() {
		if ProfitRatio(side, p.AvgPrice, in.Price).GreaterThanOrEqual(h.ReleaseTPAfterFull.For(side)) {
			return closeIntent(side, p.Qty, RuleUnlockTP, "unlock take-profit"), true
		}
		return OrderIntent{}, false
	}
	loss := decimal.Max(decimal.Zero, UnrealizedPnL(side, *p, in.Price).Neg())
	budget := p.Hedge.LockedProfit.Mul(h.ReleaseSLLossRatio.For(side))
	if loss.LessThanOrEqual(budget) {
		return closeIntent(side, p.Qty, RuleUnlockSL, "unlock stop-loss"), true
	}
	return OrderIntent{}, false
}

// Apply folds a fill into the pair.
func (m *Martingale) Apply(long, short *state.PositionState, intent OrderIntent, fill Fill, now int64) {
	applyFill(long, short, intent, fill, now, m.p.FastAddCooldown, m.p.Hedge.Cooldown)
}

type nextFunc func(side state.Side, d *Decision, in Input) (OrderIntent, bool)
type applyFunc func(long, short *state.PositionState, intent OrderIntent, fill Fill, now int64)

func evaluate(in Input, maxAdds int, first state.Side, next nextFunc, apply applyFunc) (Decision, error) {
	d := Decision{Long: in.Long.Clone(), Short: in.Short.Clone()}
	if err := state.CheckPair(in.Long, in.Short, maxAdds); err != nil {
		return d, err
	}
	if !in.Price.IsPositive() {
		return d, errs.New(errs.CodeInvalidParameter,
			errs.WithMessage("price must be positive"),
			errs.WithDetail("price", in.Price.String()))
	}
	if in.Now < in.ExchangeFaultUntil || in.Long.Pending != nil || in.Short.Pending != nil {
		return d, nil
	}

	// Each pass emits at most one intent and restarts from the entry side, so
	// a pair that goes flat re-opens on the entry side first.
	order := []state.Side{first, first.Opposite()}
	for pass := 0; pass < MaxPassesPerTick; pass++ {
		emitted := false
		for _, side := range order {
			intent, ok := next(side, &d, in)
			if !ok {
				continue
			}
			d.Intents = append(d.Intents, intent)
			apply(&d.Long, &d.Short, intent, Fill{Qty: intent.Qty, Price: in.Price}, in.Now)
			emitted = true
			break
		}
		if !emitted {
			break
		}
	}
	if err := state.CheckPair(d.Long, d.Short, maxAdds); err != nil {
		return d, err
	}
	return d, nil
}

func closeIntent(side state.Side, qty decimal.Decimal, rule int, reason string) OrderIntent {
	return OrderIntent{
		Side: side, Action: ActionClose, OrderSide: closeOrderSide(side),
		Qty: qty, ReduceOnly: true, Rule: rule, Reason: reason,
	}
}

// ForceCloseIntents returns market closes for every open side of the pair.
func ForceCloseIntents(long, short state.PositionState) []OrderIntent {
	var out []OrderIntent
	if !long.Flat() {
		out = append(out, closeIntent(state.Long, long.Qty, RuleForced, "force close"))
	}
	if !short.Flat() {
		out = append(out, closeIntent(state.Short, short.Qty, RuleForced, "force close"))
	}
	return out
}

// ApplyForced folds the fill of a forced close. A forced close ends the hedge
// cycle, so lock flags and locked profit are cleared on both sides.
func ApplyForced(long, short *state.PositionState, intent OrderIntent, fill Fill, now int64) {
	applyFill(long, short, intent, fill, now, 0, 0)
}

func entryReference(p state.PositionState) decimal.Decimal {
	if p.LastEntryPrice.IsPositive() {
		return p.LastEntryPrice
	}
	return p.AvgPrice
}

// adverseMove is the fraction price moved against side since ref.
func adverseMove(side state.Side, ref, price decimal.Decimal) decimal.Decimal {
	if !ref.IsPositive() {
		return decimal.Zero
	}
	diff := ref.Sub(price)
	if side == state.Short {
		diff = diff.Neg()
	}
	return diff.Div(ref)
}

func applyFill(long, short *state.PositionState, intent OrderIntent, fill Fill, now, fastAddCooldown, hedgeCooldown int64) {
	if !fill.Qty.IsPositive() {
		return
	}
	sides := map[state.Side]*state.PositionState{state.Long: long, state.Short: short}
	p := sides[intent.Side]
	o := sides[intent.Side.Opposite()]

	switch intent.Action {
	case ActionOpen, ActionAdd, ActionHedge:
		kind := state.FillOpen
		switch intent.Action {
		case ActionAdd:
			kind = state.FillAdd
		case ActionHedge:
			kind = state.FillHedge
		}
		if intent.Action == ActionOpen && p.Flat() && !fill.Continuation {
			if p.LastEntryPrice.IsPositive() {
				p.Round++
			}
			p.AddTimes = 0
			p.LastQty = decimal.Zero
		}
		increase(p, fill)
		p.AddHistory = append(p.AddHistory, state.Fill{
			Kind: kind, Qty: fill.Qty, Price: fill.Price,
			Round: p.Round, OrderID: fill.OrderID, At: now,
		})
		if fill.Continuation {
			p.LastQty = p.LastQty.Add(fill.Qty)
		} else {
			p.LastQty = fill.Qty
		}
		if intent.Action == ActionAdd && !fill.Continuation {
			p.AddTimes++
			p.FastAddPausedUntil = now + fastAddCooldown
		}
		if intent.Action == ActionHedge && !fill.Continuation {
			for _, s := range []*state.PositionState{p, o} {
				s.Hedge.Locked = true
				s.Hedge.Stop = true
				s.Hedge.LockedOnFull = true
				s.Hedge.CooldownUntil = now + hedgeCooldown
			}
		}

	case ActionClose:
		realized := reduce(intent.Side, p, fill)
		switch intent.Rule {
		case RuleUnlockTP:
			if realized.IsPositive() {
				o.Hedge.LockedProfit = o.Hedge.LockedProfit.Add(realized)
			}
		case RuleUnlockSL, RuleForced:
			if p.Flat() {
				for _, s := range []*state.PositionState{p, o} {
					s.Hedge = state.HedgeState{LockedProfit: decimal.Zero}
				}
			}
		}
	}
	long.OppositeQty = short.Qty
	short.OppositeQty = long.Qty
}

func increase(p *state.PositionState, fill Fill) {
	total := p.Qty.Add(fill.Qty)
	p.AvgPrice = p.AvgPrice.Mul(p.Qty).Add(fill.Price.Mul(fill.Qty)).Div(total)
	p.Qty = total
	p.LastEntryPrice = fill.Price
	p.LastFillPrice = fill.Price
}

// reduce closes up to fill.Qty of p and returns the realized result.
func reduce(side state.Side, p *state.PositionState, fill Fill) decimal.Decimal {
	qty := decimal.Min(fill.Qty, p.Qty)
	diff := fill.Price.Sub(p.AvgPrice)
	if side == state.Short {
		diff = diff.Neg()
	}
	realized := diff.Mul(qty)
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.Qty = p.Qty.Sub(qty)
	p.LastFillPrice = fill.Price
	if p.Flat() {
		p.Qty = decimal.Zero
		p.AvgPrice = decimal.Zero
		p.AddTimes = 0
		p.LastQty = decimal.Zero
		p.FastAddPausedUntil = 0
	}
	return realized
}
