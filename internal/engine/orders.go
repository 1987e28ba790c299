package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"hedge-core/internal/events"
	"hedge-core/internal/reconciliation"
	"hedge-core/internal/state"
	"hedge-core/internal/strategy"
	"hedge-core/pkg/db"
	"hedge-core/pkg/errs"
	"hedge-core/pkg/exchanges/common"
)

// apply folds a fill into the pair. Forced closes bypass the strategy.
func (inst *Instance) apply(pair *state.SymbolState, intent strategy.OrderIntent, fill strategy.Fill, sec int64) {
	if intent.Rule == strategy.RuleForced {
		strategy.ApplyForced(&pair.Long, &pair.Short, intent, fill, sec)
		return
	}
	inst.engine.Apply(&pair.Long, &pair.Short, intent, fill, sec)
}

// clientOrderID is <instance_id>-<round>-<seq>. round is the round the order
// belongs to, so a re-open already carries the next round.
func (inst *Instance) clientOrderID(p state.PositionState, intent strategy.OrderIntent) string {
	round := p.Round
	if intent.Action == strategy.ActionOpen && p.Flat() && p.LastEntryPrice.IsPositive() {
		round++
	}
	return fmt.Sprintf("%s-%d-%d", inst.ID, round, inst.nextSeq())
}

// execute places one intent and applies what filled. halt is true when the
// remaining intents of the tick must not be sent: the order is still
// outstanding or it ended without filling.
func (inst *Instance) execute(ctx context.Context, client common.Client, pair *state.SymbolState, intent strategy.OrderIntent, price decimal.Decimal, sec int64) (applied, halt bool, err error) {
	p := pair.Side(intent.Side)
	clientID := inst.clientOrderID(*p, intent)
	req := common.OrderRequest{
		Symbol:       inst.Symbol,
		Side:         common.Side(intent.OrderSide),
		PositionSide: reconciliation.PositionSide(intent.Side),
		Type:         common.OrderTypeMarket,
		Qty:          intent.Qty,
		ReduceOnly:   intent.ReduceOnly,
		ClientID:     clientID,
	}

	logger := inst.logger()
	logger.Info().
		Str("side", string(intent.Side)).
		Str("action", string(intent.Action)).
		Int("rule", intent.Rule).
		Str("qty", intent.Qty.String()).
		Str("price", price.String()).
		Str("client_id", clientID).
		Msg(intent.Reason)
	inst.env.metrics.Intent(inst.Strategy, string(intent.Action), ruleLabel(intent.Rule))
	inst.env.publish(inst.message(events.EventOrderIntent, intentData(intent, clientID)))

	rec := db.OrderRecord{
		InstanceID:   inst.ID,
		Account:      inst.Account,
		ClientID:     clientID,
		Symbol:       inst.Symbol,
		Side:         intent.OrderSide,
		PositionSide: string(req.PositionSide),
		Action:       string(intent.Action),
		Rule:         intent.Rule,
		Qty:          intent.Qty,
	}

	started := time.Now()
	res, err := client.PlaceOrder(ctx, req)
	if err != nil {
		rec.Status = "ERROR"
		rec.Error = err.Error()
		inst.env.record(rec)
		inst.env.metrics.OrderError(inst.Platform, string(errs.CodeOf(err)))
		data := intentData(intent, clientID)
		data["error"] = err.Error()
		data["code"] = string(errs.CodeOf(err))
		inst.env.publish(inst.message(events.EventOrderFailed, data))
		return false, true, err
	}
	inst.env.metrics.Order(inst.Platform, string(res.Status), time.Since(started))

	fill := strategy.Fill{Qty: res.FilledQty, Price: res.AvgPrice, OrderID: res.OrderID}
	if res.Status == common.StatusFilled && !fill.Qty.IsPositive() {
		fill.Qty = intent.Qty
	}
	fill.Qty = decimal.Min(fill.Qty, intent.Qty)
	if !fill.Price.IsPositive() {
		fill.Price = price
	}

	rec.OrderID = res.OrderID
	rec.Status = string(res.Status)
	rec.FilledQty = fill.Qty
	rec.AvgPrice = fill.Price
	inst.env.record(rec)

	base := p.Qty
	if fill.Qty.IsPositive() {
		inst.apply(pair, intent, fill, sec)
		applied = true
	}

	data := intentData(intent, clientID)
	data["order_id"] = res.OrderID
	data["status"] = string(res.Status)
	data["filled_qty"] = fill.Qty.String()
	data["avg_price"] = fill.Price.String()

	switch {
	case res.Status == common.StatusFilled || fill.Qty.GreaterThanOrEqual(intent.Qty):
		inst.env.publish(inst.message(events.EventOrderFilled, data))
		return applied, false, nil

	case !res.Status.Final():
		// Still working on the exchange: record it and stop evaluating until
		// it resolves.
		p.Pending = &state.Pending{
			OrderID:     res.OrderID,
			ClientID:    clientID,
			Action:      string(intent.Action),
			Rule:        intent.Rule,
			Qty:         intent.Qty,
			FilledQty:   fill.Qty,
			BaseQty:     base,
			SubmittedAt: sec,
		}
		logger.Info().Str("order_id", res.OrderID).Str("filled_qty", fill.Qty.String()).
			Str("qty", intent.Qty.String()).Msg("order partially filled, waiting")
		inst.env.publish(inst.message(events.EventOrderPartial, data))
		return true, true, nil

	default:
		inst.env.publish(inst.message(events.EventOrderFailed, data))
		return applied, true, errs.New(errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("order %s ended %s", clientID, res.Status)),
			errs.WithRemediation("inspect the order on the exchange, then start the instance again"),
			errs.WithDetail("order_id", res.OrderID),
			errs.WithDetail("filled_qty", fill.Qty.String()))
	}
}

// resolvePending settles outstanding orders from the exchange position. An
// order still partial after the pending timeout, or any order when finalize
// is set, is cancelled and finalized with the quantity that filled.
func (inst *Instance) resolvePending(ctx context.Context, client common.Client, pair *state.SymbolState, sec int64, finalize bool) (changed bool, err error) {
	timeout := int64(inst.env.cfg.PendingTimeout / time.Second)
	for _, side := range []state.Side{state.Long, state.Short} {
		p := pair.Side(side)
		pend := p.Pending
		if pend == nil {
			continue
		}
		intent := strategy.OrderIntent{Side: side, Action: strategy.Action(pend.Action), Rule: pend.Rule}

		synced, err := inst.syncPending(ctx, client, pair, side, intent, sec)
		changed = changed || synced
		if err != nil {
			return changed, err
		}
		complete := pend.FilledQty.GreaterThanOrEqual(pend.Qty)
		expired := sec-pend.SubmittedAt >= timeout
		if !complete && !expired && !finalize {
			continue
		}

		if !complete {
			if err := client.CancelOrder(ctx, inst.Symbol, pend.OrderID); err != nil {
				var apiErr *common.APIError
				// A venue rejection means the order is already final.
				if !errors.As(err, &apiErr) || apiErr.Retryable() {
					return changed, err
				}
				inst.logger().Warn().Err(err).Str("order_id", pend.OrderID).Msg("cancel rejected, finalizing")
			}
			synced, err := inst.syncPending(ctx, client, pair, side, intent, sec)
			changed = changed || synced
			if err != nil {
				return changed, err
			}
		}

		inst.env.record(db.OrderRecord{
			InstanceID:   inst.ID,
			Account:      inst.Account,
			ClientID:     pend.ClientID,
			OrderID:      pend.OrderID,
			Symbol:       inst.Symbol,
			Side:         pendingOrderSide(side, intent.Action),
			PositionSide: string(reconciliation.PositionSide(side)),
			Action:       pend.Action,
			Rule:         pend.Rule,
			Qty:          pend.Qty,
			FilledQty:    pend.FilledQty,
			AvgPrice:     p.LastFillPrice,
			Status:       string(finalStatus(complete)),
		})
		inst.env.publish(inst.message(events.EventOrderFilled, map[string]any{
			"side":       string(side),
			"action":     pend.Action,
			"rule":       pend.Rule,
			"order_id":   pend.OrderID,
			"client_id":  pend.ClientID,
			"qty":        pend.Qty.String(),
			"filled_qty": pend.FilledQty.String(),
			"finalized":  !complete,
		}))
		p.Pending = nil
		changed = true
	}
	return changed, nil
}

// syncPending applies whatever part of the pending order on side filled
// since the last look.
func (inst *Instance) syncPending(ctx context.Context, client common.Client, pair *state.SymbolState, side state.Side, intent strategy.OrderIntent, sec int64) (bool, error) {
	p := pair.Side(side)
	pend := p.Pending
	pos, err := client.GetPosition(ctx, inst.Symbol, reconciliation.PositionSide(side))
	if err != nil {
		return false, err
	}
	filled := pos.Qty.Sub(pend.BaseQty)
	if intent.Action == strategy.ActionClose {
		filled = pend.BaseQty.Sub(pos.Qty)
	}
	filled = decimal.Min(decimal.Max(filled, decimal.Zero), pend.Qty)
	delta := filled.Sub(pend.FilledQty)
	if !delta.IsPositive() {
		return false, nil
	}

	price, err := inst.continuationPrice(ctx, client, *p, pos, intent, delta)
	if err != nil {
		return false, err
	}
	inst.apply(pair, intent, strategy.Fill{
		Qty:          delta,
		Price:        price,
		OrderID:      pend.OrderID,
		Continuation: pend.FilledQty.IsPositive(),
	}, sec)
	pend.FilledQty = filled
	return true, nil
}

// continuationPrice estimates the price of a fill that was only observed as
// a position change. Increases are derived from the exchange average price;
// reductions use the market price.
func (inst *Instance) continuationPrice(ctx context.Context, client common.Client, local state.PositionState, pos common.Position, intent strategy.OrderIntent, delta decimal.Decimal) (decimal.Decimal, error) {
	if intent.Action != strategy.ActionClose && pos.AvgPrice.IsPositive() {
		cost := pos.AvgPrice.Mul(pos.Qty).Sub(local.AvgPrice.Mul(local.Qty))
		if price := cost.Div(delta); price.IsPositive() {
			return price, nil
		}
	}
	return client.GetPrice(ctx, inst.Symbol)
}

// forceCloseNow closes every open side at market, bypassing the decision
// rules, then stops the instance. A partial close leaves the request in
// place so the next tick finishes it.
func (inst *Instance) forceCloseNow(ctx context.Context, st *state.AccountState, now time.Time) (dirty bool, err error) {
	inst.mu.Lock()
	client := inst.client
	inst.mu.Unlock()
	if client == nil {
		return false, errs.New(errs.CodePrecondition,
			errs.WithMessage("instance holds no exchange client"),
			errs.WithDetail("instance_id", inst.ID))
	}
	sec := now.Unix()
	pair, claimed := inst.pair(st)
	dirty = claimed

	if pair.HasPending() {
		changed, err := inst.resolvePending(ctx, client, pair, sec, true)
		dirty = dirty || changed
		if err != nil {
			return dirty, err
		}
	}

	intents := strategy.ForceCloseIntents(pair.Long, pair.Short)
	if len(intents) > 0 {
		price, err := client.GetPrice(ctx, inst.Symbol)
		if err != nil {
			return dirty, err
		}
		inst.observePrice(price, now)
		for _, intent := range intents {
			applied, halt, err := inst.execute(ctx, client, pair, intent, price, sec)
			dirty = dirty || applied
			if err != nil {
				return dirty, err
			}
			if halt {
				return dirty, nil
			}
		}
	}

	inst.logger().Info().Int("orders", len(intents)).Msg("force close complete, instance stopped")
	inst.settle(StatusStopped, nil)
	return dirty, nil
}

func pendingOrderSide(side state.Side, action strategy.Action) string {
	long := side == state.Long
	if action == strategy.ActionClose {
		long = !long
	}
	if long {
		return strategy.Buy
	}
	return strategy.Sell
}

func finalStatus(complete bool) common.OrderStatus {
	if complete {
		return common.StatusFilled
	}
	return common.StatusCanceled
}
