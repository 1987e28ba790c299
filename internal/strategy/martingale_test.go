package strategy

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedge-core/internal/state"
	"hedge-core/pkg/errs"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testParams() MartingaleParams {
	return MartingaleParams{
		FirstQty:     d("50"),
		AddRatio:     d("2.0"),
		MaxAdds:      4,
		AddInterval:  d("0.02"),
		TPFirstOrder: d("0.01"),
		TPBeforeFull: d("0.005"),
		TPAfterFull:  d("0.003"),
		EntrySide:    state.Long,
		Hedge: HedgeParams{
			TriggerLoss:        d("0.05"),
			ReleaseTPAfterFull: SideValues{Long: d("0.02"), Short: d("0.02")},
			ReleaseSLLossRatio: SideValues{Long: d("0.5"), Short: d("0.5")},
		},
	}
}

func eval(t *testing.T, e Engine, price string, long, short state.PositionState, now int64) Decision {
	t.Helper()
	dec, err := e.Evaluate(Input{Price: d(price), Long: long, Short: short, Now: now})
	require.NoError(t, err)
	return dec
}

// fullLong is a long side that has used every add.
func fullLong() state.PositionState {
	p := state.NewPositionState()
	p.Qty = d("1550")
	p.AvgPrice = d("100")
	p.AddTimes = 4
	p.LastEntryPrice = d("95")
	p.LastQty = d("800")
	return p
}

func TestScenarioOpenAddHedgeUnlock(t *testing.T) {
	m := NewMartingale(testParams())

	// 1. new account, flat price: one open-long intent.
	dec := eval(t, m, "100", state.NewPositionState(), state.NewPositionState(), 1000)
	require.Len(t, dec.Intents, 1)
	assert.Equal(t, ActionOpen, dec.Intents[0].Action)
	assert.Equal(t, state.Long, dec.Intents[0].Side)
	assert.Equal(t, Buy, dec.Intents[0].OrderSide)
	assert.True(t, dec.Long.Qty.Equal(d("50")))
	assert.Equal(t, 0, dec.Long.AddTimes)
	assert.Equal(t, 1, dec.Long.Round)
	assert.True(t, dec.Short.Flat())

	// 2. price drops by exactly add_interval: add 50*2.0.
	dec = eval(t, m, "98", dec.Long, dec.Short, 1005)
	require.Len(t, dec.Intents, 1)
	assert.Equal(t, ActionAdd, dec.Intents[0].Action)
	assert.True(t, dec.Intents[0].Qty.Equal(d("100")))
	assert.Equal(t, 1, dec.Long.AddTimes)
	assert.True(t, dec.Long.Qty.Equal(d("150")))
	assert.True(t, dec.Long.LastQty.Equal(d("100")))
}

func TestScenarioHedgeTrigger(t *testing.T) {
	m := NewMartingale(testParams())

	dec := eval(t, m, "94", fullLong(), state.NewPositionState(), 2000)
	require.Len(t, dec.Intents, 1)
	in := dec.Intents[0]
	assert.Equal(t, ActionHedge, in.Action)
	assert.Equal(t, state.Short, in.Side)
	assert.Equal(t, Sell, in.OrderSide)
	assert.True(t, in.Qty.Equal(d("1550")))

	for _, p := range []state.PositionState{dec.Long, dec.Short} {
		assert.True(t, p.Hedge.Locked)
		assert.True(t, p.Hedge.Stop)
		assert.True(t, p.Hedge.LockedOnFull)
	}
	assert.True(t, dec.Short.Qty.Equal(d("1550")))
	assert.True(t, dec.Long.OppositeQty.Equal(d("1550")))
}

func TestScenarioUnlockTakeProfitThenStopLoss(t *testing.T) {
	m := NewMartingale(testParams())
	locked := eval(t, m, "94", fullLong(), state.NewPositionState(), 2000)

	// 4. short profit reaches release_tp_after_full: short closes, proceeds
	// move to the long side, long stays locked.
	dec := eval(t, m, "92", locked.Long, locked.Short, 2010)
	require.Len(t, dec.Intents, 1)
	assert.Equal(t, RuleUnlockTP, dec.Intents[0].Rule)
	assert.Equal(t, state.Short, dec.Intents[0].Side)
	assert.True(t, dec.Intents[0].ReduceOnly)
	assert.True(t, dec.Short.Flat())
	assert.True(t, dec.Long.Hedge.LockedProfit.Equal(d("3100")))
	assert.True(t, dec.Long.Hedge.Locked)
	assert.True(t, dec.Short.Hedge.Locked)

	// 5. remaining loss (99 vs 100 on 1550 = 1550) equals locked_profit * 0.5.
	dec = eval(t, m, "99", dec.Long, dec.Short, 2020)
	require.GreaterOrEqual(t, len(dec.Intents), 1)
	assert.Equal(t, RuleUnlockSL, dec.Intents[0].Rule)
	assert.Equal(t, state.Long, dec.Intents[0].Side)
	for _, p := range []state.PositionState{dec.Long, dec.Short} {
		assert.False(t, p.Hedge.Locked)
		assert.False(t, p.Hedge.Stop)
		assert.True(t, p.Hedge.LockedProfit.IsZero())
	}

	// Both sides became eligible: the entry side re-opens in a new round.
	require.Len(t, dec.Intents, 2)
	assert.Equal(t, RuleReopen, dec.Intents[1].Rule)
	assert.Equal(t, state.Long, dec.Intents[1].Side)
	assert.Equal(t, 2, dec.Long.Round)
	assert.True(t, dec.Short.Flat())
}

func TestUnlockStopLossWaitsForBudget(t *testing.T) {
	m := NewMartingale(testParams())
	locked := eval(t, m, "94", fullLong(), state.NewPositionState(), 2000)
	dec := eval(t, m, "92", locked.Long, locked.Short, 2010)

	// Loss 1551.55 exceeds the 1550 budget.
	dec = eval(t, m, "98.999", dec.Long, dec.Short, 2020)
	assert.Empty(t, dec.Intents)
	assert.True(t, dec.Long.Hedge.Locked)
}

func TestHedgeCooldownBlocksRelease(t *testing.T) {
	p := testParams()
	p.Hedge.Cooldown = 60
	m := NewMartingale(p)
	locked := eval(t, m, "94", fullLong(), state.NewPositionState(), 2000)
	assert.Equal(t, int64(2060), locked.Short.Hedge.CooldownUntil)

	dec := eval(t, m, "92", locked.Long, locked.Short, 2030)
	assert.Empty(t, dec.Intents)

	dec = eval(t, m, "92", locked.Long, locked.Short, 2060)
	require.Len(t, dec.Intents, 1)
	assert.Equal(t, RuleUnlockTP, dec.Intents[0].Rule)
}

func TestTakeProfitThresholdIsInclusive(t *testing.T) {
	m := NewMartingale(testParams())
	long := state.NewPositionState()
	long.Qty, long.AvgPrice, long.LastEntryPrice, long.LastQty = d("50"), d("100"), d("100"), d("50")

	dec := eval(t, m, "100.99", long, state.NewPositionState(), 10)
	assert.Empty(t, dec.Intents)

	dec = eval(t, m, "101", long, state.NewPositionState(), 10)
	require.NotEmpty(t, dec.Intents)
	assert.Equal(t, RuleTPFirst, dec.Intents[0].Rule)
	assert.True(t, dec.Long.RealizedPnL.Equal(d("50")))
}

func TestAveragedTakeProfitUsesAfterFullTarget(t *testing.T) {
	m := NewMartingale(testParams())
	long := fullLong()

	// 0.003 after full, 0.005 before full.
	dec := eval(t, m, "100.3", long, state.NewPositionState(), 10)
	require.NotEmpty(t, dec.Intents)
	assert.Equal(t, RuleTPAveraged, dec.Intents[0].Rule)

	long.AddTimes = 3
	dec = eval(t, m, "100.3", long, state.NewPositionState(), 10)
	assert.Empty(t, dec.Intents)
}

func TestNoAddAtMaxAddTimes(t *testing.T) {
	m := NewMartingale(testParams())
	long := fullLong()
	long.LastEntryPrice = d("100")
	// 3.1% adverse from the last entry, loss still below the hedge trigger.
	dec := eval(t, m, "96.9", long, state.NewPositionState(), 10)
	assert.Empty(t, dec.Intents)
	assert.Equal(t, 4, dec.Long.AddTimes)
}

func TestFastAddCooldownGatesAddsOnly(t *testing.T) {
	p := testParams()
	p.FastAddCooldown = 30
	m := NewMartingale(p)

	dec := eval(t, m, "100", state.NewPositionState(), state.NewPositionState(), 1000)
	dec = eval(t, m, "98", dec.Long, dec.Short, 1001)
	require.Len(t, dec.Intents, 1)
	assert.Equal(t, int64(1031), dec.Long.FastAddPausedUntil)

	blocked := eval(t, m, "96", dec.Long, dec.Short, 1010)
	assert.Empty(t, blocked.Intents)

	allowed := eval(t, m, "96", dec.Long, dec.Short, 1031)
	require.Len(t, allowed.Intents, 1)
	assert.True(t, allowed.Intents[0].Qty.Equal(d("200")))

	// The hedge path ignores the add cooldown.
	long := fullLong()
	long.FastAddPausedUntil = 5000
	hedged := eval(t, m, "94", long, state.NewPositionState(), 1000)
	require.Len(t, hedged.Intents, 1)
	assert.Equal(t, RuleHedge, hedged.Intents[0].Rule)
}

func TestShortSideTakeProfitAfterFull(t *testing.T) {
	p := testParams()
	p.EntrySide = state.Short
	m := NewMartingale(p)
	short := state.NewPositionState()
	short.Qty, short.AvgPrice, short.AddTimes, short.LastEntryPrice = d("10"), d("100"), 4, d("100")

	dec := eval(t, m, "99", state.NewPositionState(), short, 10)
	require.NotEmpty(t, dec.Intents)
	assert.Equal(t, RuleTPAveraged, dec.Intents[0].Rule)
	assert.Equal(t, Buy, dec.Intents[0].OrderSide)
}

func TestExchangeFaultAndPendingSuppressIntents(t *testing.T) {
	m := NewMartingale(testParams())
	dec, err := m.Evaluate(Input{Price: d("100"), Long: state.NewPositionState(), Short: state.NewPositionState(), Now: 10, ExchangeFaultUntil: 11})
	require.NoError(t, err)
	assert.Empty(t, dec.Intents)

	long := state.NewPositionState()
	long.Qty, long.AvgPrice = d("5"), d("100")
	long.Pending = &state.Pending{OrderID: "1", Action: string(ActionAdd)}
	dec = eval(t, m, "50", long, state.NewPositionState(), 10)
	assert.Empty(t, dec.Intents)
}

func TestInconsistentStateFailsFast(t *testing.T) {
	m := NewMartingale(testParams())
	long := fullLong()
	long.Hedge.Locked, long.Hedge.Stop = true, true

	_, err := m.Evaluate(Input{Price: d("100"), Long: long, Short: state.NewPositionState(), Now: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	_, err = m.Evaluate(Input{Price: d("0"), Long: state.NewPositionState(), Short: state.NewPositionState()})
	assert.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestEvaluateIsIdempotentAtSamePrice(t *testing.T) {
	m := NewMartingale(testParams())
	prices := []string{"100", "98", "96", "94", "92", "90", "85", "80", "84", "99", "101", "103"}
	long, short := state.NewPositionState(), state.NewPositionState()
	for i, price := range prices {
		now := int64(1000 + i*10)
		dec := eval(t, m, price, long, short, now)
		again := eval(t, m, price, dec.Long, dec.Short, now)
		assert.Empty(t, again.Intents, "price %s", price)
		long, short = dec.Long, dec.Short
	}
}

func TestInvariantsHoldOnRandomWalk(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, entry := range []state.Side{state.Long, state.Short} {
		p := testParams()
		p.EntrySide = entry
		m := NewMartingale(p)
		long, short := state.NewPositionState(), state.NewPositionState()
		price := d("100")
		lockedProfit := decimal.Zero

		for i := 0; i < 2000; i++ {
			step := decimal.NewFromFloat(rng.NormFloat64() * 0.8).Round(2)
			price = decimal.Max(d("20"), price.Add(step))

			wasFlat := long.Flat() && short.Flat()
			wasStopped := long.Hedge.Stop || short.Hedge.Stop
			dec := eval(t, m, price.String(), long, short, int64(i))

			if len(dec.Intents) > 0 && dec.Intents[0].Rule == RuleReopen {
				require.True(t, wasFlat && !wasStopped, "re-open from non-flat or stopped state at step %d", i)
			}
			for _, s := range []state.PositionState{dec.Long, dec.Short} {
				require.False(t, s.Hedge.LockedProfit.IsNegative())
				require.LessOrEqual(t, s.AddTimes, p.MaxAdds)
				if s.Flat() {
					require.True(t, s.AvgPrice.IsZero())
					require.Zero(t, s.AddTimes)
				}
			}
			require.Equal(t, dec.Long.Hedge.Locked, dec.Short.Hedge.Locked)

			total := dec.Long.Hedge.LockedProfit.Add(dec.Short.Hedge.LockedProfit)
			if total.LessThan(lockedProfit) {
				cleared := false
				for _, in := range dec.Intents {
					cleared = cleared || in.Rule == RuleUnlockSL
				}
				require.True(t, cleared, "locked_profit dropped without unlock stop-loss at step %d", i)
			}
			lockedProfit = total
			long, short = dec.Long, dec.Short
		}
	}
}

func TestApplyPartialFillsDoNotDoubleCount(t *testing.T) {
	m := NewMartingale(testParams())
	long := state.NewPositionState()
	long.Qty, long.AvgPrice, long.LastEntryPrice, long.LastQty = d("50"), d("100"), d("100"), d("50")
	short := state.NewPositionState()
	add := OrderIntent{Side: state.Long, Action: ActionAdd, OrderSide: Buy, Qty: d("100"), Rule: RuleAdd}

	m.Apply(&long, &short, add, Fill{Qty: d("40"), Price: d("98")}, 10)
	m.Apply(&long, &short, add, Fill{Qty: d("60"), Price: d("98"), Continuation: true}, 11)

	assert.Equal(t, 1, long.AddTimes)
	assert.True(t, long.Qty.Equal(d("150")))
	assert.True(t, long.LastQty.Equal(d("100")))
	assert.Len(t, long.AddHistory, 2)
	assert.True(t, short.OppositeQty.Equal(d("150")))
}

func TestForceCloseClearsHedgeCycle(t *testing.T) {
	m := NewMartingale(testParams())
	locked := eval(t, m, "94", fullLong(), state.NewPositionState(), 2000)
	long, short := locked.Long, locked.Short
	short.Hedge.LockedProfit = d("10")
	long.Hedge.LockedProfit = d("10")

	intents := ForceCloseIntents(long, short)
	require.Len(t, intents, 2)
	for _, in := range intents {
		ApplyForced(&long, &short, in, Fill{Qty: in.Qty, Price: d("94")}, 2001)
	}
	assert.True(t, long.Flat())
	assert.True(t, short.Flat())
	assert.False(t, long.Hedge.Locked)
	assert.True(t, long.Hedge.LockedProfit.IsZero())
	assert.NoError(t, state.CheckPair(long, short, 4))
}
