package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedge-core/internal/state"
)

func recoveryParams() RecoveryParams {
	return RecoveryParams{
		ReleaseTPAfterFull: SideValues{Long: d("0.02"), Short: d("0.02")},
		ReleaseSLLossRatio: SideValues{Long: d("1"), Short: d("1")},
	}
}

func TestRecoveryUnwindsAdoptedPair(t *testing.T) {
	r := NewRecovery(recoveryParams())
	long, short := state.NewPositionState(), state.NewPositionState()
	AdoptPosition(&long, d("10"), d("100"), 1)
	AdoptPosition(&short, d("10"), d("101"), 1)
	require.True(t, LockAdopted(&long, &short, 1, 0))
	assert.False(t, LockAdopted(&long, &short, 1, 0))
	assert.Equal(t, state.FillBackfill, long.AddHistory[0].Kind)

	// Nothing is opened or added while neither side reaches its release.
	dec := eval(t, r, "100.5", long, short, 10)
	assert.Empty(t, dec.Intents)

	// Short profit (101-98.98)/101 = 2%: short closes, 20.2 locks to long.
	dec = eval(t, r, "98.98", long, short, 20)
	require.Len(t, dec.Intents, 2)
	assert.Equal(t, RuleUnlockTP, dec.Intents[0].Rule)
	// Long loss 10.2 fits the 20.2 budget, so it unlocks.
	assert.Equal(t, RuleUnlockSL, dec.Intents[1].Rule)
	assert.True(t, dec.Long.Flat())
	assert.True(t, dec.Short.Flat())
	assert.False(t, dec.Long.Hedge.Locked)
}

func TestRecoveryClosesLoneSideAtTarget(t *testing.T) {
	r := NewRecovery(recoveryParams())
	long := state.NewPositionState()
	AdoptPosition(&long, d("3"), d("100"), 1)

	dec := eval(t, r, "101.99", long, state.NewPositionState(), 5)
	assert.Empty(t, dec.Intents)

	dec = eval(t, r, "102", long, state.NewPositionState(), 5)
	require.Len(t, dec.Intents, 1)
	assert.Equal(t, RuleRecoveryTP, dec.Intents[0].Rule)
	assert.True(t, dec.Long.Flat())

	// A flat account never opens.
	dec = eval(t, r, "50", state.NewPositionState(), state.NewPositionState(), 5)
	assert.Empty(t, dec.Intents)
}
