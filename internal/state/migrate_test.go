package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const legacyV0 = `{
  "account_id": "ACC1",
  "last_update": 1700000000,
  "symbols": {
    "ETHUSDT": {
      "long":  {"qty": 30, "avg_price": "2000", "add_times": 1, "round": 2,
                "add_history": [{"kind": "open", "qty": "10", "price": "2050"}, {"kind": "add", "qty": "20", "price": "1975"}],
                "hedge_locked": true, "hedge_stop": true, "locked_profit": "0"},
      "short": {"qty": "30", "avg_price": "1900", "round": 1,
                "hedge_locked": true, "hedge_stop": true, "locked_profit": "4.25", "cooldown_until": 77}
    }
  },
  "global": {"exchange_fault_until": 0, "backfill_done": {"long": true, "short": false}}
}`

func TestLoadMigratesLegacyFile(t *testing.T) {
	s := newTestStore(t)
	path := s.Path("ACC1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(legacyV0), 0o600))

	st, err := s.Load("ACC1")
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, st.SchemaVersion)
	assert.Equal(t, CurrentSchemaVersion, st.Global.SchemaVersion)

	assert.Empty(t, st.Pairs)
	pair := st.Unclaimed["ETHUSDT"]
	require.NotNil(t, pair)
	assert.True(t, pair.Long.Hedge.Locked)
	assert.True(t, pair.Short.Hedge.Stop)
	assert.True(t, pair.Short.Hedge.LockedProfit.Equal(decimal.RequireFromString("4.25")))
	assert.Equal(t, int64(77), pair.Short.Hedge.CooldownUntil)
	assert.True(t, pair.Long.Qty.Equal(decimal.NewFromInt(30)))

	// last_qty comes from the most recent history entry, or qty when there is none.
	assert.True(t, pair.Long.LastQty.Equal(decimal.NewFromInt(20)))
	assert.True(t, pair.Short.LastQty.Equal(decimal.NewFromInt(30)))

	// The first platform to trade the symbol takes the pair over and
	// reconciles it again.
	require.True(t, st.Claim("bitunix", "ETHUSDT"))
	assert.Same(t, pair, st.Pair("bitunix", "ETHUSDT"))
	assert.Empty(t, st.Unclaimed)
	assert.False(t, st.BackfillDone("bitunix", "ETHUSDT", Long))
	assert.False(t, st.Claim("paper", "ETHUSDT"))
	assert.NoError(t, CheckPair(pair.Long, pair.Short, 4))
}

func TestMigrateIsNoopAtCurrentVersion(t *testing.T) {
	doc := map[string]any{"schema_version": float64(CurrentSchemaVersion), "global": map[string]any{}}
	from, err := Migrate(doc)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, from)
	assert.Equal(t, float64(CurrentSchemaVersion), doc["schema_version"])
}

func TestMigrateKeepsPerSymbolBackfill(t *testing.T) {
	doc := map[string]any{
		"schema_version": float64(1),
		"symbols":        map[string]any{},
		"global": map[string]any{
			"backfill_done": map[string]any{"BTCUSDT": map[string]any{"long": true, "short": true}},
		},
	}
	require.NoError(t, migrateV1(doc))
	flags := doc["global"].(map[string]any)["backfill_done"].(map[string]any)
	assert.Contains(t, flags, "BTCUSDT")
}

func TestMigrateParksSymbolsAsUnclaimed(t *testing.T) {
	doc := map[string]any{
		"schema_version": float64(2),
		"symbols":        map[string]any{"BTCUSDT": map[string]any{"long": map[string]any{"qty": "5"}}},
		"global": map[string]any{
			"backfill_done": map[string]any{"BTCUSDT": map[string]any{"long": true, "short": true}},
		},
	}
	from, err := Migrate(doc)
	require.NoError(t, err)
	assert.Equal(t, 2, from)
	assert.NotContains(t, doc, "symbols")
	assert.Contains(t, doc["unclaimed"], "BTCUSDT")
	assert.Empty(t, doc["pairs"])
	assert.Empty(t, doc["global"].(map[string]any)["backfill_done"])
	assert.Equal(t, CurrentSchemaVersion, doc["schema_version"])
}

func TestCheckPair(t *testing.T) {
	long, short := NewPositionState(), NewPositionState()
	require.NoError(t, CheckPair(long, short, 4))

	long.Hedge.Locked, long.Hedge.Stop = true, true
	assert.Error(t, CheckPair(long, short, 4))

	short.Hedge.Locked, short.Hedge.Stop = true, true
	assert.NoError(t, CheckPair(long, short, 4))

	bad := NewPositionState()
	bad.AvgPrice = decimal.NewFromInt(1)
	assert.Error(t, CheckPair(bad, NewPositionState(), 4))

	over := NewPositionState()
	over.Qty, over.AvgPrice, over.AddTimes = decimal.NewFromInt(1), decimal.NewFromInt(1), 5
	assert.Error(t, CheckPair(over, NewPositionState(), 4))
	assert.NoError(t, CheckPair(over, NewPositionState(), -1))
}
