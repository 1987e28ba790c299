package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedge-core/pkg/errs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func sampleState(account string) *AccountState {
	st := NewAccountState(account)
	st.LastUpdate = 1_700_000_000
	pair := st.Pair("paper", "BTCUSDT")
	pair.Long.Qty = decimal.RequireFromString("150")
	pair.Long.AvgPrice = decimal.RequireFromString("99.3333")
	pair.Long.AddTimes = 1
	pair.Long.LastEntryPrice = decimal.RequireFromString("98")
	pair.Long.LastFillPrice = decimal.RequireFromString("98")
	pair.Long.LastQty = decimal.RequireFromString("100")
	pair.Long.AddHistory = []Fill{
		{Kind: FillOpen, Qty: decimal.RequireFromString("50"), Price: decimal.RequireFromString("100"), Round: 1, At: 1},
		{Kind: FillAdd, Qty: decimal.RequireFromString("100"), Price: decimal.RequireFromString("98"), Round: 1, At: 2},
	}
	pair.Long.FastAddPausedUntil = 1_700_000_030
	pair.Short.Hedge.LockedProfit = decimal.RequireFromString("12.5")
	pair.Short.Pending = &Pending{OrderID: "42", Action: "close", Qty: decimal.RequireFromString("3"), FilledQty: decimal.RequireFromString("1")}
	st.MarkBackfilled("paper", "BTCUSDT", Long)
	st.Global.ExchangeFaultUntil = 5
	return st
}

func encoded(t *testing.T, st *AccountState) string {
	t.Helper()
	b, err := json.Marshal(st)
	require.NoError(t, err)
	return string(b)
}

func TestLoadMissingReturnsDefault(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Load("ACC1")
	require.NoError(t, err)
	assert.Equal(t, "ACC1", st.AccountID)
	assert.Equal(t, CurrentSchemaVersion, st.SchemaVersion)
	assert.Empty(t, st.Pairs)
	assert.False(t, st.BackfillDone("paper", "BTCUSDT", Long))
	assert.False(t, st.BackfillDone("paper", "BTCUSDT", Short))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	st := sampleState("ACC1")
	require.NoError(t, s.Save("ACC1", st))

	got, err := s.Load("ACC1")
	require.NoError(t, err)
	assert.Equal(t, encoded(t, st), encoded(t, got))
	assert.True(t, got.Pairs[PairKey("paper", "BTCUSDT")].Long.AvgPrice.Equal(decimal.RequireFromString("99.3333")))
	assert.True(t, got.BackfillDone("paper", "BTCUSDT", Long))
	assert.False(t, got.BackfillDone("paper", "BTCUSDT", Short))
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("ACC1", sampleState("ACC1")))
	require.NoError(t, s.Save("ACC1", sampleState("ACC1")))

	entries, err := os.ReadDir(filepath.Join(s.Root(), "ACC1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, stateFile, entries[0].Name())
}

func TestAccountsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("ACC1", sampleState("ACC1")))

	other, err := s.Load("ACC2")
	require.NoError(t, err)
	assert.Empty(t, other.Pairs)
	assert.NotEqual(t, s.Path("ACC1"), s.Path("ACC2"))

	err = s.Save("ACC2", sampleState("ACC1"))
	assert.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestLoadCorruptFileFails(t *testing.T) {
	s := newTestStore(t)
	path := s.Path("ACC1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := s.Load("ACC1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrStateCorruption)
}

func TestLoadRejectsForeignAccountAndFutureSchema(t *testing.T) {
	s := newTestStore(t)
	path := s.Path("ACC1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))

	require.NoError(t, os.WriteFile(path, []byte(`{"account_id":"ACC9","schema_version":3}`), 0o600))
	_, err := s.Load("ACC1")
	assert.ErrorIs(t, err, errs.ErrStateCorruption)

	require.NoError(t, os.WriteFile(path, []byte(`{"account_id":"ACC1","schema_version":99}`), 0o600))
	_, err = s.Load("ACC1")
	assert.ErrorIs(t, err, errs.ErrStateCorruption)
}

func TestInvalidAccountID(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", "..", "../x", "a/b", "with space"} {
		_, err := s.Load(id)
		assert.ErrorIs(t, err, errs.ErrInvalidParameter, id)
	}
}

func TestBackupAndRestore(t *testing.T) {
	s := newTestStore(t)
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return clock }

	original := sampleState("ACC1")
	require.NoError(t, s.Save("ACC1", original))
	id, err := s.Backup("ACC1")
	require.NoError(t, err)
	assert.Equal(t, "state-20260102T030405.000000000Z", id)

	changed := sampleState("ACC1")
	changed.Pairs[PairKey("paper", "BTCUSDT")].Long.Qty = decimal.Zero
	changed.Pairs[PairKey("paper", "BTCUSDT")].Long.AvgPrice = decimal.Zero
	changed.Pairs[PairKey("paper", "BTCUSDT")].Long.AddTimes = 0
	require.NoError(t, s.Save("ACC1", changed))

	require.NoError(t, s.Restore("ACC1", id))
	got, err := s.Load("ACC1")
	require.NoError(t, err)
	assert.Equal(t, encoded(t, original), encoded(t, got))

	backups, err := s.ListBackups("ACC1")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, id, backups[0].ID)
	assert.Equal(t, clock, backups[0].CreatedAt)
}

func TestRestoreMissingBackup(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("ACC1", sampleState("ACC1")))

	err := s.Restore("ACC1", "state-20990101T000000.000000000Z")
	assert.ErrorIs(t, err, errs.ErrBackupNotFound)
	err = s.Restore("ACC1", "../../etc/passwd")
	assert.ErrorIs(t, err, errs.ErrBackupNotFound)
}

func TestRestoreCorruptBackupKeepsCurrent(t *testing.T) {
	s := newTestStore(t)
	st := sampleState("ACC1")
	require.NoError(t, s.Save("ACC1", st))

	bad := filepath.Join(s.Root(), "ACC1", backupDir, "state-bad.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(bad), 0o700))
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o600))

	err := s.Restore("ACC1", "state-bad")
	assert.ErrorIs(t, err, errs.ErrStateCorruption)

	got, err := s.Load("ACC1")
	require.NoError(t, err)
	assert.Equal(t, encoded(t, st), encoded(t, got))
}

func TestBackupWithoutStateFile(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Backup("ACC1")
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestAccounts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("B", NewAccountState("B")))
	require.NoError(t, s.Save("A", NewAccountState("A")))
	accounts, err := s.Accounts()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, accounts)
}

func TestPairsAreKeyedByPlatform(t *testing.T) {
	st := NewAccountState("ACC1")
	st.Pair("paper", "BTCUSDT").Long.Qty = decimal.NewFromInt(50)
	st.MarkBackfilled("paper", "BTCUSDT", Long)

	other := st.Pair("binance_usdt", "BTCUSDT")
	assert.True(t, other.Long.Flat())
	assert.False(t, st.BackfillDone("binance_usdt", "BTCUSDT", Long))
	assert.Len(t, st.Pairs, 2)
}
