package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedge-core/pkg/errs"
	"hedge-core/pkg/exchanges/common"
	"hedge-core/pkg/exchanges/paper"
)

func testRegistry() (*Registry, *PaperFactory) {
	pf := NewPaperFactory(map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(100)})
	cfg := DefaultConfig()
	cfg.HealthInterval = 0
	cfg.DefaultPolicy = common.Policy{Timeout: time.Second, MaxTries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	return NewRegistry(map[string]Factory{PlatformPaper: pf.Build}, cfg), pf
}

func TestCreateAndGetPlatform(t *testing.T) {
	r, _ := testRegistry()
	defer r.Close()
	ctx := context.Background()

	h, err := r.CreatePlatformForAccount(ctx, "ACC1", PlatformPaper, Credentials{APIKey: "k1", APISecret: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "ACC1", h.Account)

	got, err := r.GetPlatform("ACC1", PlatformPaper)
	require.NoError(t, err)
	assert.Same(t, h, got)

	ok, err := r.TestConnection(ctx, "ACC1", PlatformPaper)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"ACC1"}, r.Accounts())
}

func TestAccountsAreIsolated(t *testing.T) {
	r, pf := testRegistry()
	defer r.Close()
	ctx := context.Background()

	_, err := r.CreatePlatformForAccount(ctx, "ACC1", PlatformPaper, Credentials{APIKey: "k1"})
	require.NoError(t, err)

	_, err = r.GetPlatform("ACC2", PlatformPaper)
	assert.ErrorIs(t, err, errs.ErrPlatformNotConfigured)

	_, err = r.CreatePlatformForAccount(ctx, "ACC2", PlatformPaper, Credentials{APIKey: "k2"})
	require.NoError(t, err)
	assert.NotSame(t, pf.Venue("ACC1", ""), pf.Venue("ACC2", ""))

	h1, _ := r.GetPlatform("ACC1", PlatformPaper)
	h2, _ := r.GetPlatform("ACC2", PlatformPaper)
	assert.NotSame(t, h1, h2)
	assert.Same(t, pf.Venue("ACC1", ""), common.Innermost(h1.Client()))
}

func TestRejectedCredentialsRegisterNothing(t *testing.T) {
	r, _ := testRegistry()
	defer r.Close()

	_, err := r.CreatePlatformForAccount(context.Background(), "ACC1", PlatformPaper, Credentials{})
	require.ErrorIs(t, err, errs.ErrCredentialsInvalid)
	_, err = r.GetPlatform("ACC1", PlatformPaper)
	assert.ErrorIs(t, err, errs.ErrPlatformNotConfigured)
}

func TestUnreachableVenueIsNotACredentialError(t *testing.T) {
	r, pf := testRegistry()
	defer r.Close()
	pf.Venue("ACC1", "k").FailNext(paper.ErrUnavailable, 2)

	_, err := r.CreatePlatformForAccount(context.Background(), "ACC1", PlatformPaper, Credentials{APIKey: "k"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrExchangeTimeout)
	assert.NotErrorIs(t, err, errs.ErrCredentialsInvalid)
}

func TestUnknownPlatformAndBadAccount(t *testing.T) {
	r, _ := testRegistry()
	defer r.Close()
	ctx := context.Background()

	_, err := r.CreatePlatformForAccount(ctx, "ACC1", "kraken", Credentials{APIKey: "k"})
	assert.ErrorIs(t, err, errs.ErrInvalidParameter)
	_, err = r.CreatePlatformForAccount(ctx, "../etc", PlatformPaper, Credentials{APIKey: "k"})
	assert.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestLeasesAreDedicated(t *testing.T) {
	r, _ := testRegistry()
	defer r.Close()
	_, err := r.CreatePlatformForAccount(context.Background(), "ACC1", PlatformPaper, Credentials{APIKey: "k"})
	require.NoError(t, err)

	c1, err := r.Lease("ACC1", PlatformPaper, "inst-1")
	require.NoError(t, err)
	c2, err := r.Lease("ACC1", PlatformPaper, "inst-2")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)

	_, err = r.Lease("ACC1", PlatformPaper, "inst-1")
	assert.ErrorIs(t, err, errs.ErrConflict)

	_, err = r.Lease("ACC2", PlatformPaper, "inst-3")
	assert.ErrorIs(t, err, errs.ErrPlatformNotConfigured)

	assert.ErrorIs(t, r.Remove("ACC1", PlatformPaper), errs.ErrPrecondition)
	_, err = r.CreatePlatformForAccount(context.Background(), "ACC1", PlatformPaper, Credentials{APIKey: "k"})
	assert.ErrorIs(t, err, errs.ErrPrecondition)

	r.Release("ACC1", PlatformPaper, "inst-1")
	r.Release("ACC1", PlatformPaper, "inst-2")
	assert.Empty(t, r.Health("ACC1")[0].Leases)
	require.NoError(t, r.Remove("ACC1", PlatformPaper))
	assert.Empty(t, r.Accounts())
}

func TestFailureTracking(t *testing.T) {
	r, pf := testRegistry()
	defer r.Close()
	ctx := context.Background()
	_, err := r.CreatePlatformForAccount(ctx, "ACC1", PlatformPaper, Credentials{APIKey: "k"})
	require.NoError(t, err)

	pf.Venue("ACC1", "").SetPingError(&common.APIError{Venue: "paper", Status: 503, Msg: "down"})
	for i := 0; i < 3; i++ {
		ok, err := r.TestConnection(ctx, "ACC1", PlatformPaper)
		assert.False(t, ok)
		assert.Error(t, err)
	}
	health := r.Health("")
	require.Len(t, health, 1)
	assert.False(t, health[0].Healthy)
	assert.Equal(t, 3, health[0].Failures)

	pf.Venue("ACC1", "").SetPingError(nil)
	ok, err := r.TestConnection(ctx, "ACC1", PlatformPaper)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, r.Health("ACC1")[0].Healthy)
}

func TestForceTestnet(t *testing.T) {
	var seen Credentials
	f := ForceTestnet(func(_ string, creds Credentials) (common.Client, error) {
		seen = creds
		return paper.New(paper.Config{APIKey: creds.APIKey}), nil
	})
	_, err := f("ACC1", Credentials{APIKey: "k"})
	require.NoError(t, err)
	assert.True(t, seen.Testnet)
}
