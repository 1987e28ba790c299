package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedge-core/internal/state"
	"hedge-core/pkg/errs"
)

const validMartingale = `{
  "first_qty": 50, "add_ratio": "2.0", "max_add_times": 4, "add_interval": 0.02,
  "tp_first_order": 0.01, "tp_before_full": 0.005, "tp_after_full": 0.003,
  "fast_add_cooldown": 30,
  "hedge": {"trigger_loss": 0.05,
            "release_tp_after_full": {"long": 0.02, "short": 0.02},
            "release_sl_loss_ratio": {"long": 0.5, "short": 0.5},
            "cooldown": 60}
}`

func TestBuildMartingale(t *testing.T) {
	r := DefaultRegistry()
	params, engine, err := r.Build(MartingaleHedgeName, []byte(validMartingale))
	require.NoError(t, err)
	assert.Equal(t, MartingaleHedgeName, engine.Name())

	mp, ok := params.(MartingaleParams)
	require.True(t, ok)
	assert.Equal(t, state.Long, mp.EntrySide)
	assert.Equal(t, 4, mp.MaxAddTimes())
	assert.Equal(t, int64(60), mp.Hedge.Cooldown)
	assert.True(t, mp.AddRatio.Equal(d("2")))
}

func TestBuildRejectsBadParams(t *testing.T) {
	r := DefaultRegistry()
	cases := map[string]string{
		"add_ratio not above one": `{"first_qty": 1, "add_ratio": 1.0, "max_add_times": 1, "add_interval": 0.1,
			"tp_first_order": 0.1, "tp_before_full": 0.1, "tp_after_full": 0.1,
			"hedge": {"trigger_loss": 0.1, "release_tp_after_full": {"long": 0.1, "short": 0.1}}}`,
		"negative max adds": `{"first_qty": 1, "add_ratio": 2, "max_add_times": -1, "add_interval": 0.1,
			"tp_first_order": 0.1, "tp_before_full": 0.1, "tp_after_full": 0.1,
			"hedge": {"trigger_loss": 0.1, "release_tp_after_full": {"long": 0.1, "short": 0.1}}}`,
		"unknown field": `{"first_qty": 1, "bogus": true}`,
		"wrong type":    `{"first_qty": "lots"}`,
		"empty":         ``,
	}
	for name, raw := range cases {
		_, _, err := r.Build(MartingaleHedgeName, []byte(raw))
		assert.ErrorIs(t, err, errs.ErrInvalidParameter, name)
	}

	_, _, err := r.Build("grid", []byte(`{}`))
	assert.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestValidateNamesField(t *testing.T) {
	p := testParams()
	p.AddInterval = d("1")
	err := p.Validate()
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, "add_interval", e.Details["field"])

	p = testParams()
	p.EntrySide = "sideways"
	assert.Error(t, p.Validate())
}

func TestBuildRecovery(t *testing.T) {
	r := DefaultRegistry()
	_, engine, err := r.Build(RecoveryName, []byte(`{"release_tp_after_full": {"long": 0.01, "short": 0.01},
		"release_sl_loss_ratio": {"long": 1, "short": 1}}`))
	require.NoError(t, err)
	assert.Equal(t, RecoveryName, engine.Name())
	assert.Equal(t, -1, engine.Params().MaxAddTimes())
}

func TestRegisterDuplicate(t *testing.T) {
	r := DefaultRegistry()
	err := r.Register(Definition{Name: RecoveryName, Decode: decodeRecovery, New: func(Params) (Engine, error) { return nil, nil }})
	assert.Error(t, err)
	assert.Equal(t, []string{MartingaleHedgeName, RecoveryName}, r.Names())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.yaml")
	yaml := `
instances:
  - account: ACC1
    platform: paper
    strategy: martingale_hedge
    symbol: BTCUSDT
    start: true
    parameters:
      first_qty: 50
      add_ratio: 2.0
      max_add_times: 4
      add_interval: 0.02
      tp_first_order: 0.01
      tp_before_full: 0.005
      tp_after_full: 0.003
      hedge:
        trigger_loss: 0.05
        release_tp_after_full: {long: 0.02, short: 0.02}
        release_sl_loss_ratio: {long: 0.5, short: 0.5}
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfgs, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.True(t, cfgs[0].Start)

	raw, err := cfgs[0].ParamsJSON()
	require.NoError(t, err)
	_, _, err = DefaultRegistry().Build(cfgs[0].Strategy, raw)
	require.NoError(t, err)
}

func TestLoadConfigRequiresIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instances:\n  - account: ACC1\n"), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
