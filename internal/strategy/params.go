package strategy

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"hedge-core/internal/state"
	"hedge-core/pkg/errs"
)

// Params is the validated parameter set of one strategy variant.
type Params interface {
	StrategyName() string
	Validate() error
	// MaxAddTimes bounds add_times for invariant checks; -1 means unbounded.
	MaxAddTimes() int
}

// SideValues holds one value per side.
type SideValues struct {
	Long  decimal.Decimal `json:"long"`
	Short decimal.Decimal `json:"short"`
}

// For returns the value configured for side.
func (v SideValues) For(side state.Side) decimal.Decimal {
	if side == state.Short {
		return v.Short
	}
	return v.Long
}

// HedgeParams configures hedge locking and release.
type HedgeParams struct {
	TriggerLoss        decimal.Decimal `json:"trigger_loss"`
	ReleaseTPAfterFull SideValues      `json:"release_tp_after_full"`
	ReleaseSLLossRatio SideValues      `json:"release_sl_loss_ratio"`
	// Cooldown in seconds during which a fresh lock cannot be released.
	Cooldown int64 `json:"cooldown"`
}

// MartingaleParams configures the martingale_hedge strategy. Ratios are
// fractions: 0.02 is 2%.
type MartingaleParams struct {
	FirstQty        decimal.Decimal `json:"first_qty"`
	AddRatio        decimal.Decimal `json:"add_ratio"`
	MaxAdds         int             `json:"max_add_times"`
	AddInterval     decimal.Decimal `json:"add_interval"`
	TPFirstOrder    decimal.Decimal `json:"tp_first_order"`
	TPBeforeFull    decimal.Decimal `json:"tp_before_full"`
	TPAfterFull     decimal.Decimal `json:"tp_after_full"`
	FastAddCooldown int64           `json:"fast_add_cooldown"`
	EntrySide       state.Side      `json:"entry_side"`
	Hedge           HedgeParams     `json:"hedge"`
}

func (p MartingaleParams) StrategyName() string { return MartingaleHedgeName }
func (p MartingaleParams) MaxAddTimes() int     { return p.MaxAdds }

// Validate applies the type and range checks of every field.
func (p MartingaleParams) Validate() error {
	checks := []struct {
		field string
		ok    bool
		rule  string
	}{
		{"first_qty", p.FirstQty.IsPositive(), "must be > 0"},
		{"add_ratio", p.AddRatio.GreaterThan(decimal.NewFromInt(1)), "must be > 1.0"},
		{"max_add_times", p.MaxAdds >= 0, "must be >= 0"},
		{"add_interval", p.AddInterval.IsPositive() && p.AddInterval.LessThan(decimal.NewFromInt(1)), "must be in (0, 1)"},
		{"tp_first_order", p.TPFirstOrder.IsPositive(), "must be > 0"},
		{"tp_before_full", p.TPBeforeFull.IsPositive(), "must be > 0"},
		{"tp_after_full", p.TPAfterFull.IsPositive(), "must be > 0"},
		{"fast_add_cooldown", p.FastAddCooldown >= 0, "must be >= 0"},
		{"entry_side", p.EntrySide.Valid(), "must be long or short"},
	}
	for _, c := range checks {
		if !c.ok {
			return invalidParam(c.field, c.rule)
		}
	}
	return p.Hedge.validate(true)
}

func (h HedgeParams) validate(needTrigger bool) error {
	if needTrigger && !h.TriggerLoss.IsPositive() {
		return invalidParam("hedge.trigger_loss", "must be > 0")
	}
	for _, side := range []state.Side{state.Long, state.Short} {
		if !h.ReleaseTPAfterFull.For(side).IsPositive() {
			return invalidParam("hedge.release_tp_after_full."+string(side), "must be > 0")
		}
		if h.ReleaseSLLossRatio.For(side).IsNegative() {
			return invalidParam("hedge.release_sl_loss_ratio."+string(side), "must be >= 0")
		}
	}
	if h.Cooldown < 0 {
		return invalidParam("hedge.cooldown", "must be >= 0")
	}
	return nil
}

// RecoveryParams configures the recovery strategy, which only unwinds
// positions adopted from the exchange.
type RecoveryParams struct {
	ReleaseTPAfterFull SideValues `json:"release_tp_after_full"`
	ReleaseSLLossRatio SideValues `json:"release_sl_loss_ratio"`
	Cooldown           int64      `json:"cooldown"`
}

func (p RecoveryParams) StrategyName() string { return RecoveryName }
func (p RecoveryParams) MaxAddTimes() int     { return -1 }

func (p RecoveryParams) Validate() error {
	return p.hedge().validate(false)
}

func (p RecoveryParams) hedge() HedgeParams {
	return HedgeParams{
		ReleaseTPAfterFull: p.ReleaseTPAfterFull,
		ReleaseSLLossRatio: p.ReleaseSLLossRatio,
		Cooldown:           p.Cooldown,
	}
}

func invalidParam(field, rule string) error {
	return errs.New(errs.CodeInvalidParameter,
		errs.WithMessage(fmt.Sprintf("%s %s", field, rule)),
		errs.WithDetail("field", field))
}

// decodeStrict decodes raw into out and rejects unknown fields.
func decodeStrict(raw []byte, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errs.Newf(errs.CodeInvalidParameter, "parameters are required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errs.New(errs.CodeInvalidParameter,
			errs.WithMessage("parameters do not match the strategy schema"),
			errs.WithCause(err))
	}
	return nil
}

func decodeMartingale(raw []byte) (Params, error) {
	var p MartingaleParams
	if err := decodeStrict(raw, &p); err != nil {
		return nil, err
	}
	if p.EntrySide == "" {
		p.EntrySide = state.Long
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeRecovery(raw []byte) (Params, error) {
	var p RecoveryParams
	if err := decodeStrict(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
