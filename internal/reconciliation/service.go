// Package reconciliation compares local position state with the exchange.
//
// Backfill runs once per side of each platform and symbol pair: a position found on the exchange
// while the local side is flat is adopted as the side's opening fill. After
// that, Reconcile only reports differences; it never rewrites a side.
package reconciliation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"hedge-core/internal/events"
	"hedge-core/internal/gateway"
	"hedge-core/internal/state"
	"hedge-core/internal/strategy"
	"hedge-core/pkg/exchanges/common"
)

// PositionReader is the part of an exchange client backfill needs.
type PositionReader interface {
	GetPosition(ctx context.Context, symbol string, side common.PositionSide) (common.Position, error)
}

// Adoption is a position taken over from the exchange.
type Adoption struct {
	Symbol   string          `json:"symbol"`
	Side     state.Side      `json:"side"`
	Qty      decimal.Decimal `json:"qty"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// BackfillOptions tune adoption for the strategy that owns the symbol.
type BackfillOptions struct {
	// LockPair marks a pair adopted on both sides as hedge locked.
	LockPair bool
	Cooldown int64
	Now      int64
}

// PositionSide maps a local side onto the exchange leg.
func PositionSide(side state.Side) common.PositionSide {
	if side == state.Short {
		return common.PositionShort
	}
	return common.PositionLong
}

// Backfill reconciles every side of the pair of symbol on platform that has
// not been reconciled yet.
// changed reports whether st was modified. A read error leaves the side
// pending so the next tick tries again.
func Backfill(ctx context.Context, client PositionReader, st *state.AccountState, platform, symbol string, opts BackfillOptions) (adopted []Adoption, changed bool, err error) {
	pair := st.Pair(platform, symbol)
	for _, side := range []state.Side{state.Long, state.Short} {
		if st.BackfillDone(platform, symbol, side) {
			continue
		}
		pos, err := client.GetPosition(ctx, symbol, PositionSide(side))
		if err != nil {
			return adopted, changed, err
		}
		p := pair.Side(side)
		if pos.Qty.IsPositive() && p.Flat() {
			strategy.AdoptPosition(p, pos.Qty, pos.AvgPrice, opts.Now)
			adopted = append(adopted, Adoption{Symbol: symbol, Side: side, Qty: pos.Qty, AvgPrice: pos.AvgPrice})
		}
		st.MarkBackfilled(platform, symbol, side)
		changed = true
	}
	if len(adopted) > 0 {
		if opts.LockPair {
			strategy.LockAdopted(&pair.Long, &pair.Short, opts.Now, opts.Cooldown)
		}
		pair.Long.OppositeQty = pair.Short.Qty
		pair.Short.OppositeQty = pair.Long.Qty
	}
	return adopted, changed, nil
}

// Target is one (platform, symbol) traded on an account.
type Target struct {
	InstanceID string
	Platform   string
	Symbol     string
}

// Source exposes what the service compares: the traded targets of an account
// and its committed state.
type Source interface {
	Accounts() []string
	ReconcileTargets(account string) []Target
	AccountState(account string) (*state.AccountState, error)
}

// Report contains reconciliation results.
type Report struct {
	Account   string         `json:"account"`
	Timestamp time.Time      `json:"timestamp"`
	Diffs     []PositionDiff `json:"diffs"`
	HasDiffs  bool           `json:"has_diffs"`
	Errors    []string       `json:"errors,omitempty"`
}

// PositionDiff is a side whose local quantity differs from the exchange.
type PositionDiff struct {
	InstanceID  string          `json:"instance_id"`
	Platform    string          `json:"platform"`
	Symbol      string          `json:"symbol"`
	Side        state.Side      `json:"side"`
	LocalQty    decimal.Decimal `json:"local_qty"`
	ExchangeQty decimal.Decimal `json:"exchange_qty"`
	Difference  decimal.Decimal `json:"difference"`
	// Backfilled is false while the side still waits for its one-shot
	// adoption; such a difference resolves on the next tick.
	Backfilled bool `json:"backfilled"`
}

// Service handles periodic reconciliation.
type Service struct {
	source    Source
	platforms *gateway.Registry
	bus       *events.Bus
	interval  time.Duration
	mu        sync.Mutex
}

// NewService creates a reconciliation service. bus may be nil.
func NewService(source Source, platforms *gateway.Registry, bus *events.Bus, interval time.Duration) *Service {
	return &Service{
		source:    source,
		platforms: platforms,
		bus:       bus,
		interval:  interval,
	}
}

// Start begins periodic reconciliation of every account.
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, account := range s.source.Accounts() {
					if _, err := s.Reconcile(ctx, account); err != nil {
						log.Error().Err(err).Str("account", account).Msg("reconciliation failed")
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info().Dur("interval", s.interval).Msg("reconciliation service started")
}

// Reconcile compares every traded side of account with the exchange. Read
// failures of one target are recorded in the report and do not abort the
// others.
func (s *Service) Reconcile(ctx context.Context, account string) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.source.AccountState(account)
	if err != nil {
		return nil, err
	}
	report := &Report{Account: account, Timestamp: time.Now().UTC(), Diffs: []PositionDiff{}}

	targets := s.source.ReconcileTargets(account)
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Platform != targets[j].Platform {
			return targets[i].Platform < targets[j].Platform
		}
		return targets[i].Symbol < targets[j].Symbol
	})
	seen := make(map[string]bool)
	for _, t := range targets {
		key := state.PairKey(t.Platform, t.Symbol)
		if seen[key] {
			continue
		}
		seen[key] = true

		h, err := s.platforms.GetPlatform(account, t.Platform)
		if err != nil {
			report.Errors = append(report.Errors, key+": "+err.Error())
			continue
		}
		pair := st.Pairs[key]
		for _, side := range []state.Side{state.Long, state.Short} {
			pos, err := h.Client().GetPosition(ctx, t.Symbol, PositionSide(side))
			if err != nil {
				h.RecordFailure(err)
				report.Errors = append(report.Errors, key+"/"+string(side)+": "+err.Error())
				continue
			}
			local := decimal.Zero
			if pair != nil {
				local = pair.Side(side).Qty
			}
			if local.Equal(pos.Qty) {
				continue
			}
			diff := PositionDiff{
				InstanceID:  t.InstanceID,
				Platform:    t.Platform,
				Symbol:      t.Symbol,
				Side:        side,
				LocalQty:    local,
				ExchangeQty: pos.Qty,
				Difference:  local.Sub(pos.Qty),
				Backfilled:  st.BackfillDone(t.Platform, t.Symbol, side),
			}
			report.Diffs = append(report.Diffs, diff)
			s.handleDiff(account, diff)
		}
	}
	report.HasDiffs = len(report.Diffs) > 0
	if !report.HasDiffs && len(report.Errors) == 0 {
		log.Debug().Str("account", account).Msg("reconciliation ok")
	}
	return report, nil
}

func (s *Service) handleDiff(account string, d PositionDiff) {
	log.Warn().
		Str("account", account).
		Str("instance", d.InstanceID).
		Str("platform", d.Platform).
		Str("symbol", d.Symbol).
		Str("side", string(d.Side)).
		Str("local_qty", d.LocalQty.String()).
		Str("exchange_qty", d.ExchangeQty.String()).
		Bool("backfilled", d.Backfilled).
		Msg("position drift")
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Message{
		Type:       events.EventReconcileDrift,
		Account:    account,
		InstanceID: d.InstanceID,
		Data: map[string]any{
			"platform":     d.Platform,
			"symbol":       d.Symbol,
			"side":         string(d.Side),
			"local_qty":    d.LocalQty.String(),
			"exchange_qty": d.ExchangeQty.String(),
			"backfilled":   d.Backfilled,
		},
	})
}
