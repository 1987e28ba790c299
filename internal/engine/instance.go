package engine

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"hedge-core/internal/events"
	"hedge-core/internal/monitor"
	"hedge-core/internal/reconciliation"
	"hedge-core/internal/state"
	"hedge-core/internal/strategy"
	"hedge-core/pkg/cache"
	"hedge-core/pkg/db"
	"hedge-core/pkg/errs"
	"hedge-core/pkg/exchanges/common"
)

// OrderAudit receives every submitted order with its result.
type OrderAudit interface {
	RecordOrder(o db.OrderRecord)
}

// env carries the collaborators every instance of a manager shares.
type env struct {
	cfg     Config
	bus     *events.Bus
	metrics *monitor.Metrics
	audit   OrderAudit
	prices  *cache.PriceCache
}

func (e *env) publish(msg events.Message) {
	if e == nil || e.bus == nil {
		return
	}
	e.bus.Publish(msg)
}

func (e *env) record(o db.OrderRecord) {
	if e == nil || e.audit == nil {
		return
	}
	e.audit.RecordOrder(o)
}

// Instance is one strategy bound to an account, a platform and a symbol. Its
// parameters are fixed at creation. The exchange client is leased while the
// instance runs and belongs to this instance alone.
type Instance struct {
	ID       string
	Account  string
	Platform string
	Strategy string
	Symbol   string

	params    strategy.Params
	rawParams []byte
	engine    strategy.Engine
	env       *env
	createdAt time.Time

	mu            sync.Mutex
	status        Status
	lastErr       error
	stopRequested bool
	forceClose    bool
	client        common.Client
	release       func()
	lastPrice     decimal.Decimal
	lastTick      time.Time
	updatedAt     time.Time
	orderSeq      uint64
}

func (inst *Instance) logger() *zerolog.Logger {
	l := log.With().
		Str("account", inst.Account).
		Str("instance", inst.ID).
		Str("platform", inst.Platform).
		Str("symbol", inst.Symbol).
		Logger()
	return &l
}

// Status returns the lifecycle state.
func (inst *Instance) Status() Status {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.status
}

// Info returns a point-in-time view of the instance.
func (inst *Instance) Info() InstanceInfo {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	info := InstanceInfo{
		ID:            inst.ID,
		Account:       inst.Account,
		Platform:      inst.Platform,
		Strategy:      inst.Strategy,
		Symbol:        inst.Symbol,
		Status:        inst.status,
		StopRequested: inst.stopRequested,
		ForceClose:    inst.forceClose,
		Params:        json.RawMessage(inst.rawParams),
		LastPrice:     inst.lastPrice,
		LastTickAt:    inst.lastTick,
		CreatedAt:     inst.createdAt,
		UpdatedAt:     inst.updatedAt,
	}
	if inst.lastErr != nil {
		info.LastError = inst.lastErr.Error()
		info.LastErrorCode = string(errs.CodeOf(inst.lastErr))
	}
	return info
}

func (inst *Instance) start(client common.Client, release func()) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.status = StatusRunning
	inst.lastErr = nil
	inst.stopRequested = false
	inst.client = client
	inst.release = release
	inst.updatedAt = time.Now()
}

// attach gives a non-running instance a client for a one-off forced close.
func (inst *Instance) attach(client common.Client, release func()) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.client = client
	inst.release = release
}

func (inst *Instance) hasClient() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.client != nil
}

// settle moves the instance to status and returns its lease.
func (inst *Instance) settle(status Status, err error) {
	inst.mu.Lock()
	inst.status = status
	if err != nil {
		inst.lastErr = err
	}
	inst.stopRequested = false
	inst.forceClose = false
	inst.client = nil
	release := inst.release
	inst.release = nil
	inst.updatedAt = time.Now()
	inst.mu.Unlock()

	if release != nil {
		release()
	}
}

func (inst *Instance) requestStop() {
	inst.mu.Lock()
	inst.stopRequested = true
	inst.mu.Unlock()
}

func (inst *Instance) requestForceClose() {
	inst.mu.Lock()
	inst.forceClose = true
	inst.mu.Unlock()
}

func (inst *Instance) flags() (stop, force bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.stopRequested, inst.forceClose
}

func (inst *Instance) nextSeq() uint64 {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.orderSeq++
	return inst.orderSeq
}

func (inst *Instance) observePrice(price decimal.Decimal, now time.Time) {
	inst.mu.Lock()
	inst.lastPrice = price
	inst.lastTick = now
	inst.mu.Unlock()
	if inst.env != nil && inst.env.prices != nil {
		inst.env.prices.Set(inst.Platform, inst.Symbol, price)
	}
}

// Tick runs one step of the instance against st, the working copy of the
// account state. The caller holds the account lock and saves st when dirty
// is true, also when err is non-nil: fills applied before the failure are
// real and must be persisted.
func (inst *Instance) Tick(ctx context.Context, st *state.AccountState, now time.Time) (dirty bool, err error) {
	stop, force := inst.flags()
	if force {
		return inst.forceCloseNow(ctx, st, now)
	}
	if stop {
		inst.settle(StatusStopped, nil)
		return false, nil
	}

	inst.mu.Lock()
	client := inst.client
	inst.mu.Unlock()
	if client == nil {
		return false, errs.New(errs.CodePrecondition,
			errs.WithMessage("instance holds no exchange client"),
			errs.WithRemediation("start the instance again"),
			errs.WithDetail("instance_id", inst.ID))
	}

	sec := now.Unix()
	pair, claimed := inst.pair(st)
	dirty = claimed

	opts := reconciliation.BackfillOptions{Now: sec}
	if rp, ok := inst.params.(strategy.RecoveryParams); ok {
		opts.LockPair = true
		opts.Cooldown = rp.Cooldown
	}
	adopted, changed, err := reconciliation.Backfill(ctx, client, st, inst.Platform, inst.Symbol, opts)
	dirty = dirty || changed
	if err != nil {
		return inst.fault(st, sec, err) || dirty, err
	}
	for _, a := range adopted {
		inst.logger().Info().Str("side", string(a.Side)).Str("qty", a.Qty.String()).
			Str("avg_price", a.AvgPrice.String()).Msg("adopted exchange position")
		inst.env.publish(inst.message(events.EventPositionAdopted, map[string]any{
			"side": string(a.Side), "qty": a.Qty.String(), "avg_price": a.AvgPrice.String(),
		}))
	}

	if pair.HasPending() {
		changed, err := inst.resolvePending(ctx, client, pair, sec, false)
		dirty = dirty || changed
		if err != nil {
			return inst.fault(st, sec, err) || dirty, err
		}
		if pair.HasPending() {
			return dirty, nil
		}
	}

	if sec < st.Global.ExchangeFaultUntil {
		return dirty, nil
	}

	price, err := client.GetPrice(ctx, inst.Symbol)
	if err != nil {
		return inst.fault(st, sec, err) || dirty, err
	}
	inst.observePrice(price, now)

	// Only the first intent of a decision is sent. The next one is evaluated
	// against the pair the real fill left behind, so later rules never act on
	// simulated proceeds.
	for sent := 0; sent < strategy.MaxPassesPerTick; sent++ {
		decision, err := inst.engine.Evaluate(strategy.Input{
			Price:              price,
			Long:               pair.Long,
			Short:              pair.Short,
			Now:                sec,
			ExchangeFaultUntil: st.Global.ExchangeFaultUntil,
		})
		if err != nil {
			return dirty, err
		}
		if len(decision.Intents) == 0 {
			break
		}
		applied, halt, err := inst.execute(ctx, client, pair, decision.Intents[0], price, sec)
		dirty = dirty || applied
		if err != nil {
			return inst.fault(st, sec, err) || dirty, err
		}
		if halt {
			break
		}
	}
	return dirty, nil
}

// pair returns the instance's pair in st. A pair stored before pairs were
// keyed by platform is taken over on first use.
func (inst *Instance) pair(st *state.AccountState) (pair *state.SymbolState, claimed bool) {
	if st.Claim(inst.Platform, inst.Symbol) {
		claimed = true
		inst.logger().Warn().Msg("took over pair stored without a platform, reconciling it again")
	}
	return st.Pair(inst.Platform, inst.Symbol), claimed
}

// fault opens the account's exchange-fault window when err means the
// exchange exhausted its retry budget. It reports whether st changed.
func (inst *Instance) fault(st *state.AccountState, sec int64, err error) bool {
	if !errors.Is(err, errs.ErrExchangeTimeout) || inst.env.cfg.FaultCooldown <= 0 {
		return false
	}
	until := sec + int64(inst.env.cfg.FaultCooldown/time.Second)
	if until <= st.Global.ExchangeFaultUntil {
		return false
	}
	st.Global.ExchangeFaultUntil = until
	inst.logger().Warn().Int64("until", until).Msg("exchange fault window opened for account")
	return true
}

func (inst *Instance) message(t events.Event, data map[string]any) events.Message {
	return events.Message{Type: t, Account: inst.Account, InstanceID: inst.ID, Data: data}
}

func intentData(intent strategy.OrderIntent, clientID string) map[string]any {
	return map[string]any{
		"side":        string(intent.Side),
		"action":      string(intent.Action),
		"order_side":  intent.OrderSide,
		"qty":         intent.Qty.String(),
		"reduce_only": intent.ReduceOnly,
		"rule":        intent.Rule,
		"reason":      intent.Reason,
		"client_id":   clientID,
	}
}

func ruleLabel(rule int) string { return strconv.Itoa(rule) }

// sortInstances orders instances by creation, so ticks within an account run
// in a stable order.
func sortInstances(list []*Instance) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].createdAt.Equal(list[j].createdAt) {
			return list[i].createdAt.Before(list[j].createdAt)
		}
		return list[i].ID < list[j].ID
	})
}
