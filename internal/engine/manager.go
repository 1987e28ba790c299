package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"hedge-core/internal/events"
	"hedge-core/internal/gateway"
	"hedge-core/internal/monitor"
	"hedge-core/internal/reconciliation"
	"hedge-core/internal/state"
	"hedge-core/internal/strategy"
	"hedge-core/pkg/cache"
	"hedge-core/pkg/db"
	"hedge-core/pkg/errs"
)

// Options are the optional collaborators of a Manager.
type Options struct {
	DB      *db.Database
	Audit   OrderAudit
	Bus     *events.Bus
	Metrics *monitor.Metrics
	Prices  *cache.PriceCache
}

// priceMaxAge bounds how old a cached price a snapshot may use.
const priceMaxAge = 5 * time.Minute

// Manager is the directory of strategy instances, keyed by account and then
// by instance id. It owns one lock per account: every tick and every
// mutation of an account's instances runs under that lock, and no operation
// ever holds two account locks.
type Manager struct {
	env        *env
	states     *state.Manager
	platforms  *gateway.Registry
	strategies *strategy.Registry
	db         *db.Database

	mu        sync.RWMutex
	instances map[string]map[string]*Instance
	locks     map[string]*sync.Mutex
	counter   atomic.Uint64
	now       func() time.Time
}

// NewManager creates a manager. It is constructed once at startup and
// passed to the scheduler and the API.
func NewManager(cfg Config, states *state.Manager, platforms *gateway.Registry, strategies *strategy.Registry, opts Options) *Manager {
	return &Manager{
		env: &env{
			cfg:     cfg,
			bus:     opts.Bus,
			metrics: opts.Metrics,
			audit:   opts.Audit,
			prices:  opts.Prices,
		},
		states:     states,
		platforms:  platforms,
		strategies: strategies,
		db:         opts.DB,
		instances:  make(map[string]map[string]*Instance),
		locks:      make(map[string]*sync.Mutex),
		now:        time.Now,
	}
}

// accountLock returns the lock of account, creating it on first use. The
// registry mutex is held only for the map access.
func (m *Manager) accountLock(account string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[account]
	if !ok {
		l = &sync.Mutex{}
		m.locks[account] = l
	}
	return l
}

func (m *Manager) lookup(account, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inst, ok := m.instances[account][id]; ok {
		return inst, nil
	}
	return nil, errs.New(errs.CodeInstanceNotFound,
		errs.WithDetail("account", account),
		errs.WithDetail("instance_id", id))
}

func (m *Manager) instancesOf(account string) []*Instance {
	m.mu.RLock()
	out := make([]*Instance, 0, len(m.instances[account]))
	for _, inst := range m.instances[account] {
		out = append(out, inst)
	}
	m.mu.RUnlock()
	sortInstances(out)
	return out
}

func (m *Manager) idTaken(id string) bool {
	for _, byID := range m.instances {
		if _, ok := byID[id]; ok {
			return true
		}
	}
	return false
}

// newID returns <strategy>-<unix ms>-<counter>, unique across accounts.
// Caller holds m.mu.
func (m *Manager) newID(strategyName string) string {
	for {
		id := fmt.Sprintf("%s-%d-%d", strategyName, m.now().UnixMilli(), m.counter.Add(1))
		if !m.idTaken(id) {
			return id
		}
	}
}

// duplicateOf returns a non-stopped instance of account trading symbol on
// platform. The strategy does not matter: both would trade the same exchange
// position and the same persisted pair.
func (m *Manager) duplicateOf(account, platform, symbol, except string) *Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, other := range m.instances[account] {
		if id == except {
			continue
		}
		if other.Platform == platform && other.Symbol == symbol && other.Status() != StatusStopped {
			return other
		}
	}
	return nil
}

// existing returns the instance of account with exactly this platform,
// strategy and symbol, in any status.
func (m *Manager) existing(account, platform, strategyName, symbol string) *Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, other := range m.instances[account] {
		if other.Platform == platform && other.Strategy == strategyName && other.Symbol == symbol {
			return other
		}
	}
	return nil
}

// lockInstance takes the account lock and returns the instance as it is
// registered under that lock. The caller unlocks.
func (m *Manager) lockInstance(account, id string) (*Instance, *sync.Mutex, error) {
	if _, err := m.lookup(account, id); err != nil {
		return nil, nil, err
	}
	lock := m.accountLock(account)
	lock.Lock()
	inst, err := m.lookup(account, id)
	if err != nil {
		lock.Unlock()
		return nil, nil, err
	}
	return inst, lock, nil
}

func duplicateErr(other *Instance) error {
	return errs.New(errs.CodeDuplicateInstance,
		errs.WithMessage("another instance trades the same platform/account/symbol"),
		errs.WithDetails(map[string]string{
			"instance_id": other.ID,
			"account":     other.Account,
			"platform":    other.Platform,
			"strategy":    other.Strategy,
			"symbol":      other.Symbol,
			"status":      string(other.Status()),
		}))
}

// CreateInstance validates the parameters of req against its strategy and
// registers a new instance in status created. It does not start trading.
func (m *Manager) CreateInstance(ctx context.Context, req CreateRequest) (string, error) {
	if err := state.ValidateAccountID(req.Account); err != nil {
		return "", err
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		return "", errs.New(errs.CodeInvalidParameter, errs.WithMessage("symbol is required"), errs.WithDetail("field", "symbol"))
	}
	if !m.knownPlatform(req.Platform) {
		return "", errs.New(errs.CodeInvalidParameter,
			errs.WithMessage("unknown platform"),
			errs.WithDetail("platform", req.Platform),
			errs.WithRemediation(fmt.Sprintf("use one of %v", m.platforms.Platforms())))
	}
	raw := []byte(req.Params)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	params, engine, err := m.strategies.Build(req.Strategy, raw)
	if err != nil {
		return "", err
	}
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}

	lock := m.accountLock(req.Account)
	lock.Lock()
	defer lock.Unlock()

	if other := m.duplicateOf(req.Account, req.Platform, req.Symbol, ""); other != nil {
		return "", duplicateErr(other)
	}

	now := m.now()
	m.mu.Lock()
	inst := &Instance{
		ID:        m.newID(req.Strategy),
		Account:   req.Account,
		Platform:  req.Platform,
		Strategy:  req.Strategy,
		Symbol:    req.Symbol,
		params:    params,
		rawParams: canonical,
		engine:    engine,
		env:       m.env,
		createdAt: now,
		status:    StatusCreated,
		updatedAt: now,
	}
	if m.instances[req.Account] == nil {
		m.instances[req.Account] = make(map[string]*Instance)
	}
	m.instances[req.Account][inst.ID] = inst
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.SaveInstance(ctx, db.Instance{
			ID: inst.ID, Account: inst.Account, Platform: inst.Platform, Strategy: inst.Strategy,
			Symbol: inst.Symbol, Params: canonical, Status: string(StatusCreated), CreatedAt: now.UTC(),
		}); err != nil {
			m.mu.Lock()
			delete(m.instances[req.Account], inst.ID)
			m.mu.Unlock()
			return "", errs.New(errs.CodeStatePersistence, errs.WithMessage("persist instance"), errs.WithCause(err))
		}
	}

	inst.logger().Info().Str("strategy", inst.Strategy).Msg("instance created")
	m.statusChanged(ctx, inst)
	return inst.ID, nil
}

func (m *Manager) knownPlatform(name string) bool {
	for _, p := range m.platforms.Platforms() {
		if p == name {
			return true
		}
	}
	return false
}

// StartInstance moves a created, stopped or errored instance to running and
// leases its exchange client. Starting a running instance is a no-op.
func (m *Manager) StartInstance(ctx context.Context, account, id string) error {
	inst, lock, err := m.lockInstance(account, id)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return m.start(ctx, inst)
}

// start requires the account lock. It refuses while the account holds
// fills that are not on disk yet.
func (m *Manager) start(ctx context.Context, inst *Instance) error {
	if inst.Status() == StatusRunning {
		return nil
	}
	if _, force := inst.flags(); force {
		return errs.New(errs.CodePrecondition,
			errs.WithMessage("a forced close is in progress"),
			errs.WithRemediation("wait for the forced close to finish"),
			errs.WithDetail("instance_id", inst.ID))
	}
	if other := m.duplicateOf(inst.Account, inst.Platform, inst.Symbol, inst.ID); other != nil {
		return duplicateErr(other)
	}
	if err := m.states.Flush(ctx, inst.Account); err != nil {
		return err
	}
	client, err := m.platforms.Lease(inst.Account, inst.Platform, inst.ID)
	if err != nil {
		return err
	}
	account, platform, id := inst.Account, inst.Platform, inst.ID
	inst.start(client, func() { m.platforms.Release(account, platform, id) })
	inst.logger().Info().Msg("instance started")
	m.statusChanged(ctx, inst)
	return nil
}

// StopInstance pauses an instance without touching its positions. When a
// tick of the account is in flight the stop takes effect at its end.
func (m *Manager) StopInstance(ctx context.Context, account, id string) error {
	inst, err := m.lookup(account, id)
	if err != nil {
		return err
	}
	lock := m.accountLock(account)
	if !lock.TryLock() {
		inst.requestStop()
		inst.logger().Info().Msg("stop requested, applying at tick boundary")
		return nil
	}
	defer lock.Unlock()
	if inst, err = m.lookup(account, id); err != nil {
		return err
	}
	m.stop(ctx, inst)
	return nil
}

func (m *Manager) stop(ctx context.Context, inst *Instance) {
	if inst.Status() == StatusStopped {
		return
	}
	inst.settle(StatusStopped, nil)
	inst.logger().Info().Msg("instance stopped")
	m.statusChanged(ctx, inst)
}

// ForceStopAndClose market-closes every open side of the instance and stops
// it. It runs at once when the account is idle and at the next tick boundary
// otherwise. The closes bypass the decision rules but are persisted through
// the same state path as any other fill.
func (m *Manager) ForceStopAndClose(ctx context.Context, account, id string) error {
	inst, err := m.lookup(account, id)
	if err != nil {
		return err
	}
	lock := m.accountLock(account)
	if !lock.TryLock() {
		if inst.Status() == StatusRunning {
			inst.requestForceClose()
			inst.logger().Info().Msg("force close requested, applying at tick boundary")
			return nil
		}
		lock.Lock()
	}
	defer lock.Unlock()
	if inst, err = m.lookup(account, id); err != nil {
		return err
	}
	if err := m.states.Flush(ctx, account); err != nil {
		return err
	}

	if !inst.hasClient() {
		client, err := m.platforms.Lease(inst.Account, inst.Platform, inst.ID)
		if err != nil {
			return err
		}
		acc, platform := inst.Account, inst.Platform
		inst.attach(client, func() { m.platforms.Release(acc, platform, id) })
	}
	inst.requestForceClose()

	st, err := m.states.Get(account)
	if err != nil {
		m.halt(ctx, inst, err)
		return err
	}
	m.tickInstance(ctx, inst, st, m.now())
	if inst.Status() == StatusError {
		inst.mu.Lock()
		lastErr := inst.lastErr
		inst.mu.Unlock()
		return lastErr
	}
	return nil
}

// DeleteInstance removes a non-running instance. Its state stays in the
// account file and its order audit in the database.
func (m *Manager) DeleteInstance(ctx context.Context, account, id string) error {
	inst, lock, err := m.lockInstance(account, id)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	_, force := inst.flags()
	if st := inst.Status(); st == StatusRunning || force {
		return errs.New(errs.CodePrecondition,
			errs.WithMessage("instance is running"),
			errs.WithDetail("instance_id", id),
			errs.WithDetail("status", string(st)))
	}
	if m.db != nil {
		if err := m.db.DeleteInstance(ctx, id); err != nil {
			return errs.New(errs.CodeStatePersistence, errs.WithMessage("delete instance record"), errs.WithCause(err))
		}
	}
	inst.settle(inst.Status(), nil)

	m.mu.Lock()
	delete(m.instances[account], id)
	if len(m.instances[account]) == 0 {
		delete(m.instances, account)
	}
	m.mu.Unlock()

	inst.logger().Info().Msg("instance deleted")
	m.env.publish(inst.message(events.EventInstanceStatus, map[string]any{"status": "deleted"}))
	m.updateCounts()
	return nil
}

// ListInstances returns the instances of account.
func (m *Manager) ListInstances(account string) []InstanceInfo {
	list := m.instancesOf(account)
	out := make([]InstanceInfo, 0, len(list))
	for _, inst := range list {
		out = append(out, inst.Info())
	}
	return out
}

// GetInstance returns one instance of account.
func (m *Manager) GetInstance(account, id string) (InstanceInfo, error) {
	inst, err := m.lookup(account, id)
	if err != nil {
		return InstanceInfo{}, err
	}
	return inst.Info(), nil
}

// Snapshot returns the committed position of the instance's symbol.
func (m *Manager) Snapshot(account, id string) (PositionSnapshot, error) {
	inst, err := m.lookup(account, id)
	if err != nil {
		return PositionSnapshot{}, err
	}
	st, err := m.states.Get(account)
	if err != nil {
		return PositionSnapshot{}, err
	}
	st.Claim(inst.Platform, inst.Symbol)
	pair := st.Pair(inst.Platform, inst.Symbol)
	price := inst.Info().LastPrice
	if !price.IsPositive() && m.env.prices != nil {
		price, _ = m.env.prices.Get(inst.Platform, inst.Symbol, priceMaxAge)
	}
	snap := PositionSnapshot{
		InstanceID: inst.ID,
		Account:    account,
		Symbol:     inst.Symbol,
		Long:       pair.Long,
		Short:      pair.Short,
		LastPrice:  price,
		FaultUntil: st.Global.ExchangeFaultUntil,
		LastUpdate: st.LastUpdate,
	}
	if price.IsPositive() {
		snap.UnrealizedLong = strategy.UnrealizedPnL(state.Long, pair.Long, price)
		snap.UnrealizedShort = strategy.UnrealizedPnL(state.Short, pair.Short, price)
	}
	snap.UnrealizedTotal = snap.UnrealizedLong.Add(snap.UnrealizedShort)
	return snap, nil
}

// Orders returns the audited orders of an instance, newest first.
func (m *Manager) Orders(ctx context.Context, account, id string, limit int) ([]db.OrderRecord, error) {
	if _, err := m.lookup(account, id); err != nil {
		return nil, err
	}
	if m.db == nil {
		return []db.OrderRecord{}, nil
	}
	return m.db.ListOrders(ctx, account, id, limit)
}

// Prices lists the last market prices seen by any instance.
func (m *Manager) Prices() []cache.Quote {
	if m.env.prices == nil {
		return []cache.Quote{}
	}
	quotes := m.env.prices.All()
	sort.Slice(quotes, func(i, j int) bool {
		if quotes[i].Platform != quotes[j].Platform {
			return quotes[i].Platform < quotes[j].Platform
		}
		return quotes[i].Symbol < quotes[j].Symbol
	})
	return quotes
}

// Accounts lists accounts that have instances.
func (m *Manager) Accounts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.instances))
	for a, byID := range m.instances {
		if len(byID) > 0 {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// ReconcileTargets lists the (platform, symbol) pairs traded by account.
func (m *Manager) ReconcileTargets(account string) []reconciliation.Target {
	var out []reconciliation.Target
	for _, inst := range m.instancesOf(account) {
		out = append(out, reconciliation.Target{InstanceID: inst.ID, Platform: inst.Platform, Symbol: inst.Symbol})
	}
	return out
}

// AccountState returns the committed state of account.
func (m *Manager) AccountState(account string) (*state.AccountState, error) {
	return m.states.Get(account)
}

// TickAccount runs one tick of every running instance of account in order,
// under the account lock. A failing instance is halted; the others still
// run.
func (m *Manager) TickAccount(ctx context.Context, account string, now time.Time) error {
	lock := m.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	defer func() { m.env.metrics.ObserveTick(account, time.Since(started)) }()

	var due []*Instance
	for _, inst := range m.instancesOf(account) {
		_, force := inst.flags()
		if inst.Status() == StatusRunning || (force && inst.hasClient()) {
			due = append(due, inst)
		}
	}
	if len(due) == 0 {
		return nil
	}

	st, err := m.states.Get(account)
	if err == nil {
		// Fills of an earlier tick whose save failed go to disk before
		// anything new is evaluated.
		err = m.states.Flush(ctx, account)
	}
	if err != nil {
		for _, inst := range due {
			m.halt(ctx, inst, err)
		}
		return err
	}
	for _, inst := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !m.tickInstance(ctx, inst, st, now) {
			break
		}
	}

	// Stops requested while the tick was in flight.
	for _, inst := range due {
		if stop, _ := inst.flags(); stop && inst.Status() == StatusRunning {
			m.stop(ctx, inst)
		}
	}
	return nil
}

// tickInstance requires the account lock. It reports false when the state
// could not be saved; st then holds fills that are only in memory and the
// account must not trade until they are flushed.
func (m *Manager) tickInstance(ctx context.Context, inst *Instance, st *state.AccountState, now time.Time) (saved bool) {
	before := inst.Status()
	dirty, err := inst.Tick(ctx, st, now)
	if dirty {
		st.LastUpdate = now.Unix()
		saveErr := m.states.Commit(ctx, inst.Account, st)
		m.env.metrics.StateSaved(saveErr)
		if saveErr != nil {
			m.halt(ctx, inst, saveErr)
			return false
		}
		m.env.publish(inst.message(events.EventStateSaved, map[string]any{"last_update": st.LastUpdate}))
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			inst.logger().Debug().Msg("tick cancelled")
			return true
		}
		m.halt(ctx, inst, err)
		return true
	}
	if inst.Status() != before {
		m.statusChanged(ctx, inst)
	}
	return true
}

// halt moves inst to error and surfaces err.
func (m *Manager) halt(ctx context.Context, inst *Instance, err error) {
	inst.settle(StatusError, err)
	inst.logger().Error().Err(err).Str("code", string(errs.CodeOf(err))).Msg("instance halted")
	m.env.publish(inst.message(events.EventInstanceError, map[string]any{
		"code":  string(errs.CodeOf(err)),
		"kind":  string(errs.KindOf(err)),
		"error": err.Error(),
	}))
	m.statusChanged(ctx, inst)
}

// statusChanged persists, publishes and counts the instance's status.
func (m *Manager) statusChanged(ctx context.Context, inst *Instance) {
	info := inst.Info()
	if m.db != nil {
		if err := m.db.UpdateInstanceStatus(context.WithoutCancel(ctx), info.ID, string(info.Status), info.LastError); err != nil {
			log.Error().Err(err).Str("instance", info.ID).Msg("persist instance status failed")
		}
	}
	m.env.publish(inst.message(events.EventInstanceStatus, map[string]any{
		"status":     string(info.Status),
		"last_error": info.LastError,
	}))
	m.updateCounts()
}

func (m *Manager) updateCounts() {
	if m.env.metrics == nil {
		return
	}
	counts := map[string]int{
		string(StatusCreated): 0,
		string(StatusRunning): 0,
		string(StatusStopped): 0,
		string(StatusError):   0,
	}
	m.mu.RLock()
	for _, byID := range m.instances {
		for _, inst := range byID {
			counts[string(inst.Status())]++
		}
	}
	m.mu.RUnlock()
	m.env.metrics.SetInstanceCounts(counts)
}

// BackupState snapshots the account state file under the account lock.
func (m *Manager) BackupState(account string) (string, error) {
	if err := state.ValidateAccountID(account); err != nil {
		return "", err
	}
	lock := m.accountLock(account)
	lock.Lock()
	defer lock.Unlock()
	if err := m.states.Flush(context.Background(), account); err != nil {
		return "", err
	}
	return m.states.Store().Backup(account)
}

// RestoreState replaces the account state with a backup. It refuses while
// any instance of the account runs.
func (m *Manager) RestoreState(account, backupID string) error {
	if err := state.ValidateAccountID(account); err != nil {
		return err
	}
	lock := m.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	for _, inst := range m.instancesOf(account) {
		if inst.Status() == StatusRunning {
			return errs.New(errs.CodePrecondition,
				errs.WithMessage("account has running instances"),
				errs.WithRemediation("stop every instance of the account before restoring its state"),
				errs.WithDetail("instance_id", inst.ID))
		}
	}
	if err := m.states.Store().Restore(account, backupID); err != nil {
		return err
	}
	m.states.Invalidate(account)
	log.Info().Str("account", account).Str("backup", backupID).Msg("account state restored")
	return nil
}

// ListBackups lists the state backups of account.
func (m *Manager) ListBackups(account string) ([]state.BackupInfo, error) {
	return m.states.Store().ListBackups(account)
}

// RestoreFromDB registers the persisted instances. Instances that were
// running come back stopped unless auto resume is configured.
func (m *Manager) RestoreFromDB(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	records, err := m.db.ListInstances(ctx, "")
	if err != nil {
		return err
	}
	var resume []*Instance
	for _, rec := range records {
		params, engine, err := m.strategies.Build(rec.Strategy, rec.Params)
		if err != nil {
			log.Error().Err(err).Str("instance", rec.ID).Msg("skipping persisted instance with invalid params")
			continue
		}
		status := Status(rec.Status)
		wasRunning := status == StatusRunning
		if wasRunning {
			status = StatusStopped
		}
		inst := &Instance{
			ID:        rec.ID,
			Account:   rec.Account,
			Platform:  rec.Platform,
			Strategy:  rec.Strategy,
			Symbol:    rec.Symbol,
			params:    params,
			rawParams: rec.Params,
			engine:    engine,
			env:       m.env,
			createdAt: rec.CreatedAt,
			status:    status,
			updatedAt: rec.UpdatedAt,
		}
		if rec.LastError != "" {
			inst.lastErr = errors.New(rec.LastError)
		}
		if n, err := m.db.CountOrders(ctx, rec.Account, rec.ID); err == nil {
			inst.orderSeq = uint64(n)
		}

		m.mu.Lock()
		if m.idTaken(rec.ID) {
			m.mu.Unlock()
			continue
		}
		if m.instances[rec.Account] == nil {
			m.instances[rec.Account] = make(map[string]*Instance)
		}
		m.instances[rec.Account][rec.ID] = inst
		m.mu.Unlock()

		if wasRunning {
			if m.env.cfg.AutoResume {
				resume = append(resume, inst)
			} else {
				m.statusChanged(ctx, inst)
			}
		}
	}
	for _, inst := range resume {
		lock := m.accountLock(inst.Account)
		lock.Lock()
		err := m.start(ctx, inst)
		lock.Unlock()
		if err != nil {
			inst.logger().Warn().Err(err).Msg("auto resume failed")
			m.statusChanged(ctx, inst)
		}
	}
	m.updateCounts()
	log.Info().Int("instances", len(records)).Int("resumed", len(resume)).Msg("instances restored")
	return nil
}

// Bootstrap creates the instances of a bootstrap file that do not exist yet
// and starts those marked start.
func (m *Manager) Bootstrap(ctx context.Context, configs []strategy.Config) error {
	for _, c := range configs {
		raw, err := c.ParamsJSON()
		if err != nil {
			return err
		}
		symbol := strings.ToUpper(strings.TrimSpace(c.Symbol))
		id := ""
		if other := m.existing(c.Account, c.Platform, c.Strategy, symbol); other != nil {
			id = other.ID
		} else {
			id, err = m.CreateInstance(ctx, CreateRequest{
				Account: c.Account, Platform: c.Platform, Strategy: c.Strategy, Symbol: symbol, Params: raw,
			})
			if err != nil {
				return fmt.Errorf("bootstrap %s/%s/%s: %w", c.Account, c.Strategy, symbol, err)
			}
		}
		if !c.Start {
			continue
		}
		if err := m.StartInstance(ctx, c.Account, id); err != nil {
			log.Warn().Err(err).Str("account", c.Account).Str("instance", id).Msg("bootstrap start failed")
		}
	}
	return nil
}

// Exposure sums the unrealized result of every instance of account at its
// last seen price.
func (m *Manager) Exposure(account string) (decimal.Decimal, error) {
	total := decimal.Zero
	seen := make(map[string]bool)
	for _, inst := range m.instancesOf(account) {
		key := state.PairKey(inst.Platform, inst.Symbol)
		if seen[key] {
			continue
		}
		seen[key] = true
		snap, err := m.Snapshot(account, inst.ID)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(snap.UnrealizedTotal)
	}
	return total, nil
}
