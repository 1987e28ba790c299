// Package gateway holds the authenticated exchange clients of every account.
//
// The registry is keyed first by account and then by platform name. Each
// account owns a separate slot, so a lookup for one account can never reach
// a handle registered for another.
package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"hedge-core/pkg/errs"
	"hedge-core/pkg/exchanges/common"
)

// Config holds registry settings.
type Config struct {
	// Policies overrides the retry policy per platform name.
	Policies         map[string]common.Policy
	DefaultPolicy    common.Policy
	OrderRatePerSec  float64
	OrderBurst       int
	HealthInterval   time.Duration // 0 disables background health checks
	FailureThreshold int           // consecutive failures before a handle is unhealthy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultPolicy:    common.DefaultPolicy(),
		OrderRatePerSec:  5,
		OrderBurst:       5,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
	}
}

// Handle is the registered platform of one account. Its own client serves
// connection tests and reconciliation reads; each strategy instance trades
// through a dedicated client leased from the handle.
type Handle struct {
	Account   string
	Platform  string
	CreatedAt time.Time

	client common.Client
	build  func() (common.Client, error)

	mu        sync.Mutex
	leases    map[string]common.Client
	failures  int
	healthyAt time.Time
	lastErr   string
}

// Client returns the handle's shared read client.
func (h *Handle) Client() common.Client { return h.client }

// RecordFailure counts a failed exchange call.
func (h *Handle) RecordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	if err != nil {
		h.lastErr = err.Error()
	}
}

// RecordSuccess resets the failure counter.
func (h *Handle) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.healthyAt = time.Now()
	h.lastErr = ""
}

// HandleHealth is a point-in-time view of a handle.
type HandleHealth struct {
	Account   string    `json:"account"`
	Platform  string    `json:"platform"`
	CreatedAt time.Time `json:"created_at"`
	HealthyAt time.Time `json:"healthy_at"`
	Failures  int       `json:"failures"`
	Healthy   bool      `json:"healthy"`
	LastError string    `json:"last_error,omitempty"`
	Leases    []string  `json:"leases"`
}

func (h *Handle) health(threshold int) HandleHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	leases := make([]string, 0, len(h.leases))
	for id := range h.leases {
		leases = append(leases, id)
	}
	sort.Strings(leases)
	return HandleHealth{
		Account:   h.Account,
		Platform:  h.Platform,
		CreatedAt: h.CreatedAt,
		HealthyAt: h.healthyAt,
		Failures:  h.failures,
		Healthy:   threshold <= 0 || h.failures < threshold,
		LastError: h.lastErr,
		Leases:    leases,
	}
}

func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.leases {
		closeClient(c)
		delete(h.leases, id)
	}
	closeClient(h.client)
}

type accountSlot struct {
	platforms map[string]*Handle
}

// Registry is the process-wide table of platform handles. It is created once
// at startup and passed to its collaborators.
type Registry struct {
	mu        sync.RWMutex
	accounts  map[string]*accountSlot
	factories map[string]Factory
	cfg       Config

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry creates a registry over the given platform constructors.
func NewRegistry(factories map[string]Factory, cfg Config) *Registry {
	f := make(map[string]Factory, len(factories))
	for name, fn := range factories {
		f[name] = fn
	}
	return &Registry{
		accounts:  make(map[string]*accountSlot),
		factories: f,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// Platforms lists the registered platform names.
func (r *Registry) Platforms() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) policy(platform string) common.Policy {
	if p, ok := r.cfg.Policies[platform]; ok {
		return p
	}
	return r.cfg.DefaultPolicy
}

// CreatePlatformForAccount builds a client bound to creds, verifies it with
// a read-only call and registers it for account. A rejected connection test
// fails with CREDENTIALS_INVALID and registers nothing.
func (r *Registry) CreatePlatformForAccount(ctx context.Context, account, platform string, creds Credentials) (*Handle, error) {
	if err := validPair(account, platform); err != nil {
		return nil, err
	}
	factory, ok := r.factories[platform]
	if !ok {
		return nil, errs.New(errs.CodeInvalidParameter,
			errs.WithMessage("unknown platform"),
			errs.WithDetail("platform", platform))
	}

	build := func() (common.Client, error) {
		raw, err := factory(account, creds)
		if err != nil {
			return nil, err
		}
		throttled := common.Throttle(raw, r.cfg.OrderRatePerSec, r.cfg.OrderBurst)
		return common.WithRetry(throttled, platform, r.policy(platform)), nil
	}
	client, err := build()
	if err != nil {
		return nil, errs.New(errs.CodeCredentialsInvalid, errs.WithCause(err),
			errs.WithDetail("account", account), errs.WithDetail("platform", platform))
	}

	// Network I/O happens before any registry lock is taken.
	if err := client.Ping(ctx); err != nil {
		closeClient(client)
		if rejected(err) {
			log.Warn().Str("account", account).Str("platform", platform).Object("credentials", creds).Err(err).Msg("credentials rejected")
			return nil, errs.New(errs.CodeCredentialsInvalid,
				errs.WithMessage("exchange rejected the credentials"),
				errs.WithCause(err),
				errs.WithDetail("account", account), errs.WithDetail("platform", platform))
		}
		return nil, err
	}

	now := time.Now()
	h := &Handle{
		Account:   account,
		Platform:  platform,
		CreatedAt: now,
		client:    client,
		build:     build,
		leases:    make(map[string]common.Client),
		healthyAt: now,
	}

	r.mu.Lock()
	slot, ok := r.accounts[account]
	if !ok {
		slot = &accountSlot{platforms: make(map[string]*Handle)}
		r.accounts[account] = slot
	}
	if old, ok := slot.platforms[platform]; ok {
		if len(old.health(0).Leases) > 0 {
			r.mu.Unlock()
			closeClient(client)
			return nil, errs.New(errs.CodePrecondition,
				errs.WithMessage("platform has instances attached"),
				errs.WithRemediation("stop and delete the account's instances on this platform before replacing its credentials"),
				errs.WithDetail("account", account), errs.WithDetail("platform", platform))
		}
		defer old.close()
	}
	slot.platforms[platform] = h
	r.mu.Unlock()

	log.Info().Str("account", account).Str("platform", platform).Object("credentials", creds).Msg("platform registered")
	return h, nil
}

// GetPlatform returns the handle of account on platform.
func (r *Registry) GetPlatform(account, platform string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if slot, ok := r.accounts[account]; ok {
		if h, ok := slot.platforms[platform]; ok {
			return h, nil
		}
	}
	return nil, errs.New(errs.CodePlatformNotConfigured,
		errs.WithDetail("account", account), errs.WithDetail("platform", platform))
}

// TestConnection performs a read-only round trip. ok is false whenever err
// is non-nil.
func (r *Registry) TestConnection(ctx context.Context, account, platform string) (bool, error) {
	h, err := r.GetPlatform(account, platform)
	if err != nil {
		return false, err
	}
	if err := h.client.Ping(ctx); err != nil {
		h.RecordFailure(err)
		return false, err
	}
	h.RecordSuccess()
	return true, nil
}

// Lease builds a client dedicated to instanceID. An instance holds at most
// one lease per handle.
func (r *Registry) Lease(account, platform, instanceID string) (common.Client, error) {
	h, err := r.GetPlatform(account, platform)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, held := h.leases[instanceID]; held {
		return nil, errs.New(errs.CodeConflict,
			errs.WithMessage("instance already holds a client for this platform"),
			errs.WithDetail("instance_id", instanceID))
	}
	c, err := h.build()
	if err != nil {
		return nil, err
	}
	h.leases[instanceID] = c
	return c, nil
}

// Release returns the lease of instanceID. Unknown leases are ignored.
func (r *Registry) Release(account, platform, instanceID string) {
	h, err := r.GetPlatform(account, platform)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.leases[instanceID]; ok {
		closeClient(c)
		delete(h.leases, instanceID)
	}
}

// Remove unregisters account's platform. It fails while instances hold
// leases on it.
func (r *Registry) Remove(account, platform string) error {
	r.mu.Lock()
	slot, ok := r.accounts[account]
	if !ok {
		r.mu.Unlock()
		return errs.New(errs.CodePlatformNotConfigured, errs.WithDetail("account", account), errs.WithDetail("platform", platform))
	}
	h, ok := slot.platforms[platform]
	if !ok {
		r.mu.Unlock()
		return errs.New(errs.CodePlatformNotConfigured, errs.WithDetail("account", account), errs.WithDetail("platform", platform))
	}
	if len(h.health(0).Leases) > 0 {
		r.mu.Unlock()
		return errs.New(errs.CodePrecondition,
			errs.WithMessage("platform has instances attached"),
			errs.WithDetail("account", account), errs.WithDetail("platform", platform))
	}
	delete(slot.platforms, platform)
	if len(slot.platforms) == 0 {
		delete(r.accounts, account)
	}
	r.mu.Unlock()

	h.close()
	log.Info().Str("account", account).Str("platform", platform).Msg("platform removed")
	return nil
}

// Accounts lists accounts with at least one platform.
func (r *Registry) Accounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.accounts))
	for a := range r.accounts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Health reports every handle of account, or of all accounts when account
// is empty.
func (r *Registry) Health(account string) []HandleHealth {
	r.mu.RLock()
	var handles []*Handle
	for a, slot := range r.accounts {
		if account != "" && a != account {
			continue
		}
		for _, h := range slot.platforms {
			handles = append(handles, h)
		}
	}
	r.mu.RUnlock()

	out := make([]HandleHealth, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.health(r.cfg.FailureThreshold))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Platform < out[j].Platform
	})
	return out
}

// Start runs periodic connection tests until ctx is done or Close is called.
func (r *Registry) Start(ctx context.Context) {
	if r.cfg.HealthInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.healthCheckAll(ctx)
			}
		}
	}()
}

func (r *Registry) healthCheckAll(ctx context.Context) {
	for _, hh := range r.Health("") {
		ok, err := r.TestConnection(ctx, hh.Account, hh.Platform)
		if !ok {
			log.Warn().Str("account", hh.Account).Str("platform", hh.Platform).Err(err).Msg("health check failed")
		}
	}
}

// Close stops background checks and closes every client.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for account, slot := range r.accounts {
		for platform, h := range slot.platforms {
			h.close()
			delete(slot.platforms, platform)
		}
		delete(r.accounts, account)
	}
}

// rejected reports whether err means the venue refused the credentials
// rather than being unreachable.
func rejected(err error) bool {
	if errs.CodeOf(err) == errs.CodeCredentialsInvalid {
		return true
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable()
	}
	return false
}

func closeClient(c common.Client) {
	if closer, ok := c.(common.Closer); ok {
		_ = closer.Close()
	}
}
