package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"hedge-core/pkg/errs"
)

// SaveRetry bounds the attempts of one save.
type SaveRetry struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultSaveRetry is used by NewManager.
func DefaultSaveRetry() SaveRetry {
	return SaveRetry{MaxTries: 3, InitialInterval: 50 * time.Millisecond, MaxInterval: 500 * time.Millisecond}
}

// Manager keeps the latest AccountState of every account in memory, in
// front of the Store. Callers serialize access per account; the manager only
// guards its own maps.
//
// A state whose save failed stays cached and is marked unsaved, since the
// fills it records already happened on the exchange. Nothing may trade on
// that account until Flush has written it.
type Manager struct {
	mu       sync.RWMutex
	accounts map[string]*AccountState
	unsaved  map[string]bool
	store    *Store
	retry    SaveRetry
}

func NewManager(store *Store) *Manager {
	return &Manager{
		store:    store,
		accounts: make(map[string]*AccountState),
		unsaved:  make(map[string]bool),
		retry:    DefaultSaveRetry(),
	}
}

// SetSaveRetry replaces the retry budget of later saves.
func (m *Manager) SetSaveRetry(r SaveRetry) {
	if r.MaxTries == 0 {
		r.MaxTries = 1
	}
	m.mu.Lock()
	m.retry = r
	m.mu.Unlock()
}

// Store returns the backing store.
func (m *Manager) Store() *Store { return m.store }

// Get returns a working copy of account's state, loading it from disk on
// first access. Changes are not visible to other callers until Commit.
func (m *Manager) Get(account string) (*AccountState, error) {
	m.mu.RLock()
	st, ok := m.accounts[account]
	m.mu.RUnlock()
	if ok {
		return st.Clone(), nil
	}

	loaded, err := m.store.Load(account)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.accounts[account] = loaded
	m.mu.Unlock()
	return loaded.Clone(), nil
}

// Commit makes st the cached state of account and saves it, retrying within
// the save budget. On failure the state stays cached as unsaved.
func (m *Manager) Commit(ctx context.Context, account string, st *AccountState) error {
	snapshot := st.Clone()
	m.mu.Lock()
	m.accounts[account] = snapshot
	m.unsaved[account] = true
	m.mu.Unlock()
	return m.save(ctx, account, snapshot)
}

// Flush writes the cached state of account if an earlier save failed.
func (m *Manager) Flush(ctx context.Context, account string) error {
	m.mu.RLock()
	st, dirty := m.accounts[account], m.unsaved[account]
	m.mu.RUnlock()
	if !dirty || st == nil {
		return nil
	}
	if err := m.save(ctx, account, st); err != nil {
		return err
	}
	log.Info().Str("account", account).Msg("unsaved account state written")
	return nil
}

// Unsaved reports whether account holds state that is not on disk yet.
func (m *Manager) Unsaved(account string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unsaved[account]
}

func (m *Manager) save(ctx context.Context, account string, st *AccountState) error {
	m.mu.RLock()
	policy := m.retry
	m.mu.RUnlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	attempt := 0
	_, err := backoff.Retry(context.WithoutCancel(ctx), func() (struct{}, error) {
		attempt++
		// Save stamps the version fields, so it gets its own copy.
		err := m.store.Save(account, st.Clone())
		if err != nil && !errors.Is(err, errs.ErrStatePersistence) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn().Err(err).Str("account", account).Int("attempt", attempt).
				Dur("wait", wait).Msg("state save failed, retrying")
		}),
	)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.accounts[account] == st {
		delete(m.unsaved, account)
	}
	m.mu.Unlock()
	return nil
}

// Invalidate drops the cached state so the next Get reads the file again.
// Unsaved state is discarded with it.
func (m *Manager) Invalidate(account string) {
	m.mu.Lock()
	if m.unsaved[account] {
		log.Warn().Str("account", account).Msg("discarding unsaved account state")
	}
	delete(m.accounts, account)
	delete(m.unsaved, account)
	m.mu.Unlock()
}
