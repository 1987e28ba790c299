package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"hedge-core/internal/monitor"
)

// Ticker is the part of the Manager the scheduler drives.
type Ticker interface {
	Accounts() []string
	TickAccount(ctx context.Context, account string, now time.Time) error
}

// Scheduler ticks every account at a fixed interval. Accounts run in
// parallel on a bounded pool; an account whose previous tick is still
// running is skipped.
type Scheduler struct {
	target   Ticker
	interval time.Duration
	workers  int
	metrics  *monitor.Metrics

	mu       sync.Mutex
	inFlight map[string]bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(target Ticker, interval time.Duration, workers int, metrics *monitor.Metrics) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		target:   target,
		interval: interval,
		workers:  workers,
		metrics:  metrics,
		inFlight: make(map[string]bool),
	}
}

// Start runs the loop until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	p := pool.New().WithMaxGoroutines(s.workers)
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		p.Wait()
		close(done)
	}()

	log.Info().Dur("interval", s.interval).Int("workers", s.workers).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		case now := <-ticker.C:
			s.dispatch(ctx, p, now)
		}
	}
}

// dispatch submits one job per idle account.
func (s *Scheduler) dispatch(ctx context.Context, p *pool.Pool, now time.Time) {
	for _, account := range s.target.Accounts() {
		if !s.claim(account) {
			s.metrics.TickSkipped(account)
			log.Debug().Str("account", account).Msg("tick still running, skipped")
			continue
		}
		account := account
		p.Go(func() {
			defer s.release(account)
			if err := s.target.TickAccount(ctx, account, now); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("account", account).Msg("account tick failed")
			}
		})
	}
}

func (s *Scheduler) claim(account string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[account] {
		return false
	}
	s.inFlight[account] = true
	return true
}

func (s *Scheduler) release(account string) {
	s.mu.Lock()
	delete(s.inFlight, account)
	s.mu.Unlock()
}

// Stop cancels the loop and waits for running ticks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
