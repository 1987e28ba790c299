package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type blockingTicker struct {
	mu      sync.Mutex
	calls   map[string]int
	release chan struct{}
}

func (b *blockingTicker) Accounts() []string { return []string{"slow", "fast"} }

func (b *blockingTicker) TickAccount(ctx context.Context, account string, _ time.Time) error {
	b.mu.Lock()
	b.calls[account]++
	b.mu.Unlock()
	if account == "slow" {
		select {
		case <-b.release:
		case <-ctx.Done():
		}
	}
	return nil
}

func (b *blockingTicker) count(account string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[account]
}

func TestSchedulerSkipsAccountsStillTicking(t *testing.T) {
	target := &blockingTicker{calls: make(map[string]int), release: make(chan struct{})}
	s := NewScheduler(target, 5*time.Millisecond, 4, nil)
	go s.Start(context.Background())
	defer s.Stop()

	// The fast account keeps ticking while the slow one is stuck.
	assert.Eventually(t, func() bool { return target.count("fast") >= 5 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, target.count("slow"))

	close(target.release)
	assert.Eventually(t, func() bool { return target.count("slow") >= 2 }, time.Second, time.Millisecond)
}

func TestSchedulerStopWaitsForTicks(t *testing.T) {
	target := &blockingTicker{calls: make(map[string]int), release: make(chan struct{})}
	s := NewScheduler(target, time.Millisecond, 2, nil)
	go s.Start(context.Background())
	assert.Eventually(t, func() bool { return target.count("slow") == 1 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after cancelling the slow tick")
	}
}
