package common

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// WeightTracker follows the request weight a venue reports back in response
// headers.
type WeightTracker struct {
	venue         string
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewWeightTracker creates a tracker for limit weight per resetInterval.
func NewWeightTracker(venue string, limit int, resetInterval time.Duration) *WeightTracker {
	return &WeightTracker{
		venue:         venue,
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader records the used weight from a response header value.
func (w *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Since(w.lastReset) >= w.resetInterval {
		w.lastReset = time.Now()
	}
	w.usedWeight = weight

	pct := float64(w.usedWeight) / float64(w.limit) * 100
	switch {
	case pct >= 95:
		log.Error().Str("venue", w.venue).Int("used", w.usedWeight).Int("limit", w.limit).Msg("request weight near ban threshold")
	case pct >= 80:
		log.Warn().Str("venue", w.venue).Int("used", w.usedWeight).Int("limit", w.limit).Msg("request weight high")
	}
}

// Usage returns current usage.
func (w *WeightTracker) Usage() (used int, limit int, percentage float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if time.Since(w.lastReset) >= w.resetInterval {
		return 0, w.limit, 0
	}
	return w.usedWeight, w.limit, float64(w.usedWeight) / float64(w.limit) * 100
}

// ShouldDelay reports whether the next request should wait for the window
// to roll over.
func (w *WeightTracker) ShouldDelay() bool {
	_, _, pct := w.Usage()
	return pct >= 90
}
