// Package monitor exposes controller metrics to Prometheus and forwards
// operator-relevant events to alert sinks.
package monitor

import (
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the controller. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	TicksTotal        *prometheus.CounterVec // account
	TicksSkipped      *prometheus.CounterVec // account
	TickDuration      prometheus.Histogram   // seconds per account tick
	IntentsTotal      *prometheus.CounterVec // strategy, action, rule
	OrdersTotal       *prometheus.CounterVec // platform, status
	OrderErrors       *prometheus.CounterVec // platform, code
	StateSaves        prometheus.Counter
	StateSaveFailures prometheus.Counter
	InstancesByStatus *prometheus.GaugeVec   // status
	APIRequests       *prometheus.CounterVec // method, status

	// Sliding windows backing the JSON health snapshot.
	OrderLatency *LatencyHistogram
	TickLatency  *LatencyHistogram
	APILatency   *LatencyHistogram

	ticks     uint64
	orders    uint64
	errors    uint64
	apiCalls  uint64
	apiErrors uint64
}

// New registers metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers metrics with registerer; tests pass a fresh
// prometheus.NewRegistry().
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		TicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_ticks_total",
			Help: "Account ticks executed",
		}, []string{"account"}),
		TicksSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_ticks_skipped_total",
			Help: "Account ticks skipped because the previous tick was still running",
		}, []string{"account"}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hedge_tick_duration_seconds",
			Help:    "Duration of one account tick",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		IntentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_intents_total",
			Help: "Order intents emitted by the decision engine",
		}, []string{"strategy", "action", "rule"}),
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_orders_total",
			Help: "Orders submitted by final status",
		}, []string{"platform", "status"}),
		OrderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_order_errors_total",
			Help: "Orders that failed to submit",
		}, []string{"platform", "code"}),
		StateSaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "hedge_state_saves_total",
			Help: "Account state files written",
		}),
		StateSaveFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "hedge_state_save_failures_total",
			Help: "Account state writes that failed",
		}),
		InstancesByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hedge_instances",
			Help: "Strategy instances by status",
		}, []string{"status"}),
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_api_requests_total",
			Help: "API requests by method and response status",
		}, []string{"method", "status"}),
		OrderLatency: NewLatencyHistogram(1000),
		TickLatency:  NewLatencyHistogram(1000),
		APILatency:   NewLatencyHistogram(1000),
	}
}

func (m *Metrics) ObserveTick(account string, d time.Duration) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(account).Inc()
	m.TickDuration.Observe(d.Seconds())
	m.TickLatency.RecordDuration(d)
	atomic.AddUint64(&m.ticks, 1)
}

func (m *Metrics) TickSkipped(account string) {
	if m == nil {
		return
	}
	m.TicksSkipped.WithLabelValues(account).Inc()
}

func (m *Metrics) Intent(strategy, action, rule string) {
	if m == nil {
		return
	}
	m.IntentsTotal.WithLabelValues(strategy, action, rule).Inc()
}

func (m *Metrics) Order(platform, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(platform, status).Inc()
	m.OrderLatency.RecordDuration(d)
	atomic.AddUint64(&m.orders, 1)
}

func (m *Metrics) OrderError(platform, code string) {
	if m == nil {
		return
	}
	m.OrderErrors.WithLabelValues(platform, code).Inc()
	atomic.AddUint64(&m.errors, 1)
}

func (m *Metrics) StateSaved(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.StateSaveFailures.Inc()
		atomic.AddUint64(&m.errors, 1)
		return
	}
	m.StateSaves.Inc()
}

func (m *Metrics) APIRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.APILatency.RecordDuration(d)
	atomic.AddUint64(&m.apiCalls, 1)
	if status >= 400 {
		atomic.AddUint64(&m.apiErrors, 1)
	}
}

// SetInstanceCounts replaces the instance status gauge.
func (m *Metrics) SetInstanceCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.InstancesByStatus.Reset()
	for status, n := range counts {
		m.InstancesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// Snapshot is the JSON health view of the process.
type Snapshot struct {
	OrderLatency   LatencyStats `json:"order_latency_ms"`
	TickLatency    LatencyStats `json:"tick_latency_ms"`
	APILatency     LatencyStats `json:"api_latency_ms"`
	Ticks          uint64       `json:"ticks"`
	Orders         uint64       `json:"orders"`
	Errors         uint64       `json:"errors"`
	APIRequests    uint64       `json:"api_requests"`
	APIErrors      uint64       `json:"api_errors"`
	GoroutineCount int          `json:"goroutine_count"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	Timestamp      time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s := Snapshot{
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      mem.HeapAlloc,
		Timestamp:      time.Now(),
	}
	if m == nil {
		return s
	}
	s.OrderLatency = m.OrderLatency.Stats()
	s.TickLatency = m.TickLatency.Stats()
	s.Ticks = atomic.LoadUint64(&m.ticks)
	s.Orders = atomic.LoadUint64(&m.orders)
	s.Errors = atomic.LoadUint64(&m.errors)
	s.APILatency = m.APILatency.Stats()
	s.APIRequests = atomic.LoadUint64(&m.apiCalls)
	s.APIErrors = atomic.LoadUint64(&m.apiErrors)
	return s
}

// LatencyHistogram keeps a sliding window of latency samples in ms.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a window of size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration records d in milliseconds.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats computes window statistics, recomputing only after new samples.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}
