// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides observability for the statistics engine.
//
// Evaluation passes, verification overflows and entry reclamation are recorded
// as events on a buffered channel and folded into counters by a background
// goroutine, so the collector threads that call into the engine never wait on
// a metrics lock. The folded state is mirrored into Prometheus collectors and
// the evaluation latency is tracked per generation with an HDR histogram.
//
// # Usage Examples
//
//	m := metrics.New(metrics.DefaultConfig())
//	defer m.Close()
//
//	m.RecordEvaluation(metrics.Evaluation{
//	    Generation: "Young",
//	    Duration:   elapsed,
//	    Savings:    report.InstanceSavings,
//	})
//
//	m.Sync()
//	fmt.Println(string(m.ExportJSON()))
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: Requires proper cleanup with Close() method
//   - **Event Loss**: If the buffer is full, events are dropped and counted
//   - **Stats Latency**: Stats lag behind recording until the processor catches up;
//     call Sync to wait for it
//   - **Registerer**: Collectors are registered once per Metrics; two instances
//     sharing a Registerer panic on registration
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Latency bounds tracked by the HDR histograms, in microseconds.
const (
	minLatencyMicros = 1
	maxLatencyMicros = 3600 * 1000 * 1000
	sigFigs          = 3
)

// LatencyStats provides comprehensive latency statistics
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// Evaluation is the metrics view of one evaluation pass.
type Evaluation struct {
	Generation     string
	Seq            uint32
	Duration       time.Duration
	Savings        uint64
	Redundant      uint64
	Metadata       uint64
	Evaluated      uint64
	Far            uint64
	VerifyMissed   uint64
	HeapUsed       uint64
	GenerationSize uint64
}

// GenerationStats holds the folded counters of one generation.
type GenerationStats struct {
	Evaluations    uint64       `json:"evaluations"`
	LastSeq        uint32       `json:"last_seq"`
	Savings        uint64       `json:"savings"`
	Redundant      uint64       `json:"redundant"`
	Evaluated      uint64       `json:"evaluated"`
	Far            uint64       `json:"far"`
	VerifyMissed   uint64       `json:"verify_missed"`
	GenerationSize uint64       `json:"generation_size"`
	Latency        LatencyStats `json:"latency"`
}

// Snapshot provides a complete snapshot of all metrics
type Snapshot struct {
	Generations map[string]GenerationStats `json:"generations"`
	Metadata    uint64                     `json:"metadata"`
	HeapUsed    uint64                     `json:"heap_used"`
	Reclaimed   uint64                     `json:"reclaimed"`
	Dropped     uint64                     `json:"dropped"`
	Config      Config                     `json:"config"`
}

// Config provides configuration options for metrics collection
type Config struct {
	BufferSize int                   `json:"buffer_size"`
	Namespace  string                `json:"namespace"`
	Registerer prometheus.Registerer `json:"-"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize: 1024,
		Namespace:  "crstats",
	}
}

type eventType int

const (
	eventEvaluation eventType = iota
	eventReclaim
	eventSync
)

// event represents a single metric event
type event struct {
	typ        eventType
	evaluation Evaluation
	count      uint64
	done       chan struct{}
}

type generationState struct {
	GenerationStats
	latency *hdrhistogram.Histogram
}

// Metrics tracks engine metrics using a buffered channel and background processing.
type Metrics struct {
	config Config

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu          sync.RWMutex
	generations map[string]*generationState
	metadata    uint64
	heapUsed    uint64
	reclaimed   uint64
	dropped     uint64

	savings     *prometheus.GaugeVec
	redundant   *prometheus.GaugeVec
	far         *prometheus.GaugeVec
	evaluations *prometheus.CounterVec
	missed      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	metaGauge   prometheus.Gauge
	reclaims    prometheus.Counter
}

// New creates a metrics instance and starts its processor.
func New(config Config) *Metrics {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Metrics{
		config:      config,
		events:      make(chan event, config.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
		generations: make(map[string]*generationState),
	}
	m.register(config)

	// Start background processor
	m.wg.Add(1)
	go m.processEvents()

	return m
}

func (m *Metrics) register(config Config) {
	factory := promauto.With(config.Registerer)
	ns := config.Namespace

	m.savings = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "savings_bytes",
		Help:      "Estimated bytes saved by narrowing references in the last evaluation.",
	}, []string{"generation"})
	m.redundant = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "redundant_bytes",
		Help:      "Reference bytes unused by the observed deltas in the last evaluation.",
	}, []string{"generation"})
	m.far = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "far_classes",
		Help:      "Classes with a delta beyond the heap capacity in the last evaluation.",
	}, []string{"generation"})
	m.evaluations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "evaluations_total",
		Help:      "Number of evaluation passes.",
	}, []string{"generation"})
	m.missed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "verify_missed_stores_total",
		Help:      "Stores dropped by a full verification log.",
	}, []string{"generation"})
	m.duration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "evaluation_duration_seconds",
		Help:      "Duration of evaluation passes.",
		Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
	}, []string{"generation"})
	m.metaGauge = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "metadata_bytes",
		Help:      "Bytes held by the statistics table and its entries.",
	})
	m.reclaims = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "entries_reclaimed_total",
		Help:      "Removed class entries released after their grace period.",
	})
}

// processEvents runs in background goroutine to process metric events
func (m *Metrics) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case ev := <-m.events:
			m.processEvent(ev)
		case <-m.ctx.Done():
			return
		}
	}
}

// processEvent handles a single metric event
func (m *Metrics) processEvent(ev event) {
	switch ev.typ {
	case eventEvaluation:
		m.foldEvaluation(ev.evaluation)
	case eventReclaim:
		m.mu.Lock()
		m.reclaimed += ev.count
		m.mu.Unlock()
		m.reclaims.Add(float64(ev.count))
	case eventSync:
		close(ev.done)
	}
}

func (m *Metrics) foldEvaluation(e Evaluation) {
	m.mu.Lock()
	g, ok := m.generations[e.Generation]
	if !ok {
		g = &generationState{
			latency: hdrhistogram.New(minLatencyMicros, maxLatencyMicros, sigFigs),
		}
		m.generations[e.Generation] = g
	}
	g.Evaluations++
	g.LastSeq = e.Seq
	g.Savings = e.Savings
	g.Redundant = e.Redundant
	g.Evaluated = e.Evaluated
	g.Far = e.Far
	g.VerifyMissed += e.VerifyMissed
	g.GenerationSize = e.GenerationSize
	_ = g.latency.RecordValue(max(e.Duration.Microseconds(), minLatencyMicros))
	m.metadata = e.Metadata
	m.heapUsed = e.HeapUsed
	m.mu.Unlock()

	m.savings.WithLabelValues(e.Generation).Set(float64(e.Savings))
	m.redundant.WithLabelValues(e.Generation).Set(float64(e.Redundant))
	m.far.WithLabelValues(e.Generation).Set(float64(e.Far))
	m.evaluations.WithLabelValues(e.Generation).Inc()
	m.missed.WithLabelValues(e.Generation).Add(float64(e.VerifyMissed))
	m.duration.WithLabelValues(e.Generation).Observe(e.Duration.Seconds())
	m.metaGauge.Set(float64(e.Metadata))
}

func (m *Metrics) send(ev event) {
	select {
	case m.events <- ev:
	default:
		// Channel full, drop the event to avoid blocking
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
	}
}

// RecordEvaluation records one evaluation pass.
func (m *Metrics) RecordEvaluation(e Evaluation) {
	m.send(event{typ: eventEvaluation, evaluation: e})
}

// RecordReclaim records n released entries.
func (m *Metrics) RecordReclaim(n int) {
	if n <= 0 {
		return
	}
	m.send(event{typ: eventReclaim, count: uint64(n)})
}

// Sync waits until every event recorded before the call is processed.
func (m *Metrics) Sync() {
	done := make(chan struct{})
	select {
	case m.events <- event{typ: eventSync, done: done}:
	case <-m.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-m.ctx.Done():
	}
}

func latencyStats(h *hdrhistogram.Histogram) LatencyStats {
	if h.TotalCount() == 0 {
		return LatencyStats{}
	}
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return LatencyStats{
		Count: uint64(h.TotalCount()),
		Min:   us(h.Min()),
		Max:   us(h.Max()),
		Mean:  time.Duration(h.Mean() * float64(time.Microsecond)),
		P50:   us(h.ValueAtQuantile(50)),
		P95:   us(h.ValueAtQuantile(95)),
		P99:   us(h.ValueAtQuantile(99)),
		P999:  us(h.ValueAtQuantile(99.9)),
	}
}

// GetStats returns a snapshot of current metrics
func (m *Metrics) GetStats() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		Generations: make(map[string]GenerationStats, len(m.generations)),
		Metadata:    m.metadata,
		HeapUsed:    m.heapUsed,
		Reclaimed:   m.reclaimed,
		Dropped:     m.dropped,
		Config:      m.config,
	}
	for name, g := range m.generations {
		stats := g.GenerationStats
		stats.Latency = latencyStats(g.latency)
		s.Generations[name] = stats
	}
	return s
}

// ExportJSON exports metrics as JSON
func (m *Metrics) ExportJSON() []byte {
	data, _ := json.MarshalIndent(m.GetStats(), "", "  ")
	return data
}

// Close shuts down the metrics processor
func (m *Metrics) Close() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}
