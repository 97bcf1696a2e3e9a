// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core wires the statistics engine to a host collector.
//
// An Engine owns the class statistics table, the optional store verification
// log and the heap geometry derived at initialization. The host calls it from
// its class loading hooks, from every marking goroutine for each live object,
// and once per generation scan to evaluate the collected statistics.
//
// # Usage Examples
//
//	eng := core.New(cfg, host, core.WithLogger(logger))
//	eng.Initialize()
//	defer eng.Close()
//
//	// Class loading hooks
//	eng.HandleLoadedClass(class, gains)
//	eng.HandleCreateArrayClass(arrayClass)
//
//	// Marking, from any number of goroutines
//	eng.MarkObject(heap.Young, seq, obj)
//
//	// End of the generation scan
//	report, err := eng.EvaluateTable(ctx, heap.Young, seq)
//
// # Class Admission
//
// Every class whose objects are marked must first pass through
// HandleLoadedClass or HandleCreateArrayClass. Admitted classes get an entry in
// the table; rejected classes are remembered so their objects are skipped.
// Marking an object of a class that went through neither hook panics with
// ErrUnregisteredClass.
//
// # Dangers and Warnings
//
//   - **Single Table**: CreateTable runs once. A second call panics with ErrTableExists.
//   - **Paused Operations**: VerifyMarkStart and VerifyMarkEnd require the host heap to
//     report a safepoint and panic with ErrNotPaused otherwise.
//   - **Scan Sequence**: The seq passed to MarkObject and EvaluateTable must increase
//     for every scan of a generation. Visits with an older seq are dropped.
//
// # Thread Safety
//
// MarkObject, VerifyRegisterStore and RegisterAllocatingPageStore are safe for
// concurrent use. Class hooks are serialized by the host. EvaluateTable may run
// concurrently with marking of the other generation.
package core

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kianostad/crstats/internal/concurrency/epoch"
	"github.com/kianostad/crstats/internal/config"
	"github.com/kianostad/crstats/internal/heap"
	"github.com/kianostad/crstats/internal/heuristics"
	"github.com/kianostad/crstats/internal/monitoring/metrics"
	"github.com/kianostad/crstats/internal/stats/entry"
	"github.com/kianostad/crstats/internal/stats/histogram"
	"github.com/kianostad/crstats/internal/stats/registry"
	"github.com/kianostad/crstats/internal/stats/verify"
)

const tracerName = "github.com/kianostad/crstats/internal/core"

// Engine is the statistics engine of one host heap.
type Engine struct {
	cfg     *config.Config
	heap    heap.Heap
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
	ownsMet bool

	policy   heuristics.Policy
	geometry heuristics.Geometry
	pool     *histogram.Pool
	epochs   *epoch.Manager

	table    atomic.Pointer[registry.Table]
	verify   atomic.Pointer[verify.Log]
	rejected sync.Map // class ID -> reason

	genSize      [len(heap.Generations)]atomic.Uint64
	pageStores   [len(heap.Generations)]atomic.Uint64
	lastReleased atomic.Uint64

	closeOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records evaluations into m. The caller keeps ownership of m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracerProvider sets the provider of the evaluation tracer.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// New creates an engine for h. A nil cfg uses the defaults.
func New(cfg *config.Config, h heap.Heap, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		cfg:    cfg,
		heap:   h,
		logger: zap.NewNop(),
		tracer: otel.Tracer(tracerName),
		policy: heuristics.Policy{
			CompressInternals:          cfg.CompressInternals,
			CompressArraysOfInternals:  cfg.CompressObjArrayOfInternals,
			CompressArraysOfTypeArrays: cfg.CompressObjArrayOfTypeArrays,
			InternalPrefixes:           cfg.InternalPrefixes,
		},
		pool:   histogram.NewPool(),
		epochs: epoch.NewManager(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(metrics.DefaultConfig())
		e.ownsMet = true
	}
	return e
}

// Initialize derives the heap geometry and creates the table and, when
// configured, the verification log.
func (e *Engine) Initialize() {
	if !e.cfg.Enabled {
		e.logger.Info("Compressed reference statistics disabled")
		return
	}

	e.geometry = heuristics.NewGeometry(e.heap.MaxCapacity(), e.cfg.OvercommitRatio, e.cfg.AlignShift(), e.cfg.MetadataBits)
	e.logger.Info("Virtual heap size", zap.Uint64("bytes", e.geometry.MaxAddressSize))
	e.logger.Info("Max delta", zap.Uint64("units", e.geometry.MaxDelta), zap.Uint("align_shift", e.geometry.AlignShift))
	e.logger.Info("Assumed bytes per reference", zap.Int("bytes", e.geometry.MaxBytesPerReference))

	e.CreateTable()
	if e.cfg.VerifyAllStores {
		e.VerifyInit()
	}
}

// CreateTable creates the statistics table. It panics if called twice.
func (e *Engine) CreateTable() {
	t := registry.New(e.cfg.TableSize, e.epochs,
		registry.WithLogger(e.logger),
		registry.WithReclaimInterval(e.cfg.ReclaimInterval))
	if !e.table.CompareAndSwap(nil, t) {
		panic(ErrTableExists)
	}
	t.Reclaimer().Start()
	e.logger.Info("Created statistics table", zap.Uint64("buckets", e.cfg.TableSize))
}

// Table returns the statistics table, nil before CreateTable.
func (e *Engine) Table() *registry.Table {
	return e.table.Load()
}

func (e *Engine) tableOrFail() *registry.Table {
	t := e.table.Load()
	if t == nil {
		panic(ErrTableMissing)
	}
	return t
}

// Geometry returns the geometry derived by Initialize.
func (e *Engine) Geometry() heuristics.Geometry {
	return e.geometry
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Metrics returns the metrics sink.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// VerifyLog returns the store verification log, nil when disabled.
func (e *Engine) VerifyLog() *verify.Log {
	return e.verify.Load()
}

func (e *Engine) entryOptions() entry.Options {
	return entry.Options{
		AlignShift: e.cfg.AlignShift(),
		Verify:     e.verify.Load() != nil,
		Pool:       e.pool,
	}
}

// NewEntry creates and publishes an entry for class with status Evaluate.
func (e *Engine) NewEntry(class heap.Class) *entry.Entry {
	return e.publish(class, nil, heuristics.Evaluate)
}

func (e *Engine) publish(class heap.Class, gains *heuristics.Gains, status heuristics.Status) *entry.Entry {
	t := e.tableOrFail()
	en := entry.New(class, e.entryOptions())
	if gains != nil {
		en.SetGains(*gains)
	}
	en.SetInitialStatus(status)
	t.Insert(class, en)
	e.rejected.Delete(class.ID())
	return en
}

func (e *Engine) reject(class heap.Class, d heuristics.Decision) heuristics.Decision {
	e.rejected.Store(class.ID(), d.Reason)
	e.logger.Debug("Class not considered",
		zap.String("class", class.Name()),
		zap.String("reason", d.Reason))
	return d
}

// HandleLoadedClass decides whether a loaded instance class is evaluated and
// publishes its entry if so.
func (e *Engine) HandleLoadedClass(class heap.Class, gains heuristics.Gains) heuristics.Decision {
	if !e.cfg.Enabled {
		return heuristics.Decision{Status: heuristics.Never, Reason: "Disabled"}
	}
	d := e.policy.ShouldConsider(class, gains)
	if !d.Admitted() {
		return e.reject(class, d)
	}

	e.publish(class, &gains, d.Status)
	e.logger.Debug("Class considered",
		zap.String("class", class.Name()),
		zap.String("reason", d.Reason),
		zap.Uint64("uncompressed_size", gains.UncompressedSize),
		zap.Uint64("min_compression", gains.MinCompression),
		zap.Uint64("max_compression", gains.MaxCompression))
	return d
}

// HandleCreateArrayClass decides whether a new array class is evaluated and
// publishes its entry if so.
func (e *Engine) HandleCreateArrayClass(class heap.Class) heuristics.Decision {
	if !e.cfg.Enabled {
		return heuristics.Decision{Status: heuristics.Never, Reason: "Disabled"}
	}
	if !e.cfg.CompressObjArray {
		return e.reject(class, heuristics.Decision{Status: heuristics.Never, Reason: "Arrays disabled"})
	}
	d := e.policy.AdmitArray(class)
	if !d.Admitted() {
		return e.reject(class, d)
	}

	e.publish(class, nil, d.Status)
	e.logger.Debug("Array class considered", zap.String("class", class.Name()))
	return d
}

// UnloadClass removes the entry of class. It reports false for a class the
// engine declined or when the engine is disabled, and panics with
// ErrClassNotFound for a class it never saw or already unloaded.
func (e *Engine) UnloadClass(class heap.Class) bool {
	if _, ok := e.rejected.LoadAndDelete(class.ID()); ok {
		return false
	}
	t := e.table.Load()
	if t == nil {
		return false
	}
	t.Remove(class)
	e.logger.Debug("Class unloaded", zap.String("class", class.Name()))
	return true
}

// MarkObject records a live object of gen found by the scan numbered seq.
func (e *Engine) MarkObject(gen heap.Generation, seq uint32, obj heap.Object) {
	if !e.cfg.Enabled {
		return
	}
	e.genSize[gen].Add(obj.Size())

	class := obj.Class()
	if _, skip := e.rejected.Load(class.ID()); skip {
		return
	}

	t := e.tableOrFail()
	guard := t.Pin()
	defer guard.Unpin()
	t.LookupOrFail(class).Visit(gen, seq, obj, e.verify.Load())
}

// VerifyInit creates the store verification log.
func (e *Engine) VerifyInit() {
	l := verify.New(e.cfg.VerifyInitialCapacity, e.logger)
	if !e.verify.CompareAndSwap(nil, l) {
		panic(ErrVerifyExists)
	}
}

func (e *Engine) requirePause(op string) {
	if !e.heap.AtSafepoint() {
		panic(fmt.Errorf("%w: %s", ErrNotPaused, op))
	}
}

// VerifyMarkStart prepares the store log of gen for reconciliation.
func (e *Engine) VerifyMarkStart(gen heap.Generation) {
	l := e.verify.Load()
	if l == nil {
		return
	}
	e.requirePause("verify mark start")
	l.MarkEpochStart(gen)
}

// VerifyMarkEnd closes the store log epoch of gen.
func (e *Engine) VerifyMarkEnd(gen heap.Generation) verify.EpochEnd {
	l := e.verify.Load()
	if l == nil {
		return verify.EpochEnd{}
	}
	e.requirePause("verify mark end")
	return l.MarkEpochEnd(gen)
}

// VerifyRegisterStore captures a reference store of value into dst.
func (e *Engine) VerifyRegisterStore(gen heap.Generation, dst, value heap.Address) {
	if l := e.verify.Load(); l != nil {
		l.RegisterStore(gen, dst, value)
	}
}

// RegisterAllocatingPageStore counts a store into a page still being allocated.
func (e *Engine) RegisterAllocatingPageStore(gen heap.Generation) {
	e.pageStores[gen].Add(1)
}

// Close stops background work. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if t := e.table.Load(); t != nil {
			t.Close()
		}
		if e.ownsMet {
			e.metrics.Close()
		}
	})
}
