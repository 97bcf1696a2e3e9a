// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package crstats estimates how much heap memory narrower object references
// would save.
//
// A host garbage collector hands every live object it marks to an Engine. The
// engine keeps, per loaded class and per generation, a lock-free histogram of
// the distances between each reference field and the object it points to.
// After a generation scan the host asks for an evaluation, which turns the
// histograms into estimated savings, bytes that are provably redundant and
// classes whose references reach too far to be narrowed.
//
// This is the public API of the library. It re-exports the engine, the host
// contracts it consumes and the configuration it reads.
//
// # Quick Start
//
//	import "github.com/kianostad/crstats"
//
//	cfg, err := crstats.LoadConfig("")
//	if err != nil {
//	    return err
//	}
//	eng := crstats.New(cfg, host)
//	eng.Initialize()
//	defer eng.Close()
//
//	// Class loading
//	eng.HandleLoadedClass(class, crstats.NewGains(size, minGain, maxGain, refs))
//
//	// Marking, from every marking goroutine
//	eng.MarkObject(crstats.Young, seq, obj)
//
//	// After the scan
//	report, err := eng.EvaluateTable(ctx, crstats.Young, seq)
//
// # Host Contracts
//
// The host implements Heap, Class and Object over its own data structures.
// Addresses are opaque integers; only their distances matter. A class ID must
// be stable while the class is loaded and distinct from every other loaded
// class.
//
// # Key Features
//
//   - Visits from any number of goroutines without locks
//   - Per-generation statistics reset lazily at the first visit of a new scan
//   - Deferred reclamation of unloaded class entries through grace epochs
//   - Optional reconciliation of marked fields against logged stores
//   - Prometheus collectors, HDR latency quantiles and JSON reports
//
// # Dangers and Warnings
//
//   - **Contract Violations Panic**: Marking an object of a class that never went
//     through a class hook, removing an unknown class or creating a second table
//     panics with a wrapped sentinel error.
//   - **Scan Sequence**: The seq of a generation must increase from scan to scan.
//     Visits carrying an older seq are dropped.
//   - **Close**: Close stops the background reclaimer and the engine's own metrics.
//     Metrics passed with WithMetrics are closed by the caller.
package crstats

import (
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kianostad/crstats/internal/config"
	"github.com/kianostad/crstats/internal/core"
	"github.com/kianostad/crstats/internal/heap"
	"github.com/kianostad/crstats/internal/heuristics"
	"github.com/kianostad/crstats/internal/logging"
	"github.com/kianostad/crstats/internal/monitoring/metrics"
	"github.com/kianostad/crstats/internal/stats/entry"
)

type (
	// Engine is the statistics engine of one host heap.
	Engine = core.Engine

	// Option configures an Engine.
	Option = core.Option

	// Report is the result of one evaluation pass.
	Report = core.Report

	// VerifySummary describes the store log of an evaluated generation.
	VerifySummary = core.VerifySummary

	// Contribution is one class's share of an evaluation.
	Contribution = entry.Contribution

	// FieldReport is the evaluation of one reference field.
	FieldReport = entry.FieldReport

	// Config is the engine configuration.
	Config = config.Config
)

type (
	Address    = heap.Address
	Generation = heap.Generation
	Kind       = heap.Kind

	// Heap exposes the host queries the engine needs.
	Heap = heap.Heap

	// Class is a host-owned handle to a loaded class.
	Class = heap.Class

	// Object is a live object handed to the engine during marking.
	Object = heap.Object
)

type (
	// Gains describes the layout-level compression potential of an instance class.
	Gains = heuristics.Gains

	// Decision is the outcome of a class hook.
	Decision = heuristics.Decision

	// Status is the compression status of a class in one generation.
	Status = heuristics.Status
)

type (
	Metrics       = metrics.Metrics
	MetricsConfig = metrics.Config
)

const (
	Young = heap.Young
	Old   = heap.Old

	KindInstance = heap.KindInstance
	KindObjArray = heap.KindObjArray

	Null     = heap.Null
	WordSize = heap.WordSize
)

const (
	StatusEvaluate = heuristics.Evaluate
	StatusNever    = heuristics.Never
	StatusLikely   = heuristics.Likely
	StatusPending  = heuristics.Pending
	StatusComplete = heuristics.Complete
	StatusAbort    = heuristics.Abort
)

var (
	ErrTableExists       = core.ErrTableExists
	ErrTableMissing      = core.ErrTableMissing
	ErrNotPaused         = core.ErrNotPaused
	ErrVerifyExists      = core.ErrVerifyExists
	ErrDuplicateClass    = core.ErrDuplicateClass
	ErrClassNotFound     = core.ErrClassNotFound
	ErrUnregisteredClass = core.ErrUnregisteredClass
	ErrReleasedEntry     = core.ErrReleasedEntry
	ErrDeltaOverflow     = core.ErrDeltaOverflow
	ErrInvalidConfig     = config.ErrInvalid
)

// New creates an engine for h. A nil cfg uses DefaultConfig.
func New(cfg *Config, h Heap, opts ...Option) *Engine {
	return core.New(cfg, h, opts...)
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return core.WithLogger(logger)
}

// WithMetrics records evaluations into m instead of an engine-owned sink.
func WithMetrics(m *Metrics) Option {
	return core.WithMetrics(m)
}

// WithTracerProvider sets the provider of the evaluation tracer.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return core.WithTracerProvider(tp)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads the configuration from the environment and, if path is
// not empty, from the file at path.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return config.Load(config.NewViper())
	}
	return config.LoadFile(viper.New(), path)
}

// NewLogger builds a logger at level, JSON-encoded if json is set.
func NewLogger(level string, json bool) (*zap.Logger, error) {
	return logging.New(logging.Options{Level: level, JSON: json})
}

// NewGains validates and returns a Gains value. It panics if minCompression
// exceeds maxCompression.
func NewGains(uncompressed, minCompression, maxCompression uint64, refs int) Gains {
	return heuristics.NewGains(uncompressed, minCompression, maxCompression, refs)
}

// NewMetrics creates a metrics sink. The caller must Close it.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return metrics.New(cfg)
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return metrics.DefaultConfig()
}
