// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kianostad/crstats/internal/heap"
	"github.com/kianostad/crstats/internal/monitoring/metrics"
	"github.com/kianostad/crstats/internal/stats/entry"
	"github.com/kianostad/crstats/internal/stats/histogram"
	"github.com/kianostad/crstats/internal/stats/registry"
)

// EvaluateTable reduces the statistics every entry gathered for gen during the
// scan numbered seq. The table is scanned in paused mode when the heap is at a
// safepoint and concurrently otherwise. ctx only aborts a paused scan before
// it starts.
func (e *Engine) EvaluateTable(ctx context.Context, gen heap.Generation, seq uint32) (Report, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "EvaluateTable", trace.WithAttributes(
		attribute.String("generation", gen.String()),
		attribute.Int64("seq", int64(seq)),
	))
	defer span.End()

	r := Report{
		Generation:     gen,
		Seq:            seq,
		HeapUsed:       e.heap.Used(),
		HeapCapacity:   e.heap.MaxCapacity(),
		GenerationSize: e.genSize[gen].Swap(0),
	}
	if !e.cfg.Enabled {
		return r, nil
	}
	t := e.tableOrFail()

	env := entry.Env{
		HeapCapacity: r.HeapCapacity,
		AssumedWidth: e.geometry.MaxBytesPerReference,
	}

	var mu sync.Mutex
	visit := func(en *entry.Entry) {
		c := en.Evaluate(gen, seq, env)
		mu.Lock()
		defer mu.Unlock()
		r.Entries++
		if c.Touched {
			r.add(c)
		}
	}

	r.Paused = e.heap.AtSafepoint()
	if r.Paused {
		if err := t.ScanPaused(ctx, e.cfg.ScanWorkers, visit); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "paused scan aborted")
			return r, fmt.Errorf("core: evaluate %s seq %d: %w", gen, seq, err)
		}
	} else {
		t.Scan(visit)
	}

	slices.SortFunc(r.Classes, func(a, b entry.Contribution) int {
		return cmp.Compare(a.Class, b.Class)
	})

	r.Metadata = t.MemoryFootprint()
	if l := e.verify.Load(); l != nil {
		r.Verify = e.summarizeStores(gen)
		r.Metadata += r.Verify.Capacity * storeBytes
	}
	if seq == 0 {
		r.AllocatingPageStores = e.pageStores[gen].Swap(0)
	}
	r.Reclaimed = e.claimReleased(t.Reclaimer())
	r.Duration = time.Since(start)

	e.logReport(&r)
	e.record(&r)

	span.SetAttributes(
		attribute.Int("evaluated", r.Evaluated),
		attribute.Int64("savings", int64(r.Savings())),
		attribute.Int64("redundant", int64(r.Redundant())),
	)
	return r, nil
}

// claimReleased returns the entries released since the previous claim.
// Evaluations of both generations may claim concurrently; each released entry
// is reported by exactly one of them.
func (e *Engine) claimReleased(rc *registry.Reclaimer) uint64 {
	for {
		last := e.lastReleased.Load()
		released := rc.Released()
		if released <= last {
			return 0
		}
		if e.lastReleased.CompareAndSwap(last, released) {
			return released - last
		}
	}
}

// storeBytes is the size of one verification log slot.
const storeBytes = 2 * heap.WordSize

// summarizeStores builds the delta histogram of every captured store of gen.
func (e *Engine) summarizeStores(gen heap.Generation) *VerifySummary {
	l := e.verify.Load()
	var h histogram.Histogram
	h.Init()
	shift := e.cfg.AlignShift()
	for _, s := range l.Stores(gen) {
		h.Observe(s.Dst, s.Value, shift)
	}

	v := &VerifySummary{
		Stores:    h.Summary(),
		Attempted: l.Attempted(gen),
		Capacity:  l.Capacity(gen),
	}
	if v.Attempted > v.Capacity {
		v.Missed = v.Attempted - v.Capacity
	}
	return v
}

func (e *Engine) logReport(r *Report) {
	generation := zap.Stringer("generation", r.Generation)

	for i := range r.Classes {
		c := &r.Classes[i]
		e.logger.Info("Class statistics",
			generation,
			zap.String("class", c.Class),
			zap.Stringer("kind", c.Kind),
			zap.Uint64("instances", c.Instances),
			zap.Uint64("savings", c.Savings),
			zap.Uint64("redundant", c.Redundant),
			zap.Bool("far", c.Far))
		if !e.logger.Core().Enabled(zap.DebugLevel) {
			continue
		}
		for _, f := range c.Fields {
			fields := []zap.Field{
				generation,
				zap.String("class", c.Class),
				zap.Int("slot", f.Slot),
				zap.Int("min_bytes", f.MinBytes),
				zap.Stringer("histogram", f.Summary),
			}
			if f.Stores != nil {
				fields = append(fields, zap.Stringer("stores", *f.Stores))
			}
			e.logger.Debug("Field histogram", fields...)
		}
	}

	if r.Verify != nil {
		e.logger.Info("Verify stores",
			generation,
			zap.Stringer("histogram", r.Verify.Stores),
			zap.Uint64("attempted", r.Verify.Attempted),
			zap.Uint64("missed", r.Verify.Missed))
	}
	if r.Seq == 0 && r.AllocatingPageStores > 0 {
		e.logger.Info("Allocating page stores", generation, zap.Uint64("stores", r.AllocatingPageStores))
	}
	e.logger.Debug("Generation size", generation, zap.Uint64("bytes", r.GenerationSize))

	e.logger.Info("Evaluate table",
		generation,
		zap.Uint32("seq", r.Seq),
		zap.Bool("paused", r.Paused),
		zap.Uint64("heap_used", r.HeapUsed),
		zap.Uint64("heap_capacity", r.HeapCapacity),
		zap.Int("entries", r.Entries),
		zap.Int("evaluated", r.Evaluated),
		zap.Uint64("instance_savings", r.InstanceSavings),
		zap.Uint64("instance_redundant", r.InstanceRedundant),
		zap.Uint64("array_savings", r.ArraySavings),
		zap.Uint64("array_redundant", r.ArrayRedundant),
		zap.Int("far_fields", r.FarFields),
		zap.Int("far_arrays", r.FarArrays),
		zap.Uint64("metadata", r.Metadata),
		zap.Duration("duration", r.Duration))
}

func (e *Engine) record(r *Report) {
	ev := metrics.Evaluation{
		Generation:     r.Generation.String(),
		Seq:            r.Seq,
		Duration:       r.Duration,
		Savings:        r.Savings(),
		Redundant:      r.Redundant(),
		Metadata:       r.Metadata,
		Evaluated:      uint64(r.Evaluated),
		Far:            uint64(r.FarFields + r.FarArrays),
		HeapUsed:       r.HeapUsed,
		GenerationSize: r.GenerationSize,
	}
	if r.Verify != nil {
		ev.VerifyMissed = r.Verify.Missed
	}
	e.metrics.RecordEvaluation(ev)
	e.metrics.RecordReclaim(int(r.Reclaimed))
}
