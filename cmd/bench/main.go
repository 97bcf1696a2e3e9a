// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main drives the statistics engine over a synthetic heap.
//
// The tool loads a population of instance and array classes, then runs a
// series of generation scans in which worker goroutines mark randomly shaped
// objects concurrently. Every scan ends with an evaluation pass whose report
// is printed, followed by marking throughput and the metrics snapshot. It is
// useful to see how reference distances translate into estimated savings and
// to measure the cost of marking and evaluation under contention.
//
// # Usage
//
// Run with defaults:
//
//	go run ./cmd/bench
//
// Verify stores, log at debug level and use a config file:
//
//	go run ./cmd/bench --config crstats.yaml --verify_all_stores --log.level debug
//
// Every engine key is also read from the environment with the CRSTATS_
// prefix, e.g. CRSTATS_TABLE_SIZE=4096.
//
// # Workload
//
// Objects of a scan are split between the workers. Each reference field is
// null, near (within a few cache lines of its holder) or far (anywhere in the
// heap) with the configured probabilities. Every fourth scan covers the old
// generation, the others the young one. Even scans are evaluated at a
// safepoint, odd scans concurrently.
//
// # Dangers and Warnings
//
//   - **Resource Consumption**: Large object counts allocate one Go value per object.
//   - **Heap Exhaustion**: Marking stops allocating once the synthetic heap is full;
//     later objects reuse the last address range.
//   - **Seeded Randomness**: Results depend on --seed; keep it fixed for comparisons.
//   - **Verify Mode**: A sample of one object in sixteen registers its stores and
//     is marked on top of --objects.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kianostad/crstats/internal/config"
	core "github.com/kianostad/crstats/internal/core"
	"github.com/kianostad/crstats/internal/heap"
	"github.com/kianostad/crstats/internal/heap/synthetic"
	"github.com/kianostad/crstats/internal/heuristics"
	"github.com/kianostad/crstats/internal/logging"
	"github.com/kianostad/crstats/internal/monitoring/metrics"
)

const heapBase heap.Address = 0x8_0000_0000

// workload holds the simulation parameters that are not engine configuration.
type workload struct {
	configFile string
	heapMiB    uint64
	classes    int
	arrays     int
	internals  int
	objects    int
	workers    int
	scans      int
	nullRatio  float64
	farRatio   float64
	seed       uint64
	quiet      bool
	metrics    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("crstats-bench", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var w workload
	fs.StringVar(&w.configFile, "config", "", "configuration file")
	fs.Uint64Var(&w.heapMiB, "heap-mib", 256, "synthetic heap capacity in MiB")
	fs.IntVar(&w.classes, "classes", 64, "instance classes")
	fs.IntVar(&w.arrays, "arrays", 8, "reference array classes")
	fs.IntVar(&w.internals, "internals", 8, "internal classes")
	fs.IntVar(&w.objects, "objects", 200000, "objects marked per scan")
	fs.IntVar(&w.workers, "workers", 8, "marking goroutines")
	fs.IntVar(&w.scans, "scans", 8, "generation scans")
	fs.Float64Var(&w.nullRatio, "null-ratio", 0.2, "probability of a null reference")
	fs.Float64Var(&w.farRatio, "far-ratio", 0.05, "probability of a far reference")
	fs.Uint64Var(&w.seed, "seed", 1, "random seed")
	fs.BoolVar(&w.quiet, "quiet", false, "print only the final report")
	fs.BoolVar(&w.metrics, "metrics", false, "print the metrics snapshot")

	v := viper.New()
	if err := config.BindFlags(fs, v); err != nil {
		return err
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if w.workers < 1 || w.objects < 0 || w.scans < 1 {
		return fmt.Errorf("bench: workers and scans must be positive")
	}

	var cfg *config.Config
	var err error
	if w.configFile != "" {
		cfg, err = config.LoadFile(v, w.configFile)
	} else {
		cfg, err = config.Load(v)
	}
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON, Output: stderr})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	m := metrics.New(metrics.DefaultConfig())
	defer m.Close()

	h := synthetic.NewHeap(heapBase, w.heapMiB<<20)
	eng := core.New(cfg, h, core.WithLogger(logger), core.WithMetrics(m))
	defer eng.Close()
	eng.Initialize()

	sim := newSimulation(w, eng, h)
	sim.loadClasses()
	logger.Info("Loaded classes",
		zap.Int("admitted", len(sim.admitted)),
		zap.Int("rejected", len(sim.rejected)))

	var last core.Report
	for seq := 1; seq <= w.scans; seq++ {
		gen := heap.Young
		if seq%4 == 0 {
			gen = heap.Old
		}

		start := time.Now()
		if err := sim.scan(ctx, gen, uint32(seq)); err != nil {
			return err
		}
		marked := time.Since(start)

		var r core.Report
		evaluate := func() { r, err = eng.EvaluateTable(ctx, gen, uint32(seq)) }
		if seq%2 == 0 {
			h.Pause(evaluate)
		} else {
			evaluate()
		}
		if err != nil {
			return err
		}
		sim.endVerify(gen)
		last = r

		if !w.quiet {
			fmt.Fprintf(stdout, "scan %d %-5s marked %d objects in %v (%.0f objects/sec), evaluated %d classes in %v, savings %d bytes\n",
				seq, gen, sim.marked.Load(), marked, float64(sim.marked.Load())/marked.Seconds(),
				r.Evaluated, r.Duration, r.Savings())
		}
	}

	if err := last.WriteJSON(stdout); err != nil {
		return fmt.Errorf("bench: write report: %w", err)
	}
	if w.metrics {
		m.Sync()
		if _, err := stdout.Write(m.ExportJSON()); err != nil {
			return fmt.Errorf("bench: write metrics: %w", err)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

// simulation owns the class population and the marking workers.
type simulation struct {
	w    workload
	eng  *core.Engine
	heap *synthetic.Heap

	admitted []*synthetic.Class
	rejected []*synthetic.Class
	verify   bool

	marked atomic.Uint64
}

func newSimulation(w workload, eng *core.Engine, h *synthetic.Heap) *simulation {
	return &simulation{
		w:      w,
		eng:    eng,
		heap:   h,
		verify: eng.VerifyLog() != nil,
	}
}

func (s *simulation) loadClasses() {
	rng := rand.New(rand.NewPCG(s.w.seed, 0))
	id := uint64(1)

	load := func(class *synthetic.Class, d heuristics.Decision) {
		if d.Admitted() {
			s.admitted = append(s.admitted, class)
		} else {
			s.rejected = append(s.rejected, class)
		}
	}
	gains := func(refs int) heuristics.Gains {
		header := uint64(16)
		return heuristics.NewGains(header+8*uint64(refs), uint64(refs)*2, uint64(refs)*4, refs)
	}

	var elements []*synthetic.Class
	for i := 0; i < s.w.classes; i++ {
		refs := rng.IntN(6)
		class := synthetic.NewInstanceClass(id, fmt.Sprintf("app/Class%d", i), refs)
		id++
		load(class, s.eng.HandleLoadedClass(class, gains(refs)))
		elements = append(elements, class)
	}
	for i := 0; i < s.w.internals; i++ {
		refs := 1 + rng.IntN(3)
		class := synthetic.NewInstanceClass(id, fmt.Sprintf("java/lang/Internal%d", i), refs)
		id++
		load(class, s.eng.HandleLoadedClass(class, gains(refs)))
		elements = append(elements, class)
	}
	for i := 0; i < s.w.arrays && len(elements) > 0; i++ {
		elem := elements[rng.IntN(len(elements))]
		class := synthetic.NewArrayClass(id, "[L"+elem.Name()+";", elem)
		id++
		load(class, s.eng.HandleCreateArrayClass(class))
	}
}

// scan marks w.objects objects of gen split over the workers.
func (s *simulation) scan(ctx context.Context, gen heap.Generation, seq uint32) error {
	s.marked.Store(0)
	if len(s.admitted)+len(s.rejected) == 0 {
		return nil
	}
	var sample []*synthetic.Object
	if s.verify {
		sample = s.registerStores(gen, seq)
		s.heap.Pause(func() { s.eng.VerifyMarkStart(gen) })
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, obj := range sample {
			s.eng.MarkObject(gen, seq, obj)
			s.marked.Add(1)
		}
		return nil
	})
	per := s.w.objects / s.w.workers
	for worker := 0; worker < s.w.workers; worker++ {
		n := per
		if worker == 0 {
			n += s.w.objects % s.w.workers
		}
		rng := rand.New(rand.NewPCG(s.w.seed+uint64(seq), uint64(worker)))
		g.Go(func() error {
			for i := 0; i < n; i++ {
				if i%1024 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				s.eng.MarkObject(gen, seq, s.object(rng))
				s.marked.Add(1)
			}
			return nil
		})
	}
	return g.Wait()
}

// registerStores logs the reference stores that initialized a sample of
// objects and returns the sample, which the scan marks along with the rest.
func (s *simulation) registerStores(gen heap.Generation, seq uint32) []*synthetic.Object {
	rng := rand.New(rand.NewPCG(s.w.seed+uint64(seq), 1<<32))
	sample := make([]*synthetic.Object, 0, s.w.objects/16)
	for i := 0; i < cap(sample); i++ {
		obj := s.object(rng)
		for f := 0; f < obj.Class().ReferenceFields(); f++ {
			slot, value := obj.Field(f)
			s.eng.VerifyRegisterStore(gen, slot, value)
		}
		sample = append(sample, obj)
	}
	return sample
}

func (s *simulation) endVerify(gen heap.Generation) {
	if s.verify {
		s.heap.Pause(func() { s.eng.VerifyMarkEnd(gen) })
	}
}

func (s *simulation) pick(rng *rand.Rand) *synthetic.Class {
	total := len(s.admitted) + len(s.rejected)
	i := rng.IntN(total)
	if i < len(s.admitted) {
		return s.admitted[i]
	}
	return s.rejected[i-len(s.admitted)]
}

func (s *simulation) object(rng *rand.Rand) *synthetic.Object {
	class := s.pick(rng)
	if class.Kind() == heap.KindObjArray {
		n := rng.IntN(32)
		addr := s.allocate(uint64(16 + heap.WordSize*n))
		elements := make([]heap.Address, n)
		for i := range elements {
			elements[i] = s.reference(rng, addr)
		}
		return synthetic.NewArray(class, addr, elements...)
	}

	refs := class.ReferenceFields()
	addr := s.allocate(uint64(16 + heap.WordSize*refs))
	fields := make([]heap.Address, refs)
	for i := range fields {
		fields[i] = s.reference(rng, addr)
	}
	return synthetic.NewInstance(class, addr, fields...)
}

func (s *simulation) allocate(size uint64) heap.Address {
	if addr := s.heap.Allocate(size); !addr.IsNull() {
		return addr
	}
	return heapBase + heap.Address(s.heap.Used()-size)&^7
}

func (s *simulation) reference(rng *rand.Rand, holder heap.Address) heap.Address {
	p := rng.Float64()
	switch {
	case p < s.w.nullRatio:
		return heap.Null
	case p < s.w.nullRatio+s.w.farRatio:
		return heapBase + heap.Address(rng.Uint64N(s.heap.MaxCapacity()))&^7
	default:
		return holder + heap.Address(rng.IntN(512))&^7
	}
}
