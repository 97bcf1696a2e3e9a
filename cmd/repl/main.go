// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive REPL over the statistics engine.
//
// The REPL owns a synthetic heap and an engine. Classes are loaded by name,
// objects are allocated and marked with reference fields given as byte
// offsets from the object, and evaluations print the resulting report. It is
// useful for learning how distances map to histogram buckets and savings.
//
// # Usage
//
//	go run ./cmd/repl
//
//	> class app/Node 2
//	app/Node: likely (Compressible reference fields)
//	> mark young 1 app/Node 64 null
//	marked app/Node at 0x100000
//	> eval young 1
//	Young seq 1: 1 classes, 1 instances, savings 4, redundant 14
//	  app/Node slot 0: 1 bytes [     0|     1|     0|     0|     0|     0|     0|     0|     0](16,16)
//	  app/Node slot 1: 1 bytes [     1|     0|     0|     0|     0|     0|     0|     0|     0](0,0)
//	> quit
//	Goodbye!
//
// # Commands
//
//   - class <name> <refs>: load an instance class
//   - array <name> <element>: create an array class of a loaded class
//   - unload <name>: unload a class
//   - mark <gen> <seq> <class> <ref>...: allocate and mark an object; a ref is
//     a signed byte offset from the object or "null"
//   - eval <gen> <seq>: evaluate and print a summary
//   - json <gen> <seq>: evaluate and print the JSON report
//   - stats: print the metrics snapshot
//   - quit, exit
//
// # Dangers and Warnings
//
//   - **Panics Are Reported**: Contract violations such as marking an unloaded
//     class panic inside the engine; the REPL recovers and prints them.
//   - **No Persistence**: Everything is lost when the program exits.
//   - **Single Goroutine**: Marking happens on the REPL goroutine only.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kianostad/crstats/internal/config"
	core "github.com/kianostad/crstats/internal/core"
	"github.com/kianostad/crstats/internal/heap"
	"github.com/kianostad/crstats/internal/heap/synthetic"
	"github.com/kianostad/crstats/internal/heuristics"
	"github.com/kianostad/crstats/internal/logging"
)

const heapBase heap.Address = 0x100000

type REPL struct {
	engine  *core.Engine
	heap    *synthetic.Heap
	classes map[string]*synthetic.Class
	nextID  uint64
	out     io.Writer
}

func NewREPL(engine *core.Engine, h *synthetic.Heap, out io.Writer) *REPL {
	return &REPL{
		engine:  engine,
		heap:    h,
		classes: make(map[string]*synthetic.Class),
		nextID:  1,
		out:     out,
	}
}

func (r *REPL) Run(ctx context.Context, in io.Reader, prompt bool) {
	fmt.Fprintln(r.out, "Compressed Reference Statistics REPL")
	fmt.Fprintln(r.out, "Commands: class, array, unload, mark, eval, json, stats, quit")

	scanner := bufio.NewScanner(in)
	for {
		if prompt {
			fmt.Fprint(r.out, "> ")
		}
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		if parts[0] == "quit" || parts[0] == "exit" {
			fmt.Fprintln(r.out, "Goodbye!")
			return
		}
		if err := r.exec(ctx, parts[0], parts[1:]); err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
		}
	}
}

var errUsage = errors.New("usage")

func (r *REPL) exec(ctx context.Context, cmd string, args []string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%v", p)
		}
	}()

	switch cmd {
	case "class":
		if len(args) != 2 {
			return fmt.Errorf("%w: class <name> <refs>", errUsage)
		}
		refs, err := strconv.Atoi(args[1])
		if err != nil || refs < 0 {
			return fmt.Errorf("invalid reference count %q", args[1])
		}
		class := synthetic.NewInstanceClass(r.nextID, args[0], refs)
		r.nextID++
		r.classes[args[0]] = class
		size := uint64(16 + heap.WordSize*refs)
		d := r.engine.HandleLoadedClass(class, heuristics.NewGains(size, uint64(refs)*2, uint64(refs)*4, refs))
		fmt.Fprintf(r.out, "%s: %s (%s)\n", class.Name(), d.Status, d.Reason)

	case "array":
		if len(args) != 2 {
			return fmt.Errorf("%w: array <name> <element>", errUsage)
		}
		elem, ok := r.classes[args[1]]
		if !ok {
			return fmt.Errorf("unknown class %s", args[1])
		}
		class := synthetic.NewArrayClass(r.nextID, args[0], elem)
		r.nextID++
		r.classes[args[0]] = class
		d := r.engine.HandleCreateArrayClass(class)
		fmt.Fprintf(r.out, "%s: %s (%s)\n", class.Name(), d.Status, d.Reason)

	case "unload":
		if len(args) != 1 {
			return fmt.Errorf("%w: unload <name>", errUsage)
		}
		class, ok := r.classes[args[0]]
		if !ok {
			return fmt.Errorf("unknown class %s", args[0])
		}
		delete(r.classes, args[0])
		fmt.Fprintf(r.out, "unloaded %s: %t\n", class.Name(), r.engine.UnloadClass(class))

	case "mark":
		if len(args) < 3 {
			return fmt.Errorf("%w: mark <gen> <seq> <class> <ref>...", errUsage)
		}
		gen, seq, err := parseScan(args[0], args[1])
		if err != nil {
			return err
		}
		class, ok := r.classes[args[2]]
		if !ok {
			return fmt.Errorf("unknown class %s", args[2])
		}
		obj, err := r.allocate(class, args[3:])
		if err != nil {
			return err
		}
		r.engine.MarkObject(gen, seq, obj)
		fmt.Fprintf(r.out, "marked %s at %#x\n", class.Name(), uint64(obj.Address()))

	case "eval", "json":
		if len(args) != 2 {
			return fmt.Errorf("%w: %s <gen> <seq>", errUsage, cmd)
		}
		gen, seq, err := parseScan(args[0], args[1])
		if err != nil {
			return err
		}
		report, err := r.engine.EvaluateTable(ctx, gen, seq)
		if err != nil {
			return err
		}
		if cmd == "json" {
			return report.WriteJSON(r.out)
		}
		r.printReport(&report)

	case "stats":
		m := r.engine.Metrics()
		m.Sync()
		fmt.Fprintln(r.out, string(m.ExportJSON()))

	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func (r *REPL) allocate(class *synthetic.Class, refs []string) (*synthetic.Object, error) {
	n := class.ReferenceFields()
	if class.Kind() == heap.KindObjArray {
		n = len(refs)
	}
	if len(refs) != n {
		return nil, fmt.Errorf("%s takes %d references, got %d", class.Name(), n, len(refs))
	}

	addr := r.heap.Allocate(uint64(16 + heap.WordSize*n))
	if addr.IsNull() {
		return nil, errors.New("heap exhausted")
	}
	values := make([]heap.Address, n)
	for i, ref := range refs {
		if ref == "null" {
			continue
		}
		off, err := strconv.ParseInt(ref, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid reference %q", ref)
		}
		values[i] = heap.Address(int64(addr) + off)
	}
	if class.Kind() == heap.KindObjArray {
		return synthetic.NewArray(class, addr, values...), nil
	}
	return synthetic.NewInstance(class, addr, values...), nil
}

func (r *REPL) printReport(report *core.Report) {
	fmt.Fprintf(r.out, "%s seq %d: %d classes, %d instances, savings %d, redundant %d\n",
		report.Generation, report.Seq, report.Evaluated, report.Instances, report.Savings(), report.Redundant())
	for _, c := range report.Classes {
		for _, f := range c.Fields {
			fmt.Fprintf(r.out, "  %s slot %d: %d bytes %s\n", c.Class, f.Slot, f.MinBytes, f.Summary)
		}
	}
}

func parseScan(genArg, seqArg string) (heap.Generation, uint32, error) {
	var gen heap.Generation
	switch strings.ToLower(genArg) {
	case "young":
		gen = heap.Young
	case "old":
		gen = heap.Old
	default:
		return 0, 0, fmt.Errorf("unknown generation %q", genArg)
	}
	seq, err := strconv.ParseUint(seqArg, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid seq %q", seqArg)
	}
	return gen, uint32(seq), nil
}

func main() {
	fs := pflag.NewFlagSet("crstats-repl", pflag.ExitOnError)
	quiet := fs.Bool("quiet", false, "Run in quiet mode")
	heapMiB := fs.Uint64("heap-mib", 64, "synthetic heap capacity in MiB")
	v := viper.New()
	if err := config.BindFlags(fs, v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *quiet {
		cfg.Log.Level = "error"
	}
	logger := logging.Must(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})

	h := synthetic.NewHeap(heapBase, *heapMiB<<20)
	engine := core.New(cfg, h, core.WithLogger(logger))
	engine.Initialize()
	defer engine.Close()

	repl := NewREPL(engine, h, os.Stdout)

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal. Closing engine...")
		engine.Close()
		os.Exit(0)
	}()

	repl.Run(context.Background(), os.Stdin, !*quiet)
}
