// Licensed under the MIT License. See LICENSE file in the project root for details.

package entry

import (
	"errors"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/kianostad/crstats/internal/heap"
	"github.com/kianostad/crstats/internal/heap/synthetic"
	"github.com/kianostad/crstats/internal/heuristics"
	"github.com/kianostad/crstats/internal/stats/histogram"
	"github.com/kianostad/crstats/internal/stats/verify"
)

func nodeClass() *synthetic.Class {
	return synthetic.NewInstanceClass(1, "app/Node", 2)
}

func TestVisitEpochIdempotence(t *testing.T) {
	class := nodeClass()
	e := New(class, Options{})
	obj := synthetic.NewInstance(class, 0x10000, 0x10040, heap.Null)

	const goroutines = 32
	const visits = 500

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < visits; j++ {
				e.Visit(heap.Young, 1, obj, nil)
			}
		}()
	}
	wg.Wait()

	if got := e.Instances(heap.Young); got != goroutines*visits {
		t.Fatalf("instances = %d, want %d", got, goroutines*visits)
	}
	if got := e.Resets(heap.Young); got != 1 {
		t.Fatalf("resets = %d, want 1", got)
	}
	if got := e.Field(heap.Young, 1).Nulls(); got != goroutines*visits {
		t.Fatalf("nulls = %d, want %d", got, goroutines*visits)
	}
	if got := e.Instances(heap.Old); got != 0 {
		t.Fatalf("old generation touched: %d", got)
	}
}

func TestVisitResetStormAcrossEpochs(t *testing.T) {
	class := nodeClass()
	e := New(class, Options{})
	obj := synthetic.NewInstance(class, 0x10000, 0x10040, 0x20000)

	const epochs = 50
	const goroutines = 8

	for epoch := uint32(1); epoch <= epochs; epoch++ {
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				e.Visit(heap.Old, epoch, obj, nil)
			}()
		}
		close(start)
		wg.Wait()

		if got := e.Instances(heap.Old); got != goroutines {
			t.Fatalf("epoch %d: instances = %d, want %d", epoch, got, goroutines)
		}
		if got := e.Field(heap.Old, 0).Total(); got != goroutines {
			t.Fatalf("epoch %d: observations = %d, want %d", epoch, got, goroutines)
		}
	}

	if got := e.Resets(heap.Old); got != epochs {
		t.Fatalf("resets = %d, want %d", got, epochs)
	}
	if got := e.Marker(heap.Old); got != uint64(epochs)<<1 {
		t.Fatalf("marker = %d, want %d", got, uint64(epochs)<<1)
	}
}

func TestVisit(t *testing.T) {
	Convey("Given an instance class entry", t, func() {
		class := nodeClass()
		e := New(class, Options{})
		obj := synthetic.NewInstance(class, 0x10000, 0x10100, heap.Null)

		Convey("When visited in epoch 3", func() {
			So(e.Visit(heap.Young, 3, obj, nil), ShouldBeTrue)

			Convey("Then a stale visit from epoch 2 is dropped", func() {
				So(e.Visit(heap.Young, 2, obj, nil), ShouldBeFalse)
				So(e.Instances(heap.Young), ShouldEqual, 1)
				So(e.Marker(heap.Young), ShouldEqual, 6)
			})

			Convey("And a visit in epoch 4 starts over", func() {
				So(e.Visit(heap.Young, 4, obj, nil), ShouldBeTrue)
				So(e.Instances(heap.Young), ShouldEqual, 1)
				So(e.Resets(heap.Young), ShouldEqual, 2)
			})

			Convey("And the field histograms see the references", func() {
				So(e.Field(heap.Young, 0).Max(), ShouldEqual, 0x100*2)
				So(e.Field(heap.Young, 1).Nulls(), ShouldEqual, 1)
			})
		})

		Convey("When an object of another class is visited", func() {
			other := synthetic.NewInstance(synthetic.NewInstanceClass(2, "app/Leaf", 2), 0x20000)

			Convey("Then the visit panics", func() {
				So(func() { e.Visit(heap.Young, 1, other, nil) }, ShouldPanic)
			})
		})

		Convey("When the entry is detached", func() {
			e.Detach()

			Convey("Then visits are ignored", func() {
				So(e.Visit(heap.Young, 1, obj, nil), ShouldBeFalse)
				So(e.Instances(heap.Young), ShouldEqual, 0)
			})

			Convey("And after release any use panics", func() {
				e.Release()
				So(e.Released(), ShouldBeTrue)
				So(func() { e.Visit(heap.Young, 1, obj, nil) }, ShouldPanic)
				So(func() { e.Release() }, ShouldPanic)
			})
		})

		Convey("Release of an attached entry panics", func() {
			defer func() {
				err, _ := recover().(error)
				So(errors.Is(err, ErrReleasedEntry), ShouldBeTrue)
			}()
			e.Release()
		})
	})
}

func TestVisitArray(t *testing.T) {
	Convey("Given an array class entry", t, func() {
		elem := nodeClass()
		class := synthetic.NewArrayClass(10, "[Lapp/Node;", elem)
		e := New(class, Options{})
		So(e.Fields(), ShouldEqual, 2)

		base := heap.Address(0x40000)

		Convey("When visiting an array with two elements and a null", func() {
			arr := synthetic.NewArray(class, base, base+16, heap.Null, base+800)
			e.Visit(heap.Young, 1, arr, nil)

			Convey("Then every element is observed", func() {
				h := e.Field(heap.Young, 0)
				So(h.Total(), ShouldEqual, 3)
				So(h.Nulls(), ShouldEqual, 1)
				So(h.Max(), ShouldEqual, 800*2)
			})

			Convey("And the span covers smallest to largest element", func() {
				span := e.Field(heap.Young, 1)
				So(span.Total(), ShouldEqual, 1)
				So(span.Max(), ShouldEqual, 784*2)
			})
		})

		Convey("When visiting an array of nulls", func() {
			arr := synthetic.NewArray(class, base, heap.Null, heap.Null)
			e.Visit(heap.Young, 1, arr, nil)

			Convey("Then the span is recorded as null", func() {
				So(e.Field(heap.Young, 1).Nulls(), ShouldEqual, 1)
			})
		})
	})
}

func TestVisitWithVerification(t *testing.T) {
	Convey("Given a verifying entry and a store log", t, func() {
		class := synthetic.NewInstanceClass(3, "app/Box", 1)
		e := New(class, Options{Verify: true})
		So(e.Fields(), ShouldEqual, 2)

		log := verify.New(16, nil)
		obj := synthetic.NewInstance(class, 0x1000, 0x1040)
		slot := synthetic.SlotAddress(obj.Address(), 0)

		log.RegisterStore(heap.Old, slot, 0x1080)
		log.RegisterStore(heap.Old, slot, 0x1100)
		log.RegisterStore(heap.Old, 0x9000, 0x1000)
		log.MarkEpochStart(heap.Old)

		Convey("When the object is visited", func() {
			e.Visit(heap.Old, 1, obj, log)

			Convey("Then both stores into the slot are reconciled", func() {
				So(e.Field(heap.Old, 0).Total(), ShouldEqual, 1)
				So(e.Field(heap.Old, 1).Total(), ShouldEqual, 2)
				So(e.Field(heap.Old, 1).Max(), ShouldEqual, 0x100*2)
			})

			Convey("And the evaluation carries the store histogram", func() {
				c := e.Evaluate(heap.Old, 1, Env{HeapCapacity: 1 << 20, AssumedWidth: 4})
				So(c.Fields, ShouldHaveLength, 1)
				So(c.Fields[0].Stores, ShouldNotBeNil)
				So(c.Fields[0].Stores.Total(), ShouldEqual, 2)
			})
		})
	})
}

func TestEvaluate(t *testing.T) {
	env := Env{HeapCapacity: 1 << 20, AssumedWidth: 5}

	Convey("Given an instance class entry visited ten times", t, func() {
		class := nodeClass()
		e := New(class, Options{})
		for i := 0; i < 10; i++ {
			addr := heap.Address(0x10000 + i*0x40)
			e.Visit(heap.Young, 7, synthetic.NewInstance(class, addr, addr+0x20, heap.Null), nil)
		}

		Convey("Then the current epoch is evaluated", func() {
			c := e.Evaluate(heap.Young, 7, env)
			So(c.Touched, ShouldBeTrue)
			So(c.Instances, ShouldEqual, 10)
			So(c.Savings, ShouldEqual, 2*3*10)
			So(c.Redundant, ShouldEqual, 2*7*10)
			So(c.Far, ShouldBeFalse)
			So(c.Metadata, ShouldEqual, e.Footprint())
		})

		Convey("Then gains replace the per-field estimate", func() {
			e.SetGains(heuristics.NewGains(32, 4, 12, 2))
			So(e.Evaluate(heap.Young, 7, env).Savings, ShouldEqual, 40)
		})

		Convey("Then another epoch is not evaluated", func() {
			c := e.Evaluate(heap.Young, 8, env)
			So(c.Touched, ShouldBeFalse)
			So(c.Savings, ShouldEqual, 0)
		})

		Convey("Then the other generation is not evaluated", func() {
			So(e.Evaluate(heap.Old, 7, env).Touched, ShouldBeFalse)
		})
	})

	Convey("Given a reference beyond the heap capacity", t, func() {
		class := nodeClass()
		e := New(class, Options{})
		e.Visit(heap.Old, 1, synthetic.NewInstance(class, 0x10000, 0x10000+4096), nil)

		Convey("Then the entry reports a far field", func() {
			c := e.Evaluate(heap.Old, 1, Env{HeapCapacity: 1024, AssumedWidth: 2})
			So(c.Far, ShouldBeTrue)
			So(c.Fields[0].Far, ShouldBeTrue)
		})
	})

	Convey("Given an array class entry", t, func() {
		class := synthetic.NewArrayClass(10, "[Lapp/Node;", nodeClass())
		e := New(class, Options{})
		base := heap.Address(0x40000)
		e.Visit(heap.Young, 2, synthetic.NewArray(class, base, base+16, heap.Null, base+800), nil)

		Convey("Then savings scale with the element count", func() {
			c := e.Evaluate(heap.Young, 2, env)
			So(c.Elements, ShouldEqual, 3)
			So(c.Savings, ShouldEqual, 3*3)
			So(c.Redundant, ShouldEqual, 3*6)
			So(c.SpanBytes, ShouldEqual, 2)
			So(c.Fields, ShouldHaveLength, 2)
		})
	})
}

func TestStatus(t *testing.T) {
	Convey("Given an entry with an initial status", t, func() {
		e := New(nodeClass(), Options{})
		e.SetInitialStatus(heuristics.Likely)

		Convey("Then both generations carry it", func() {
			So(e.Status(heap.Young), ShouldEqual, heuristics.Likely)
			So(e.Status(heap.Old), ShouldEqual, heuristics.Likely)
		})

		Convey("Then transitions only succeed from the expected status", func() {
			So(e.CompareAndSetStatus(heap.Old, heuristics.Evaluate, heuristics.Pending), ShouldBeFalse)
			So(e.CompareAndSetStatus(heap.Old, heuristics.Likely, heuristics.Pending), ShouldBeTrue)
			So(e.Status(heap.Old), ShouldEqual, heuristics.Pending)
			So(e.Status(heap.Young), ShouldEqual, heuristics.Likely)
		})
	})
}

func TestPooledEntry(t *testing.T) {
	pool := histogram.NewPool()
	class := nodeClass()

	e := New(class, Options{Pool: pool})
	e.Visit(heap.Young, 1, synthetic.NewInstance(class, 0x1000, 0x2000, 0x3000), nil)
	e.Detach()
	e.Release()

	next := New(class, Options{Pool: pool})
	for i := 0; i < next.Fields(); i++ {
		if total := next.Field(heap.Young, i).Total(); total != 0 {
			t.Fatalf("reused histogram %d carries %d observations", i, total)
		}
	}
}
