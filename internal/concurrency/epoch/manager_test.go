// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"sync"
	"testing"

	"pgregory.net/rapid"

	. "github.com/smartystreets/goconvey/convey"
)

func TestManagerBasicOperations(t *testing.T) {
	Convey("Given a new epoch manager", t, func() {
		m := NewManager()

		Convey("Initially", func() {
			So(m.MinActive(), ShouldEqual, 0)
			So(m.ActiveCount(), ShouldEqual, 0)
			So(m.Current(), ShouldEqual, 1)
		})

		Convey("When pinning at epoch 1", func() {
			g1 := m.Pin()

			Convey("Then MinActive should be 1", func() {
				So(g1.Epoch(), ShouldEqual, 1)
				So(m.MinActive(), ShouldEqual, 1)
			})

			Convey("When the clock advances and a second reader pins", func() {
				retired := m.Advance()
				g2 := m.Pin()

				Convey("Then MinActive should still be 1", func() {
					So(g2.Epoch(), ShouldEqual, retired)
					So(m.MinActive(), ShouldEqual, 1)
					So(m.ActiveCount(), ShouldEqual, 2)
				})

				Convey("And the retired epoch is not reclaimable", func() {
					So(m.Reclaimable(retired), ShouldBeFalse)
				})

				Convey("When the first reader unpins", func() {
					g1.Unpin()

					Convey("Then the retired epoch becomes reclaimable", func() {
						So(m.MinActive(), ShouldEqual, retired)
						So(m.Reclaimable(retired), ShouldBeTrue)
					})

					Convey("When the second reader unpins", func() {
						g2.Unpin()

						Convey("Then nothing is pinned", func() {
							So(m.MinActive(), ShouldEqual, 0)
							So(m.ActiveCount(), ShouldEqual, 0)
						})
					})
				})
			})
		})
	})
}

func TestManagerOverflow(t *testing.T) {
	Convey("Given a manager with a single slot", t, func() {
		m := NewManagerWithSlots(1)
		g1 := m.Pin()

		Convey("When two more readers pin", func() {
			m.Advance()
			g2 := m.Pin()
			g3 := m.Pin()

			Convey("Then the overflow set tracks them", func() {
				So(m.ActiveCount(), ShouldEqual, 2)
				So(m.MinActive(), ShouldEqual, 1)
			})

			Convey("When the slot holder unpins", func() {
				g1.Unpin()

				Convey("Then MinActive comes from the overflow set", func() {
					So(m.MinActive(), ShouldEqual, 2)
				})

				Convey("When both overflow readers unpin", func() {
					g2.Unpin()
					g3.Unpin()

					Convey("Then nothing is pinned", func() {
						So(m.MinActive(), ShouldEqual, 0)
						So(m.ActiveCount(), ShouldEqual, 0)
					})
				})
			})
		})
	})
}

func TestManagerDuplicateRegistrations(t *testing.T) {
	Convey("Given a new epoch manager", t, func() {
		m := NewManagerWithSlots(0)

		Convey("When registering epoch 10 multiple times", func() {
			m.Register(10)
			m.Register(10)
			m.Register(10)

			Convey("Then ActiveCount should be 1", func() {
				So(m.ActiveCount(), ShouldEqual, 1)
			})

			Convey("When unregistering once", func() {
				m.Unregister(10)

				Convey("Then ActiveCount should still be 1", func() {
					So(m.ActiveCount(), ShouldEqual, 1)
				})

				Convey("When unregistering twice more", func() {
					m.Unregister(10)
					m.Unregister(10)

					Convey("Then ActiveCount should be 0", func() {
						So(m.ActiveCount(), ShouldEqual, 0)
					})
				})
			})
		})
	})
}

func TestManagerConcurrentAccess(t *testing.T) {
	Convey("Given a new epoch manager", t, func() {
		m := NewManagerWithSlots(4)

		Convey("When performing concurrent pins, unpins and advances", func() {
			var wg sync.WaitGroup
			const numGoroutines = 16
			const numOps = 1000

			for i := 0; i < numGoroutines; i++ {
				wg.Add(1)
				go func(goroutineID int) {
					defer wg.Done()
					for j := 0; j < numOps; j++ {
						g := m.Pin()
						if goroutineID%4 == 0 {
							m.Advance()
						}
						g.Unpin()
					}
				}(i)
			}

			wg.Wait()

			Convey("Then all epochs should be unpinned", func() {
				So(m.ActiveCount(), ShouldEqual, 0)
				So(m.MinActive(), ShouldEqual, 0)
				So(m.Current(), ShouldEqual, 1+4*numOps)
			})
		})
	})
}

func TestManagerUnregisterNonExistent(t *testing.T) {
	Convey("Given a new epoch manager", t, func() {
		m := NewManager()

		Convey("When unregistering a non-existent epoch", func() {
			m.Unregister(10)

			Convey("Then ActiveCount should be 0", func() {
				So(m.ActiveCount(), ShouldEqual, 0)
			})

			Convey("And MinActive should be 0", func() {
				So(m.MinActive(), ShouldEqual, 0)
			})
		})
	})
}

func TestZeroGuardUnpin(t *testing.T) {
	var g Guard
	g.Unpin()
}

func TestSlotHintInRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 1<<16).Draw(t, "n")
		if h := slotHint(n); h < 0 || h >= n {
			t.Fatalf("slotHint(%d) = %d", n, h)
		}
	})
}

func TestPinFillsEverySlot(t *testing.T) {
	m := NewManagerWithSlots(8)
	guards := make([]Guard, 0, 8)
	for i := 0; i < 8; i++ {
		guards = append(guards, m.Pin())
	}
	for _, g := range guards {
		if g.slot < 0 {
			t.Fatalf("Expected every pin to take a slot, got overflow")
		}
	}
	if n := m.ActiveCount(); n != 8 {
		t.Errorf("Expected 8 pinned slots, got %d", n)
	}

	extra := m.Pin()
	if extra.slot != -1 || m.ActiveCount() != 9 {
		t.Errorf("Expected the ninth pin to overflow")
	}
	extra.Unpin()
	for _, g := range guards {
		g.Unpin()
	}
	if m.MinActive() != 0 {
		t.Errorf("Expected nothing pinned, got %d", m.MinActive())
	}
}
