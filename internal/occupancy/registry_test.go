package occupancy

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistry_ReserveRelease(t *testing.T) {
	r := New()
	addr := netip.MustParseAddrPort("127.0.0.1:40000")

	if !r.Reserve(addr) {
		t.Fatal("first Reserve = false, want true")
	}
	if r.Reserve(addr) {
		t.Error("second Reserve = true, want false")
	}
	if !r.Contains(addr) {
		t.Error("Contains = false after Reserve")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}

	if !r.Release(addr) {
		t.Error("Release = false, want true")
	}
	if r.Release(addr) {
		t.Error("second Release = true, want false")
	}
	if r.Contains(addr) {
		t.Error("Contains = true after Release")
	}

	// Released addresses are reclaimable.
	if !r.Reserve(addr) {
		t.Error("Reserve after Release = false, want true")
	}
}

func TestRegistry_DistinctPorts(t *testing.T) {
	r := New()

	a := netip.MustParseAddrPort("127.0.0.1:40000")
	b := netip.MustParseAddrPort("127.0.0.1:40001")
	c := netip.MustParseAddrPort("[::1]:40000")

	for _, addr := range []netip.AddrPort{a, b, c} {
		if !r.Reserve(addr) {
			t.Errorf("Reserve(%s) = false, want true", addr)
		}
	}
	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3", r.Len())
	}
}

func TestRegistry_MappedAddressesCompareEqual(t *testing.T) {
	r := New()

	plain := netip.MustParseAddrPort("192.0.2.1:5000")
	mapped := netip.MustParseAddrPort("[::ffff:192.0.2.1]:5000")

	if !r.Reserve(plain) {
		t.Fatal("Reserve(plain) = false")
	}
	if r.Reserve(mapped) {
		t.Error("Reserve(mapped) = true, want false for the same peer")
	}
	if !r.Contains(mapped) {
		t.Error("Contains(mapped) = false, want true")
	}
	if !r.Release(mapped) {
		t.Error("Release(mapped) = false, want true")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := New()
	r.Reserve(netip.MustParseAddrPort("127.0.0.1:3"))
	r.Reserve(netip.MustParseAddrPort("127.0.0.1:1"))
	r.Reserve(netip.MustParseAddrPort("127.0.0.1:2"))

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len(Snapshot) = %d, want 3", len(snap))
	}
	for i, want := range []uint16{1, 2, 3} {
		if snap[i].Port() != want {
			t.Errorf("snap[%d].Port() = %d, want %d", i, snap[i].Port(), want)
		}
	}
}

func TestRegistry_ConcurrentReserveIsExclusive(t *testing.T) {
	r := New()
	addr := netip.MustParseAddrPort("127.0.0.1:40000")

	const rounds = 200
	const contenders = 16

	for round := 0; round < rounds; round++ {
		var winners atomic.Int32
		var wg sync.WaitGroup
		wg.Add(contenders)

		for i := 0; i < contenders; i++ {
			go func() {
				defer wg.Done()
				if r.Reserve(addr) {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()

		if got := winners.Load(); got != 1 {
			t.Fatalf("round %d: %d winners, want exactly 1", round, got)
		}
		r.Release(addr)
	}
}

func TestRegistry_ConcurrentDistinctAddresses(t *testing.T) {
	r := New()

	const n = 256
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(port uint16) {
			defer wg.Done()
			addr := netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), port)
			if !r.Reserve(addr) {
				t.Errorf("Reserve(%s) = false", addr)
			}
			if !r.Release(addr) {
				t.Errorf("Release(%s) = false", addr)
			}
		}(uint16(1000 + i))
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Len = %d after all releases, want 0", r.Len())
	}
}
