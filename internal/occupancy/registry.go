// Package occupancy tracks which peer addresses are currently owned by a live
// logical connection.
//
// A Registry is shared by a backend and every connection it creates. An
// address is present if and only if some live connection owns it; Reserve is
// an atomic insert-if-absent, so two callers racing for the same peer never
// both succeed.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package occupancy

import (
	"net/netip"
	"slices"
	"sync"
)

// Registry is a concurrent set of reserved peer addresses.
type Registry struct {
	mu    sync.RWMutex
	addrs map[netip.AddrPort]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		addrs: make(map[netip.AddrPort]struct{}),
	}
}

// Normalize unmaps IPv4-mapped IPv6 addresses so that a peer seen through a
// dual-stack socket and the same peer given as plain IPv4 compare equal.
func Normalize(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// Reserve claims addr. It returns false if addr is already reserved.
func (r *Registry) Reserve(addr netip.AddrPort) bool {
	addr = Normalize(addr)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.addrs[addr]; ok {
		return false
	}
	r.addrs[addr] = struct{}{}
	return true
}

// Release removes addr from the registry. It returns false if addr was not
// reserved.
func (r *Registry) Release(addr netip.AddrPort) bool {
	addr = Normalize(addr)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.addrs[addr]; !ok {
		return false
	}
	delete(r.addrs, addr)
	return true
}

// Contains reports whether addr is reserved.
func (r *Registry) Contains(addr netip.AddrPort) bool {
	addr = Normalize(addr)

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.addrs[addr]
	return ok
}

// Len returns the number of reserved addresses.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.addrs)
}

// Snapshot returns the reserved addresses in sorted order.
func (r *Registry) Snapshot() []netip.AddrPort {
	r.mu.RLock()
	out := make([]netip.AddrPort, 0, len(r.addrs))
	for addr := range r.addrs {
		out = append(out, addr)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b netip.AddrPort) int {
		return a.Compare(b)
	})
	return out
}
