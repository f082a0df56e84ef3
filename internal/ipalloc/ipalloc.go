// Package ipalloc hands out IPv4 addresses from a subnet.
//
// The pool is never materialized: fresh addresses come from a cursor that
// walks the subnet in ascending order, released addresses queue up behind
// it in FIFO order. Memory is proportional to the number of addresses that
// have been handed out, not to the subnet size.
package ipalloc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

var (
	ErrInvalidSubnet  = errors.New("invalid subnet")
	ErrPoolExhausted  = errors.New("ip pool exhausted")
	ErrInvalidRelease = errors.New("invalid ip release")
)

// Allocator manages the address pool of one IPv4 subnet. The network and
// broadcast addresses are reserved and never handed out.
type Allocator struct {
	prefix    netip.Prefix
	network   uint32
	broadcast uint32

	mu        sync.Mutex
	next      uint32 // next never-allocated address
	released  []uint32
	allocated map[uint32]struct{}
}

// New parses a CIDR string like "72.16.0.0/14". The prefix must leave at
// least one usable host address (so /31 and /32 are rejected).
func New(cidr string) (*Allocator, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubnet, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("%w: %s is not IPv4", ErrInvalidSubnet, cidr)
	}
	if prefix.Bits() > 30 {
		return nil, fmt.Errorf("%w: /%d has no usable host addresses", ErrInvalidSubnet, prefix.Bits())
	}
	prefix = prefix.Masked()

	network := toUint32(prefix.Addr())
	size := uint32(1) << (32 - prefix.Bits())

	return &Allocator{
		prefix:    prefix,
		network:   network,
		broadcast: network + size - 1,
		next:      network + 1,
		allocated: make(map[uint32]struct{}),
	}, nil
}

// Prefix returns the managed subnet.
func (a *Allocator) Prefix() netip.Prefix { return a.prefix }

// NetworkIP returns the reserved first address.
func (a *Allocator) NetworkIP() string { return fromUint32(a.network).String() }

// BroadcastIP returns the reserved last address.
func (a *Allocator) BroadcastIP() string { return fromUint32(a.broadcast).String() }

// Allocate returns the next available address: released addresses first
// (oldest release first), then the lowest never-used one.
func (a *Allocator) Allocate() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ip uint32
	switch {
	case len(a.released) > 0:
		ip = a.released[0]
		a.released = a.released[1:]
	case a.next < a.broadcast:
		ip = a.next
		a.next++
	default:
		return "", fmt.Errorf("%w: %s", ErrPoolExhausted, a.prefix)
	}

	a.allocated[ip] = struct{}{}
	return fromUint32(ip).String(), nil
}

// Release returns ip to the pool. Reserved addresses, addresses outside
// the subnet and addresses that are not currently allocated are rejected.
func (a *Allocator) Release(ip string) error {
	v, err := a.parse(ip)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRelease, err)
	}
	if v == a.network || v == a.broadcast {
		return fmt.Errorf("%w: %s is reserved", ErrInvalidRelease, ip)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.allocated[v]; !ok {
		return fmt.Errorf("%w: %s is not allocated", ErrInvalidRelease, ip)
	}
	delete(a.allocated, v)
	a.released = append(a.released, v)
	return nil
}

// IsAvailable reports whether ip belongs to the pool and is not allocated.
func (a *Allocator) IsAvailable(ip string) bool {
	v, err := a.parse(ip)
	if err != nil || v == a.network || v == a.broadcast {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	_, taken := a.allocated[v]
	return !taken
}

// IsAllocated reports whether ip is currently handed out.
func (a *Allocator) IsAllocated(ip string) bool {
	v, err := a.parse(ip)
	if err != nil {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	_, taken := a.allocated[v]
	return taken
}

// Contains reports whether ip lies within the subnet, reserved addresses included.
func (a *Allocator) Contains(ip string) bool {
	_, err := a.parse(ip)
	return err == nil
}

// Allocated returns the number of addresses currently handed out.
func (a *Allocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

// AvailableCount returns the number of addresses that can still be allocated.
func (a *Allocator) AvailableCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(a.broadcast-a.next) + uint64(len(a.released))
}

func (a *Allocator) parse(ip string) (uint32, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return 0, err
	}
	if !a.prefix.Contains(addr) {
		return 0, fmt.Errorf("%s is outside %s", ip, a.prefix)
	}
	return toUint32(addr), nil
}

func toUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

func fromUint32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
