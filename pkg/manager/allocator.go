package manager

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// Host offsets handed out within the service range
const (
	firstServiceOffset = 10
	lastServiceOffset  = 249
)

var (
	// ErrRangeFull is returned when every cluster IP is in use
	ErrRangeFull = errors.New("service IP range is full")
	// ErrAllocated is returned when reserving an IP that is already taken
	ErrAllocated = errors.New("IP is already allocated")
)

// IPAllocator hands out service cluster IPs from a prefix. Addresses are
// offset from the prefix base, .10 through .249 in a /24.
type IPAllocator struct {
	prefix netip.Prefix
	first  netip.Addr
	last   netip.Addr

	mu   sync.Mutex
	used map[netip.Addr]struct{}
}

// NewIPAllocator creates an allocator for cidr, e.g. "10.96.0.0/24"
func NewIPAllocator(cidr string) (*IPAllocator, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service CIDR: %w", err)
	}
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("service CIDR %s is not IPv4", cidr)
	}

	hostBits := 32 - prefix.Bits()
	if hostBits < 5 {
		return nil, fmt.Errorf("service CIDR %s is too small", cidr)
	}
	last := lastServiceOffset
	if size := 1<<hostBits - 2; hostBits < 8 && size < last {
		last = size
	}

	return &IPAllocator{
		prefix: prefix,
		first:  offset(prefix.Addr(), firstServiceOffset),
		last:   offset(prefix.Addr(), last),
		used:   make(map[netip.Addr]struct{}),
	}, nil
}

func offset(base netip.Addr, n int) netip.Addr {
	a := base
	for i := 0; i < n; i++ {
		a = a.Next()
	}
	return a
}

// Allocate returns the lowest free address
func (a *IPAllocator) Allocate() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for ip := a.first; ip.Compare(a.last) <= 0; ip = ip.Next() {
		if _, taken := a.used[ip]; !taken {
			a.used[ip] = struct{}{}
			return ip.String(), nil
		}
	}
	return "", ErrRangeFull
}

// Reserve marks ip as used. Addresses outside the allocatable range are
// accepted and not tracked.
func (a *IPAllocator) Reserve(ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid IP %q: %w", ip, err)
	}
	if !a.inRange(addr) {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, taken := a.used[addr]; taken {
		return fmt.Errorf("%s: %w", ip, ErrAllocated)
	}
	a.used[addr] = struct{}{}
	return nil
}

// Release returns ip to the pool. Unknown addresses are ignored.
func (a *IPAllocator) Release(ip string) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, addr)
}

// Used returns the number of allocated addresses
func (a *IPAllocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

func (a *IPAllocator) inRange(addr netip.Addr) bool {
	return a.prefix.Contains(addr) && addr.Compare(a.first) >= 0 && addr.Compare(a.last) <= 0
}
