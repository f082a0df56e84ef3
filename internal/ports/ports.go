// Package ports implements the per-interface virtual port pool.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrPortsExhausted = errors.New("no available ports")
	ErrInvalidPort    = errors.New("invalid port")
	ErrPortInUse      = errors.New("port already in use")
)

// Pool hands out ports in [start, end]. Fresh ports are taken in ascending
// order; released ports are reused before fresh ones.
type Pool struct {
	start, end int

	mu       sync.Mutex
	next     int
	released []int
	inUse    map[int]struct{}
}

// New creates a pool over the inclusive range [start, end].
func New(start, end int) (*Pool, error) {
	if start < 1 || end > 65535 || start > end {
		return nil, fmt.Errorf("%w: range %d-%d", ErrInvalidPort, start, end)
	}
	return &Pool{start: start, end: end, next: start, inUse: make(map[int]struct{})}, nil
}

// Allocate returns any free port.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.released) > 0 {
		port := p.released[0]
		p.released = p.released[1:]
		if _, busy := p.inUse[port]; !busy {
			p.inUse[port] = struct{}{}
			return port, nil
		}
	}
	for p.next <= p.end {
		port := p.next
		p.next++
		if _, busy := p.inUse[port]; !busy {
			p.inUse[port] = struct{}{}
			return port, nil
		}
	}
	return 0, ErrPortsExhausted
}

// Take reserves a specific port. Port 0 behaves like Allocate.
func (p *Pool) Take(port int) (int, error) {
	if port == 0 {
		return p.Allocate()
	}
	if port < p.start || port > p.end {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inUse[port]; busy {
		return 0, fmt.Errorf("%w: %d", ErrPortInUse, port)
	}
	p.inUse[port] = struct{}{}
	return port, nil
}

// Release frees port. Releasing a free port is a no-op.
func (p *Pool) Release(port int) error {
	if port < p.start || port > p.end {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inUse[port]; !busy {
		return nil
	}
	delete(p.inUse, port)
	if port < p.next {
		p.released = append(p.released, port)
	}
	return nil
}

// Count returns how many ports are free.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.end - p.start + 1 - len(p.inUse)
}

// InUse reports whether port is reserved.
func (p *Pool) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, busy := p.inUse[port]
	return busy
}
