// Package idmgr provides identifier allocation policies that share one
// contract: a taken set guarded by Allocate, Release and Verify.
package idmgr

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicateAllocation = errors.New("id already allocated")
	ErrPoolExhausted       = errors.New("id pool exhausted")
	ErrNotInPool           = errors.New("id not in pool")
	ErrNotAllocated        = errors.New("id not allocated")
	ErrInvalidGenerator    = errors.New("invalid id generator")
	ErrInvalidPolicy       = errors.New("invalid allocation policy")
)

// Manager is the common contract of every allocation policy.
type Manager interface {
	// Name identifies the policy ("finite", "ip", "infinite", "publicKey").
	Name() string
	// Allocate reserves desired, or a policy-chosen id when desired is
	// empty. An id that is already taken is rejected with
	// ErrDuplicateAllocation and nothing changes.
	Allocate(desired string) (string, error)
	// Release returns id to the policy. False means id was not held.
	Release(id string) bool
	// Verify reports whether id is valid under the policy.
	Verify(id string) bool
	// Has reports whether id is in the taken set.
	Has(id string) bool
	// Taken returns the taken set, sorted.
	Taken() []string
}

// manager implements the taken-set bookkeeping shared by all policies.
// The policy hooks run with mu held.
type manager struct {
	name string

	mu    sync.Mutex
	taken map[string]struct{}

	allocate func(desired string) (string, error)
	release  func(id string) bool
	verify   func(id string) bool
}

func newManager(name string, allocate func(string) (string, error)) *manager {
	m := &manager{
		name:     name,
		taken:    make(map[string]struct{}),
		allocate: allocate,
	}
	m.release = func(string) bool { return true }
	m.verify = func(id string) bool {
		_, ok := m.taken[id]
		return ok
	}
	return m
}

func (m *manager) Name() string { return m.name }

func (m *manager) Allocate(desired string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if desired != "" {
		if _, ok := m.taken[desired]; ok {
			return "", fmt.Errorf("%s: %w: %s", m.name, ErrDuplicateAllocation, desired)
		}
	}

	id, err := m.allocate(desired)
	if err != nil {
		return "", fmt.Errorf("%s: %w", m.name, err)
	}
	if _, ok := m.taken[id]; ok {
		return "", fmt.Errorf("%s: %w: %s", m.name, ErrDuplicateAllocation, id)
	}
	m.taken[id] = struct{}{}
	return id, nil
}

func (m *manager) Release(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.taken[id]; !ok {
		return false
	}
	if !m.release(id) {
		return false
	}
	delete(m.taken, id)
	return true
}

func (m *manager) Verify(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verify(id)
}

func (m *manager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.taken[id]
	return ok
}

func (m *manager) Taken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.taken))
	for id := range m.taken {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
