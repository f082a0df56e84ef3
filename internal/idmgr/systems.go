package idmgr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/1ureka/roj1net/internal/ipalloc"
)

// Policy selects which id a finite pool hands out when none is requested.
type Policy string

const (
	PolicyFirst  Policy = "first"
	PolicyLast   Policy = "last"
	PolicyRandom Policy = "random"
)

// ---------------------------------------------------------------------------
// Finite pool
// ---------------------------------------------------------------------------

// Pool is a finite set of ids.
type Pool struct {
	*manager
	pool []string
}

// NewPool copies ids into a pool that allocates according to policy.
func NewPool(ids []string, policy Policy) (*Pool, error) {
	switch policy {
	case PolicyFirst, PolicyLast, PolicyRandom:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, policy)
	}

	p := &Pool{pool: slices.Clone(ids)}
	p.manager = newManager("finite", func(desired string) (string, error) {
		if len(p.pool) == 0 {
			return "", ErrPoolExhausted
		}

		if desired != "" {
			idx := slices.Index(p.pool, desired)
			if idx == -1 {
				return "", fmt.Errorf("%w: %s", ErrNotInPool, desired)
			}
			p.pool = slices.Delete(p.pool, idx, idx+1)
			return desired, nil
		}

		var idx int
		switch policy {
		case PolicyFirst:
			idx = 0
		case PolicyLast:
			idx = len(p.pool) - 1
		case PolicyRandom:
			idx = rand.IntN(len(p.pool))
		}
		id := p.pool[idx]
		p.pool = slices.Delete(p.pool, idx, idx+1)
		return id, nil
	})
	p.manager.release = func(id string) bool {
		p.pool = append(p.pool, id)
		return true
	}
	return p, nil
}

// Available returns a copy of the ids that can still be allocated.
func (p *Pool) Available() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.pool)
}

// ---------------------------------------------------------------------------
// IP subnet
// ---------------------------------------------------------------------------

// IPSystem allocates addresses of one subnet. The desired id is ignored:
// the allocator always picks the next free address.
type IPSystem struct {
	*manager
	Allocator *ipalloc.Allocator
}

// NewIPSystem creates an IPSystem for the given CIDR.
func NewIPSystem(subnet string) (*IPSystem, error) {
	allocator, err := ipalloc.New(subnet)
	if err != nil {
		return nil, err
	}

	s := &IPSystem{Allocator: allocator}
	s.manager = newManager("ip", func(string) (string, error) {
		ip, err := allocator.Allocate()
		if errors.Is(err, ipalloc.ErrPoolExhausted) {
			return "", fmt.Errorf("%w: %w", ErrPoolExhausted, err)
		}
		return ip, err
	})
	s.manager.verify = allocator.IsAllocated
	s.manager.release = func(ip string) bool {
		return allocator.Release(ip) == nil
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Infinite generator
// ---------------------------------------------------------------------------

// maxGenerateAttempts bounds how often a colliding generator is retried.
const maxGenerateAttempts = 16

// Infinite draws ids from an unbounded generator. There is no scarcity to
// track, so Verify and Release always succeed.
type Infinite struct {
	*manager
}

// Release forgets id if it is taken. It always succeeds.
func (inf *Infinite) Release(id string) bool {
	inf.manager.Release(id)
	return true
}

// NewInfinite wraps gen. A nil generator is rejected.
func NewInfinite(gen func() string) (*Infinite, error) {
	if gen == nil {
		return nil, ErrInvalidGenerator
	}

	inf := &Infinite{}
	inf.manager = newManager("infinite", func(desired string) (string, error) {
		if desired != "" {
			return desired, nil
		}
		for i := 0; i < maxGenerateAttempts; i++ {
			id := gen()
			if id == "" {
				return "", fmt.Errorf("%w: generated empty id", ErrInvalidGenerator)
			}
			if _, taken := inf.taken[id]; !taken {
				return id, nil
			}
		}
		return "", fmt.Errorf("%w: %d consecutive collisions", ErrDuplicateAllocation, maxGenerateAttempts)
	})
	inf.manager.verify = func(string) bool { return true }
	return inf, nil
}

// ---------------------------------------------------------------------------
// Public key
// ---------------------------------------------------------------------------

// PublicKey keys the taken set by the hex encoding of raw public keys.
type PublicKey struct {
	*manager
}

// NewPublicKey creates an empty PublicKey system.
func NewPublicKey() *PublicKey {
	pk := &PublicKey{}
	pk.manager = newManager("publicKey", func(desired string) (string, error) {
		if desired == "" {
			return "", fmt.Errorf("%w: public key required", ErrNotInPool)
		}
		return desired, nil
	})
	return pk
}

// AllocateKey registers key. A key that is already registered is rejected.
func (pk *PublicKey) AllocateKey(key []byte) (string, error) {
	return pk.Allocate(hex.EncodeToString(key))
}

// ReleaseKey unregisters key.
func (pk *PublicKey) ReleaseKey(key []byte) bool {
	return pk.Release(hex.EncodeToString(key))
}

// VerifyKey reports whether key is registered.
func (pk *PublicKey) VerifyKey(key []byte) bool {
	return pk.Verify(hex.EncodeToString(key))
}
