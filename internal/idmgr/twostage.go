package idmgr

import (
	"fmt"
	"sync"
)

// TwoStage pairs an ephemeral (pre-verification) manager with a durable
// (post-verification) one. Promote moves an entity from the first to the
// second as one transaction.
type TwoStage struct {
	Ephemeral Manager
	Durable   Manager

	mu sync.Mutex
}

// NewTwoStage composes stage1 (ephemeral) and stage2 (durable).
func NewTwoStage(stage1, stage2 Manager) *TwoStage {
	return &TwoStage{Ephemeral: stage1, Durable: stage2}
}

// Admit allocates an ephemeral id.
func (t *TwoStage) Admit(desired string) (string, error) {
	return t.Ephemeral.Allocate(desired)
}

// Promote swaps oldID in the ephemeral stage for a durable id.
//
// The durable id is reserved first and the ephemeral id is released only
// once that succeeded. If the durable stage cannot allocate, oldID stays
// valid. If oldID turns out not to be held, the durable id is rolled back.
func (t *TwoStage) Promote(oldID, desired string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.Ephemeral.Has(oldID) {
		return "", fmt.Errorf("%s: %w: %s", t.Ephemeral.Name(), ErrNotAllocated, oldID)
	}

	newID, err := t.Durable.Allocate(desired)
	if err != nil {
		return "", err
	}

	if !t.Ephemeral.Release(oldID) {
		t.Durable.Release(newID)
		return "", fmt.Errorf("%s: %w: %s", t.Ephemeral.Name(), ErrNotAllocated, oldID)
	}
	return newID, nil
}

// Release frees a durable id.
func (t *TwoStage) Release(id string) bool { return t.Durable.Release(id) }

// Verify checks a durable id.
func (t *TwoStage) Verify(id string) bool { return t.Durable.Verify(id) }
