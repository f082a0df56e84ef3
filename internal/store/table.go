package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrNotFound  = errors.New("entity not found")
	ErrExists    = errors.New("entity already exists")
	ErrNoID      = errors.New("entity has no id")
	ErrIDChanged = errors.New("update changed the entity id")
)

type row[V any] struct {
	seq   uint64
	value V
}

// Table is one typed entity collection keyed by an identity field.
//
// Values are stored by value: Get and friends return copies, mutation goes
// through Update. An optional IP index keeps FindByIP O(1). Every mutation
// closes the channel returned by Changed, which is how live views learn
// about it.
type Table[V any] struct {
	name     string
	idOf     func(V) string
	ipOf     func(V) string
	teardown func(V) error

	mu      sync.RWMutex
	rows    map[string]*row[V]
	seq     uint64
	byIP    map[string]map[string]struct{}
	active  map[string]struct{}
	changed chan struct{}
}

// TableOption configures a Table.
type TableOption[V any] func(*Table[V])

// WithIPIndex indexes entities by the address ipOf returns. Empty
// addresses are not indexed.
func WithIPIndex[V any](ipOf func(V) string) TableOption[V] {
	return func(t *Table[V]) { t.ipOf = ipOf }
}

// WithTeardown sets the function that releases the external resources an
// entity owns. Destroy and Store.Reset call it.
func WithTeardown[V any](fn func(V) error) TableOption[V] {
	return func(t *Table[V]) { t.teardown = fn }
}

// NewTable creates an empty table. idOf extracts the identity of a value.
func NewTable[V any](name string, idOf func(V) string, opts ...TableOption[V]) *Table[V] {
	t := &Table[V]{
		name:    name,
		idOf:    idOf,
		rows:    make(map[string]*row[V]),
		byIP:    make(map[string]map[string]struct{}),
		active:  make(map[string]struct{}),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the table name.
func (t *Table[V]) Name() string { return t.name }

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (t *Table[V]) Get(id string) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rows[id]
	if !ok {
		var zero V
		return zero, false
	}
	return r.value, true
}

func (t *Table[V]) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.rows[id]
	return ok
}

// Find returns the oldest entity matching pred.
func (t *Table[V]) Find(pred func(V) bool) (V, bool) {
	for _, v := range t.All() {
		if pred(v) {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Filter returns every entity matching pred, oldest first.
func (t *Table[V]) Filter(pred func(V) bool) []V {
	var out []V
	for _, v := range t.All() {
		if pred(v) {
			out = append(out, v)
		}
	}
	return out
}

// All returns every entity in insertion order.
func (t *Table[V]) All() []V {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedLocked(func(string) bool { return true })
}

// IDs returns every id in insertion order.
func (t *Table[V]) IDs() []string {
	all := t.All()
	ids := make([]string, len(all))
	for i, v := range all {
		ids[i] = t.idOf(v)
	}
	return ids
}

func (t *Table[V]) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// ByIP returns the entities indexed under ip, oldest first. Tables without
// an IP index never match.
func (t *Table[V]) ByIP(ip string) []V {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.byIP[ip]
	if len(ids) == 0 {
		return nil
	}
	return t.sortedLocked(func(id string) bool {
		_, ok := ids[id]
		return ok
	})
}

// FindByIP returns the oldest entity indexed under ip.
func (t *Table[V]) FindByIP(ip string) (V, bool) {
	if vs := t.ByIP(ip); len(vs) > 0 {
		return vs[0], true
	}
	var zero V
	return zero, false
}

func (t *Table[V]) sortedLocked(keep func(id string) bool) []V {
	rows := make([]*row[V], 0, len(t.rows))
	for id, r := range t.rows {
		if keep(id) {
			rows = append(rows, r)
		}
	}
	slices.SortFunc(rows, func(a, b *row[V]) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]V, len(rows))
	for i, r := range rows {
		out[i] = r.value
	}
	return out
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// Add inserts v. It fails with ErrExists if the id is taken.
func (t *Table[V]) Add(v V) error {
	id := t.idOf(v)
	if id == "" {
		return fmt.Errorf("%s: %w", t.name, ErrNoID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[id]; ok {
		return fmt.Errorf("%s: %w: %s", t.name, ErrExists, id)
	}
	t.insertLocked(id, v)
	t.notifyLocked()
	return nil
}

// Upsert inserts v or replaces the entity with the same id in place.
func (t *Table[V]) Upsert(v V) error {
	id := t.idOf(v)
	if id == "" {
		return fmt.Errorf("%s: %w", t.name, ErrNoID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.rows[id]; ok {
		t.unindexLocked(id, r.value)
		r.value = v
		t.indexLocked(id, v)
	} else {
		t.insertLocked(id, v)
	}
	t.notifyLocked()
	return nil
}

// Update applies fn to the entity with the given id.
func (t *Table[V]) Update(id string, fn func(*V)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rows[id]
	if !ok {
		return fmt.Errorf("%s: %w: %s", t.name, ErrNotFound, id)
	}
	next := r.value
	fn(&next)
	if t.idOf(next) != id {
		return fmt.Errorf("%s: %w: %s", t.name, ErrIDChanged, id)
	}
	t.unindexLocked(id, r.value)
	r.value = next
	t.indexLocked(id, next)
	t.notifyLocked()
	return nil
}

// UpdateWhere applies fn to every entity matching pred and returns how many
// were updated.
func (t *Table[V]) UpdateWhere(pred func(V) bool, fn func(*V)) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, r := range t.rows {
		if !pred(r.value) {
			continue
		}
		next := r.value
		fn(&next)
		if t.idOf(next) != id {
			continue
		}
		t.unindexLocked(id, r.value)
		r.value = next
		t.indexLocked(id, next)
		n++
	}
	if n > 0 {
		t.notifyLocked()
	}
	return n
}

// Delete removes the entity and returns it. Its resources are left alone.
func (t *Table[V]) Delete(id string) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rows[id]
	if !ok {
		var zero V
		return zero, false
	}
	t.removeLocked(id, r.value)
	t.notifyLocked()
	return r.value, true
}

// DeleteAll empties the table and returns what it held.
func (t *Table[V]) DeleteAll() []V {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.sortedLocked(func(string) bool { return true })
	if len(out) == 0 && len(t.active) == 0 {
		return nil
	}
	t.rows = make(map[string]*row[V])
	t.byIP = make(map[string]map[string]struct{})
	t.active = make(map[string]struct{})
	t.notifyLocked()
	return out
}

// Destroy removes the entity and runs its teardown.
func (t *Table[V]) Destroy(id string) error {
	v, ok := t.Delete(id)
	if !ok {
		return fmt.Errorf("%s: %w: %s", t.name, ErrNotFound, id)
	}
	if t.teardown == nil {
		return nil
	}
	return t.teardown(v)
}

func (t *Table[V]) insertLocked(id string, v V) {
	t.seq++
	t.rows[id] = &row[V]{seq: t.seq, value: v}
	t.indexLocked(id, v)
}

func (t *Table[V]) removeLocked(id string, v V) {
	t.unindexLocked(id, v)
	delete(t.rows, id)
	delete(t.active, id)
}

func (t *Table[V]) indexLocked(id string, v V) {
	if t.ipOf == nil {
		return
	}
	ip := t.ipOf(v)
	if ip == "" {
		return
	}
	ids, ok := t.byIP[ip]
	if !ok {
		ids = make(map[string]struct{})
		t.byIP[ip] = ids
	}
	ids[id] = struct{}{}
}

func (t *Table[V]) unindexLocked(id string, v V) {
	if t.ipOf == nil {
		return
	}
	ip := t.ipOf(v)
	if ids, ok := t.byIP[ip]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(t.byIP, ip)
		}
	}
}

func (t *Table[V]) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// ---------------------------------------------------------------------------
// Active subset
// ---------------------------------------------------------------------------

// Activate marks ids active. Unknown ids are ignored.
func (t *Table[V]) Activate(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for _, id := range ids {
		if _, ok := t.rows[id]; !ok {
			continue
		}
		if _, ok := t.active[id]; !ok {
			t.active[id] = struct{}{}
			changed = true
		}
	}
	if changed {
		t.notifyLocked()
	}
}

func (t *Table[V]) Deactivate(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for _, id := range ids {
		if _, ok := t.active[id]; ok {
			delete(t.active, id)
			changed = true
		}
	}
	if changed {
		t.notifyLocked()
	}
}

// Toggle flips the active state of each id.
func (t *Table[V]) Toggle(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for _, id := range ids {
		if _, ok := t.active[id]; ok {
			delete(t.active, id)
			changed = true
		} else if _, ok := t.rows[id]; ok {
			t.active[id] = struct{}{}
			changed = true
		}
	}
	if changed {
		t.notifyLocked()
	}
}

// ResetActive clears the active subset.
func (t *Table[V]) ResetActive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.active) == 0 {
		return
	}
	t.active = make(map[string]struct{})
	t.notifyLocked()
}

func (t *Table[V]) IsActive(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.active[id]
	return ok
}

// ActiveEntities returns the active entities in insertion order.
func (t *Table[V]) ActiveEntities() []V {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedLocked(func(id string) bool {
		_, ok := t.active[id]
		return ok
	})
}

// ActiveIDs returns the active ids in insertion order.
func (t *Table[V]) ActiveIDs() []string {
	active := t.ActiveEntities()
	ids := make([]string, len(active))
	for i, v := range active {
		ids[i] = t.idOf(v)
	}
	return ids
}

// ---------------------------------------------------------------------------
// Live views
// ---------------------------------------------------------------------------

// Changed returns a channel that is closed by the next mutation.
func (t *Table[V]) Changed() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.changed
}

// WaitFor blocks until an entity matching pred exists and returns it.
func (t *Table[V]) WaitFor(ctx context.Context, pred func(V) bool) (V, error) {
	for {
		changed := t.Changed()
		if v, ok := t.Find(pred); ok {
			return v, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
}

// Select runs query now and after every mutation of t, emitting the result
// whenever it differs from the previous one according to equal. A nil equal
// emits after every mutation. The channel is closed when ctx ends.
func Select[V, R any](ctx context.Context, t *Table[V], query func(*Table[V]) R, equal func(a, b R) bool) <-chan R {
	out := make(chan R)
	go func() {
		defer close(out)
		var prev R
		first := true
		for {
			changed := t.Changed()
			cur := query(t)
			if first || equal == nil || !equal(prev, cur) {
				select {
				case out <- cur:
				case <-ctx.Done():
					return
				}
				prev, first = cur, false
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Each emits every entity the first time it matches pred. An entity that
// is deleted and re-added is emitted again.
func Each[V any](ctx context.Context, t *Table[V], pred func(V) bool) <-chan V {
	out := make(chan V)
	go func() {
		defer close(out)
		seen := make(map[string]struct{})
		for {
			changed := t.Changed()
			present := make(map[string]struct{})
			for _, v := range t.All() {
				id := t.idOf(v)
				present[id] = struct{}{}
				if _, ok := seen[id]; ok || !pred(v) {
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
				seen[id] = struct{}{}
			}
			for id := range seen {
				if _, ok := present[id]; !ok {
					delete(seen, id)
				}
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// teardownAll runs the teardown of every entity without removing them.
func (t *Table[V]) teardownAll() []error {
	if t.teardown == nil {
		return nil
	}
	var errs []error
	for _, v := range t.All() {
		if err := t.teardown(v); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", t.name, t.idOf(v), err))
		}
	}
	return errs
}
