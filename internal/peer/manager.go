// Package peer tracks peer connections and builds the direct peer
// abstraction: a connection with its own manager and signal channel.
package peer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"

	"github.com/1ureka/roj1net/internal/store"
	"github.com/1ureka/roj1net/internal/util"
)

// ErrNoID is returned when the id map yields an empty id.
var ErrNoID = errors.New("peer connection must have a valid id")

// IDMap derives the id a manager files a connection under.
type IDMap func(store.Peer) string

// ByField keys connections by a named field: "id", "ip", "name", or any
// key of Peer.Meta.
func ByField(name string) IDMap {
	return func(p store.Peer) string {
		switch name {
		case "id":
			return p.ID
		case "ip":
			return p.IP
		case "name":
			return p.Name
		}
		return p.Meta[name]
	}
}

var (
	registryMu   sync.Mutex
	registry     = make(map[string]*Manager)
	defaultIDMap = ByField("id")
)

// SetDefaultIDMap changes the id map of managers created without one.
func SetDefaultIDMap(m IDMap) {
	registryMu.Lock()
	defer registryMu.Unlock()
	defaultIDMap = m
}

// GetManager returns the live manager registered under name.
func GetManager(name string) (*Manager, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	m, ok := registry[name]
	return m, ok
}

// Manager is a named collection of peer connections with an active subset.
type Manager struct {
	name  string
	idMap IDMap
	table *store.Table[store.Peer]
	log   *util.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewManager creates a manager with its own peer table and registers it
// under name. A nil idMap selects the default.
func NewManager(name string, idMap IDMap) *Manager {
	return NewManagerOn(name, store.NewPeerTable(name), idMap)
}

// NewManagerOn creates a manager over an existing table.
func NewManagerOn(name string, table *store.Table[store.Peer], idMap IDMap) *Manager {
	registryMu.Lock()
	if idMap == nil {
		idMap = defaultIDMap
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		name:   name,
		idMap:  idMap,
		table:  table,
		log:    util.NewLogger("peers").With(name),
		ctx:    ctx,
		cancel: cancel,
	}
	registry[name] = m
	registryMu.Unlock()
	return m
}

func (m *Manager) Name() string { return m.name }

// Table exposes the underlying collection for queries.
func (m *Manager) Table() *store.Table[store.Peer] { return m.table }

// Done is closed once the manager is closed.
func (m *Manager) Done() <-chan struct{} { return m.ctx.Done() }

// GetID returns the id idMap (or the manager's map when nil) assigns p.
func (m *Manager) GetID(p store.Peer, idMap IDMap) string {
	if idMap == nil {
		idMap = m.idMap
	}
	return idMap(p)
}

// Add files p under its mapped id, replacing an entry with the same id.
// A connection that already carries an id keeps it.
func (m *Manager) Add(p store.Peer) (string, error) {
	if m.ctx.Err() != nil {
		return "", fmt.Errorf("peer manager %s closed", m.name)
	}
	if p.ID == "" {
		p.ID = m.idMap(p)
	}
	if p.ID == "" {
		return "", ErrNoID
	}
	if err := m.table.Upsert(p); err != nil {
		return "", err
	}
	return p.ID, nil
}

// Attach adds every connection received from conns until it is closed or
// the manager closes.
func (m *Manager) Attach(conns <-chan store.Peer, idMap IDMap) {
	go func() {
		for {
			select {
			case p, ok := <-conns:
				if !ok {
					return
				}
				if p.ID == "" {
					p.ID = m.GetID(p, idMap)
				}
				if _, err := m.Add(p); err != nil {
					m.log.Warnf("attach: %v", err)
				}
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// Detach removes every id received from ids until it is closed or the
// manager closes. The connections stay open.
func (m *Manager) Detach(ids <-chan string) {
	go func() {
		for {
			select {
			case id, ok := <-ids:
				if !ok {
					return
				}
				m.table.Delete(id)
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// Remove drops id without closing its connection.
func (m *Manager) Remove(id string) bool {
	_, ok := m.table.Delete(id)
	return ok
}

// Destroy drops id and closes its connection.
func (m *Manager) Destroy(id string) error { return m.table.Destroy(id) }

func (m *Manager) Get(id string) (store.Peer, bool) { return m.table.Get(id) }

// Activate marks ids eligible for routing.
func (m *Manager) Activate(ids ...string) { m.table.Activate(ids...) }

func (m *Manager) Deactivate(ids ...string) { m.table.Deactivate(ids...) }

func (m *Manager) ToggleActive(ids ...string) { m.table.Toggle(ids...) }

// ResetActivity deactivates every connection.
func (m *Manager) ResetActivity() { m.table.ResetActive() }

func (m *Manager) GetActive() []string { return m.table.ActiveIDs() }

func (m *Manager) GetActiveEntities() []store.Peer { return m.table.ActiveEntities() }

// SelectActive emits the active ids whenever they change.
func (m *Manager) SelectActive(ctx context.Context) <-chan []string {
	ctx, cancel := m.bind(ctx)
	out := store.Select(ctx, m.table, (*store.Table[store.Peer]).ActiveIDs, slices.Equal[[]string])
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return out
}

// Connections emits each active connection once.
func (m *Manager) Connections(ctx context.Context) <-chan store.Peer {
	ctx, cancel := m.bind(ctx)
	out := store.Each(ctx, m.table, func(p store.Peer) bool { return m.table.IsActive(p.ID) })
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return out
}

func (m *Manager) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Close closes every tracked connection, empties the manager and
// unregisters it.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		var errs []error
		for _, id := range m.table.IDs() {
			if err := m.table.Destroy(id); err != nil && !errors.Is(err, store.ErrNotFound) {
				errs = append(errs, err)
			}
		}
		m.closeErr = multierr.Combine(errs...)

		registryMu.Lock()
		if registry[m.name] == m {
			delete(registry, m.name)
		}
		registryMu.Unlock()
	})
	return m.closeErr
}
