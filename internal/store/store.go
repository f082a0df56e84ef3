// Package store keeps the in-memory entity collections of one overlay
// node: interfaces, sockets, server sockets and peers.
//
// A Store has a lifecycle of epochs. Reset tears down every entity,
// clears the tables and starts a new epoch; anything bound to the old
// epoch with Bind is cancelled.
package store

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"

	"github.com/1ureka/roj1net/internal/util"
)

// ErrReset is the cancellation cause of contexts ended by Reset.
var ErrReset = errors.New("store reset")

var log = util.NewLogger("store")

// Kind names an entity collection.
type Kind int

const (
	KindInterface Kind = iota
	KindSocket
	KindServerSocket
	KindPeer
)

func (k Kind) String() string {
	switch k {
	case KindInterface:
		return "interface"
	case KindSocket:
		return "socket"
	case KindServerSocket:
		return "serverSocket"
	case KindPeer:
		return "peer"
	}
	return "unknown"
}

// Store holds the entity tables.
type Store struct {
	Interfaces    *Table[Interface]
	Sockets       *Table[Socket]
	ServerSockets *Table[ServerSocket]
	Peers         *Table[Peer]

	mu       sync.Mutex
	epoch    context.Context
	cancel   context.CancelCauseFunc
	hooks    map[int]func(error)
	nextHook int
	resets   int
}

func New() *Store {
	s := &Store{
		Interfaces: NewTable("interfaces",
			func(i Interface) string { return i.ID },
			WithIPIndex(func(i Interface) string { return i.IP }),
			WithTeardown(closeInterface),
		),
		Sockets: NewTable("sockets",
			func(s Socket) string { return s.ID },
			WithIPIndex(func(s Socket) string { return s.IP }),
			WithTeardown(closeSocket),
		),
		ServerSockets: NewTable("serverSockets",
			func(s ServerSocket) string { return s.ID },
			WithIPIndex(func(s ServerSocket) string { return s.IP }),
			WithTeardown(closeServerSocket),
		),
		Peers: NewPeerTable("peers"),
		hooks: make(map[int]func(error)),
	}
	s.epoch, s.cancel = context.WithCancelCause(context.Background())
	return s
}

// Count returns the size of the collection of the given kind.
func (s *Store) Count(k Kind) int {
	switch k {
	case KindInterface:
		return s.Interfaces.Count()
	case KindSocket:
		return s.Sockets.Count()
	case KindServerSocket:
		return s.ServerSockets.Count()
	case KindPeer:
		return s.Peers.Count()
	}
	return 0
}

// Done is closed when the current epoch ends.
func (s *Store) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch.Done()
}

// Resets returns how many times the store was reset.
func (s *Store) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Bind derives a context from parent that is also cancelled by the next
// Reset. Long-lived goroutines of a component run under such a context.
func (s *Store) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(epoch, func() { cancel(context.Cause(epoch)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// OnReset registers fn to run after every Reset with the reset cause. The
// returned func unregisters it.
func (s *Store) OnReset(fn func(cause error)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextHook
	s.nextHook++
	s.hooks[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.hooks, id)
		s.mu.Unlock()
	}
}

// Reset tears down every entity that owns a connection, clears all tables
// and then ends the current epoch and notifies the OnReset hooks, in that
// order. cause may be nil.
func (s *Store) Reset(cause error) error {
	var errs []error
	errs = append(errs, s.ServerSockets.teardownAll()...)
	errs = append(errs, s.Sockets.teardownAll()...)
	errs = append(errs, s.Interfaces.teardownAll()...)
	errs = append(errs, s.Peers.teardownAll()...)

	s.ServerSockets.DeleteAll()
	s.Sockets.DeleteAll()
	s.Interfaces.DeleteAll()
	s.Peers.DeleteAll()

	if cause == nil {
		cause = ErrReset
	} else {
		cause = errors.Join(ErrReset, cause)
	}

	s.mu.Lock()
	s.cancel(cause)
	s.epoch, s.cancel = context.WithCancelCause(context.Background())
	s.resets++
	hooks := make([]func(error), 0, len(s.hooks))
	for _, fn := range s.hooks {
		hooks = append(hooks, fn)
	}
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(cause)
	}

	err := multierr.Combine(errs...)
	if err != nil {
		log.Debugf("reset teardown: %v", err)
	}
	return err
}
