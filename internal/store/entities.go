package store

import (
	"context"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/1ureka/roj1net/internal/plex"
	"github.com/1ureka/roj1net/internal/ports"
	"github.com/1ureka/roj1net/internal/replay"
	"github.com/1ureka/roj1net/internal/rpc"
	"github.com/1ureka/roj1net/internal/transport"
)

// InterfaceState is the lifecycle stage of a network interface.
type InterfaceState int

const (
	StateConnecting InterfaceState = iota
	StateUnverified
	StateVerified
	StateClosed
)

func (s InterfaceState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUnverified:
		return "unverified"
	case StateVerified:
		return "verified"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Interface is one uplink to a relay server.
type Interface struct {
	ID    string
	URL   string
	IP    string
	State InterfaceState
	// Local marks the in-process loopback interface.
	Local bool
	// ConnectionID is the ephemeral id the relay issued in the handshake.
	ConnectionID string

	Session *plex.Session
	RPC     *rpc.Channel
	Ports   *ports.Pool
	Stop    context.CancelFunc
}

// Verified reports whether the relay assigned an address.
func (i Interface) Verified() bool { return i.State == StateVerified }

func closeInterface(i Interface) error {
	if i.Stop != nil {
		i.Stop()
	}
	var err error
	if i.RPC != nil {
		err = multierr.Append(err, i.RPC.Close())
	}
	if i.Session != nil {
		err = multierr.Append(err, i.Session.Close())
	}
	return err
}

// Socket is one peer-to-peer leg anchored to an interface. IP is the
// remote peer's address, LocalIP the address of the owning interface.
type Socket struct {
	ID        string
	IfaceID   string
	IP        string
	LocalIP   string
	Initiator bool
	Connected bool

	RTC     *transport.RTC
	Session *plex.Session
	RPC     *rpc.Channel
	ICE     *replay.Buffer[webrtc.ICECandidateInit]
	Stop    context.CancelFunc
}

func closeSocket(s Socket) error {
	if s.Stop != nil {
		s.Stop()
	}
	if s.ICE != nil {
		s.ICE.Close()
	}
	var err error
	if s.RPC != nil {
		err = multierr.Append(err, s.RPC.Close())
	}
	if s.Session != nil {
		err = multierr.Append(err, s.Session.Close())
	}
	if s.RTC != nil {
		err = multierr.Append(err, s.RTC.Close())
	}
	return err
}

// ServerSocket is a connection accepted by the relay server. ID is the
// ephemeral handshake id; IP is set once the connection is verified.
type ServerSocket struct {
	ID       string
	IP       string
	Remote   string
	Verified bool

	Session *plex.Session
	RPC     *rpc.Channel
}

func closeServerSocket(s ServerSocket) error {
	var err error
	if s.RPC != nil {
		err = multierr.Append(err, s.RPC.Close())
	}
	if s.Session != nil {
		err = multierr.Append(err, s.Session.Close())
	}
	return err
}

// Peer is a connection tracked by a peer manager.
type Peer struct {
	ID   string
	IP   string
	Name string
	// Meta holds application fields an id map may key on.
	Meta map[string]string

	Session *plex.Session
	RPC     *rpc.Channel
	RTC     *transport.RTC
}

func closePeer(p Peer) error {
	var err error
	if p.RPC != nil {
		err = multierr.Append(err, p.RPC.Close())
	}
	if p.Session != nil {
		err = multierr.Append(err, p.Session.Close())
	}
	if p.RTC != nil {
		err = multierr.Append(err, p.RTC.Close())
	}
	return err
}

// NewPeerTable returns a peer table wired with the peer teardown, for
// managers that keep their own collection.
func NewPeerTable(name string) *Table[Peer] {
	return NewTable(name,
		func(p Peer) string { return p.ID },
		WithIPIndex(func(p Peer) string { return p.IP }),
		WithTeardown(closePeer),
	)
}
