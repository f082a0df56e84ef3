package overlay

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roj1net/internal/plex"
	"github.com/1ureka/roj1net/internal/replay"
	"github.com/1ureka/roj1net/internal/signaling"
	"github.com/1ureka/roj1net/internal/store"
	"github.com/1ureka/roj1net/internal/transport"
	"github.com/1ureka/roj1net/internal/util"
)

// CreateSocket creates a WebRTC socket anchored to the interface ifaceID
// and starts its ICE service. The socket has no remote address and is not
// connected yet.
func (n *Network) CreateSocket(ifaceID string, initiator bool) (string, error) {
	iface, ok := n.store.Interfaces.Get(ifaceID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidInterface, ifaceID)
	}

	ctx, cancel := n.store.Bind(context.Background())
	rtc, err := transport.NewRTC(ctx, n.opts.RTC)
	if err != nil {
		cancel()
		return "", err
	}
	sess, err := plex.New(rtc.Conn(), !initiator)
	if err != nil {
		rtc.Close()
		cancel()
		return "", err
	}
	ices := replay.New[webrtc.ICECandidateInit](n.opts.ICESize, n.opts.ICEWindow, n.opts.RTC.Clock)
	rtc.OnICECandidate(ices.Push)

	sock := store.Socket{
		ID:        util.NewID("socket-"),
		IfaceID:   ifaceID,
		LocalIP:   iface.IP,
		Initiator: initiator,
		RTC:       rtc,
		Session:   sess,
		ICE:       ices,
		Stop:      cancel,
	}
	if err := n.store.Sockets.Add(sock); err != nil {
		ices.Close()
		sess.Close()
		rtc.Close()
		cancel()
		return "", err
	}
	util.Stats.AddSocket()
	n.log.Debugf("created socket %s on %s (initiator=%t)", sock.ID, ifaceID, initiator)

	go n.iceService(ctx, sock.ID, sock.IfaceID, ices)
	go n.watchSocket(ctx, sock.ID, rtc, sess)
	return sock.ID, nil
}

// watchSocket removes the socket once its connection ends.
func (n *Network) watchSocket(ctx context.Context, id string, rtc *transport.RTC, sess *plex.Session) {
	defer util.Stats.RemoveSocket()
	select {
	case <-rtc.Done():
	case <-sess.Done():
	case <-ctx.Done():
	}
	if err := n.store.Sockets.Destroy(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		n.log.Debugf("socket %s teardown: %v", id, err)
	}
}

// iceService relays the local candidates of socket id through the owning
// interface once the socket is connected and its remote address is known.
// Candidates gathered before that are replayed from the buffer.
func (n *Network) iceService(ctx context.Context, id, ifaceID string, ices *replay.Buffer[webrtc.ICECandidateInit]) {
	log := n.log.With(id)
	if _, err := n.store.Sockets.WaitFor(ctx, func(s store.Socket) bool {
		return s.ID == id && s.Connected && s.IP != ""
	}); err != nil {
		return
	}
	iface, err := n.store.Interfaces.WaitFor(ctx, func(i store.Interface) bool {
		return i.ID == ifaceID && i.RPC != nil
	})
	if err != nil {
		return
	}

	for candidate := range ices.Subscribe(ctx) {
		sock, ok := n.store.Sockets.Get(id)
		if !ok {
			return
		}
		if sock.IP == "" {
			log.Warnf("missing remote ip, skipping ICE relay")
			continue
		}
		if err := iface.RPC.Notify(signaling.MethodRelayIce, sock.IP, candidate); err != nil {
			log.Debugf("failed to relay ICE candidate to %s: %v", sock.IP, err)
		}
	}
}

// ReceiveIce adds a remote candidate to the socket towards remoteIP. Bad
// candidates are logged and dropped.
func (n *Network) ReceiveIce(remoteIP string, candidate webrtc.ICECandidateInit) {
	n.receiveIce("", remoteIP, candidate)
}

func (n *Network) receiveIce(ifaceID, remoteIP string, candidate webrtc.ICECandidateInit) {
	sock, ok := n.socketTo(ifaceID, remoteIP)
	if !ok || sock.RTC == nil {
		n.log.Warnf("no socket found for ICE candidate from %s", remoteIP)
		return
	}
	if err := sock.RTC.AddICECandidate(candidate); err != nil {
		n.log.Errorf("failed to add ICE candidate from %s: %v", remoteIP, err)
	}
}

// socketTo returns the newest socket towards remoteIP, restricted to the
// interface ifaceID unless it is empty.
func (n *Network) socketTo(ifaceID, remoteIP string) (store.Socket, bool) {
	var found store.Socket
	ok := false
	for _, s := range n.store.Sockets.ByIP(remoteIP) {
		if ifaceID == "" || s.IfaceID == ifaceID {
			found, ok = s, true
		}
	}
	return found, ok
}

// UpdateSocketIP records the remote address of socket id.
func (n *Network) UpdateSocketIP(id, ip string) error {
	return n.updateSocket(id, func(s *store.Socket) { s.IP = ip })
}

// SetSocketConnected marks socket id connected, which starts its ICE relay.
func (n *Network) SetSocketConnected(id string) error {
	return n.updateSocket(id, func(s *store.Socket) { s.Connected = true })
}

func (n *Network) updateSocket(id string, fn func(*store.Socket)) error {
	if err := n.store.Sockets.Update(id, fn); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrInvalidSocket, id)
		}
		return err
	}
	return nil
}

// GetSocket returns the socket with the given id.
func (n *Network) GetSocket(id string) (store.Socket, bool) {
	return n.store.Sockets.Get(id)
}

// SocketByIP returns a socket towards ip.
func (n *Network) SocketByIP(ip string) (store.Socket, bool) {
	return n.socketTo("", ip)
}

// CloseSocket closes socket id together with its connection.
func (n *Network) CloseSocket(id string) error {
	if err := n.store.Sockets.Destroy(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrInvalidSocket, id)
		}
		return err
	}
	n.log.Debugf("closed socket %s", id)
	return nil
}

// CloseSocketsOfNetworkInterface closes every socket anchored to the
// interface with the given id or address and returns how many it closed.
func (n *Network) CloseSocketsOfNetworkInterface(ifaceIDOrIP string) int {
	if ifaceIDOrIP == "" {
		return 0
	}
	socks := n.store.Sockets.Filter(func(s store.Socket) bool {
		return s.IfaceID == ifaceIDOrIP || s.LocalIP == ifaceIDOrIP
	})
	closed := 0
	for _, s := range socks {
		if err := n.CloseSocket(s.ID); err == nil {
			closed++
		}
	}
	n.log.Debugf("closed %d sockets of %s", closed, ifaceIDOrIP)
	return closed
}

// closeSocketsTo closes the sockets of ifaceID towards remoteIP, left over
// from an earlier negotiation.
func (n *Network) closeSocketsTo(ifaceID, remoteIP string) {
	for _, s := range n.store.Sockets.ByIP(remoteIP) {
		if s.IfaceID == ifaceID {
			_ = n.CloseSocket(s.ID)
		}
	}
}
