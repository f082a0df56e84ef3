package overlay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/1ureka/roj1net/internal/ipalloc"
	"github.com/1ureka/roj1net/internal/plex"
	"github.com/1ureka/roj1net/internal/ports"
	"github.com/1ureka/roj1net/internal/rpc"
	"github.com/1ureka/roj1net/internal/signaling"
	"github.com/1ureka/roj1net/internal/store"
	"github.com/1ureka/roj1net/internal/transport"
	"github.com/1ureka/roj1net/internal/util"
)

// AddWebSocketNetworkInterface registers an interface to the relay at url
// and connects it in the background. The interface is Connecting until the
// handshake is done, Unverified until the relay upgrades it and Verified
// once it has an address.
func (n *Network) AddWebSocketNetworkInterface(url string) (string, error) {
	pool, err := ports.New(n.opts.PortStart, n.opts.PortEnd)
	if err != nil {
		return "", err
	}
	id := util.NewID("iface_ws_")
	ctx, cancel := n.store.Bind(context.Background())

	iface := store.Interface{
		ID:    id,
		URL:   url,
		State: store.StateConnecting,
		Ports: pool,
		Stop:  cancel,
	}
	if err := n.store.Interfaces.Add(iface); err != nil {
		cancel()
		return "", err
	}
	util.Stats.AddInterface()

	go n.runInterface(ctx, id, url)
	return id, nil
}

func (n *Network) runInterface(ctx context.Context, id, url string) {
	defer util.Stats.RemoveInterface()
	log := n.log.With(id)

	sess, err := n.dialInterface(ctx, id, url)
	if sess == nil {
		log.Warnf("failed to connect to %s: %v", url, err)
		n.dropInterface(id)
		return
	}
	defer n.dropInterface(id)

	if err != nil {
		log.Warnf("%v", err)
	} else if err := n.attachSignalRPC(ctx, id, sess); err != nil {
		log.Warnf("failed to attach signaling: %v", err)
	}

	select {
	case <-sess.Done():
		log.Infof("connection to %s closed", url)
	case <-ctx.Done():
	}
}

// dialInterface connects to the relay and runs the handshake. A rejected
// handshake still returns the session: the interface stays Unverified.
func (n *Network) dialInterface(ctx context.Context, id, url string) (*plex.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, n.opts.HandshakeTimeout)
	defer cancel()

	conn, err := transport.DialWebSocket(ctx, url)
	if err != nil {
		return nil, err
	}
	sess, err := plex.New(conn, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	err = n.store.Interfaces.Update(id, func(i *store.Interface) {
		i.Session = sess
		i.State = store.StateUnverified
	})
	if err != nil {
		sess.Close()
		return nil, err
	}

	remote, err := sess.Handshake(ctx, []byte(n.opts.Token), func([]byte) error { return nil })
	if err != nil {
		return sess, fmt.Errorf("handshake with %s: %w", url, err)
	}
	_ = n.store.Interfaces.Update(id, func(i *store.Interface) {
		i.ConnectionID = string(remote)
	})
	return sess, nil
}

// attachSignalRPC opens the signaling channel. The relay upgrades the
// interface over it with receiveUpgrade once it assigned an address.
func (n *Network) attachSignalRPC(ctx context.Context, id string, sess *plex.Session) error {
	ch, err := rpc.Open(ctx, sess, n.opts.Channel, n.opts.RPCTimeout)
	if err != nil {
		return err
	}
	ch.Expose(map[string]rpc.Handler{
		signaling.MethodReceiveUpgrade: func(_ context.Context, p rpc.Params) (any, error) {
			ip, err := p.StringAt(0)
			if err != nil {
				return nil, err
			}
			return nil, n.upgradeInterface(id, ip, ch)
		},
	})
	if err := n.store.Interfaces.Update(id, func(i *store.Interface) { i.RPC = ch }); err != nil {
		ch.Close()
		return err
	}
	return nil
}

func (n *Network) upgradeInterface(id, ip string, ch *rpc.Channel) error {
	err := n.store.Interfaces.Update(id, func(i *store.Interface) {
		i.IP = ip
		i.State = store.StateVerified
	})
	if err != nil {
		return err
	}
	ch.Expose(signaling.NegotiatorHandlers(&negotiator{n: n, ifaceID: id, localIP: ip}))
	n.log.With(id).Infof("verified as %s", ip)
	return nil
}

// dropInterface removes id if it is still registered.
func (n *Network) dropInterface(id string) {
	if !n.store.Interfaces.Has(id) {
		return
	}
	if err := n.CloseInterface(id); err != nil && !errors.Is(err, ErrInvalidInterface) {
		n.log.With(id).Debugf("close: %v", err)
	}
}

// CloseInterface closes the interface with the given id or address, every
// socket anchored to it and its connection.
func (n *Network) CloseInterface(idOrIP string) error {
	iface, ok := n.store.Interfaces.Get(idOrIP)
	if !ok && idOrIP != "" {
		iface, ok = n.store.Interfaces.FindByIP(idOrIP)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidInterface, idOrIP)
	}
	n.CloseSocketsOfNetworkInterface(iface.ID)
	if err := n.store.Interfaces.Destroy(iface.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrInvalidInterface, idOrIP)
		}
		return err
	}
	n.log.Debugf("closed interface %s", iface.ID)
	return nil
}

// GetInterface returns the interface with the given id.
func (n *Network) GetInterface(id string) (store.Interface, bool) {
	return n.store.Interfaces.Get(id)
}

// InterfaceByIP returns the interface serving ip: the local host interface
// for loopback addresses, otherwise the interface with exactly that address
// or, failing that, one whose address falls in ip.
func (n *Network) InterfaceByIP(ip string) (store.Interface, bool) {
	if ipalloc.IsLoopback(ip) {
		return n.store.Interfaces.Find(func(i store.Interface) bool { return i.Local })
	}
	if iface, ok := n.store.Interfaces.FindByIP(ip); ok {
		return iface, true
	}
	return n.store.Interfaces.Find(func(i store.Interface) bool {
		return i.IP != "" && ipalloc.InSubnet(i.IP, ip)
	})
}

// SelectInterfaceByIP emits every interface whose address falls in ip, each
// once. Loopback addresses select the local host interface.
func (n *Network) SelectInterfaceByIP(ctx context.Context, ip string) <-chan store.Interface {
	return store.Each(n.bind(ctx), n.store.Interfaces, interfaceMatcher(ip))
}

func interfaceMatcher(ip string) func(store.Interface) bool {
	if ipalloc.IsLoopback(ip) {
		return func(i store.Interface) bool { return i.Local }
	}
	return func(i store.Interface) bool {
		return i.IP != "" && ipalloc.InSubnet(i.IP, ip)
	}
}

// SelectAllInterfaces emits the interface list now and after changes. With
// onlyIPChanges it emits only when the set of addresses changed.
func (n *Network) SelectAllInterfaces(ctx context.Context, onlyIPChanges bool) <-chan []store.Interface {
	var equal func(a, b []store.Interface) bool
	if onlyIPChanges {
		equal = func(a, b []store.Interface) bool { return ipSet(a) == ipSet(b) }
	}
	return store.Select(n.bind(ctx), n.store.Interfaces, (*store.Table[store.Interface]).All, equal)
}

func ipSet(ifaces []store.Interface) string {
	ips := make([]string, len(ifaces))
	for i, iface := range ifaces {
		ips[i] = iface.IP
	}
	slices.Sort(ips)
	return strings.Join(ips, "|")
}

// NetworkInterfaceConnected waits until the interface id is verified.
func (n *Network) NetworkInterfaceConnected(ctx context.Context, id string) (store.Interface, error) {
	ctx, cancel := n.store.Bind(ctx)
	defer cancel()
	return n.store.Interfaces.WaitFor(ctx, func(i store.Interface) bool {
		return i.ID == id && i.Verified() && i.IP != ""
	})
}

// Connect asks the relay behind the interface for localIP to negotiate a
// socket to remoteIP and reports whether the exchange completed. Two
// loopback addresses are always connected.
func (n *Network) Connect(ctx context.Context, localIP, remoteIP string) (bool, error) {
	if localIP == "" || remoteIP == "" {
		return false, ErrMissingIP
	}
	if ipalloc.IsLoopback(localIP) && ipalloc.IsLoopback(remoteIP) {
		return true, nil
	}

	match := interfaceMatcher(localIP)
	ctx, cancel := n.store.Bind(ctx)
	defer cancel()
	iface, err := n.store.Interfaces.WaitFor(ctx, func(i store.Interface) bool {
		return relayReady(i) && match(i)
	})
	if err != nil {
		return false, err
	}

	var ok bool
	if err := iface.RPC.Request(ctx, signaling.MethodConnect, &ok, remoteIP); err != nil {
		return false, err
	}
	return ok, nil
}

// ConnectToAllInterfaces asks every verified relay interface, current and
// future, to connect to remoteIP until ctx ends or the store resets.
func (n *Network) ConnectToAllInterfaces(ctx context.Context, remoteIP string) error {
	if remoteIP == "" {
		return ErrMissingIP
	}
	if ipalloc.IsLoopback(remoteIP) {
		return nil
	}
	ifaces := store.Each(n.bind(ctx), n.store.Interfaces, relayReady)
	go func() {
		for iface := range ifaces {
			if err := iface.RPC.Notify(signaling.MethodConnect, remoteIP); err != nil {
				n.log.With(iface.ID).Debugf("connect %s: %v", remoteIP, err)
			}
		}
	}()
	return nil
}

func relayReady(i store.Interface) bool {
	return i.Verified() && !i.Local && i.RPC != nil && i.IP != ""
}
