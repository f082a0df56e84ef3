package overlay

import (
	"context"
	"errors"

	"github.com/1ureka/roj1net/internal/ipalloc"
	"github.com/1ureka/roj1net/internal/plex"
	"github.com/1ureka/roj1net/internal/ports"
	"github.com/1ureka/roj1net/internal/store"
	"github.com/1ureka/roj1net/internal/util"
)

// LocalInterfaceID is the id of the local host interface.
const LocalInterfaceID = "lo"

// EnableLocalHostInterface registers the local host interface at
// 127.0.0.1 together with an in-memory socket pair, so streams to the
// loopback address reach listeners of this node without any transport.
// It is idempotent until the next reset.
func (n *Network) EnableLocalHostInterface() (string, error) {
	if n.store.Interfaces.Has(LocalInterfaceID) {
		return LocalInterfaceID, nil
	}
	pool, err := ports.New(n.opts.PortStart, n.opts.PortEnd)
	if err != nil {
		return "", err
	}
	client, server, err := plex.Pair()
	if err != nil {
		return "", err
	}

	ctx, cancel := n.store.Bind(context.Background())
	lo := store.Interface{
		ID:    LocalInterfaceID,
		IP:    ipalloc.LoopbackIP,
		State: store.StateVerified,
		Local: true,
		Ports: pool,
		Stop:  cancel,
	}
	if err := n.store.Interfaces.Add(lo); err != nil {
		cancel()
		client.Close()
		server.Close()
		if errors.Is(err, store.ErrExists) {
			return LocalInterfaceID, nil
		}
		return "", err
	}
	util.Stats.AddInterface()
	go func() {
		<-ctx.Done()
		util.Stats.RemoveInterface()
	}()

	for _, sess := range []*plex.Session{client, server} {
		sock := store.Socket{
			ID:        util.NewID("socket-lo-"),
			IfaceID:   LocalInterfaceID,
			IP:        ipalloc.LoopbackIP,
			LocalIP:   ipalloc.LoopbackIP,
			Connected: true,
			Session:   sess,
		}
		if err := n.store.Sockets.Add(sock); err != nil {
			sess.Close()
			continue
		}
		util.Stats.AddSocket()
		go n.watchLocalSocket(ctx, sock.ID, sess)
	}
	n.log.Infof("local host interface enabled")
	return LocalInterfaceID, nil
}

func (n *Network) watchLocalSocket(ctx context.Context, id string, sess *plex.Session) {
	defer util.Stats.RemoveSocket()
	select {
	case <-sess.Done():
	case <-ctx.Done():
	}
	_ = n.store.Sockets.Destroy(id)
}
