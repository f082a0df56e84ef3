package overlay

import (
	"context"
	"net"
	"sync"

	"github.com/1ureka/roj1net/internal/ipalloc"
	"github.com/1ureka/roj1net/internal/store"
)

// Stream is a named sub-channel over a socket.
type Stream struct {
	net.Conn
	LocalIP  string
	RemoteIP string
}

// SocketOfIPConnected emits every connected socket towards ip, each once.
// An empty ip matches every socket.
func (n *Network) SocketOfIPConnected(ctx context.Context, ip string) <-chan store.Socket {
	return store.Each(n.bind(ctx), n.store.Sockets, func(s store.Socket) bool {
		return s.Connected && (ip == "" || s.IP == ip)
	})
}

// ListenOnSocket accepts streams on channel from every socket towards
// fromIP, current and future. ipalloc.Wildcard listens on all sockets. The
// channel closes when ctx ends or the store resets.
func (n *Network) ListenOnSocket(ctx context.Context, fromIP, channel string) <-chan *Stream {
	ctx = n.bind(ctx)
	socks := store.Each(ctx, n.store.Sockets, func(s store.Socket) bool {
		return s.IP != "" && s.Session != nil && (fromIP == ipalloc.Wildcard || s.IP == fromIP)
	})

	out := make(chan *Stream)
	go func() {
		var wg sync.WaitGroup
		defer func() {
			wg.Wait()
			close(out)
		}()
		for sock := range socks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n.acceptOn(ctx, sock, channel, out)
			}()
		}
	}()
	return out
}

func (n *Network) acceptOn(ctx context.Context, sock store.Socket, channel string, out chan<- *Stream) {
	for {
		conn, err := sock.Session.Accept(ctx, channel)
		if err != nil {
			if ctx.Err() == nil {
				n.log.Debugf("stop listening on %s/%s: %v", sock.ID, channel, err)
			}
			return
		}
		st := &Stream{Conn: conn, LocalIP: sock.LocalIP, RemoteIP: sock.IP}
		select {
		case out <- st:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// ConnectStream waits for a connected socket towards remoteIP and opens
// channel over it.
func (n *Network) ConnectStream(ctx context.Context, remoteIP, channel string) (*Stream, error) {
	ctx, cancel := n.store.Bind(ctx)
	defer cancel()

	sock, err := n.store.Sockets.WaitFor(ctx, func(s store.Socket) bool {
		return s.Connected && s.IP == remoteIP && s.Session != nil
	})
	if err != nil {
		return nil, err
	}
	conn, err := sock.Session.Connect(ctx, channel)
	if err != nil {
		return nil, err
	}
	n.log.Debugf("connected stream %s to %s", channel, remoteIP)
	return &Stream{Conn: conn, LocalIP: sock.LocalIP, RemoteIP: remoteIP}, nil
}

// SendMessage writes msg to a new stream on channel towards toIP and closes
// the stream.
func (n *Network) SendMessage(ctx context.Context, toIP string, msg []byte, channel string) error {
	st, err := n.ConnectStream(ctx, toIP, channel)
	if err != nil {
		return err
	}
	defer st.Close()
	_, err = st.Write(msg)
	return err
}
