// Package tunnel forwards TCP connections over overlay streams. One side
// listens on a local TCP port and opens a stream per connection towards a
// remote overlay address; the other side accepts those streams and dials a
// TCP target for each.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/1ureka/roj1net/internal/overlay"
	"github.com/1ureka/roj1net/internal/util"
)

// DefaultChannel is the stream channel tunnels use when none is given.
const DefaultChannel = "tcp"

// StreamDialer opens overlay streams. *overlay.Network implements it.
type StreamDialer interface {
	ConnectStream(ctx context.Context, remoteIP, channel string) (*overlay.Stream, error)
}

// ListenAndServe listens on localAddr and forwards every accepted
// connection to remoteIP on channel. It blocks until ctx is cancelled.
func ListenAndServe(ctx context.Context, localAddr string, d StreamDialer, remoteIP, channel string) error {
	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", localAddr, err)
	}
	util.LogInfo("forwarding %s to %s/%s", listener.Addr(), remoteIP, channel)
	return Forward(ctx, listener, d, remoteIP, channel)
}

// Forward is ListenAndServe on an existing listener, which it closes.
func Forward(ctx context.Context, listener net.Listener, d StreamDialer, remoteIP, channel string) error {
	if channel == "" {
		channel = DefaultChannel
	}
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()
	defer listener.Close()

	log := util.NewLogger("tunnel").With(remoteIP)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept error: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			clog := log.With(conn.RemoteAddr().String())
			st, err := d.ConnectStream(ctx, remoteIP, channel)
			if err != nil {
				clog.Warnf("failed to open stream: %v", err)
				conn.Close()
				return
			}
			clog.Debugf("new connection")
			bridge(ctx, clog, conn, st)
		}()
	}
}

// Serve dials target for every stream received and bridges the two. It
// returns once streams is closed and every bridge finished.
func Serve(ctx context.Context, streams <-chan *overlay.Stream, target string) {
	log := util.NewLogger("tunnel").With(target)
	var wg sync.WaitGroup
	defer wg.Wait()

	var dialer net.Dialer
	for st := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stlog := log.With(st.RemoteIP)
			conn, err := dialer.DialContext(ctx, "tcp", target)
			if err != nil {
				stlog.Warnf("TCP dial failed: %v", err)
				st.Close()
				return
			}
			stlog.Debugf("TCP connected")
			bridge(ctx, stlog, st, conn)
		}()
	}
}
