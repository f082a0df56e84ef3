// Package plex multiplexes named byte-stream channels over one net.Conn.
//
// Every stream opened with Connect starts with an Open frame carrying the
// channel name; the remote side queues it until someone calls Accept for
// that name. Streams are yamux streams, so flow control and keepalive come
// from the multiplexer.
package plex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-yamux/v5"
	"go.uber.org/multierr"

	"github.com/1ureka/roj1net/internal/protocol"
	"github.com/1ureka/roj1net/internal/util"
)

var (
	ErrClosed            = errors.New("plex session closed")
	ErrInvalidChannel    = errors.New("invalid channel name")
	ErrHandshakeRejected = errors.New("handshake rejected by peer")
	errUnexpectedFrame   = errors.New("unexpected frame")
)

// Channels starting with this prefix are used by the session itself.
const reservedChannelPrefix = "\x00"

// Tuning constants.
const (
	openTimeout       = 10 * time.Second // time allowed for the Open frame of an inbound stream
	keepAliveInterval = 15 * time.Second
)

var log = util.NewLogger("plex")

// Session is one multiplexed connection.
type Session struct {
	conn     net.Conn
	mux      *yamux.Session
	isServer bool

	dispatcher *dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// New starts a session over conn. Exactly one side of a connection must
// pass isServer=true.
func New(conn net.Conn, isServer bool) (*Session, error) {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = keepAliveInterval

	var mux *yamux.Session
	var err error
	if isServer {
		mux, err = yamux.Server(conn, cfg, nil)
	} else {
		mux, err = yamux.Client(conn, cfg, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start multiplexer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:       conn,
		mux:        mux,
		isServer:   isServer,
		dispatcher: newDispatcher(),
		ctx:        ctx,
		cancel:     cancel,
	}

	go s.acceptLoop()
	go func() {
		select {
		case <-mux.CloseChan():
			s.Close()
		case <-ctx.Done():
		}
	}()

	return s, nil
}

// Pair returns two connected sessions over an in-memory pipe.
func Pair() (*Session, *Session, error) {
	a, b := net.Pipe()
	client, err := New(a, false)
	if err != nil {
		a.Close()
		b.Close()
		return nil, nil, err
	}
	server, err := New(b, true)
	if err != nil {
		client.Close()
		b.Close()
		return nil, nil, err
	}
	return client, server, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done is closed once the session is closed, locally or by the peer.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// IsServer reports which side of the connection this session is.
func (s *Session) IsServer() bool { return s.isServer }

// Close shuts down every stream and the underlying connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = multierr.Combine(s.mux.Close(), ignoreClosed(s.conn.Close()))
		s.dispatcher.drain()
	})
	return s.closeErr
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// Connect opens a new stream on the named channel.
func (s *Session) Connect(ctx context.Context, channel string) (net.Conn, error) {
	if err := checkChannel(channel); err != nil {
		return nil, err
	}
	return s.open(ctx, channel)
}

func checkChannel(channel string) error {
	if channel == "" || strings.HasPrefix(channel, reservedChannelPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	return nil
}

func (s *Session) open(ctx context.Context, channel string) (net.Conn, error) {
	stream, err := s.mux.OpenStream(ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to open stream on %q: %w", channel, err)
	}
	if err := protocol.WriteFrame(stream, &protocol.Frame{Type: protocol.TypeOpen, Payload: []byte(channel)}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to announce channel %q: %w", channel, err)
	}
	return stream, nil
}

// Accept waits for the next stream the peer opened on the named channel.
func (s *Session) Accept(ctx context.Context, channel string) (net.Conn, error) {
	if err := checkChannel(channel); err != nil {
		return nil, err
	}
	return s.accept(ctx, channel)
}

func (s *Session) accept(ctx context.Context, channel string) (net.Conn, error) {
	inbox := s.dispatcher.getOrCreate(channel)
	select {
	case stream := <-inbox:
		return stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrClosed
	}
}

// acceptLoop reads the Open frame of every inbound stream and routes it.
func (s *Session) acceptLoop() {
	for {
		stream, err := s.mux.AcceptStream()
		if err != nil {
			s.Close()
			return
		}
		go s.route(stream)
	}
}

func (s *Session) route(stream *yamux.Stream) {
	_ = stream.SetReadDeadline(time.Now().Add(openTimeout))
	f, err := protocol.ReadFrame(stream)
	if err != nil || f.Type != protocol.TypeOpen || len(f.Payload) == 0 {
		log.Debugf("dropping stream without a valid open frame: %v", err)
		stream.Reset()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	channel := string(f.Payload)
	if !s.dispatcher.route(channel, stream) {
		log.Warnf("inbox of channel %q is full, dropping stream", channel)
		stream.Reset()
	}
}
