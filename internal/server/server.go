// Package server is the relay: it admits connections, upgrades them to
// overlay addresses and relays signaling between the verified members.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/roj1net/internal/config"
	"github.com/1ureka/roj1net/internal/idmgr"
	"github.com/1ureka/roj1net/internal/peer"
	"github.com/1ureka/roj1net/internal/plex"
	"github.com/1ureka/roj1net/internal/rpc"
	"github.com/1ureka/roj1net/internal/signaling"
	"github.com/1ureka/roj1net/internal/store"
	"github.com/1ureka/roj1net/internal/util"
)

// ErrHandshakeRejected is reported to a connection whose upgrade to a
// durable address failed.
var ErrHandshakeRejected = errors.New("handshake rejected")

// Options configures a Server.
type Options struct {
	Subnet           string
	Channel          string
	RPCTimeout       time.Duration
	HandshakeTimeout time.Duration
	Signaling        signaling.Options
}

// OptionsFromConfig maps the relevant config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Subnet:           cfg.Server.Subnet,
		Channel:          cfg.Network.Channel,
		RPCTimeout:       cfg.Network.RPCTimeout,
		HandshakeTimeout: cfg.Network.HandshakeTimeout,
		Signaling:        signaling.OptionsFromConfig(cfg.Signaling),
	}
}

func (o Options) withDefaults() Options {
	d := config.Default()
	if o.Subnet == "" {
		o.Subnet = d.Server.Subnet
	}
	if o.Channel == "" {
		o.Channel = d.Network.Channel
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.Network.HandshakeTimeout
	}
	return o
}

// Server admits connections in two stages. An accepted connection gets an
// ephemeral id, which is also its handshake payload. Once the peer answers
// the handshake the ephemeral id is promoted to an address of the subnet,
// the peer is told its address with receiveUpgrade and joins the relay.
//
// A connection whose promotion fails stays unverified; the session
// keepalive closes it if the peer goes away.
type Server struct {
	store *store.Store
	opts  Options
	ids   *idmgr.TwoStage
	peers *peer.Manager
	relay *signaling.Relay
	log   *util.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

var _ signaling.Directory = (*Server)(nil)

// New creates a server over st, which holds its server sockets and peers.
func New(st *store.Store, opts Options) (*Server, error) {
	opts = opts.withDefaults()
	if st == nil {
		st = store.New()
	}

	ephemeral, err := idmgr.NewInfinite(uuid.NewString)
	if err != nil {
		return nil, err
	}
	durable, err := idmgr.NewIPSystem(opts.Subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", opts.Subnet, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:  st,
		opts:   opts,
		ids:    idmgr.NewTwoStage(ephemeral, durable),
		peers:  peer.NewManagerOn(util.NewID("relay-"), st.Peers, peer.ByField("ip")),
		log:    util.NewLogger("server"),
		ctx:    ctx,
		cancel: cancel,
	}
	s.relay = signaling.NewRelay(s, opts.Signaling)
	return s, nil
}

// Store returns the store the server keeps its entities in.
func (s *Server) Store() *store.Store { return s.store }

// Peers returns the manager of verified members, keyed by address.
func (s *Server) Peers() *peer.Manager { return s.peers }

func (s *Server) Relay() *signaling.Relay { return s.relay }

// Done is closed once the server is closed.
func (s *Server) Done() <-chan struct{} { return s.ctx.Done() }

// Close disconnects every member and stops admitting connections.
func (s *Server) Close() error {
	s.cancel()
	var errs []error
	for _, ss := range s.store.ServerSockets.All() {
		if err := s.store.ServerSockets.Destroy(ss.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.peers.Close())
	return errors.Join(errs...)
}

// HandleConn admits conn and serves it in the background. The returned
// session ends when the connection does.
func (s *Server) HandleConn(conn net.Conn) (*plex.Session, error) {
	if s.ctx.Err() != nil {
		conn.Close()
		return nil, errors.New("server closed")
	}
	sess, err := plex.New(conn, true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	id, err := s.ids.Admit("")
	if err != nil {
		sess.Close()
		return nil, err
	}

	ss := store.ServerSocket{ID: id, Session: sess}
	if addr := conn.RemoteAddr(); addr != nil {
		ss.Remote = addr.String()
	}
	if err := s.store.ServerSockets.Add(ss); err != nil {
		s.ids.Ephemeral.Release(id)
		sess.Close()
		return nil, err
	}

	ctx, cancel := s.store.Bind(s.ctx)
	go func() {
		defer cancel()
		s.serve(ctx, id, sess)
	}()
	return sess, nil
}

func (s *Server) serve(ctx context.Context, id string, sess *plex.Session) {
	log := s.log.With(id)
	ip := ""
	defer func() {
		s.release(id, ip)
		sess.Close()
	}()

	ip, err := s.handshake(ctx, id, sess)
	if err != nil {
		log.Warnf("connection left unverified: %v", err)
		select {
		case <-sess.Done():
		case <-ctx.Done():
		}
		return
	}

	if err := s.upgrade(ctx, id, ip, sess); err != nil {
		log.Warnf("failed to upgrade %s: %v", ip, err)
		return
	}
	log.Infof("peer %s verified", ip)
	util.Stats.AddPeer()
	defer util.Stats.RemovePeer()

	select {
	case <-sess.Done():
		log.Infof("peer %s disconnected", ip)
	case <-ctx.Done():
	}
}

// handshake sends the ephemeral id and promotes it to an address once the
// peer answered. A promotion the peer then rejects is rolled back.
func (s *Server) handshake(ctx context.Context, id string, sess *plex.Session) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	var ip string
	_, err := sess.Handshake(hctx, []byte(id), func([]byte) error {
		promoted, err := s.ids.Promote(id, "")
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
		}
		ip = promoted
		return nil
	})
	if err != nil {
		if ip != "" {
			s.ids.Release(ip)
			if _, aerr := s.ids.Admit(id); aerr != nil {
				s.log.Debugf("re-admit %s: %v", id, aerr)
			}
		}
		return "", err
	}
	return ip, nil
}

// upgrade opens the signaling channel of a verified connection, exposes
// the relay on it, files the member and tells it its address.
func (s *Server) upgrade(ctx context.Context, id, ip string, sess *plex.Session) error {
	ch, err := rpc.Open(ctx, sess, s.opts.Channel, s.opts.RPCTimeout)
	if err != nil {
		return err
	}
	ch.Expose(s.relay.Handlers(ip))

	err = s.store.ServerSockets.Update(id, func(ss *store.ServerSocket) {
		ss.IP = ip
		ss.Verified = true
		ss.RPC = ch
	})
	if err != nil {
		ch.Close()
		return err
	}

	if _, err := s.peers.Add(store.Peer{ID: ip, IP: ip, Session: sess, RPC: ch}); err != nil {
		return err
	}
	s.peers.Activate(ip)

	return ch.Notify(signaling.MethodReceiveUpgrade, ip)
}

// release frees the ids of a finished connection and forgets it.
func (s *Server) release(id, ip string) {
	s.store.ServerSockets.Delete(id)
	if ip == "" {
		s.ids.Ephemeral.Release(id)
		return
	}
	s.peers.Remove(ip)
	s.ids.Release(ip)
}

// Lookup resolves a verified member by address.
func (s *Server) Lookup(ip string) (signaling.Member, bool) {
	p, ok := s.peers.Get(ip)
	if !ok || p.RPC == nil || p.Session == nil {
		return signaling.Member{}, false
	}
	return signaling.Member{ID: ip, RPC: p.RPC, Done: p.Session.Done()}, true
}

// IDs returns the addresses of the verified members.
func (s *Server) IDs() []string { return s.peers.GetActive() }
