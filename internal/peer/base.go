package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roj1net/internal/config"
	"github.com/1ureka/roj1net/internal/plex"
	"github.com/1ureka/roj1net/internal/replay"
	"github.com/1ureka/roj1net/internal/rpc"
	"github.com/1ureka/roj1net/internal/signaling"
	"github.com/1ureka/roj1net/internal/store"
	"github.com/1ureka/roj1net/internal/transport"
	"github.com/1ureka/roj1net/internal/util"
)

// Options configures a BasePeer and the RTC peers it creates.
type Options struct {
	RTC        transport.Options
	RPCTimeout time.Duration
	ICESize    int
	ICEWindow  time.Duration
}

// OptionsFromConfig maps the relevant config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RTC:        transport.OptionsFromConfig(cfg.RTC),
		RPCTimeout: cfg.Network.RPCTimeout,
		ICESize:    cfg.RTC.ICEBufferSize,
		ICEWindow:  cfg.RTC.ICEBufferTime,
	}
}

func (o Options) withDefaults() Options {
	if o.ICESize <= 0 {
		o.ICESize = 20
	}
	if o.ICEWindow <= 0 {
		o.ICEWindow = 60 * time.Second
	}
	return o
}

// BasePeer is a connection to one remote peer together with the manager
// of the peers it negotiated directly. Closing either closes the other.
type BasePeer struct {
	*Manager

	id      string
	session *plex.Session
	opts    Options
	log     *util.Logger

	mu     sync.Mutex
	signal *rpc.Channel
}

var _ signaling.Negotiator = (*BasePeer)(nil)

// New wraps sess. id is this side's identity towards the remote.
func New(id string, sess *plex.Session, opts Options) *BasePeer {
	p := &BasePeer{
		Manager: NewManager(id, nil),
		id:      id,
		session: sess,
		opts:    opts.withDefaults(),
		log:     util.NewLogger("peer").With(id),
	}
	go func() {
		select {
		case <-sess.Done():
			p.Manager.Close()
		case <-p.Manager.Done():
			sess.Close()
		}
	}()
	return p
}

// DialWebSocket connects to url and wraps the connection as a BasePeer.
func DialWebSocket(ctx context.Context, id, url string, opts Options) (*BasePeer, error) {
	conn, err := transport.DialWebSocket(ctx, url)
	if err != nil {
		return nil, err
	}
	sess, err := plex.New(conn, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return New(id, sess, opts), nil
}

func (p *BasePeer) ID() string { return p.id }

// Session returns the underlying multiplexed connection.
func (p *BasePeer) Session() *plex.Session { return p.session }

// Close closes the connection and every peer negotiated through it.
func (p *BasePeer) Close() error {
	err := p.Manager.Close()
	if cerr := p.session.Close(); err == nil {
		err = cerr
	}
	return err
}

// RPC opens a plain rpc channel on the connection.
func (p *BasePeer) RPC(ctx context.Context, channel string) (*rpc.Channel, error) {
	return rpc.Open(ctx, p.session, channel, p.opts.RPCTimeout)
}

// Signal opens channel as this peer's signal channel: it exposes the
// offer/answer/ICE methods and carries this side's ICE candidates.
func (p *BasePeer) Signal(ctx context.Context, channel string) (*rpc.Channel, error) {
	ch, err := p.RPC(ctx, channel)
	if err != nil {
		return nil, err
	}
	ch.Expose(signaling.NegotiatorHandlers(p))

	p.mu.Lock()
	p.signal = ch
	p.mu.Unlock()
	go func() {
		<-ch.Done()
		p.log.Debugf("signal ended")
	}()
	return ch, nil
}

func (p *BasePeer) signalChannel() *rpc.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signal
}

// Negotiate opens a direct RTC connection to the peer behind remote, a
// caller on its signal channel, with this side offering. It returns once
// the data channel is open.
func (p *BasePeer) Negotiate(ctx context.Context, remoteID string, remote rpc.Caller) (store.Peer, error) {
	offer, err := p.CreateOffer(ctx, remoteID)
	if err != nil {
		return store.Peer{}, err
	}
	var answer *webrtc.SessionDescription
	if err := remote.Request(ctx, signaling.MethodOfferResponse, &answer, p.id, offer); err != nil {
		p.Destroy(remoteID)
		return store.Peer{}, fmt.Errorf("offerResponse: %w", err)
	}
	if answer == nil {
		p.Destroy(remoteID)
		return store.Peer{}, fmt.Errorf("%w: empty answer", signaling.ErrNegotiationFailed)
	}
	ok, err := p.GetAnswer(ctx, remoteID, *answer)
	if err != nil {
		return store.Peer{}, err
	}
	if !ok {
		return store.Peer{}, fmt.Errorf("%w: answer not applied", signaling.ErrNegotiationFailed)
	}

	return p.waitReady(ctx, remoteID)
}

// waitReady waits for the data channel of the RTC peer remoteID to open.
// The peer may already be gone if its connection failed.
func (p *BasePeer) waitReady(ctx context.Context, remoteID string) (store.Peer, error) {
	rtcPeer, ok := p.Get(remoteID)
	if !ok || rtcPeer.RTC == nil {
		return store.Peer{}, transport.ErrClosed
	}
	select {
	case <-rtcPeer.RTC.Ready():
		return rtcPeer, nil
	case <-rtcPeer.RTC.Done():
		return store.Peer{}, transport.ErrClosed
	case <-ctx.Done():
		return store.Peer{}, ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// signaling.Negotiator
// ---------------------------------------------------------------------------

func (p *BasePeer) CreateOffer(ctx context.Context, to string) (*webrtc.SessionDescription, error) {
	rtcPeer, err := p.newRTCPeer(to, true)
	if err != nil {
		return nil, err
	}
	offer, err := rtcPeer.RTC.CreateOffer(ctx)
	if err != nil {
		p.Destroy(to)
		return nil, err
	}
	return &offer, nil
}

func (p *BasePeer) OfferResponse(ctx context.Context, from string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	rtcPeer, err := p.newRTCPeer(from, false)
	if err != nil {
		return nil, err
	}
	answer, err := rtcPeer.RTC.CreateAnswer(ctx, offer)
	if err != nil {
		p.Destroy(from)
		return nil, err
	}
	p.Activate(from)
	return &answer, nil
}

func (p *BasePeer) GetAnswer(ctx context.Context, from string, answer webrtc.SessionDescription) (bool, error) {
	rtcPeer, ok := p.Get(from)
	if !ok || rtcPeer.RTC == nil {
		return false, nil
	}
	if rtcPeer.RTC.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return false, nil
	}
	if err := rtcPeer.RTC.AcceptAnswer(ctx, answer); err != nil {
		return false, err
	}
	p.Activate(from)
	return true, nil
}

func (p *BasePeer) ReceiveIce(from string, candidate webrtc.ICECandidateInit) {
	rtcPeer, ok := p.Get(from)
	if !ok || rtcPeer.RTC == nil {
		return
	}
	if err := rtcPeer.RTC.AddICECandidate(candidate); err != nil {
		p.log.Errorf("failed to add ICE candidate from %s: %v", from, err)
	}
}

// newRTCPeer creates an RTC connection for remote and files it in the
// manager, replacing (and closing) a previous one.
func (p *BasePeer) newRTCPeer(remote string, initiator bool) (store.Peer, error) {
	if old, ok := p.Get(remote); ok && old.RTC != nil {
		p.Destroy(remote)
	}

	rtc, err := transport.NewRTC(context.Background(), p.opts.RTC)
	if err != nil {
		return store.Peer{}, err
	}
	sess, err := plex.New(rtc.Conn(), !initiator)
	if err != nil {
		rtc.Close()
		return store.Peer{}, err
	}

	ices := replay.New[webrtc.ICECandidateInit](p.opts.ICESize, p.opts.ICEWindow, p.opts.RTC.Clock)
	rtc.OnICECandidate(ices.Push)

	entry := store.Peer{ID: remote, Session: sess, RTC: rtc}
	if _, err := p.Add(entry); err != nil {
		ices.Close()
		sess.Close()
		rtc.Close()
		return store.Peer{}, err
	}

	go p.trickle(remote, rtc, ices)
	go func() {
		select {
		case <-rtc.Done():
		case <-sess.Done():
		}
		ices.Close()
		// only drop the entry if it was not replaced meanwhile
		if cur, ok := p.Get(remote); ok && cur.RTC == rtc {
			p.Destroy(remote)
		} else {
			sess.Close()
			rtc.Close()
		}
	}()
	return entry, nil
}

// trickle sends the local candidates of rtc over the signal channel.
func (p *BasePeer) trickle(remote string, rtc *transport.RTC, ices *replay.Buffer[webrtc.ICECandidateInit]) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-rtc.Done():
		case <-p.Manager.Done():
		}
		cancel()
	}()

	for candidate := range ices.Subscribe(ctx) {
		ch := p.signalChannel()
		if ch == nil {
			continue
		}
		if err := ch.Notify(signaling.MethodReceiveIce, p.id, candidate); err != nil {
			p.log.Debugf("failed to send ICE candidate to %s: %v", remote, err)
		}
	}
}
