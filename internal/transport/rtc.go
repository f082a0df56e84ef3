package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roj1net/internal/util"
)

var (
	// ErrNegotiationTimeout is returned when a session description did not
	// show up within the configured ceiling. The RTC is closed by then.
	ErrNegotiationTimeout = errors.New("negotiation timeout")
	// ErrWrongSignalingState is returned when an answer arrives while no
	// local offer is outstanding.
	ErrWrongSignalingState = errors.New("wrong signaling state")
	ErrClosed              = errors.New("rtc closed")
)

var log = util.NewLogger("rtc")

// RTC wraps a single PeerConnection + DataChannel pair, providing a
// high-level API for offer/answer exchange, trickle ICE and a net.Conn view
// of the DataChannel.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state is recorded and a failed
// or closed PeerConnection also ends the RTC.
type RTC struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	opts       Options
	conn       *dcConn
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pcState   webrtc.PeerConnectionState
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closeErr  error
	closeOnce sync.Once
}

// NewRTC creates an RTC backed by a new PeerConnection and a pre-negotiated
// DataChannel.
func NewRTC(ctx context.Context, opts Options) (*RTC, error) {
	opts = opts.withDefaults()

	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create DataChannel: %w", err)
	}

	rCtx, rCancel := context.WithCancel(ctx)

	r := &RTC{
		pc:         pc,
		dc:         dc,
		opts:       opts,
		openSignal: make(chan struct{}),
		ctx:        rCtx,
		cancel:     rCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(r.openSignal) })
	})

	// DC close → cancel RTC context.
	dc.OnClose(func() {
		log.Debugf("DataChannel closed")
		rCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugf("PeerConnection state: %s", state.String())
		r.mu.Lock()
		r.pcState = state
		r.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			rCancel()
		}
	})

	r.conn = newDCConn(rCtx, r, dc, r.openSignal)

	// Parent context cancelled → release pion resources.
	go func() {
		<-rCtx.Done()
		r.Close()
	}()

	return r, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (r *RTC) Ready() <-chan struct{} {
	return r.openSignal
}

// Done returns a channel that is closed when the RTC is shut down.
func (r *RTC) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection. Safe to call
// multiple times; later calls return the first result.
func (r *RTC) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.closeErr = errors.Join(r.dc.Close(), r.pc.Close())
	})
	return r.closeErr
}

// ConnectionState returns the last observed PeerConnection state.
func (r *RTC) ConnectionState() webrtc.PeerConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pcState
}

// SignalingState returns the current offer/answer state.
func (r *RTC) SignalingState() webrtc.SignalingState {
	return r.pc.SignalingState()
}

// Conn returns the DataChannel as a net.Conn. Writes block until the
// channel is open. Closing the Conn closes the RTC.
func (r *RTC) Conn() net.Conn {
	return r.conn
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer, applies it locally and waits until
// the local description is in place.
func (r *RTC) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := r.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("CreateOffer: %w", err)
	}
	if err := r.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("SetLocalDescription: %w", err)
	}
	return r.WaitLocalDescription(ctx)
}

// CreateAnswer applies a remote offer and returns the local answer.
func (r *RTC) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := r.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := r.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("SetLocalDescription: %w", err)
	}
	return r.WaitLocalDescription(ctx)
}

// AcceptAnswer applies a remote answer. It refuses unless a local offer is
// outstanding, so an answer arriving out of order is never applied.
func (r *RTC) AcceptAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	if state := r.pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: %s", ErrWrongSignalingState, state)
	}
	if err := r.SetRemoteDescription(answer); err != nil {
		return err
	}
	_, err := r.WaitRemoteDescription(ctx)
	return err
}

// SetRemoteDescription applies the remote SDP and flushes any ICE
// candidates that arrived before it.
func (r *RTC) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := r.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}

	r.mu.Lock()
	r.remoteSet = true
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	var errs []error
	for _, c := range pending {
		if err := r.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		log.Debugf("dropped %d early ICE candidates: %v", len(errs), errors.Join(errs...))
	}
	return nil
}

// OnICECandidate registers a callback invoked for every local ICE
// candidate. The end-of-gathering nil candidate is not forwarded.
func (r *RTC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	r.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			fn(c.ToJSON())
		}
	})
}

// AddICECandidate adds a remote ICE candidate received through signaling.
// Candidates that arrive before the remote description are held back.
func (r *RTC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	r.mu.Lock()
	if !r.remoteSet {
		r.pending = append(r.pending, candidate)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	return r.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Description polling
// ---------------------------------------------------------------------------

// WaitLocalDescription polls until the local description is set. If the
// ceiling passes first the RTC is closed and ErrNegotiationTimeout returned.
func (r *RTC) WaitLocalDescription(ctx context.Context) (webrtc.SessionDescription, error) {
	return r.waitDescription(ctx, "local", r.pc.LocalDescription)
}

// WaitRemoteDescription is WaitLocalDescription for the remote side.
func (r *RTC) WaitRemoteDescription(ctx context.Context) (webrtc.SessionDescription, error) {
	return r.waitDescription(ctx, "remote", r.pc.RemoteDescription)
}

func (r *RTC) waitDescription(
	ctx context.Context,
	side string,
	get func() *webrtc.SessionDescription,
) (webrtc.SessionDescription, error) {
	if sd := get(); sd != nil {
		return *sd, nil
	}

	ticker := r.opts.Clock.Ticker(r.opts.PollInterval)
	defer ticker.Stop()
	timeout := r.opts.Clock.Timer(r.opts.DescribeTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ticker.C:
			if sd := get(); sd != nil {
				return *sd, nil
			}
		case <-timeout.C:
			log.Warnf("%s description not ready after %s, closing", side, r.opts.DescribeTimeout)
			r.Close()
			return webrtc.SessionDescription{}, fmt.Errorf("%w: %s description", ErrNegotiationTimeout, side)
		case <-r.ctx.Done():
			return webrtc.SessionDescription{}, ErrClosed
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		}
	}
}
