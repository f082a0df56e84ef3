// Package signaling brokers WebRTC offer/answer/ICE exchange between
// overlay members through a relay's RPC channels.
package signaling

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roj1net/internal/rpc"
)

// Methods exposed by the relay to each member.
const (
	MethodGetID     = "getId"
	MethodConnect   = "connect"
	MethodRelayIce  = "relayIce"
	MethodPeerCount = "peerCount"
	MethodGetPeers  = "getPeers"
)

// Methods exposed by each member to the relay.
const (
	MethodReceiveUpgrade = "receiveUpgrade"
	MethodReceiveIce     = "receiveIce"
	MethodCreateOffer    = "createOffer"
	MethodOfferResponse  = "offerResponse"
	MethodGetAnswer      = "getAnswer"
)

// Negotiator is the member side of an exchange: it owns the local RTC
// connections the relay asks it to create.
type Negotiator interface {
	// CreateOffer starts an initiator connection towards to and returns its
	// offer. A nil offer means "not ready".
	CreateOffer(ctx context.Context, to string) (*webrtc.SessionDescription, error)
	// OfferResponse starts a responder connection for from and returns the
	// answer to offer.
	OfferResponse(ctx context.Context, from string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// GetAnswer applies answer to the pending initiator connection for
	// from. It reports false if there is none or it is not awaiting one.
	GetAnswer(ctx context.Context, from string, answer webrtc.SessionDescription) (bool, error)
	// ReceiveIce feeds a remote candidate to the connection for from.
	ReceiveIce(from string, candidate webrtc.ICECandidateInit)
}

// NegotiatorHandlers returns the RPC surface a member exposes for n.
func NegotiatorHandlers(n Negotiator) map[string]rpc.Handler {
	return map[string]rpc.Handler{
		MethodReceiveIce: func(ctx context.Context, p rpc.Params) (any, error) {
			from, err := p.StringAt(0)
			if err != nil {
				return nil, err
			}
			var candidate webrtc.ICECandidateInit
			if err := p.Bind(1, &candidate); err != nil {
				return nil, err
			}
			n.ReceiveIce(from, candidate)
			return nil, nil
		},
		MethodCreateOffer: func(ctx context.Context, p rpc.Params) (any, error) {
			to, err := p.StringAt(0)
			if err != nil {
				return nil, err
			}
			return n.CreateOffer(ctx, to)
		},
		MethodOfferResponse: func(ctx context.Context, p rpc.Params) (any, error) {
			from, err := p.StringAt(0)
			if err != nil {
				return nil, err
			}
			var offer webrtc.SessionDescription
			if err := p.Bind(1, &offer); err != nil {
				return nil, err
			}
			return n.OfferResponse(ctx, from, offer)
		},
		MethodGetAnswer: func(ctx context.Context, p rpc.Params) (any, error) {
			from, err := p.StringAt(0)
			if err != nil {
				return nil, err
			}
			var answer webrtc.SessionDescription
			if err := p.Bind(1, &answer); err != nil {
				return nil, err
			}
			return n.GetAnswer(ctx, from, answer)
		},
	}
}
