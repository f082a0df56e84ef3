package overlay

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roj1net/internal/signaling"
	"github.com/1ureka/roj1net/internal/transport"
)

// negotiator serves the offer/answer methods a relay drives on a verified
// interface. Remote identities are overlay addresses.
type negotiator struct {
	n       *Network
	ifaceID string
	localIP string
}

var _ signaling.Negotiator = (*negotiator)(nil)

func (g *negotiator) CreateOffer(ctx context.Context, to string) (*webrtc.SessionDescription, error) {
	id, err := g.newSocket(to, true)
	if err != nil {
		return nil, err
	}
	rtc, err := g.socketRTC(id)
	if err != nil {
		return nil, err
	}
	offer, err := rtc.CreateOffer(ctx)
	if err != nil {
		_ = g.n.CloseSocket(id)
		return nil, err
	}
	return &offer, nil
}

func (g *negotiator) OfferResponse(ctx context.Context, from string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	id, err := g.newSocket(from, false)
	if err != nil {
		return nil, err
	}
	rtc, err := g.socketRTC(id)
	if err != nil {
		return nil, err
	}
	answer, err := rtc.CreateAnswer(ctx, offer)
	if err != nil {
		_ = g.n.CloseSocket(id)
		return nil, err
	}
	if err := g.n.SetSocketConnected(id); err != nil {
		_ = g.n.CloseSocket(id)
		return nil, err
	}
	return &answer, nil
}

func (g *negotiator) GetAnswer(ctx context.Context, from string, answer webrtc.SessionDescription) (bool, error) {
	sock, ok := g.n.socketTo(g.ifaceID, from)
	if !ok || sock.RTC == nil {
		g.n.log.Warnf("getAnswer: no socket for %s on %s", from, g.localIP)
		return false, nil
	}
	if state := sock.RTC.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		g.n.log.Warnf("getAnswer: socket %s in state %s", sock.ID, state)
		return false, nil
	}
	if err := sock.RTC.AcceptAnswer(ctx, answer); err != nil {
		return false, err
	}
	if err := g.n.SetSocketConnected(sock.ID); err != nil {
		return false, err
	}
	return true, nil
}

func (g *negotiator) ReceiveIce(from string, candidate webrtc.ICECandidateInit) {
	g.n.receiveIce(g.ifaceID, from, candidate)
}

// newSocket replaces any socket of the interface towards remote with a
// fresh one.
func (g *negotiator) newSocket(remote string, initiator bool) (string, error) {
	if remote == "" {
		return "", fmt.Errorf("%w: empty remote", ErrMissingIP)
	}
	g.n.closeSocketsTo(g.ifaceID, remote)
	id, err := g.n.CreateSocket(g.ifaceID, initiator)
	if err != nil {
		return "", err
	}
	if err := g.n.UpdateSocketIP(id, remote); err != nil {
		_ = g.n.CloseSocket(id)
		return "", err
	}
	return id, nil
}

// socketRTC returns the RTC connection of socket id, which its watcher
// may already have torn down.
func (g *negotiator) socketRTC(id string) (*transport.RTC, error) {
	sock, ok := g.n.GetSocket(id)
	if !ok || sock.RTC == nil {
		return nil, fmt.Errorf("%w: %s closed", ErrInvalidSocket, id)
	}
	return sock.RTC, nil
}
