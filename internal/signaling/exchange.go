package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roj1net/internal/config"
	"github.com/1ureka/roj1net/internal/rpc"
)

var (
	// ErrNegotiationFailed is the outcome of an exchange that ran out of
	// attempts.
	ErrNegotiationFailed = errors.New("negotiation failed")
	errNotReady          = errors.New("peer not ready")
)

// Member is a verified participant addressed by its overlay id.
type Member struct {
	ID   string
	RPC  rpc.Caller
	Done <-chan struct{}
}

// Options tunes the exchange retries.
type Options struct {
	Retries    int
	RetryDelay time.Duration
	Clock      clock.Clock
}

// OptionsFromConfig maps the signaling config section.
func OptionsFromConfig(cfg config.SignalingConfig) Options {
	return Options{Retries: cfg.Retries, RetryDelay: cfg.RetryDelay}
}

func (o Options) withDefaults() Options {
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 250 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Exchange drives one offer/answer round between impolite and polite:
//
//	impolite.createOffer(polite) -> polite.offerResponse(impolite, offer)
//	-> impolite.getAnswer(polite, answer)
//
// The whole round is attempted 1+Retries times with RetryDelay between
// attempts. An empty offer or answer counts as a failed attempt.
func Exchange(ctx context.Context, impolite, polite Member, opts Options) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			timer := opts.Clock.Timer(opts.RetryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		lastErr = exchangeOnce(ctx, impolite, polite)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debugf("exchange %s -> %s attempt %d: %v", impolite.ID, polite.ID, attempt+1, lastErr)
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrNegotiationFailed, opts.Retries+1, lastErr)
}

func exchangeOnce(ctx context.Context, impolite, polite Member) error {
	var offer *webrtc.SessionDescription
	if err := impolite.RPC.Request(ctx, MethodCreateOffer, &offer, polite.ID); err != nil {
		return fmt.Errorf("createOffer: %w", err)
	}
	if offer == nil || offer.SDP == "" {
		return fmt.Errorf("createOffer: %w", errNotReady)
	}

	var answer *webrtc.SessionDescription
	if err := polite.RPC.Request(ctx, MethodOfferResponse, &answer, impolite.ID, offer); err != nil {
		return fmt.Errorf("offerResponse: %w", err)
	}
	if answer == nil || answer.SDP == "" {
		return fmt.Errorf("offerResponse: %w", errNotReady)
	}

	var applied bool
	if err := impolite.RPC.Request(ctx, MethodGetAnswer, &applied, polite.ID, answer); err != nil {
		return fmt.Errorf("getAnswer: %w", err)
	}
	if !applied {
		return fmt.Errorf("getAnswer: %w", errNotReady)
	}
	return nil
}
