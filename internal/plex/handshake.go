package plex

import (
	"context"
	"fmt"
	"net"

	"github.com/1ureka/roj1net/internal/protocol"
)

const handshakeChannel = reservedChannelPrefix + "handshake"

// Handshake exchanges a payload with the peer. Both sides must call it.
// validate inspects the peer's payload; a non-nil error rejects the peer,
// which then fails its own Handshake with ErrHandshakeRejected. The
// peer's payload is returned once both sides accepted.
func (s *Session) Handshake(ctx context.Context, payload []byte, validate func(remote []byte) error) ([]byte, error) {
	out, err := s.open(ctx, handshakeChannel)
	if err != nil {
		return nil, err
	}
	defer out.Close()
	stop := closeOnDone(ctx, out)
	defer stop()

	if err := protocol.WriteFrame(out, &protocol.Frame{Type: protocol.TypeHandshake, Payload: payload}); err != nil {
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	in, err := s.accept(ctx, handshakeChannel)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	stopIn := closeOnDone(ctx, in)
	defer stopIn()

	f, err := protocol.ReadFrame(in)
	if err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("failed to read handshake: %w", err))
	}
	if f.Type != protocol.TypeHandshake {
		return nil, fmt.Errorf("%w: type %d during handshake", errUnexpectedFrame, f.Type)
	}

	var verdict []byte
	localErr := validate(f.Payload)
	if localErr != nil {
		verdict = []byte(localErr.Error())
	}
	if err := protocol.WriteFrame(in, &protocol.Frame{Type: protocol.TypeHandshakeAck, Payload: verdict}); err != nil {
		return nil, fmt.Errorf("failed to send handshake ack: %w", err)
	}

	ack, err := protocol.ReadFrame(out)
	if err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("failed to read handshake ack: %w", err))
	}
	if ack.Type != protocol.TypeHandshakeAck {
		return nil, fmt.Errorf("%w: type %d awaiting ack", errUnexpectedFrame, ack.Type)
	}
	if len(ack.Payload) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, ack.Payload)
	}
	if localErr != nil {
		return nil, fmt.Errorf("rejected peer handshake: %w", localErr)
	}
	return f.Payload, nil
}

// closeOnDone closes conn when ctx ends. The returned func detaches it.
func closeOnDone(ctx context.Context, conn net.Conn) func() bool {
	return context.AfterFunc(ctx, func() { conn.Close() })
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
