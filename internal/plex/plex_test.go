package plex

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	a, b, err := Pair()
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestNamedChannels(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, b := newPair(t)

	// a stream may arrive before anyone accepts its channel
	red, err := a.Connect(ctx, "red")
	require.NoError(t, err)
	blue, err := a.Connect(ctx, "blue")
	require.NoError(t, err)

	_, err = blue.Write([]byte("to blue"))
	require.NoError(t, err)
	_, err = red.Write([]byte("to red"))
	require.NoError(t, err)

	inBlue, err := b.Accept(ctx, "blue")
	require.NoError(t, err)
	inRed, err := b.Accept(ctx, "red")
	require.NoError(t, err)

	buf := make([]byte, 7)
	_, err = io.ReadFull(inBlue, buf)
	require.NoError(t, err)
	assert.Equal(t, "to blue", string(buf))

	buf = make([]byte, 6)
	_, err = io.ReadFull(inRed, buf)
	require.NoError(t, err)
	assert.Equal(t, "to red", string(buf))
}

func TestInvalidChannel(t *testing.T) {
	a, _ := newPair(t)
	_, err := a.Connect(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidChannel)
	_, err = a.Accept(context.Background(), handshakeChannel)
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestLargePayload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, b := newPair(t)

	payload := make([]byte, 1<<20)
	_, _ = rand.Read(payload)

	go func() {
		s, err := a.Connect(ctx, "bulk")
		if err != nil {
			return
		}
		_, _ = s.Write(payload)
		s.Close()
	}()

	in, err := b.Accept(ctx, "bulk")
	require.NoError(t, err)
	got, err := io.ReadAll(in)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "payload must arrive once and intact")
}

func TestHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, server := newPair(t)

	var wg sync.WaitGroup
	var serverGot []byte
	var serverErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverGot, serverErr = server.Handshake(ctx, []byte("tmp-42"), func([]byte) error { return nil })
	}()

	clientGot, err := client.Handshake(ctx, nil, func(remote []byte) error {
		if len(remote) == 0 {
			return errors.New("empty challenge")
		}
		return nil
	})
	wg.Wait()

	require.NoError(t, err)
	require.NoError(t, serverErr)
	assert.Equal(t, "tmp-42", string(clientGot))
	assert.Empty(t, serverGot)
}

func TestHandshakeRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, server := newPair(t)

	var wg sync.WaitGroup
	var serverErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, serverErr = server.Handshake(ctx, []byte("tmp-1"), func(remote []byte) error {
			return errors.New("bad response")
		})
	}()

	_, err := client.Handshake(ctx, []byte("answer"), func([]byte) error { return nil })
	wg.Wait()

	assert.ErrorIs(t, err, ErrHandshakeRejected)
	assert.Error(t, serverErr)
}

func TestCloseIsObservedByPeer(t *testing.T) {
	a, b := newPair(t)
	require.NoError(t, a.Close())

	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not observe close")
	}

	_, err := b.Accept(context.Background(), "any")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, a.Close(), "close is idempotent")
}
