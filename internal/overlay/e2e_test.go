package overlay

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/roj1net/internal/server"
	"github.com/1ureka/roj1net/internal/store"
	"github.com/1ureka/roj1net/internal/transport"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv, err := server.New(store.New(), server.Options{Subnet: "72.16.0.0/14", RPCTimeout: 5 * time.Second})
	require.NoError(t, err)
	ws := server.NewWebSocketServer(srv, false)
	_, err = ws.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		ws.Close()
		_ = srv.Close()
	})
	return ws.URL()
}

type node struct {
	*Network
	iface string
	ip    string
}

func joinRelay(t *testing.T, ctx context.Context, url string) *node {
	t.Helper()
	n := New(nil, Options{RPCTimeout: 5 * time.Second, RTC: transport.Options{IncludeLoopback: true}})
	t.Cleanup(func() { _ = n.ResetStore() })
	return attach(t, ctx, n, url)
}

func attach(t *testing.T, ctx context.Context, n *Network, url string) *node {
	t.Helper()
	id, err := n.AddWebSocketNetworkInterface(url)
	require.NoError(t, err)
	iface, err := n.NetworkInterfaceConnected(ctx, id)
	require.NoError(t, err)
	return &node{Network: n, iface: id, ip: iface.IP}
}

// transfer sends payload from a to b on channel and returns what b read.
func transfer(t *testing.T, ctx context.Context, a, b *node, channel string, payload []byte) []byte {
	t.Helper()
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	streams := b.ListenOnSocket(lctx, a.ip, channel)

	st, err := a.ConnectStream(ctx, b.ip, channel)
	require.NoError(t, err)
	go func() {
		_, _ = st.Write(payload)
		st.Close()
	}()

	select {
	case in := <-streams:
		require.NotNil(t, in)
		defer in.Close()
		assert.Equal(t, a.ip, in.RemoteIP)
		assert.Equal(t, b.ip, in.LocalIP)
		got, err := io.ReadAll(in)
		require.NoError(t, err)
		return got
	case <-ctx.Done():
		t.Fatal("no stream accepted")
	}
	return nil
}

func TestE2EConnectAndTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("webrtc end to end")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	url := startRelay(t)
	a := joinRelay(t, ctx, url)
	b := joinRelay(t, ctx, url)
	require.NotEqual(t, a.ip, b.ip)

	ok, err := a.Connect(ctx, a.ip, b.ip)
	require.NoError(t, err)
	require.True(t, ok)

	got := transfer(t, ctx, a, b, "data", []byte("hello over the overlay"))
	assert.Equal(t, "hello over the overlay", string(got))

	// both directions over the same socket
	got = transfer(t, ctx, b, a, "data", []byte("and back"))
	assert.Equal(t, "and back", string(got))
}

func TestE2ELargePayload(t *testing.T) {
	if testing.Short() {
		t.Skip("webrtc end to end")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	url := startRelay(t)
	a := joinRelay(t, ctx, url)
	b := joinRelay(t, ctx, url)
	ok, err := b.Connect(ctx, b.ip, a.ip)
	require.NoError(t, err)
	require.True(t, ok)

	payload := make([]byte, 1<<20)
	_, err = rand.Read(payload)
	require.NoError(t, err)
	got := transfer(t, ctx, a, b, "bulk", payload)
	assert.True(t, bytes.Equal(payload, got), "payload differs: got %d bytes", len(got))
}

func TestE2EReconnectAfterInterfaceClose(t *testing.T) {
	if testing.Short() {
		t.Skip("webrtc end to end")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	url := startRelay(t)
	a := joinRelay(t, ctx, url)
	b := joinRelay(t, ctx, url)
	ok, err := a.Connect(ctx, a.ip, b.ip)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", string(transfer(t, ctx, a, b, "data", []byte("first"))))

	require.NoError(t, a.CloseInterface(a.iface))
	assert.Zero(t, a.Store().Sockets.Count())

	a = attach(t, ctx, a.Network, url)
	ok, err = a.Connect(ctx, a.ip, b.ip)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", string(transfer(t, ctx, a, b, "data", []byte("second"))))
}
