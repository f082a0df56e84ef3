package peer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/roj1net/internal/plex"
	"github.com/1ureka/roj1net/internal/store"
	"github.com/1ureka/roj1net/internal/transport"
)

func TestManagerAddAndActivity(t *testing.T) {
	m := NewManager("test-activity", nil)
	defer m.Close()

	id, err := m.Add(store.Peer{ID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	_, err = m.Add(store.Peer{})
	require.ErrorIs(t, err, ErrNoID)
	_, err = m.Add(store.Peer{ID: "b"})
	require.NoError(t, err)

	m.Activate("a", "b")
	assert.Equal(t, []string{"a", "b"}, m.GetActive())
	m.ToggleActive("a")
	assert.Equal(t, []string{"b"}, m.GetActive())
	m.Deactivate("b")
	assert.Empty(t, m.GetActiveEntities())

	m.Activate("a", "b")
	m.ResetActivity()
	assert.Empty(t, m.GetActive())
}

func TestManagerIDMap(t *testing.T) {
	m := NewManager("test-idmap", ByField("ip"))
	defer m.Close()

	id, err := m.Add(store.Peer{IP: "72.16.0.5"})
	require.NoError(t, err)
	assert.Equal(t, "72.16.0.5", id)

	assert.Equal(t, "node-1", m.GetID(store.Peer{Meta: map[string]string{"host": "node-1"}}, ByField("host")))
	assert.Equal(t, "x", m.GetID(store.Peer{Name: "x"}, ByField("name")))
}

func TestManagerRegistry(t *testing.T) {
	m := NewManager("test-registry", nil)
	got, ok := GetManager("test-registry")
	require.True(t, ok)
	assert.Same(t, m, got)

	require.NoError(t, m.Close())
	_, ok = GetManager("test-registry")
	assert.False(t, ok)

	_, err := m.Add(store.Peer{ID: "late"})
	assert.Error(t, err)
}

func TestManagerAttachDetach(t *testing.T) {
	m := NewManager("test-attach", ByField("name"))
	defer m.Close()

	conns := make(chan store.Peer)
	ids := make(chan string)
	m.Attach(conns, nil)
	m.Detach(ids)

	conns <- store.Peer{Name: "n1"}
	conns <- store.Peer{Name: "n2"}
	require.Eventually(t, func() bool { return m.Table().Count() == 2 }, time.Second, time.Millisecond)

	ids <- "n1"
	require.Eventually(t, func() bool { return m.Table().Count() == 1 }, time.Second, time.Millisecond)
	_, ok := m.Get("n2")
	assert.True(t, ok)
}

func TestManagerConnectionsAndSelectActive(t *testing.T) {
	m := NewManager("test-streams", nil)
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	active := m.SelectActive(ctx)
	conns := m.Connections(ctx)

	assert.Empty(t, next(t, active))

	_, err := m.Add(store.Peer{ID: "a"})
	require.NoError(t, err)
	m.Activate("a")

	assert.Equal(t, []string{"a"}, next(t, active))
	assert.Equal(t, "a", next(t, conns).ID)
}

func TestManagerCloseDestroysConnections(t *testing.T) {
	m := NewManager("test-close", nil)
	client, server, err := plex.Pair()
	require.NoError(t, err)
	defer server.Close()

	_, err = m.Add(store.Peer{ID: "a", Session: client})
	require.NoError(t, err)
	ctx := context.Background()
	conns := m.Connections(ctx)

	_ = m.Close()
	waitDone(t, client.Done())
	waitDone(t, m.Done())
	assert.Zero(t, m.Table().Count())

	// live views end with the manager
	select {
	case _, ok := <-conns:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("connections stream not closed")
	}
}

func TestBasePeerLifecycle(t *testing.T) {
	client, server, err := plex.Pair()
	require.NoError(t, err)
	defer server.Close()

	p := New("base-lifecycle", client, Options{})
	assert.Equal(t, "base-lifecycle", p.ID())

	// closing the connection closes the manager
	require.NoError(t, server.Close())
	waitDone(t, p.Manager.Done())

	client2, server2, err := plex.Pair()
	require.NoError(t, err)
	defer server2.Close()
	p2 := New("base-lifecycle-2", client2, Options{})

	// and the other way round
	_ = p2.Manager.Close()
	waitDone(t, client2.Done())
}

func TestBasePeerGetAnswerWithoutOffer(t *testing.T) {
	client, server, err := plex.Pair()
	require.NoError(t, err)
	defer server.Close()
	p := New("base-no-offer", client, Options{})
	defer p.Close()

	ok, err := p.GetAnswer(context.Background(), "nobody", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBasePeerWaitReadyOnVanishedPeer(t *testing.T) {
	client, server, err := plex.Pair()
	require.NoError(t, err)
	defer server.Close()
	p := New("base-vanished", client, Options{})
	defer p.Close()

	_, err = p.waitReady(context.Background(), "nobody")
	require.ErrorIs(t, err, transport.ErrClosed)

	_, err = p.Add(store.Peer{ID: "no-rtc"})
	require.NoError(t, err)
	_, err = p.waitReady(context.Background(), "no-rtc")
	require.ErrorIs(t, err, transport.ErrClosed)
}

func TestBasePeerDirectNegotiation(t *testing.T) {
	if testing.Short() {
		t.Skip("webrtc negotiation in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cs, ss, err := plex.Pair()
	require.NoError(t, err)
	opts := Options{RTC: transport.Options{IncludeLoopback: true}}
	a := New("peer-a", cs, opts)
	b := New("peer-b", ss, opts)
	defer a.Close()
	defer b.Close()

	bSignal := make(chan error, 1)
	go func() {
		_, err := b.Signal(ctx, "signal")
		bSignal <- err
	}()
	chA, err := a.Signal(ctx, "signal")
	require.NoError(t, err)
	require.NoError(t, <-bSignal)

	rtcPeer, err := a.Negotiate(ctx, b.ID(), chA)
	require.NoError(t, err)
	assert.Contains(t, a.GetActive(), b.ID())

	remote, err := b.Table().WaitFor(ctx, func(p store.Peer) bool { return p.ID == a.ID() })
	require.NoError(t, err)
	assert.Contains(t, b.GetActive(), a.ID())

	accepted := make(chan []byte, 1)
	go func() {
		conn, err := remote.Session.Accept(ctx, "data")
		if err != nil {
			return
		}
		defer conn.Close()
		buf, _ := io.ReadAll(io.LimitReader(conn, 5))
		accepted <- buf
	}()

	conn, err := rtcPeer.Session.Connect(ctx, "data")
	require.NoError(t, err)
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-accepted:
		assert.Equal(t, []byte("hello"), got)
	case <-ctx.Done():
		t.Fatal("payload not delivered")
	}
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("not done")
	}
}
