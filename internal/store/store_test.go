package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/roj1net/internal/plex"
)

type item struct {
	id string
	ip string
	n  int
}

func newItems(opts ...TableOption[item]) *Table[item] {
	opts = append([]TableOption[item]{WithIPIndex(func(i item) string { return i.ip })}, opts...)
	return NewTable("items", func(i item) string { return i.id }, opts...)
}

func TestTableCRUD(t *testing.T) {
	tbl := newItems()

	require.NoError(t, tbl.Add(item{id: "a", ip: "10.0.0.1"}))
	require.NoError(t, tbl.Add(item{id: "b", ip: "10.0.0.2"}))
	require.ErrorIs(t, tbl.Add(item{id: "a"}), ErrExists)
	require.ErrorIs(t, tbl.Add(item{}), ErrNoID)

	got, ok := tbl.Get("a")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", got.ip)
	assert.Equal(t, []string{"a", "b"}, tbl.IDs())
	assert.Equal(t, 2, tbl.Count())

	require.NoError(t, tbl.Update("a", func(i *item) { i.n = 7 }))
	got, _ = tbl.Get("a")
	assert.Equal(t, 7, got.n)
	require.ErrorIs(t, tbl.Update("zzz", func(*item) {}), ErrNotFound)
	require.ErrorIs(t, tbl.Update("a", func(i *item) { i.id = "c" }), ErrIDChanged)

	n := tbl.UpdateWhere(func(i item) bool { return i.n == 0 }, func(i *item) { i.n = 1 })
	assert.Equal(t, 1, n)
	assert.Len(t, tbl.Filter(func(i item) bool { return i.n > 0 }), 2)

	// upsert keeps insertion position
	require.NoError(t, tbl.Upsert(item{id: "a", ip: "10.0.0.9"}))
	assert.Equal(t, []string{"a", "b"}, tbl.IDs())

	v, ok := tbl.Delete("a")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.9", v.ip)
	_, ok = tbl.Delete("a")
	assert.False(t, ok)

	assert.Len(t, tbl.DeleteAll(), 1)
	assert.Zero(t, tbl.Count())
}

func TestTableIPIndex(t *testing.T) {
	tbl := newItems()
	require.NoError(t, tbl.Add(item{id: "a", ip: "10.0.0.1"}))
	require.NoError(t, tbl.Add(item{id: "b"}))
	require.NoError(t, tbl.Add(item{id: "c", ip: "10.0.0.1"}))

	assert.Len(t, tbl.ByIP("10.0.0.1"), 2)
	first, ok := tbl.FindByIP("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "a", first.id)

	require.NoError(t, tbl.Update("b", func(i *item) { i.ip = "10.0.0.2" }))
	got, ok := tbl.FindByIP("10.0.0.2")
	require.True(t, ok)
	assert.Equal(t, "b", got.id)

	require.NoError(t, tbl.Update("a", func(i *item) { i.ip = "" }))
	tbl.Delete("c")
	_, ok = tbl.FindByIP("10.0.0.1")
	assert.False(t, ok)
}

func TestTableActiveSubset(t *testing.T) {
	tbl := newItems()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, tbl.Add(item{id: id}))
	}

	tbl.Activate("c", "a", "ghost")
	assert.Equal(t, []string{"a", "c"}, tbl.ActiveIDs())

	tbl.Toggle("a", "b")
	assert.Equal(t, []string{"b", "c"}, tbl.ActiveIDs())
	assert.True(t, tbl.IsActive("b"))

	tbl.Deactivate("c")
	assert.Len(t, tbl.ActiveEntities(), 1)

	tbl.Delete("b")
	assert.Empty(t, tbl.ActiveIDs())

	tbl.Activate("a", "c")
	tbl.ResetActive()
	assert.Empty(t, tbl.ActiveIDs())
}

func TestTableDestroy(t *testing.T) {
	var torn []string
	tbl := newItems(WithTeardown(func(i item) error {
		torn = append(torn, i.id)
		return nil
	}))
	require.NoError(t, tbl.Add(item{id: "a"}))

	require.NoError(t, tbl.Destroy("a"))
	require.ErrorIs(t, tbl.Destroy("a"), ErrNotFound)
	assert.Equal(t, []string{"a"}, torn)
}

func TestSelectEmitsOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tbl := newItems()
	counts := Select(ctx, tbl, (*Table[item]).Count, func(a, b int) bool { return a == b })

	assert.Equal(t, 0, recv(t, counts))
	require.NoError(t, tbl.Add(item{id: "a"}))
	assert.Equal(t, 1, recv(t, counts))

	// mutations that leave the result unchanged are not emitted
	require.NoError(t, tbl.Update("a", func(i *item) { i.n++ }))
	require.NoError(t, tbl.Add(item{id: "b"}))
	assert.Equal(t, 2, recv(t, counts))

	cancel()
	assertClosed(t, counts)
}

func TestEachEmitsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tbl := newItems()
	ready := Each(ctx, tbl, func(i item) bool { return i.n > 0 })

	require.NoError(t, tbl.Add(item{id: "a"}))
	require.NoError(t, tbl.Update("a", func(i *item) { i.n = 1 }))
	assert.Equal(t, "a", recv(t, ready).id)

	require.NoError(t, tbl.Update("a", func(i *item) { i.n = 2 }))
	require.NoError(t, tbl.Add(item{id: "b", n: 1}))
	assert.Equal(t, "b", recv(t, ready).id)
}

func TestWaitFor(t *testing.T) {
	tbl := newItems()
	go func() {
		time.Sleep(20 * time.Millisecond)
		tbl.Add(item{id: "late", n: 3})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := tbl.WaitFor(ctx, func(i item) bool { return i.n == 3 })
	require.NoError(t, err)
	assert.Equal(t, "late", v.id)

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	_, err = tbl.WaitFor(short, func(i item) bool { return i.n == 99 })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResetTearsDownEverything(t *testing.T) {
	s := New()

	client, server, err := plex.Pair()
	require.NoError(t, err)

	var stopped atomic.Int32
	require.NoError(t, s.Interfaces.Add(Interface{
		ID:      "iface_1",
		IP:      "72.16.0.1",
		State:   StateVerified,
		Session: client,
		Stop:    func() { stopped.Add(1) },
	}))
	require.NoError(t, s.ServerSockets.Add(ServerSocket{ID: "conn_1", Session: server}))
	require.NoError(t, s.Sockets.Add(Socket{ID: "socket-1", IfaceID: "iface_1"}))
	require.NoError(t, s.Peers.Add(Peer{ID: "p1"}))

	bound, unbind := s.Bind(context.Background())
	defer unbind()

	var hookOrder []int
	var hookCause error
	s.OnReset(func(cause error) {
		hookOrder = append(hookOrder, s.Count(KindInterface)+s.Count(KindSocket))
		hookCause = cause
	})

	_ = s.Reset(errors.New("shutdown"))

	for _, k := range []Kind{KindInterface, KindSocket, KindServerSocket, KindPeer} {
		assert.Zero(t, s.Count(k), k.String())
	}
	assert.Equal(t, int32(1), stopped.Load())
	assertDone(t, client.Done())
	assertDone(t, server.Done())

	// hooks run after the tables are cleared
	assert.Equal(t, []int{0}, hookOrder)
	assert.ErrorIs(t, hookCause, ErrReset)

	assertDone(t, bound.Done())
	assert.ErrorIs(t, context.Cause(bound), ErrReset)
	assert.Equal(t, 1, s.Resets())

	// the next epoch is live
	next, cancelNext := s.Bind(context.Background())
	defer cancelNext()
	assert.NoError(t, next.Err())
}

func TestUnbindDetachesFromReset(t *testing.T) {
	s := New()
	ctx, cancel := s.Bind(context.Background())
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	calls := 0
	unregister := s.OnReset(func(error) { calls++ })
	unregister()
	require.NoError(t, s.Reset(nil))
	assert.Zero(t, calls)
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func assertClosed[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed")
		}
	}
}

func assertDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("not done")
	}
}
