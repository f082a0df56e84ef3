package rpc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/roj1net/internal/plex"
)

func newPipe(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := New(a, "test", time.Second), New(b, "test", time.Second)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestRequest(t *testing.T) {
	client, server := newPipe(t)
	server.Expose(map[string]Handler{
		"add": func(ctx context.Context, p Params) (any, error) {
			var a, b int
			if err := p.Bind(0, &a); err != nil {
				return nil, err
			}
			if err := p.Bind(1, &b); err != nil {
				return nil, err
			}
			return a + b, nil
		},
	})

	var sum int
	require.NoError(t, client.Request(context.Background(), "add", &sum, 2, 40))
	assert.Equal(t, 42, sum)
}

func TestRequestErrors(t *testing.T) {
	client, server := newPipe(t)
	server.Expose(map[string]Handler{
		"fail": func(context.Context, Params) (any, error) {
			return nil, errors.New("nope")
		},
		"panic": func(context.Context, Params) (any, error) {
			panic("boom")
		},
		"typed": func(ctx context.Context, p Params) (any, error) {
			var n int
			return nil, p.Bind(0, &n)
		},
	})

	var rpcErr *Error
	err := client.Request(context.Background(), "fail", nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInternalError, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "nope")

	err = client.Request(context.Background(), "panic", nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInternalError, rpcErr.Code)

	err = client.Request(context.Background(), "typed", nil, "not a number")
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)

	// the channel survives handler failures
	err = client.Request(context.Background(), "missing", nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestNotify(t *testing.T) {
	client, server := newPipe(t)

	got := make(chan string, 1)
	server.Expose(map[string]Handler{
		"hello": func(ctx context.Context, p Params) (any, error) {
			s, err := p.StringAt(0)
			got <- s
			return nil, err
		},
	})

	require.NoError(t, client.Notify("hello", "world"))
	select {
	case s := <-got:
		assert.Equal(t, "world", s)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestNotificationsKeepOrder(t *testing.T) {
	client, server := newPipe(t)

	const total = 200
	got := make(chan int, total)
	server.Expose(map[string]Handler{
		"receiveIce": func(ctx context.Context, p Params) (any, error) {
			var n int
			if err := p.Bind(0, &n); err != nil {
				return nil, err
			}
			if n == 0 {
				// a slow first candidate must not be overtaken
				time.Sleep(20 * time.Millisecond)
			}
			got <- n
			return nil, nil
		},
	})

	for i := 0; i < total; i++ {
		require.NoError(t, client.Notify("receiveIce", i))
	}
	for want := 0; want < total; want++ {
		select {
		case n := <-got:
			require.Equal(t, want, n)
		case <-time.After(2 * time.Second):
			t.Fatalf("notification %d not delivered", want)
		}
	}
}

func TestNotificationsOfOtherMethodsRunAlongside(t *testing.T) {
	client, server := newPipe(t)

	block := make(chan struct{})
	defer close(block)
	done := make(chan string, 1)
	server.Expose(map[string]Handler{
		"slow": func(context.Context, Params) (any, error) {
			<-block
			return nil, nil
		},
		"fast": func(context.Context, Params) (any, error) {
			done <- "fast"
			return nil, nil
		},
	})

	require.NoError(t, client.Notify("slow"))
	require.NoError(t, client.Notify("fast"))
	select {
	case s := <-done:
		assert.Equal(t, "fast", s)
	case <-time.After(time.Second):
		t.Fatal("blocked by another method's notification")
	}
}

func TestUnknownMethodReportedWithinTimeout(t *testing.T) {
	a, b := net.Pipe()
	client, server := New(a, "test", 400*time.Millisecond), New(b, "test", 400*time.Millisecond)
	defer client.Close()
	defer server.Close()

	var rpcErr *Error
	err := client.Request(context.Background(), "missing", nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
	assert.Equal(t, 200*time.Millisecond, server.grace)

	c, d := net.Pipe()
	defer d.Close()
	dflt := New(c, "test", 0)
	defer dflt.Close()
	assert.Equal(t, exposeGrace, dflt.grace)
}

func TestCallBeforeExposeWaits(t *testing.T) {
	client, server := newPipe(t)

	var calls atomic.Int32
	go func() {
		time.Sleep(100 * time.Millisecond)
		server.Expose(map[string]Handler{
			"late": func(context.Context, Params) (any, error) {
				calls.Add(1)
				return true, nil
			},
		})
	}()

	var ok bool
	require.NoError(t, client.Request(context.Background(), "late", &ok))
	assert.True(t, ok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBidirectional(t *testing.T) {
	a, b := newPipe(t)
	a.Expose(map[string]Handler{"who": func(context.Context, Params) (any, error) { return "a", nil }})
	b.Expose(map[string]Handler{"who": func(context.Context, Params) (any, error) { return "b", nil }})

	var s string
	require.NoError(t, a.Request(context.Background(), "who", &s))
	assert.Equal(t, "b", s)
	require.NoError(t, b.Request(context.Background(), "who", &s))
	assert.Equal(t, "a", s)
}

func TestCloseFailsPending(t *testing.T) {
	client, server := newPipe(t)
	block := make(chan struct{})
	server.Expose(map[string]Handler{
		"block": func(ctx context.Context, p Params) (any, error) {
			<-block
			return nil, nil
		},
	})
	defer close(block)

	errCh := make(chan error, 1)
	go func() { errCh <- client.Request(context.Background(), "block", nil) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not released")
	}
	assert.ErrorIs(t, client.Notify("x"), ErrClosed)
}

func TestOpenOverPlex(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cs, ss, err := plex.Pair()
	require.NoError(t, err)
	defer cs.Close()
	defer ss.Close()

	type result struct {
		ch  *Channel
		err error
	}
	srvCh := make(chan result, 1)
	go func() {
		ch, err := Open(ctx, ss, "signal", 0)
		srvCh <- result{ch, err}
	}()

	client, err := Open(ctx, cs, "signal", 0)
	require.NoError(t, err)
	srv := <-srvCh
	require.NoError(t, srv.err)

	srv.ch.Expose(map[string]Handler{"getId": func(context.Context, Params) (any, error) { return "72.16.0.1", nil }})
	var id string
	require.NoError(t, client.Request(ctx, "getId", &id))
	assert.Equal(t, "72.16.0.1", id)

	// closing the session closes the channel
	require.NoError(t, cs.Close())
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel outlived its session")
	}
}
