package replay

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan int, n int) []int {
	t.Helper()
	var out []int
	for len(out) < n {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %v", out)
		}
	}
	return out
}

func TestReplayThenLive(t *testing.T) {
	b := New[int](20, time.Minute, clock.NewMock())
	b.Push(1)
	b.Push(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := b.Subscribe(ctx)

	b.Push(3)
	assert.Equal(t, []int{1, 2, 3}, collect(t, ch, 3))
}

func TestCountWindow(t *testing.T) {
	b := New[int](3, time.Minute, clock.NewMock())
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, b.Snapshot())
}

func TestTimeWindow(t *testing.T) {
	mock := clock.NewMock()
	b := New[int](20, time.Minute, mock)

	b.Push(1)
	mock.Add(40 * time.Second)
	b.Push(2)
	mock.Add(30 * time.Second)

	assert.Equal(t, []int{2}, b.Snapshot())

	ch := b.Subscribe(context.Background())
	b.Push(3)
	assert.Equal(t, []int{2, 3}, collect(t, ch, 2))
	b.Close()
}

func TestSlowSubscriberDoesNotBlockPush(t *testing.T) {
	b := New[int](5, time.Minute, nil)
	ch := b.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Push(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked on subscriber")
	}

	got := collect(t, ch, 1000)
	require.Len(t, got, 1000)
	for i, v := range got {
		require.Equal(t, i, v, "FIFO order")
	}
	b.Close()
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b := New[int](5, time.Minute, nil)
	ch := b.Subscribe(context.Background())
	b.Close()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}

	b.Push(1)
	assert.Empty(t, b.Snapshot())
	_, ok := <-b.Subscribe(context.Background())
	assert.False(t, ok)
}
