package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushAndWaitDeliversReply(t *testing.T) {
	q := New[string, int](1)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		item, err := q.Shift(ctx)
		require.NoError(t, err)
		require.Equal(t, "hello", item.Value)
		require.True(t, item.HasReply())
		item.Reply(42)
	}()

	reply, err := q.PushAndWait(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, 42, reply)
	wg.Wait()
}

func TestShiftTimesOut(t *testing.T) {
	q := New[string, int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Shift(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPlainPushHasNoReply(t *testing.T) {
	q := New[int, struct{}](1)
	require.NoError(t, q.Push(context.Background(), 7))

	item, err := q.Shift(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, item.Value)
	require.False(t, item.HasReply())
	item.Reply(struct{}{}) // no-op, must not panic or block
}

func TestCloseUnblocksWaiters(t *testing.T) {
	q := New[int, int](0)
	done := make(chan error, 1)
	go func() {
		_, err := q.Shift(context.Background())
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	q.Close()
	require.ErrorIs(t, <-done, ErrClosed)
}

func TestArrivalOrderFIFO(t *testing.T) {
	q := New[int, struct{}](0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		i := i
		go func() { _ = q.Push(ctx, i) }()
	}
	seen := map[int]bool{}
	for i := 0; i < 5; i++ {
		item, err := q.Shift(ctx)
		require.NoError(t, err)
		seen[item.Value] = true
	}
	require.Len(t, seen, 5)
}
