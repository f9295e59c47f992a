package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitRunsWithinSlotLimit(t *testing.T) {
	p := New(2)
	var inFlight, maxSeen int64

	run := func() {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			cur := atomic.LoadInt64(&maxSeen)
			if n <= cur || atomic.CompareAndSwapInt64(&maxSeen, cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
	}

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = Submit(context.Background(), p, func(ctx context.Context) (struct{}, error) {
				run()
				return struct{}{}, nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	require.LessOrEqual(t, atomic.LoadInt64(&maxSeen), int64(2))
}

func TestSubmitRespectsContextCancellation(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithCancel(context.Background())

	blockDone := make(chan struct{})
	go func() {
		_, _ = Submit(context.Background(), p, func(ctx context.Context) (struct{}, error) {
			<-blockDone
			return struct{}{}, nil
		})
	}()
	time.Sleep(10 * time.Millisecond) // let the first Submit take the only slot
	cancel()

	_, err := Submit(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	close(blockDone)
}

func TestDefaultSizeIsClamped(t *testing.T) {
	n := DefaultSize()
	require.GreaterOrEqual(t, n, 4)
	require.LessOrEqual(t, n, 50)
}
