package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextIsPositiveAndUnique(t *testing.T) {
	g, err := New(7)
	require.NoError(t, err)

	seen := make(map[int64]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := g.Next()
		require.Greater(t, id, int64(0))
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d at iteration %d", id, i)
		seen[id] = struct{}{}
	}
}

func TestConcurrentGenerationIsUnique(t *testing.T) {
	g, err := New(3)
	require.NoError(t, err)

	const goroutines = 50
	const perGoroutine = 500

	ids := make(chan int64, goroutines*perGoroutine)
	done := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		go func() {
			for j := 0; j < perGoroutine; j++ {
				ids <- g.Next()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < goroutines; i++ {
		<-done
	}
	close(ids)

	seen := make(map[int64]struct{}, goroutines*perGoroutine)
	for id := range ids {
		require.Greater(t, id, int64(0))
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestNewWithRandomNode(t *testing.T) {
	g, err := NewWithRandomNode()
	require.NoError(t, err)
	require.Greater(t, g.Next(), int64(0))
}

func TestNewRejectsOutOfRangeNode(t *testing.T) {
	_, err := New(maxNode)
	require.Error(t, err)
}
