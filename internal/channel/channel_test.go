package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	t.Parallel()

	a := make(chan int, 2)
	b := make(chan int, 1)
	a <- 1
	a <- 2
	b <- 3
	close(a)
	close(b)

	sum := 0
	count := 0
	for v := range Merge[int](t.Context(), a, b) {
		sum += v
		count++
	}
	require.Equal(t, 3, count)
	require.Equal(t, 6, sum)
}

func TestMergeNoChannels(t *testing.T) {
	t.Parallel()

	_, ok := <-Merge[string](t.Context())
	require.False(t, ok)
}

func TestMergeStopsOnContextDone(t *testing.T) {
	t.Parallel()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	open := make(chan time.Time)

	ctx, cancel := context.WithCancel(t.Context())
	out := Merge(ctx, ticker.C, (<-chan time.Time)(open))
	cancel()

	select {
	case _, ok := <-out:
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("merged channel was not closed after the context was done")
	}
}
