package gident_test

import (
	"sync"
	"testing"

	"github.com/GssMahadevan/gvthread/internal/gident"
	"github.com/stretchr/testify/require"
)

func TestCurrentIsStableWithinAGoroutine(t *testing.T) {
	a := gident.Current()
	b := gident.Current()
	require.Equal(t, a, b)
	require.NotZero(t, a)
}

func TestCurrentDiffersAcrossGoroutines(t *testing.T) {
	ids := make(chan uint64, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			ids <- gident.Current()
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uint64]bool{}
	for id := range ids {
		require.False(t, seen[id], "two live goroutines reported the same id")
		seen[id] = true
	}
}
