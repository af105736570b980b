package idempotency

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_Generate(t *testing.T) {
	g := NewGenerator()

	t.Run("Version7", func(t *testing.T) {
		id := g.Generate()
		assert.True(t, Valid(id))
	})

	t.Run("MonotonicWithinInstance", func(t *testing.T) {
		ids := make([]string, 1000)
		for i := range ids {
			ids[i] = g.Generate()
		}
		assert.True(t, sort.StringsAreSorted(ids))
	})

	t.Run("UniqueUnderConcurrency", func(t *testing.T) {
		const workers, perWorker = 16, 500
		var mu sync.Mutex
		seen := make(map[string]struct{}, workers*perWorker)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				local := make([]string, 0, perWorker)
				for i := 0; i < perWorker; i++ {
					local = append(local, g.Generate())
				}
				mu.Lock()
				defer mu.Unlock()
				for _, id := range local {
					seen[id] = struct{}{}
				}
			}()
		}
		wg.Wait()
		require.Len(t, seen, workers*perWorker)
	})
}

func TestValid(t *testing.T) {
	assert.False(t, Valid(""))
	assert.False(t, Valid("not-a-uuid"))
	assert.False(t, Valid("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
}
