package clock

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yangdegang/map-api/internal/model"
)

func TestClock_SampleStrictlyIncreases(t *testing.T) {
	c := New()
	previous := model.InvalidLogicalTime
	for i := 0; i < 1000; i++ {
		sampled := c.Sample()
		assert.True(t, sampled > previous)
		previous = sampled
	}
}

func TestClock_MergeAdvancesBeyondObserved(t *testing.T) {
	c := New()
	c.Sample()

	c.Merge(100)
	assert.True(t, c.Sample() > 100)

	// Merging an older time still advances the clock.
	before := c.Sample()
	c.Merge(5)
	assert.True(t, c.Sample() > before)
}

func TestClock_ConcurrentSamplesAreUnique(t *testing.T) {
	c := New()
	const goroutines = 8
	const perGoroutine = 500

	var mu sync.Mutex
	var wg sync.WaitGroup
	all := make([]model.LogicalTime, 0, goroutines*perGoroutine)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]model.LogicalTime, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				local = append(local, c.Sample())
			}
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		assert.NotEqual(t, all[i-1], all[i])
	}
}
