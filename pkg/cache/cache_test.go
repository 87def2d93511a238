package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/metric"
)

func TestNewLRU_InvalidSize(t *testing.T) {
	_, err := NewLRU[int](0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewLRU[int](2)
	require.NoError(t, err)

	created, err := c.Set("a", 1)
	require.NoError(t, err)
	assert.True(t, created)
	_, _ = c.Set("b", 2)

	// touching a makes b the eviction candidate
	_, ok := c.Get("a")
	require.True(t, ok)
	_, _ = c.Set("c", 3)

	assert.Equal(t, int64(1), c.Stats().Evictions())
	assert.Equal(t, int64(2), c.Stats().MaxSize())
	assert.Equal(t, 2, c.Size())

	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestLRU_SetUpdatesExisting(t *testing.T) {
	c, err := NewLRU[string](4)
	require.NoError(t, err)

	_, _ = c.Set("k", "v1")
	created, err := c.Set("k", "v2")
	require.NoError(t, err)
	assert.False(t, created)

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
	assert.Equal(t, 1, c.Size())
}

func TestLRU_ContainsOrAdd(t *testing.T) {
	c, err := NewLRU[struct{}](2)
	require.NoError(t, err)

	seen, err := c.ContainsOrAdd("x", struct{}{})
	require.NoError(t, err)
	assert.False(t, seen)

	seen, _ = c.ContainsOrAdd("x", struct{}{})
	assert.True(t, seen)

	_, _ = c.ContainsOrAdd("y", struct{}{})
	_, _ = c.ContainsOrAdd("z", struct{}{})
	seen, _ = c.ContainsOrAdd("x", struct{}{})
	assert.False(t, seen, "x fell out of the window")

	stats := c.Stats().Summary()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(4), stats.Misses)
}

func TestLRU_Delete(t *testing.T) {
	c, err := NewLRU[int](3)
	require.NoError(t, err)
	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)

	ok, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = c.Delete("a")
	assert.False(t, ok)

	assert.Equal(t, 1, c.Size())
	assert.Equal(t, int64(1), c.Stats().Deletes())
	assert.Equal(t, int64(1), c.Stats().CurrentSize())
	assert.NoError(t, c.Close())
}

func TestLRU_EmptyKey(t *testing.T) {
	c, err := NewLRU[int](1)
	require.NoError(t, err)

	_, err = c.Set("", 1)
	assert.True(t, errors.IsInvalid(err))
	_, err = c.ContainsOrAdd("", 1)
	assert.Error(t, err)
	_, err = c.Delete("")
	assert.Error(t, err)
}

func TestLRU_Concurrent(t *testing.T) {
	c, err := NewLRU[int](64)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (g*500+i)%100)
				_, _ = c.ContainsOrAdd(key, i)
				_, _ = c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Size(), 64)
}

func TestLRU_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewLRU(1, WithMetrics[int](registry, "dedup"))
	require.NoError(t, err)

	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)
	_, _ = c.Get("b")
	_, _ = c.Get("a")

	m := c.(*lruCache[int]).metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.misses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.size))

	// a second cache with the same prefix collides
	_, err = NewLRU(1, WithMetrics[int](registry, "dedup"))
	assert.Error(t, err)
}
