package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMapBasicOperations(t *testing.T) {
	t.Parallel()

	m := New[int64, string]("test", nil)

	_, replaced := m.Store(1, "one")
	assert.False(t, replaced)

	prev, replaced := m.Store(1, "uno")
	assert.True(t, replaced)
	assert.Equal(t, "one", prev)

	v, ok := m.Load(1)
	require.True(t, ok)
	assert.Equal(t, "uno", v)
	assert.True(t, m.Contains(1))
	assert.Equal(t, 1, m.Len())

	v, ok = m.Delete(1)
	assert.True(t, ok)
	assert.Equal(t, "uno", v)

	_, ok = m.Delete(1)
	assert.False(t, ok)
	assert.False(t, m.Contains(1))
	assert.Equal(t, 0, m.Len())
}

func TestMapRangeAllowsReentry(t *testing.T) {
	t.Parallel()

	m := New[int, int]("test", nil)
	for i := 0; i < 10; i++ {
		m.Store(i, i*i)
	}

	visited := 0
	m.Range(func(k, v int) bool {
		// Deleting from inside Range must not deadlock.
		m.Delete(k)
		visited++
		return true
	})
	assert.Equal(t, 10, visited)
	assert.Equal(t, 0, m.Len())
}

func TestMapRangeStops(t *testing.T) {
	t.Parallel()

	m := New[int, int]("test", nil)
	for i := 0; i < 10; i++ {
		m.Store(i, i)
	}

	visited := 0
	m.Range(func(int, int) bool {
		visited++
		return visited < 3
	})
	assert.Equal(t, 3, visited)
}

func TestMapConcurrentAccess(t *testing.T) {
	t.Parallel()

	m := New[int, int]("test", nil)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := w*100 + i
				m.Store(key, i)
				m.Load(key)
				if i%2 == 0 {
					m.Delete(key)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 16*50, m.Len())
}

func TestResourceLogDeduplicatesAdditions(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	rlog, err := NewResourceLog(zap.New(core), 16)
	require.NoError(t, err)

	m := New[int64, string]("connection", rlog)
	m.Store(7, "a")
	m.Store(7, "b")
	m.Delete(7)
	m.Store(7, "c")

	assert.Equal(t, 1, logs.FilterMessage("resource added").Len())
	assert.Equal(t, 1, logs.FilterMessage("resource removed").Len())
	assert.True(t, rlog.Seen("connection", int64(7)))
}

func TestResourceLogForgetsOldest(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	rlog, err := NewResourceLog(zap.New(core), 2)
	require.NoError(t, err)

	rlog.Added("k", 1)
	rlog.Added("k", 2)
	rlog.Added("k", 3) // evicts 1
	rlog.Added("k", 1)

	assert.Equal(t, 4, logs.FilterMessage("resource added").Len())
	assert.False(t, rlog.Seen("k", 2))
}

func TestNilResourceLog(t *testing.T) {
	t.Parallel()

	var rlog *ResourceLog
	assert.NotPanics(t, func() {
		rlog.Added("k", 1)
		rlog.Removed("k", 1)
	})
	assert.False(t, rlog.Seen("k", 1))
}
