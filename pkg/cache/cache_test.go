package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
)

func newTestCache(t *testing.T, ttlSecs, maxMB, sweepSecs int) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := New(agentcfg.CacheConfig{
		Path:          path,
		DefaultTTLSec: ttlSecs,
		MaxSizeMB:     maxMB,
		SweepInterval: sweepSecs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutGet(t *testing.T) {
	c := newTestCache(t, 60, 10, 3600)

	require.NoError(t, c.Put("test-key", []byte("test-value")))

	v, ok, err := c.Get("test-key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("test-value"), v)
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t, 1, 10, 3600)

	require.NoError(t, c.Put("test-key", []byte("test-value")))

	_, ok, err := c.Get("test-key")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(2 * time.Second)

	_, ok, err = c.Get("test-key")
	require.NoError(t, err)
	assert.False(t, ok, "value must be expired once TTL has elapsed")
}

func TestDelete(t *testing.T) {
	c := newTestCache(t, 60, 10, 3600)

	require.NoError(t, c.Put("test-key", []byte("test-value")))
	require.NoError(t, c.Delete("test-key"))

	_, ok, err := c.Get("test-key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListPrefix(t *testing.T) {
	c := newTestCache(t, 60, 10, 3600)

	require.NoError(t, c.Put("prefix/key1", []byte("value1")))
	require.NoError(t, c.Put("prefix/key2", []byte("value2")))
	require.NoError(t, c.Put("other/key3", []byte("value3")))

	results, err := c.ListPrefix("prefix/")
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestClear(t *testing.T) {
	c := newTestCache(t, 60, 10, 3600)

	require.NoError(t, c.Put("key1", []byte("value1")))
	require.NoError(t, c.Put("key2", []byte("value2")))

	require.NoError(t, c.Clear())

	_, ok1, _ := c.Get("key1")
	_, ok2, _ := c.Get("key2")
	assert.False(t, ok1)
	assert.False(t, ok2)
}

// TestSweepEvictsOverCap exercises the LRU-by-insert pass directly: with a
// tiny byte cap, sweep must evict the oldest survivors until under cap, and
// the surviving entry's InsertedAt must be >= the evicted one's.
func TestSweepEvictsOverCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := New(agentcfg.CacheConfig{
		Path:          path,
		DefaultTTLSec: 3600,
		MaxSizeMB:     0, // cap overridden below in bytes directly
		SweepInterval: 3600,
	})
	require.NoError(t, err)
	defer c.Close()

	// 20 bytes total cap: "k1"+"vvvvvvvvvv" (12 bytes) alone fits, both don't.
	c.maxSizeBytes = 20

	require.NoError(t, c.Put("k1", []byte("vvvvvvvvvv")))
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, c.Put("k2", []byte("vvvvvvvvvv")))

	require.NoError(t, c.sweep())

	_, ok1, _ := c.Get("k1")
	v2, ok2, _ := c.Get("k2")
	assert.False(t, ok1, "older entry must be evicted first")
	assert.True(t, ok2)
	assert.Equal(t, []byte("vvvvvvvvvv"), v2)
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	c := newTestCache(t, 1, 10, 3600)

	require.NoError(t, c.Put("expiring", []byte("v")))
	time.Sleep(2 * time.Second)

	require.NoError(t, c.sweep())

	n, err := c.Size()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
