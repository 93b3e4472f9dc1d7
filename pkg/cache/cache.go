// Package cache is the agent's local TTL+LRU cache (C2): a durable,
// ordered key-value store backed by bbolt that mirrors every key the
// orchestrator is watching, so adapters and out-of-band readers have a
// consistent local view even while the store connection is down.
package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
	"github.com/cuemby/nnoe-agent/pkg/agenterr"
	"github.com/cuemby/nnoe-agent/pkg/log"
	"github.com/cuemby/nnoe-agent/pkg/types"
)

var bucketEntries = []byte("entries")

// Cache is the embedded, ordered key-value store backing C2. It is safe
// for concurrent use.
type Cache struct {
	db            *bolt.DB
	mu            sync.RWMutex
	defaultTTL    time.Duration
	maxSizeBytes  int64
	sweepInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New opens (creating if necessary) the bbolt file named by cfg.Path and
// starts the background sweep task.
func New(cfg agentcfg.CacheConfig) (*Cache, error) {
	logger := log.WithComponent("cache")

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, agenterr.New(agenterr.CacheIO, "cache.New", fmt.Errorf("open %s: %w", cfg.Path, err))
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		db.Close()
		return nil, agenterr.New(agenterr.CacheIO, "cache.New", err)
	}

	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = 60
	}

	c := &Cache{
		db:            db,
		defaultTTL:    time.Duration(cfg.DefaultTTLSec) * time.Second,
		maxSizeBytes:  int64(cfg.MaxSizeMB) * 1024 * 1024,
		sweepInterval: time.Duration(sweep) * time.Second,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	logger.Info().Str("path", cfg.Path).Dur("ttl", c.defaultTTL).Int64("cap_bytes", c.maxSizeBytes).Msg("cache opened")

	go c.sweepLoop()

	return c, nil
}

// Get returns the value stored at k if it exists and has not expired
// (lazy TTL check). An expired entry is removed as a side effect.
func (c *Cache) Get(k string) ([]byte, bool, error) {
	entry, ok, err := c.getEntry(k)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	if time.Now().Unix()-entry.InsertedAt > int64(c.defaultTTL.Seconds()) {
		_ = c.Delete(k)
		return nil, false, nil
	}

	return entry.Value, true, nil
}

func (c *Cache) getEntry(k string) (types.CacheEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var entry types.CacheEntry
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(k))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return types.CacheEntry{}, false, agenterr.New(agenterr.CacheIO, "cache.Get", err)
	}
	return entry, found, nil
}

// Put overwrites k with v, stamping InsertedAt = now.
func (c *Cache) Put(k string, v []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := types.CacheEntry{Value: v, InsertedAt: time.Now().Unix()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return agenterr.New(agenterr.CacheIO, "cache.Put", err)
	}

	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(k), raw)
	}); err != nil {
		return agenterr.New(agenterr.CacheIO, "cache.Put", err)
	}
	return nil
}

// Delete removes k. Deleting an absent key is not an error.
func (c *Cache) Delete(k string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(k))
	}); err != nil {
		return agenterr.New(agenterr.CacheIO, "cache.Delete", err)
	}
	return nil
}

// ListPrefix returns every non-expired entry whose key begins with prefix.
func (c *Cache) ListPrefix(prefix string) (map[string][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string][]byte)
	now := time.Now().Unix()
	ttlSecs := int64(c.defaultTTL.Seconds())

	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketEntries).Cursor()
		bprefix := []byte(prefix)
		for k, v := cur.Seek(bprefix); k != nil && strings.HasPrefix(string(k), prefix); k, v = cur.Next() {
			var entry types.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if now-entry.InsertedAt > ttlSecs {
				continue
			}
			out[string(k)] = entry.Value
		}
		return nil
	})
	if err != nil {
		return nil, agenterr.New(agenterr.CacheIO, "cache.ListPrefix", err)
	}
	return out, nil
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketEntries)
		return err
	})
}

// Size returns the number of stored entries (expired or not — sweep, not
// Size, is responsible for eviction).
func (c *Cache) Size() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	err := c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n, err
}

// Flush forces bbolt to sync pending writes to disk. Called on shutdown.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Sync()
}

// Close stops the sweep task, flushes, and closes the database.
func (c *Cache) Close() error {
	close(c.stopCh)
	<-c.doneCh
	if err := c.Flush(); err != nil {
		log.WithComponent("cache").Warn().Err(err).Msg("flush on close failed")
	}
	return c.db.Close()
}

// sweepLoop runs the two-pass sweep (§4.2: TTL pass, then size-cap LRU pass)
// every sweepInterval until Close is called.
func (c *Cache) sweepLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	logger := log.WithComponent("cache")

	for {
		select {
		case <-ticker.C:
			if err := c.sweep(); err != nil {
				logger.Warn().Err(err).Msg("cache sweep failed")
			}
		case <-c.stopCh:
			return
		}
	}
}

type sweepRecord struct {
	key        string
	insertedAt int64
	size       int64
}

// sweep performs the TTL-expiry pass followed by the size-cap LRU-by-insert
// pass. Sweep errors are logged by the caller, not fatal.
func (c *Cache) sweep() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().Unix()
	ttlSecs := int64(c.defaultTTL.Seconds())

	var survivors []sweepRecord
	var totalBytes int64

	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		cur := b.Cursor()

		var expired [][]byte
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var entry types.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				expired = append(expired, append([]byte(nil), k...))
				continue
			}
			if now-entry.InsertedAt > ttlSecs {
				expired = append(expired, append([]byte(nil), k...))
				continue
			}
			size := int64(len(k) + len(entry.Value))
			survivors = append(survivors, sweepRecord{key: string(k), insertedAt: entry.InsertedAt, size: size})
			totalBytes += size
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return agenterr.New(agenterr.CacheIO, "cache.sweep", err)
	}

	if c.maxSizeBytes <= 0 || totalBytes <= c.maxSizeBytes {
		return nil
	}

	// Size-cap LRU-by-insert pass: sort survivors oldest-first and evict
	// until under cap.
	sort.Slice(survivors, func(i, j int) bool { return survivors[i].insertedAt < survivors[j].insertedAt })

	logger := log.WithComponent("cache")
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, rec := range survivors {
			if totalBytes <= c.maxSizeBytes {
				break
			}
			if err := b.Delete([]byte(rec.key)); err != nil {
				return err
			}
			totalBytes -= rec.size
			logger.Debug().Str("key", rec.key).Int64("inserted_at", rec.insertedAt).Msg("evicted over cap")
		}
		return nil
	})
}
