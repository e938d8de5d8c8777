// Package poller implements pull-based ingestion: periodic polls of vendor
// HTTP APIs whose unchanged responses are skipped by content hash.
package poller

import (
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/blake2b"

	"procodus.dev/telemetry-broker/internal/store"
)

// Hash returns the hex blake2b-256 digest of a normalized payload.
func Hash(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// DedupCache remembers the last processed response hash per polled entity.
// The hashes are also stored in each device's properties so the cache can be
// rebuilt after a restart.
type DedupCache struct {
	mu     sync.RWMutex
	hashes map[string]string
}

// NewDedupCache creates an empty cache.
func NewDedupCache() *DedupCache {
	return &DedupCache{hashes: make(map[string]string)}
}

// Changed reports whether hash differs from the last hash stored for key.
func (c *DedupCache) Changed(key, hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	prev, ok := c.hashes[key]
	return !ok || prev != hash
}

// Set records hash as the last processed hash for key.
func (c *DedupCache) Set(key, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes[key] = hash
}

// Len returns the number of entities in the cache.
func (c *DedupCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hashes)
}

// Load seeds the cache from devices' stored hashes. keyOf maps a device to
// its entity key. It returns the number of hashes loaded.
func (c *DedupCache) Load(devices []store.PhysicalDevice, keyOf func(*store.PhysicalDevice) (string, bool)) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for i := range devices {
		pd := &devices[i]
		hash, ok := pd.Properties[store.PropLastMessageHash].(string)
		if !ok || hash == "" {
			continue
		}
		key, ok := keyOf(pd)
		if !ok {
			continue
		}
		c.hashes[key] = hash
		n++
	}
	return n
}
