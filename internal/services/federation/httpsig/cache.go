package httpsig

import (
	"sync"
	"time"
)

type cachedSigner struct {
	signer  RemoteSigner
	fetched time.Time
}

// signerCache holds resolved remote signers for a bounded time so that a
// burst of inbox deliveries from one sender costs a single fetch.
type signerCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]cachedSigner
	clock   func() time.Time
}

func newSignerCache(ttl time.Duration, maxSize int) *signerCache {
	return &signerCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]cachedSigner),
		clock:   time.Now,
	}
}

func (c *signerCache) get(keyID string) (RemoteSigner, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[keyID]
	if !ok {
		return RemoteSigner{}, false
	}
	if c.clock().Sub(entry.fetched) > c.ttl {
		delete(c.entries, keyID)
		return RemoteSigner{}, false
	}
	return entry.signer, true
}

func (c *signerCache) put(keyID string, signer RemoteSigner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		// Evict everything rather than track recency; the cache refills
		// from the next fetches.
		c.entries = make(map[string]cachedSigner)
	}
	c.entries[keyID] = cachedSigner{signer: signer, fetched: c.clock()}
}
