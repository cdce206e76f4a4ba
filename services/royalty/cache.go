package royalty

import (
	"strconv"
	"sync"
	"time"

	"vortex-royalty/pkg/rediskey"

	"golang.org/x/sync/singleflight"
)

type cachedShares struct {
	shares   []BeneficiaryShare
	loadedAt time.Time
}

// shareCache memoises resolved share sets per artwork and sale kind.
// Concurrent misses for the same key share one lookup. Each artwork carries
// a generation bumped by invalidate; a lookup started under an older
// generation is returned to its callers but never stored.
type shareCache struct {
	mu    sync.RWMutex
	items map[string]map[string]cachedShares
	gens  map[string]uint64
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time
}

func newShareCache(ttl time.Duration) *shareCache {
	return &shareCache{
		items: make(map[string]map[string]cachedShares),
		gens:  make(map[string]uint64),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *shareCache) get(artworkID, kind string) ([]BeneficiaryShare, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	gen := c.gens[artworkID]
	if c.ttl <= 0 {
		return nil, gen, false
	}
	v, ok := c.items[artworkID][kind]
	if !ok || c.now().Sub(v.loadedAt) > c.ttl {
		RoyaltyMetrics().CacheMiss()
		return nil, gen, false
	}
	RoyaltyMetrics().CacheHit()
	return cloneShares(v.shares), gen, true
}

// set stores shares unless the artwork was invalidated after gen was read.
func (c *shareCache) set(artworkID, kind string, gen uint64, shares []BeneficiaryShare) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[artworkID] != gen {
		return
	}
	kinds, ok := c.items[artworkID]
	if !ok {
		kinds = make(map[string]cachedShares)
		c.items[artworkID] = kinds
	}
	kinds[kind] = cachedShares{shares: cloneShares(shares), loadedAt: c.now()}
}

func (c *shareCache) load(artworkID, kind string, fn func() ([]BeneficiaryShare, error)) ([]BeneficiaryShare, error) {
	shares, gen, ok := c.get(artworkID, kind)
	if ok {
		return shares, nil
	}

	// callers after an invalidate never join a lookup of the previous generation
	key := rediskey.BuildArtworkKey(artworkID, kind) + "#" + strconv.FormatUint(gen, 10)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		shares, err := fn()
		if err != nil {
			return nil, err
		}
		c.set(artworkID, kind, gen, shares)
		return shares, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneShares(v.([]BeneficiaryShare)), nil
}

// invalidate drops every cached kind of the artwork.
func (c *shareCache) invalidate(artworkID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[artworkID]++
	delete(c.items, artworkID)
}

func cloneShares(in []BeneficiaryShare) []BeneficiaryShare {
	return append([]BeneficiaryShare(nil), in...)
}
