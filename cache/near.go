package cache

import (
	"errors"
	"time"

	"github.com/dgraph-io/ristretto"
)

var ErrNilStore = errors.New("cache: store is required")

// NearCacheConfig sizes the optional in-process read-through layer. Entries
// live for at most TTL, so a stale read window of that length is accepted in
// exchange for skipping a network round-trip on hot keys.
type NearCacheConfig struct {
	// MaxCost is the total byte budget. 0 => 16 MiB.
	MaxCost int64
	// TTL is the local entry lifetime. 0 => 1s.
	TTL time.Duration
}

type nearCache struct {
	r   *ristretto.Cache
	ttl time.Duration
}

func newNearCache(cfg NearCacheConfig) (*nearCache, error) {
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = 16 << 20
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Second
	}
	r, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 16,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &nearCache{r: r, ttl: cfg.TTL}, nil
}

func (n *nearCache) get(key string) (string, bool) {
	v, ok := n.r.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (n *nearCache) put(key, value string) {
	n.r.SetWithTTL(key, value, int64(len(value)), n.ttl)
}

func (n *nearCache) drop(key string) { n.r.Del(key) }

func (n *nearCache) close() { n.r.Close() }
