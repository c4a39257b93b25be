package pricing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	surgeKeyPrefix = "pricing:surge:%s:%d"
	surgeKeyTTL    = 2 * time.Minute
)

// SurgeWindowStore is a ConfigStore that can also bound the period over
// which a surge lookup stays valid.
type SurgeWindowStore interface {
	ConfigStore
	// SurgeEdges returns the latest surge start or end at or before at and
	// the earliest one after it, for city. A zero time means none.
	SurgeEdges(ctx context.Context, city string, at time.Time) (prev, next time.Time, err error)
}

// SurgeCache fronts a SurgeWindowStore and caches the surge multiplier per
// city per minute in Redis. Each entry carries the window edges around it and
// only serves lookups that fall between them. Cache failures fall through to
// the store.
type SurgeCache struct {
	SurgeWindowStore
	redis *redis.Client
}

var (
	_ SurgeWindowStore = (*Store)(nil)
	_ SurgeWindowStore = (*MemoryStore)(nil)
	_ SurgeWindowStore = (*SurgeCache)(nil)
)

func NewSurgeCache(store SurgeWindowStore, rdb *redis.Client) *SurgeCache {
	return &SurgeCache{SurgeWindowStore: store, redis: rdb}
}

func (c *SurgeCache) SurgeMultiplier(ctx context.Context, city string, at time.Time) (float64, error) {
	key := fmt.Sprintf(surgeKeyPrefix, city, at.Unix()/60)
	if val, err := c.redis.Get(ctx, key).Result(); err == nil {
		if e, ok := parseSurgeEntry(val); ok && e.covers(at) {
			return e.multiplier, nil
		}
	}
	m, err := c.SurgeWindowStore.SurgeMultiplier(ctx, city, at)
	if err != nil {
		return 1, err
	}
	prev, next, err := c.SurgeEdges(ctx, city, at)
	if err != nil {
		// unbounded values are not cached
		return m, nil
	}
	ttl := surgeKeyTTL
	if !next.IsZero() {
		if left := next.Sub(at); left < ttl {
			ttl = left
		}
	}
	if ttl > 0 {
		e := surgeEntry{multiplier: m, from: prev, until: next}
		_ = c.redis.Set(ctx, key, e.String(), ttl).Err()
	}
	return m, nil
}

type surgeEntry struct {
	multiplier  float64
	from, until time.Time
}

func (e surgeEntry) covers(at time.Time) bool {
	if !e.from.IsZero() && at.Before(e.from) {
		return false
	}
	return e.until.IsZero() || at.Before(e.until)
}

func (e surgeEntry) String() string {
	return strconv.FormatFloat(e.multiplier, 'f', -1, 64) + "|" + unixNano(e.from) + "|" + unixNano(e.until)
}

func unixNano(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseSurgeEntry(val string) (surgeEntry, bool) {
	parts := strings.Split(val, "|")
	if len(parts) != 3 {
		return surgeEntry{}, false
	}
	m, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return surgeEntry{}, false
	}
	e := surgeEntry{multiplier: m}
	for i, dst := range []*time.Time{&e.from, &e.until} {
		n, err := strconv.ParseInt(parts[i+1], 10, 64)
		if err != nil {
			return surgeEntry{}, false
		}
		if n != 0 {
			*dst = time.Unix(0, n)
		}
	}
	return e, true
}
