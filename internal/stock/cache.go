package stock

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const overviewKey = "stock:overview"

// Overview is a cached snapshot of ledger health, served on the stock
// dashboard endpoint.
type Overview struct {
	TotalParts  int          `json:"totalParts"`
	InStock     int          `json:"inStock"`
	LowStock    int          `json:"lowStock"`
	OutOfStock  int          `json:"outOfStock"`
	Attention   []StockEntry `json:"attention"` // low or out of stock entries
	GeneratedAt time.Time    `json:"generatedAt"`
}

// OverviewCache serves the ledger overview from Redis, rebuilding it on a
// miss. Concurrent misses share one rebuild via singleflight.
type OverviewCache struct {
	ledger *Ledger
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewOverviewCache constructs OverviewCache.
func NewOverviewCache(ledger *Ledger, client *redis.Client, ttl time.Duration) *OverviewCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &OverviewCache{ledger: ledger, client: client, ttl: ttl}
}

// Get returns the overview, from cache when fresh.
func (c *OverviewCache) Get(ctx context.Context) (Overview, error) {
	raw, err := c.client.Get(ctx, overviewKey).Bytes()
	if err == nil {
		var cached Overview
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		// Corrupt payloads fall through to a rebuild.
	} else if !errors.Is(err, redis.Nil) {
		return Overview{}, err
	}

	result, err, _ := c.group.Do(overviewKey, func() (any, error) {
		overview, err := c.build(ctx)
		if err != nil {
			return Overview{}, err
		}
		payload, err := json.Marshal(overview)
		if err != nil {
			return Overview{}, err
		}
		if err := c.client.Set(ctx, overviewKey, payload, c.ttl).Err(); err != nil {
			return Overview{}, err
		}
		return overview, nil
	})
	if err != nil {
		return Overview{}, err
	}
	return result.(Overview), nil
}

// Invalidate drops the cached snapshot, forcing the next read to rebuild.
func (c *OverviewCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, overviewKey).Err()
}

func (c *OverviewCache) build(ctx context.Context) (Overview, error) {
	entries, total, err := c.ledger.List(ctx, EntryFilter{})
	if err != nil {
		return Overview{}, err
	}

	overview := Overview{TotalParts: total, GeneratedAt: time.Now().UTC()}
	for _, e := range entries {
		switch e.Status() {
		case StatusInStock:
			overview.InStock++
		case StatusLowStock:
			overview.LowStock++
			overview.Attention = append(overview.Attention, e)
		case StatusOutOfStock:
			overview.OutOfStock++
			overview.Attention = append(overview.Attention, e)
		}
	}
	return overview, nil
}
