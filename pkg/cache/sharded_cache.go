package cache

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// PriceCache holds the last market price seen per platform and symbol. It is
// sharded so ticks of different accounts rarely contend.
type PriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// Quote is one cached price.
type Quote struct {
	Platform  string          `json:"platform"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]priceEntry),
		}
	}
	return c
}

func key(platform, symbol string) string { return platform + "\x00" + symbol }

func (c *PriceCache) getShard(k string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the price of symbol on platform.
func (c *PriceCache) Set(platform, symbol string, price decimal.Decimal) {
	k := key(platform, symbol)
	shard := c.getShard(k)
	shard.mu.Lock()
	shard.items[k] = priceEntry{price: price, updatedAt: c.now()}
	shard.mu.Unlock()
}

// Get returns the price of symbol on platform if it is younger than maxAge.
// A non-positive maxAge accepts any age.
func (c *PriceCache) Get(platform, symbol string, maxAge time.Duration) (decimal.Decimal, bool) {
	k := key(platform, symbol)
	shard := c.getShard(k)
	shard.mu.RLock()
	entry, ok := shard.items[k]
	shard.mu.RUnlock()
	if !ok {
		return decimal.Zero, false
	}
	if maxAge > 0 && c.now().Sub(entry.updatedAt) > maxAge {
		return decimal.Zero, false
	}
	return entry.price, true
}

// Len returns total items across all shards.
func (c *PriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *PriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for k, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// All returns every cached quote.
func (c *PriceCache) All() []Quote {
	var out []Quote
	for _, shard := range c.shards {
		shard.mu.RLock()
		for k, entry := range shard.items {
			platform, symbol := splitKey(k)
			out = append(out, Quote{Platform: platform, Symbol: symbol, Price: entry.price, UpdatedAt: entry.updatedAt})
		}
		shard.mu.RUnlock()
	}
	return out
}

func splitKey(k string) (platform, symbol string) {
	platform, symbol, _ = strings.Cut(k, "\x00")
	return platform, symbol
}
