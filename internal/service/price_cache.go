package service

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"retainer_go/internal/domain"
	"retainer_go/internal/event"
)

// BatchWindow is the span within which two observations describe the same
// underlying market view.
const BatchWindow = 2 * time.Second

// PriceCache is the authoritative table of best known competing prices.
// All mutation goes through Update and Remove; reads through Lookup.
type PriceCache struct {
	mu      sync.RWMutex
	entries map[domain.ListingKey]domain.PriceCacheEntry

	listings domain.ListingIndex
	bus      *event.Bus
	onChange func(applied bool)
}

// NewPriceCache creates an empty cache. listings and bus may be nil; without
// them no undercut checks are performed.
func NewPriceCache(listings domain.ListingIndex, bus *event.Bus) *PriceCache {
	return &PriceCache{
		entries:  make(map[domain.ListingKey]domain.PriceCacheEntry),
		listings: listings,
		bus:      bus,
	}
}

// SetListingIndex attaches the tracked listings after construction, which
// breaks the construction cycle between cache and reconciler.
func (c *PriceCache) SetListingIndex(idx domain.ListingIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings = idx
}

// OnUpdate registers a hook called after every Update with whether it applied.
// Used for metrics.
func (c *PriceCache) OnUpdate(fn func(applied bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Update offers a new observation for key and applies the arbitration rule:
// within the batch window only a strictly lower price replaces the entry,
// outside it only a strictly newer observation does. Returns whether the
// entry was written.
func (c *PriceCache) Update(key domain.ListingKey, source domain.Source, observedAt time.Time, unitPrice uint32, isOwnListing bool) bool {
	next := domain.PriceCacheEntry{
		Key:          key,
		Source:       source,
		ObservedAt:   observedAt,
		UnitPrice:    unitPrice,
		IsOwnListing: isOwnListing,
	}

	c.mu.Lock()
	existing, exists := c.entries[key]
	applied := !exists || accepts(existing, next)
	if applied {
		c.entries[key] = next
	}
	listings := c.listings
	hook := c.onChange
	c.mu.Unlock()

	if hook != nil {
		hook(applied)
	}
	if !applied {
		slog.Debug("Price update dropped",
			slog.Int("market", key.MarketID),
			slog.Any("item", key.ItemID),
			slog.Bool("hq", key.IsHQ),
			slog.String("source", source.String()),
			slog.Time("observed_at", observedAt))
		return false
	}

	changed := !exists || existing.UnitPrice != unitPrice || existing.IsOwnListing != isOwnListing
	if changed {
		c.checkUndercuts(listings, next)
	}
	return true
}

// accepts decides whether next may replace existing.
func accepts(existing, next domain.PriceCacheEntry) bool {
	dt := next.ObservedAt.Sub(existing.ObservedAt)
	if dt < 0 {
		dt = -dt
	}
	if dt < BatchWindow {
		return next.UnitPrice < existing.UnitPrice
	}
	return next.ObservedAt.After(existing.ObservedAt)
}

// checkUndercuts signals every tracked listing on the key priced at or above
// a competing entry. Must be called without the lock held.
func (c *PriceCache) checkUndercuts(listings domain.ListingIndex, entry domain.PriceCacheEntry) {
	if listings == nil || entry.IsOwnListing {
		return
	}
	for _, l := range listings.ListingsFor(entry.Key) {
		if entry.UnitPrice <= l.UnitPrice {
			c.bus.Publish(event.ItemUndercut{
				BaseEvent: c.bus.Stamp(entry.ObservedAt),
				AgentID:   l.AgentID,
				ItemID:    l.ItemID,
			})
		}
	}
}

// Remove deletes the entry for key when observedAt is newer than the stored
// observation. Stale removals are ignored.
func (c *PriceCache) Remove(key domain.ListingKey, observedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[key]
	if !ok || !observedAt.After(existing.ObservedAt) {
		return false
	}
	delete(c.entries, key)
	return true
}

// Lookup returns the entry for the item of key selected by filter; the
// quality in key is ignored. With FilterEither the cheaper of NQ and HQ wins,
// NQ on a tie. ok is false when there is no data.
func (c *PriceCache) Lookup(key domain.ListingKey, filter domain.QualityFilter) (domain.PriceCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nq, hasNQ := c.entries[key.WithQuality(false)]
	hq, hasHQ := c.entries[key.WithQuality(true)]

	switch filter {
	case domain.FilterNQ:
		return nq, hasNQ
	case domain.FilterHQ:
		return hq, hasHQ
	}

	switch {
	case hasNQ && hasHQ:
		if hq.UnitPrice < nq.UnitPrice {
			return hq, true
		}
		return nq, true
	case hasNQ:
		return nq, true
	case hasHQ:
		return hq, true
	}
	return domain.PriceCacheEntry{}, false
}

// LastObserved returns the most recent observation time across both
// qualities of the item.
func (c *PriceCache) LastObserved(item domain.ItemRef) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var last time.Time
	found := false
	for _, hq := range []bool{false, true} {
		if e, ok := c.entries[item.Key(hq)]; ok {
			if !found || e.ObservedAt.After(last) {
				last = e.ObservedAt
			}
			found = true
		}
	}
	return last, found
}

// Entries returns all entries sorted by market, item and quality
func (c *PriceCache) Entries() []domain.PriceCacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]domain.PriceCacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		result = append(result, e)
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Key, result[j].Key
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		if a.ItemID != b.ItemID {
			return a.ItemID < b.ItemID
		}
		return !a.IsHQ && b.IsHQ
	})

	return result
}

// Load replaces the table with persisted entries. It bypasses arbitration
// and undercut checks; use it only at startup.
func (c *PriceCache) Load(entries []domain.PriceCacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[domain.ListingKey]domain.PriceCacheEntry, len(entries))
	for _, e := range entries {
		c.entries[e.Key] = e
	}
}

// Len returns the number of cached keys
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
