package service

import (
	"time"

	"retainer_go/internal/domain"
)

// PriceLookup is the read side of the price cache.
type PriceLookup interface {
	Lookup(key domain.ListingKey, filter domain.QualityFilter) (domain.PriceCacheEntry, bool)
	LastObserved(item domain.ItemRef) (time.Time, bool)
}

// UndercutEvaluator answers read-only questions about listings against the
// price cache. Every method returns ok=false when there is no data.
type UndercutEvaluator struct {
	cache   PriceLookup
	policy  domain.PolicySource
	catalog domain.QualityCatalog
	now     func() time.Time
}

// NewUndercutEvaluator creates an evaluator. catalog may be nil, in which
// case every item is assumed to exist in both qualities.
func NewUndercutEvaluator(cache PriceLookup, policy domain.PolicySource, catalog domain.QualityCatalog) *UndercutEvaluator {
	return &UndercutEvaluator{
		cache:   cache,
		policy:  policy,
		catalog: catalog,
		now:     time.Now,
	}
}

// filterFor resolves the configured mode for the listing's item.
func (e *UndercutEvaluator) filterFor(l domain.Listing) domain.QualityFilter {
	if e.catalog != nil && !e.catalog.CanBeHQ(l.ItemID) {
		return domain.FilterEither
	}
	return e.policy.UndercutPolicy().ModeFor(l.ItemID).Filter(l.IsHQ)
}

// Entry returns the cache entry the listing is compared against.
func (e *UndercutEvaluator) Entry(l domain.Listing) (domain.PriceCacheEntry, bool) {
	return e.cache.Lookup(l.Key(), e.filterFor(l))
}

// RecommendedPrice is the price that undercuts the best competing listing,
// never below 1. An own-listing entry is returned unchanged.
func (e *UndercutEvaluator) RecommendedPrice(l domain.Listing) (uint32, bool) {
	entry, ok := e.Entry(l)
	if !ok {
		return 0, false
	}
	if entry.IsOwnListing {
		return entry.UnitPrice, true
	}
	by := e.policy.UndercutPolicy().UndercutBy
	if entry.UnitPrice <= by {
		return 1, true
	}
	return entry.UnitPrice - by, true
}

// IsUndercut reports whether the cached price is below the listing's price.
func (e *UndercutEvaluator) IsUndercut(l domain.Listing) (bool, bool) {
	entry, ok := e.Entry(l)
	if !ok {
		return false, false
	}
	return entry.UnitPrice < l.UnitPrice, true
}

// UndercutAmount is how far the competing price sits below the listing.
// Own-listing entries and competitors priced above the listing report nothing.
func (e *UndercutEvaluator) UndercutAmount(l domain.Listing) (uint32, bool) {
	entry, ok := e.Entry(l)
	if !ok || entry.IsOwnListing {
		return 0, false
	}
	if entry.UnitPrice > l.UnitPrice {
		return 0, false
	}
	return l.UnitPrice - entry.UnitPrice, true
}

// NeedsRefresh reports whether the newest observation of the listing's item,
// in either quality, is older than period.
func (e *UndercutEvaluator) NeedsRefresh(l domain.Listing, period time.Duration) bool {
	last, ok := e.cache.LastObserved(l.Item())
	if !ok {
		return true
	}
	return e.now().After(last.Add(period))
}

// Assessment bundles every evaluation of one listing.
type Assessment struct {
	Listing        domain.Listing
	HasData        bool
	Undercut       bool
	Amount         uint32
	HasAmount      bool
	Recommended    uint32
	NeedsRefresh   bool
	CompetingEntry domain.PriceCacheEntry
}

// Evaluate runs every check for l using the configured refresh period.
func (e *UndercutEvaluator) Evaluate(l domain.Listing) Assessment {
	a := Assessment{Listing: l}
	a.CompetingEntry, a.HasData = e.Entry(l)
	a.Undercut, _ = e.IsUndercut(l)
	a.Amount, a.HasAmount = e.UndercutAmount(l)
	a.Recommended, _ = e.RecommendedPrice(l)
	a.NeedsRefresh = e.NeedsRefresh(l, e.policy.UndercutPolicy().RefreshPeriod)
	return a
}
