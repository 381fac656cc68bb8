package service

import (
	"testing"
	"time"

	"retainer_go/internal/domain"
)

type staticPolicy domain.UndercutPolicy

func (p staticPolicy) UndercutPolicy() domain.UndercutPolicy { return domain.UndercutPolicy(p) }

type nqOnlyItems map[uint32]bool

func (c nqOnlyItems) CanBeHQ(itemID uint32) bool { return !c[itemID] }

func newTestEvaluator(policy domain.UndercutPolicy, catalog domain.QualityCatalog) (*UndercutEvaluator, *PriceCache) {
	cache := NewPriceCache(nil, nil)
	e := NewUndercutEvaluator(cache, staticPolicy(policy), catalog)
	e.now = func() time.Time { return t0 }
	return e, cache
}

func listingAt(price uint32, hq bool) domain.Listing {
	return domain.Listing{AgentID: 1, MarketID: 73, ItemID: 5057, IsHQ: hq, Quantity: 1, UnitPrice: price}
}

func TestEvaluator_NoData(t *testing.T) {
	e, _ := newTestEvaluator(domain.UndercutPolicy{UndercutBy: 1}, nil)
	l := listingAt(1000, false)

	if _, ok := e.RecommendedPrice(l); ok {
		t.Error("RecommendedPrice should report no data")
	}
	if _, ok := e.IsUndercut(l); ok {
		t.Error("IsUndercut should report no data")
	}
	if _, ok := e.UndercutAmount(l); ok {
		t.Error("UndercutAmount should report no data")
	}
	if !e.NeedsRefresh(l, time.Hour) {
		t.Error("Missing data always needs a refresh")
	}
}

func TestEvaluator_RecommendedPrice(t *testing.T) {
	tests := []struct {
		name  string
		cache uint32
		own   bool
		by    uint32
		want  uint32
	}{
		{"undercut by amount", 1000, false, 1, 999},
		{"own listing unchanged", 1000, true, 50, 1000},
		{"floors at one", 5, false, 10, 1},
		{"floors at one when equal", 10, false, 10, 1},
		{"zero undercut", 700, false, 0, 700},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, cache := newTestEvaluator(domain.UndercutPolicy{UndercutBy: tt.by}, nil)
			cache.Update(nqKey, domain.SourcePushFeed, t0, tt.cache, tt.own)

			got, ok := e.RecommendedPrice(listingAt(2000, false))
			if !ok || got != tt.want {
				t.Errorf("RecommendedPrice = %d/%v, want %d", got, ok, tt.want)
			}
			if got < 1 {
				t.Error("RecommendedPrice must never be below 1")
			}
		})
	}
}

func TestEvaluator_IsUndercutAndAmount(t *testing.T) {
	e, cache := newTestEvaluator(domain.UndercutPolicy{}, nil)
	cache.Update(nqKey, domain.SourcePushFeed, t0, 900, false)

	t.Run("cheaper competitor", func(t *testing.T) {
		l := listingAt(1000, false)
		if under, ok := e.IsUndercut(l); !ok || !under {
			t.Error("Listing at 1000 vs 900 should be undercut")
		}
		if amt, ok := e.UndercutAmount(l); !ok || amt != 100 {
			t.Errorf("Expected amount 100, got %d/%v", amt, ok)
		}
	})

	t.Run("equal price", func(t *testing.T) {
		l := listingAt(900, false)
		if under, _ := e.IsUndercut(l); under {
			t.Error("Equal price is not undercut")
		}
		if amt, ok := e.UndercutAmount(l); !ok || amt != 0 {
			t.Errorf("Expected amount 0, got %d/%v", amt, ok)
		}
	})

	t.Run("competitor above us", func(t *testing.T) {
		l := listingAt(800, false)
		if _, ok := e.UndercutAmount(l); ok {
			t.Error("Negative undercut must not be reported")
		}
	})
}

func TestEvaluator_OwnListingAmount(t *testing.T) {
	e, cache := newTestEvaluator(domain.UndercutPolicy{}, nil)
	cache.Update(nqKey, domain.SourceLocalObservation, t0, 500, true)

	if _, ok := e.UndercutAmount(listingAt(1000, false)); ok {
		t.Error("Own-listing entry has no undercut amount")
	}
}

func TestEvaluator_PolicyResolution(t *testing.T) {
	setup := func(policy domain.UndercutPolicy, catalog domain.QualityCatalog) *UndercutEvaluator {
		e, cache := newTestEvaluator(policy, catalog)
		cache.Update(nqKey, domain.SourcePushFeed, t0, 1000, false)
		cache.Update(hqKey, domain.SourcePushFeed, t0, 800, false)
		return e
	}

	tests := []struct {
		name    string
		policy  domain.UndercutPolicy
		catalog domain.QualityCatalog
		hq      bool
		want    uint32
	}{
		{"any picks cheaper", domain.UndercutPolicy{DefaultMode: domain.ModeAny}, nil, false, 800},
		{"matching quality NQ", domain.UndercutPolicy{DefaultMode: domain.ModeMatchingQualityOnly}, nil, false, 1000},
		{"matching quality HQ", domain.UndercutPolicy{DefaultMode: domain.ModeMatchingQualityOnly}, nil, true, 800},
		{"nq only", domain.UndercutPolicy{DefaultMode: domain.ModeNQOnly}, nil, true, 1000},
		{"hq only", domain.UndercutPolicy{DefaultMode: domain.ModeHQOnly}, nil, false, 800},
		{"item override", domain.UndercutPolicy{
			DefaultMode: domain.ModeAny,
			ItemModes:   map[uint32]domain.UndercutMode{5057: domain.ModeNQOnly},
		}, nil, false, 1000},
		{"no HQ variant collapses to either", domain.UndercutPolicy{DefaultMode: domain.ModeNQOnly}, nqOnlyItems{5057: true}, false, 800},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setup(tt.policy, tt.catalog)
			entry, ok := e.Entry(listingAt(2000, tt.hq))
			if !ok || entry.UnitPrice != tt.want {
				t.Errorf("Entry price = %d/%v, want %d", entry.UnitPrice, ok, tt.want)
			}
		})
	}
}

func TestEvaluator_NeedsRefresh(t *testing.T) {
	e, cache := newTestEvaluator(domain.UndercutPolicy{}, nil)
	cache.Update(nqKey, domain.SourcePushFeed, t0.Add(-90*time.Minute), 1000, false)
	cache.Update(hqKey, domain.SourcePushFeed, t0.Add(-20*time.Minute), 1000, false)

	l := listingAt(1000, false)
	if e.NeedsRefresh(l, 30*time.Minute) {
		t.Error("HQ observation 20m ago is within a 30m period")
	}
	if !e.NeedsRefresh(l, 10*time.Minute) {
		t.Error("Newest observation 20m ago is outside a 10m period")
	}
}

func TestEvaluator_Evaluate(t *testing.T) {
	e, cache := newTestEvaluator(domain.UndercutPolicy{UndercutBy: 5, RefreshPeriod: time.Hour}, nil)
	cache.Update(nqKey, domain.SourcePushFeed, t0, 900, false)

	a := e.Evaluate(listingAt(1000, false))
	if !a.HasData || !a.Undercut || a.Amount != 100 || a.Recommended != 895 || a.NeedsRefresh {
		t.Errorf("Unexpected assessment %+v", a)
	}
}
