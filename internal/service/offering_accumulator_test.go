package service

import (
	"testing"
	"time"

	"retainer_go/internal/domain"
	"retainer_go/internal/event"
)

// recordingCache captures every update offered to it.
type recordingCache struct {
	updates []domain.PriceCacheEntry
}

func (r *recordingCache) Update(key domain.ListingKey, source domain.Source, observedAt time.Time, unitPrice uint32, isOwnListing bool) bool {
	r.updates = append(r.updates, domain.PriceCacheEntry{
		Key: key, Source: source, ObservedAt: observedAt, UnitPrice: unitPrice, IsOwnListing: isOwnListing,
	})
	return true
}

func (r *recordingCache) find(key domain.ListingKey) (domain.PriceCacheEntry, bool) {
	for _, u := range r.updates {
		if u.Key == key {
			return u, true
		}
	}
	return domain.PriceCacheEntry{}, false
}

func newTestAccumulator(idx domain.ListingIndex) (*OfferingAccumulator, *recordingCache) {
	cache := &recordingCache{}
	a := NewOfferingAccumulator(cache, idx, event.NewBus())
	a.now = func() time.Time { return t0 }
	return a, cache
}

func TestAccumulator_EmptyRequestFinalizesImmediately(t *testing.T) {
	a, cache := newTestAccumulator(&fakeIndex{})

	batch, done := a.BeginRequest(7, 0, market)
	if !done || batch == nil {
		t.Fatal("BeginRequest(0) should finalize immediately")
	}
	if len(batch.Offerings) != 0 || batch.RequestID != 7 {
		t.Errorf("Unexpected batch %+v", batch)
	}
	if _, inFlight := a.InFlight(); inFlight {
		t.Error("Accumulator should be idle after finalizing")
	}
	if len(cache.updates) != 0 {
		t.Errorf("No tracked listings: expected no updates, got %d", len(cache.updates))
	}
}

func TestAccumulator_CompletesAfterExpectedCount(t *testing.T) {
	idx := &fakeIndex{tracked: map[uint64]bool{42: true}}
	a, cache := newTestAccumulator(idx)

	if _, done := a.BeginRequest(1, 4, market); done {
		t.Fatal("Should wait for fragments")
	}

	if _, done := a.ReceiveFragment(1, []domain.Offering{
		{SellerID: 10, UnitPrice: 1200},
		{SellerID: 42, UnitPrice: 900}, // ours: excluded
	}); done {
		t.Fatal("Should still be awaiting after 2 of 4")
	}

	batch, done := a.ReceiveFragment(1, []domain.Offering{
		{SellerID: 11, UnitPrice: 1100},
		{SellerID: 12, UnitPrice: 3000, IsHQ: true},
	})
	if !done || len(batch.Offerings) != 4 {
		t.Fatalf("Expected completed batch of 4, got done=%v", done)
	}

	nq, ok := cache.find(market.Key(false))
	if !ok || nq.UnitPrice != 1100 || nq.IsOwnListing || nq.Source != domain.SourcePolledFeed {
		t.Errorf("Unexpected NQ update %+v", nq)
	}
	if !nq.ObservedAt.Equal(t0) {
		t.Errorf("Expected finalize timestamp, got %v", nq.ObservedAt)
	}
	hq, ok := cache.find(market.Key(true))
	if !ok || hq.UnitPrice != 3000 {
		t.Errorf("Unexpected HQ update %+v", hq)
	}
}

func TestAccumulator_WrongRequestIgnored(t *testing.T) {
	a, cache := newTestAccumulator(&fakeIndex{})

	t.Run("idle", func(t *testing.T) {
		if _, done := a.ReceiveFragment(3, []domain.Offering{{UnitPrice: 1}}); done {
			t.Error("Fragment while idle should be ignored")
		}
	})

	t.Run("mismatched id", func(t *testing.T) {
		a.BeginRequest(5, 1, market)
		if _, done := a.ReceiveFragment(6, []domain.Offering{{UnitPrice: 1}}); done {
			t.Error("Fragment for another request should be ignored")
		}
		if id, inFlight := a.InFlight(); !inFlight || id != 5 {
			t.Errorf("Request 5 should still be in flight, got %d/%v", id, inFlight)
		}
	})

	if len(cache.updates) != 0 {
		t.Errorf("Expected no cache updates, got %d", len(cache.updates))
	}
}

func TestAccumulator_NewRequestReplacesInFlight(t *testing.T) {
	a, cache := newTestAccumulator(&fakeIndex{})

	a.BeginRequest(1, 2, market)
	a.ReceiveFragment(1, []domain.Offering{{SellerID: 1, UnitPrice: 50}})

	other := domain.ItemRef{MarketID: 73, ItemID: 9999}
	a.BeginRequest(2, 1, other)

	if _, done := a.ReceiveFragment(1, []domain.Offering{{SellerID: 1, UnitPrice: 60}}); done {
		t.Error("Fragment of the abandoned request must not complete anything")
	}

	batch, done := a.ReceiveFragment(2, []domain.Offering{{SellerID: 2, UnitPrice: 700}})
	if !done {
		t.Fatal("Request 2 should complete")
	}
	if len(batch.Offerings) != 1 || batch.Item != other {
		t.Errorf("Batch mixed fragments from two requests: %+v", batch)
	}
	if len(cache.updates) != 1 || cache.updates[0].Key.ItemID != 9999 {
		t.Errorf("Expected a single update for item 9999, got %+v", cache.updates)
	}
}

func TestAccumulator_EmptyBatchUsesOwnPrice(t *testing.T) {
	idx := &fakeIndex{
		tracked:  map[uint64]bool{1: true, 2: true},
		listings: []domain.Listing{
			{AgentID: 1, MarketID: 73, ItemID: 5057, UnitPrice: 1500, Quantity: 1},
			{AgentID: 2, MarketID: 73, ItemID: 5057, UnitPrice: 1400, Quantity: 1},
		},
	}
	a, cache := newTestAccumulator(idx)

	a.BeginRequest(9, 0, market)

	if len(cache.updates) != 1 {
		t.Fatalf("Expected 1 update, got %d", len(cache.updates))
	}
	u := cache.updates[0]
	if u.UnitPrice != 1400 || !u.IsOwnListing || u.Source != domain.SourcePolledFeed || u.Key.IsHQ {
		t.Errorf("Expected own NQ price 1400, got %+v", u)
	}
}

func TestSelectCheapest(t *testing.T) {
	tracked := func(id uint64) bool { return id == 99 }

	t.Run("excludes tracked sellers", func(t *testing.T) {
		nq, hq := SelectCheapest([]domain.Offering{
			{SellerID: 99, UnitPrice: 10},
			{SellerID: 1, UnitPrice: 20},
			{SellerID: 2, UnitPrice: 15},
		}, tracked)
		if nq == nil || nq.UnitPrice != 15 || nq.IsOwn {
			t.Errorf("Expected competing 15, got %+v", nq)
		}
		if hq != nil {
			t.Errorf("Expected no HQ, got %+v", hq)
		}
	})

	t.Run("only own offers flagged as own", func(t *testing.T) {
		_, hq := SelectCheapest([]domain.Offering{
			{SellerID: 99, UnitPrice: 300, IsHQ: true},
			{SellerID: 99, UnitPrice: 250, IsHQ: true},
		}, tracked)
		if hq == nil || hq.UnitPrice != 250 || !hq.IsOwn {
			t.Errorf("Expected own 250, got %+v", hq)
		}
	})

	t.Run("nil tracker", func(t *testing.T) {
		nq, _ := SelectCheapest([]domain.Offering{{SellerID: 99, UnitPrice: 10}}, nil)
		if nq == nil || nq.UnitPrice != 10 {
			t.Errorf("Expected 10, got %+v", nq)
		}
	})
}

func TestAccumulator_PublishesBatch(t *testing.T) {
	bus := event.NewBus()
	var got []event.OfferingBatchCompleted
	bus.SubscribeType(event.EvOfferingBatchCompleted, func(ev event.Event) {
		got = append(got, ev.(event.OfferingBatchCompleted))
	})

	a := NewOfferingAccumulator(&recordingCache{}, nil, bus)
	a.BeginRequest(4, 1, market)
	a.ReceiveFragment(4, []domain.Offering{{SellerID: 3, UnitPrice: 10}})

	if len(got) != 1 || got[0].RequestID != 4 || len(got[0].Offerings) != 1 {
		t.Errorf("Expected one batch event for request 4, got %+v", got)
	}
}
