package service

import (
	"log/slog"
	"sync"
	"time"

	"retainer_go/internal/domain"
	"retainer_go/internal/event"
)

// PriceUpdater is the write side of the price cache.
type PriceUpdater interface {
	Update(key domain.ListingKey, source domain.Source, observedAt time.Time, unitPrice uint32, isOwnListing bool) bool
}

// OfferingBatch is a finalized offering request.
type OfferingBatch struct {
	RequestID  uint64
	Item       domain.ItemRef
	Offerings  []domain.Offering
	FinishedAt time.Time
}

type accumulatorState int

const (
	stateIdle accumulatorState = iota
	stateAwaiting
)

// OfferingAccumulator collects the fragments of one paginated offering
// request into a single batch and feeds its cheapest prices to the cache.
// Only one request is in flight at a time.
type OfferingAccumulator struct {
	mu sync.Mutex

	state     accumulatorState
	requestID uint64
	expected  int
	item      domain.ItemRef
	buffer    []domain.Offering

	cache    PriceUpdater
	listings domain.ListingIndex
	bus      *event.Bus
	now      func() time.Time
}

// NewOfferingAccumulator creates an idle accumulator.
func NewOfferingAccumulator(cache PriceUpdater, listings domain.ListingIndex, bus *event.Bus) *OfferingAccumulator {
	return &OfferingAccumulator{
		cache:    cache,
		listings: listings,
		bus:      bus,
		now:      time.Now,
	}
}

// BeginRequest opens a request for item expecting expectedCount offerings.
// A request already in flight is abandoned. A request expecting nothing
// finalizes immediately and its batch is returned.
func (a *OfferingAccumulator) BeginRequest(requestID uint64, expectedCount int, item domain.ItemRef) (*OfferingBatch, bool) {
	a.mu.Lock()
	if a.state == stateAwaiting {
		slog.Warn("Offering request started while another is in flight",
			slog.Uint64("abandoned_request", a.requestID),
			slog.Uint64("request", requestID),
			slog.Int("buffered", len(a.buffer)))
	}
	a.state = stateAwaiting
	a.requestID = requestID
	a.expected = expectedCount
	a.item = item
	a.buffer = nil

	if expectedCount <= 0 {
		batch := a.finalizeLocked()
		a.mu.Unlock()
		a.publish(batch)
		return batch, true
	}
	a.mu.Unlock()
	return nil, false
}

// ReceiveFragment appends offerings to the in-flight request. Fragments for
// any other request are logged and dropped. Returns the batch once complete.
func (a *OfferingAccumulator) ReceiveFragment(requestID uint64, offerings []domain.Offering) (*OfferingBatch, bool) {
	a.mu.Lock()
	if a.state != stateAwaiting || requestID != a.requestID {
		slog.Warn("Offering fragment does not match in-flight request",
			slog.Uint64("request", requestID),
			slog.Uint64("in_flight", a.requestID),
			slog.Bool("awaiting", a.state == stateAwaiting))
		a.mu.Unlock()
		return nil, false
	}

	a.buffer = append(a.buffer, offerings...)
	if len(a.buffer) < a.expected {
		a.mu.Unlock()
		return nil, false
	}

	batch := a.finalizeLocked()
	a.mu.Unlock()
	a.publish(batch)
	return batch, true
}

// InFlight returns the request id being accumulated, if any.
func (a *OfferingAccumulator) InFlight() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requestID, a.state == stateAwaiting
}

// finalizeLocked resets to idle and returns the completed batch. Must be
// called with the lock held.
func (a *OfferingAccumulator) finalizeLocked() *OfferingBatch {
	batch := &OfferingBatch{
		RequestID:  a.requestID,
		Item:       a.item,
		Offerings:  a.buffer,
		FinishedAt: a.now(),
	}
	a.state = stateIdle
	a.buffer = nil
	a.expected = 0
	return batch
}

// publish pushes the batch prices into the cache and announces the batch.
// Runs outside the lock because cache updates call back into the listing index.
func (a *OfferingAccumulator) publish(batch *OfferingBatch) {
	ApplyOfferings(a.cache, a.listings, batch.Item, batch.Offerings, domain.SourcePolledFeed, batch.FinishedAt)

	a.bus.Publish(event.OfferingBatchCompleted{
		BaseEvent: a.bus.Stamp(batch.FinishedAt),
		RequestID: batch.RequestID,
		Item:      batch.Item,
		Offerings: batch.Offerings,
	})
}

// Cheapest is the lowest offer of one quality and whether it is ours.
type Cheapest struct {
	UnitPrice uint32
	IsOwn     bool
}

// SelectCheapest returns the cheapest NQ and HQ offers not belonging to a
// tracked agent. A quality offered only by tracked agents yields their
// cheapest price flagged as own.
func SelectCheapest(offerings []domain.Offering, isTracked func(uint64) bool) (nq, hq *Cheapest) {
	var best, own [2]*Cheapest
	for _, o := range offerings {
		q := 0
		if o.IsHQ {
			q = 1
		}
		mine := isTracked != nil && isTracked(o.SellerID)
		slot := &best
		if mine {
			slot = &own
		}
		if slot[q] == nil || o.UnitPrice < slot[q].UnitPrice {
			slot[q] = &Cheapest{UnitPrice: o.UnitPrice, IsOwn: mine}
		}
	}
	for q := range best {
		if best[q] == nil {
			best[q] = own[q]
		}
	}
	return best[0], best[1]
}

// ApplyOfferings feeds a complete offer list for item into the cache. With no
// offers at all, the tracked agents' own cheapest listings are used as a
// self-consistent price.
func ApplyOfferings(cache PriceUpdater, listings domain.ListingIndex, item domain.ItemRef, offerings []domain.Offering, source domain.Source, at time.Time) {
	if cache == nil {
		return
	}

	var isTracked func(uint64) bool
	if listings != nil {
		isTracked = listings.IsTracked
	}

	if len(offerings) == 0 {
		if listings == nil {
			return
		}
		for _, hq := range []bool{false, true} {
			key := item.Key(hq)
			if own, ok := listings.CheapestOwn(key); ok {
				cache.Update(key, source, at, own.UnitPrice, true)
			}
		}
		return
	}

	nq, hq := SelectCheapest(offerings, isTracked)
	if nq != nil {
		cache.Update(item.Key(false), source, at, nq.UnitPrice, nq.IsOwn)
	}
	if hq != nil {
		cache.Update(item.Key(true), source, at, hq.UnitPrice, hq.IsOwn)
	}
}
