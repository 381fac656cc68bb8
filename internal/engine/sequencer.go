package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"retainer_go/internal/domain"
	"retainer_go/internal/event"
	"retainer_go/internal/infra"
	"retainer_go/internal/service"
)

// Sequencer is the single-threaded processor for inbound feed events.
// Feeds only ever send to the inbox; all core mutation driven by feeds
// happens on the Run goroutine, in arrival order.
type Sequencer struct {
	inbox chan event.Event

	cache       *service.PriceCache
	accumulator *service.OfferingAccumulator
	reconciler  *service.SaleReconciler
	metrics     *infra.Metrics

	processed atomic.Uint64
	dumpPath  string
	now       func() time.Time
}

// NewSequencer creates a new sequencer instance.
func NewSequencer(inboxSize int, cache *service.PriceCache, acc *service.OfferingAccumulator, recon *service.SaleReconciler, metrics *infra.Metrics) *Sequencer {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Sequencer{
		inbox:       make(chan event.Event, inboxSize),
		cache:       cache,
		accumulator: acc,
		reconciler:  recon,
		metrics:     metrics,
		dumpPath:    "panic_dump.json",
		now:         time.Now,
	}
}

// SetDumpPath changes where the state dump is written after a panic.
func (s *Sequencer) SetDumpPath(path string) {
	s.dumpPath = path
}

// Inbox returns the event channel. External workers send events here.
func (s *Sequencer) Inbox() chan<- event.Event {
	return s.inbox
}

// Processed returns the number of events dispatched so far.
func (s *Sequencer) Processed() uint64 {
	return s.processed.Load()
}

// Run starts the main event loop. This MUST be run in a single goroutine.
// Events still queued when ctx is cancelled are dispatched before returning.
func (s *Sequencer) Run(ctx context.Context) {
	slog.Info("Sequencer started")

	for {
		select {
		case <-ctx.Done():
			s.drain()
			slog.Info("Sequencer stopping...", slog.Uint64("processed", s.Processed()))
			return
		case ev := <-s.inbox:
			s.Dispatch(ev)
		}
	}
}

func (s *Sequencer) drain() {
	for {
		select {
		case ev := <-s.inbox:
			s.Dispatch(ev)
		default:
			return
		}
	}
}

// Dispatch processes one event synchronously. A panic in a handler is
// logged, the state is dumped, and processing continues.
func (s *Sequencer) Dispatch(ev event.Event) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC_IN_EVENT_HANDLER",
				slog.Any("panic", r),
				slog.Any("type", ev.GetType()),
				slog.Uint64("seq", ev.GetSeq()))
			s.metrics.RecordPanic()
			s.DumpState(s.dumpPath)
		}
		s.processed.Add(1)
		s.metrics.RecordEvent(time.Since(start).Nanoseconds())
	}()

	at := ev.GetTs()
	if at.IsZero() {
		at = s.now()
	}

	switch e := ev.(type) {
	case event.PriceObservation:
		s.cache.Update(e.Key, e.Source, at, e.UnitPrice, e.IsOwnListing)
	case event.OfferingsPushed:
		s.handlePushed(e, at)
	case event.OfferingRequestStarted:
		s.accumulator.BeginRequest(e.RequestID, e.ExpectedCount, e.Item)
	case event.OfferingFragment:
		s.accumulator.ReceiveFragment(e.RequestID, e.Offerings)
	case event.ListingSnapshot:
		s.record(s.reconciler.Reconcile(service.Snapshot{
			AgentID:    e.AgentID,
			Slots:      e.Slots,
			Balance:    e.Balance,
			Location:   e.Location,
			ObservedAt: at,
		}))
	case event.SessionClosed:
		s.record(s.reconciler.CloseSession(e.AgentID, e.Balance, e.Location, at))
	default:
		slog.Warn("Unknown event type", slog.Any("type", ev.GetType()))
	}
}

// handlePushed applies a push-feed offer list. The list is the item's full
// offer set, so a quality with no offer left is withdrawn from the cache.
func (s *Sequencer) handlePushed(e event.OfferingsPushed, at time.Time) {
	var offered [2]bool
	for _, o := range e.Offerings {
		if o.IsHQ {
			offered[1] = true
		} else {
			offered[0] = true
		}
	}
	if len(e.Offerings) > 0 {
		service.ApplyOfferings(s.cache, s.reconciler, e.Item, e.Offerings, domain.SourcePushFeed, at)
	}
	for i, hq := range []bool{false, true} {
		if !offered[i] {
			s.cache.Remove(e.Item.Key(hq), at)
		}
	}
}

func (s *Sequencer) record(r service.ReconcileResult) {
	s.metrics.RecordSales(len(r.Sold))
	s.metrics.RecordAnomalies(r.Count(service.OutcomeAnomaly))
}

// DumpState writes the price cache to a file (for post-mortem).
func (s *Sequencer) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	data := struct {
		Processed uint64                   `json:"processed"`
		Prices    []domain.PriceCacheEntry `json:"prices"`
	}{
		Processed: s.Processed(),
	}
	if s.cache != nil {
		data.Prices = s.cache.Entries()
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	err = os.WriteFile(filename, b, 0644)
	if err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
