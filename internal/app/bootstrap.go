package app

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"retainer_go/internal/domain"
	"retainer_go/internal/engine"
	"retainer_go/internal/event"
	"retainer_go/internal/infra"
	"retainer_go/internal/infra/storage"
	"retainer_go/internal/service"
)

// Bootstrap orchestrates the application startup sequence and owns every
// long-lived component.
type Bootstrap struct {
	Config  *infra.Config
	Storage *storage.Storage
	Metrics *infra.Metrics

	Bus         *event.Bus
	Cache       *service.PriceCache
	Accumulator *service.OfferingAccumulator
	Evaluator   *service.UndercutEvaluator
	Reconciler  *service.SaleReconciler
	Debouncer   *service.NotificationDebouncer
	Sequencer   *engine.Sequencer

	unsubscribe  []func()
	shutdownOnce sync.Once
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{Metrics: infra.GlobalMetrics}
}

// Initialize loads the config, sets up logging and storage, builds the core
// and restores persisted state.
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("Bootstrapping retainer_go...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("Database initialized", slog.String("path", cfg.Storage.Path))

	// 4. Core
	b.build()

	// 5. Restore
	if err := b.restore(); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	return nil
}

func (b *Bootstrap) build() {
	cfg := b.Config
	if b.Metrics == nil {
		b.Metrics = infra.GlobalMetrics
	}

	b.Bus = event.NewBus()
	b.Cache = service.NewPriceCache(nil, b.Bus)
	b.Reconciler = service.NewSaleReconciler(b.Cache, b.Bus, cfg.TaxTable())
	b.Cache.SetListingIndex(b.Reconciler)
	b.Cache.OnUpdate(b.Metrics.RecordPriceUpdate)
	for _, id := range cfg.Agents {
		b.Reconciler.Track(id)
	}

	b.Accumulator = service.NewOfferingAccumulator(b.Cache, b.Reconciler, b.Bus)
	b.Evaluator = service.NewUndercutEvaluator(b.Cache, cfg, cfg)
	b.Debouncer = service.NewNotificationDebouncer(cfg.QuietWindow(), cfg.GroupingMode, b.Bus)
	b.Sequencer = engine.NewSequencer(1024, b.Cache, b.Accumulator, b.Reconciler, b.Metrics)

	b.unsubscribe = append(b.unsubscribe,
		b.Debouncer.Attach(b.Bus),
		b.Bus.SubscribeType(event.EvItemUndercut, func(event.Event) { b.Metrics.RecordUndercut() }),
		b.Bus.SubscribeType(event.EvItemSold, b.persistSale),
		b.Bus.SubscribeType(event.EvUndercutNotification, b.logNotification),
	)
}

func (b *Bootstrap) restore() error {
	entries, err := b.Storage.LoadPriceCache()
	if err != nil {
		return err
	}
	b.Cache.Load(entries)

	history, err := b.Storage.LoadSoldRecords()
	if err != nil {
		return err
	}
	b.Reconciler.LoadHistory(history)

	agents, err := b.Storage.LoadAgents()
	if err != nil {
		return err
	}
	for _, a := range agents {
		listings, err := b.Storage.LoadListings(a.AgentID)
		if err != nil {
			return err
		}
		b.Reconciler.LoadAgent(service.AgentSnapshot{Agent: a, Listings: listings})
	}

	slog.Info("State restored",
		slog.Int("prices", len(entries)),
		slog.Int("sales", len(history)),
		slog.Int("agents", len(agents)))
	return nil
}

func (b *Bootstrap) persistSale(ev event.Event) {
	sold, ok := ev.(event.ItemSold)
	if !ok {
		return
	}
	slog.Info("Item sold",
		slog.Uint64("agent", sold.Record.AgentID),
		slog.Any("item", sold.Record.ItemID),
		slog.Any("quantity", sold.Record.Quantity),
		slog.Uint64("after_tax", sold.Record.TotalAfterTax()))
	if err := b.Storage.AppendSoldRecord(sold.Record); err != nil {
		b.Metrics.RecordError()
		slog.Error("Failed to persist sale", slog.String("id", sold.Record.ID), slog.Any("error", err))
	}
	// Slots are saved with the sale so a restart cannot infer it twice.
	if snap, ok := b.Reconciler.Agent(sold.Record.AgentID); ok {
		if err := b.Storage.SaveAgent(snap.Agent, snap.Listings); err != nil {
			b.Metrics.RecordError()
			slog.Error("Failed to persist agent", slog.Uint64("agent", snap.Agent.AgentID), slog.Any("error", err))
		}
	}
}

// DeleteSold removes a sale from the agent's history and from storage.
func (b *Bootstrap) DeleteSold(agentID uint64, id string) error {
	if err := b.Reconciler.DeleteSold(agentID, id); err != nil {
		return err
	}
	if err := b.Storage.DeleteSoldRecord(id); err != nil {
		return fmt.Errorf("delete sale %s: %w", id, err)
	}
	slog.Info("Sale deleted", slog.Uint64("agent", agentID), slog.String("id", id))
	return nil
}

// logNotification reports a grouped undercut with the price each listing
// should move to.
func (b *Bootstrap) logNotification(ev event.Event) {
	n, ok := ev.(event.GroupedUndercutNotification)
	if !ok {
		return
	}
	for _, it := range n.Items {
		for _, a := range b.Assess(it.AgentID, it.ItemID) {
			slog.Info("Listing undercut",
				slog.String("grouping", n.Grouping.String()),
				slog.Int("group_size", len(n.Items)),
				slog.Uint64("agent", it.AgentID),
				slog.Int("slot", a.Listing.SlotIndex),
				slog.Any("item", it.ItemID),
				slog.Any("price", a.Listing.UnitPrice),
				slog.Any("competing", a.CompetingEntry.UnitPrice),
				slog.Any("recommended", a.Recommended),
				slog.Bool("stale", a.NeedsRefresh))
		}
	}
}

// Assess evaluates every listing of itemID held by agentID.
func (b *Bootstrap) Assess(agentID uint64, itemID uint32) []service.Assessment {
	slots, ok := b.Reconciler.Listings(agentID)
	if !ok {
		return nil
	}
	var out []service.Assessment
	for _, l := range slots.Occupied() {
		if l.ItemID == itemID {
			out = append(out, b.Evaluator.Evaluate(l))
		}
	}
	return out
}

// Persist writes the price cache and every agent's slots to storage.
func (b *Bootstrap) Persist() error {
	var errs []error
	if err := b.Storage.SavePriceCache(b.Cache.Entries()); err != nil {
		errs = append(errs, fmt.Errorf("save price cache: %w", err))
	}
	for _, snap := range b.Reconciler.AgentSnapshots() {
		if err := b.Storage.SaveAgent(snap.Agent, snap.Listings); err != nil {
			errs = append(errs, fmt.Errorf("save agent %d: %w", snap.Agent.AgentID, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown flushes pending notifications, persists state and closes storage.
func (b *Bootstrap) Shutdown() error {
	var err error
	b.shutdownOnce.Do(func() {
		b.Debouncer.Close()
		for _, unsub := range b.unsubscribe {
			unsub()
		}
		err = b.Persist()
		if cerr := b.Storage.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		snap := b.Metrics.Snapshot()
		slog.Info("Shutdown complete",
			slog.Uint64("events", snap.EventsProcessed),
			slog.Uint64("sales", snap.SalesInferred),
			slog.Uint64("undercuts", snap.UndercutSignals),
			slog.Uint64("dropped_updates", snap.UpdatesDropped))
	})
	return err
}

// Workers builds the configured feed workers sending to the sequencer.
func (b *Bootstrap) Workers() []domain.FeedWorker {
	return newFeedWorkers(b.Config, b.Sequencer.Inbox())
}
