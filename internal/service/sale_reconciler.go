package service

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"retainer_go/internal/domain"
	"retainer_go/internal/event"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outcome tags what happened to one slot between two snapshots.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeAdded
	OutcomeUpdated
	OutcomeSold
	OutcomeRemoved
	OutcomeAnomaly
	OutcomeInitial
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "UNCHANGED"
	case OutcomeAdded:
		return "ADDED"
	case OutcomeUpdated:
		return "UPDATED"
	case OutcomeSold:
		return "SOLD"
	case OutcomeRemoved:
		return "REMOVED"
	case OutcomeAnomaly:
		return "ANOMALY"
	case OutcomeInitial:
		return "INITIAL"
	default:
		return "UNKNOWN"
	}
}

// SlotContext is the balance and tax information shared by every slot of a diff.
type SlotContext struct {
	AgentID      uint64
	PrevBalance  uint64
	BalanceKnown bool
	NewBalance   uint64
	TaxRate      decimal.Decimal
	Now          time.Time
}

// PotentialProceeds is the balance delta, or 0 when the previous balance is unknown.
func (c SlotContext) PotentialProceeds() int64 {
	if !c.BalanceKnown {
		return 0
	}
	return int64(c.NewBalance) - int64(c.PrevBalance)
}

// SlotTransition is the decision for one slot. Current is what the slot
// holds after reconciliation.
type SlotTransition struct {
	Index    int
	Outcome  Outcome
	Previous domain.Listing
	Current  domain.Listing
	Proceeds int64
	Expected uint64
}

// DiffSlots classifies every slot of prev -> next.
func DiffSlots(prev, next *domain.ListingSlots, ctx SlotContext) []SlotTransition {
	out := make([]SlotTransition, domain.SlotCount)
	for i := range prev {
		out[i] = diffSlot(i, prev[i], next[i], ctx)
	}
	return out
}

func diffSlot(i int, prev, next domain.Listing, ctx SlotContext) SlotTransition {
	t := SlotTransition{Index: i, Previous: prev}
	next.AgentID = ctx.AgentID
	next.SlotIndex = i

	switch {
	case prev.IsEmpty() && next.IsEmpty():
		t.Outcome = OutcomeUnchanged
		t.Current = domain.Listing{AgentID: ctx.AgentID, SlotIndex: i}

	case prev.IsEmpty():
		t.Outcome = OutcomeAdded
		t.Current = stamped(next, ctx.Now)

	case next.IsEmpty():
		t.Current = domain.Listing{AgentID: ctx.AgentID, SlotIndex: i}
		t.Proceeds = ctx.PotentialProceeds()
		t.Expected = domain.ExpectedProceedsAfterTax(prev, ctx.TaxRate)
		switch {
		case t.Proceeds == 0:
			t.Outcome = OutcomeRemoved
		case t.Proceeds-int64(t.Expected) >= 0:
			t.Outcome = OutcomeSold
		default:
			t.Outcome = OutcomeRemoved
		}

	case prev.SameOffer(next):
		t.Outcome = OutcomeUnchanged
		t.Current = prev
		t.Current.AgentID = ctx.AgentID
		t.Current.SlotIndex = i

	case !prev.SameItem(next):
		t.Outcome = OutcomeAnomaly
		t.Current = stamped(next, ctx.Now)

	default:
		t.Outcome = OutcomeUpdated
		t.Current = next
		t.Current.ListedAt = prev.ListedAt
		t.Current.UpdatedAt = ctx.Now
	}
	return t
}

// stamped fills missing listing timestamps with now.
func stamped(l domain.Listing, now time.Time) domain.Listing {
	if l.ListedAt.IsZero() {
		l.ListedAt = now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = now
	}
	return l
}

// Snapshot is one observation of an agent's slots and currency.
type Snapshot struct {
	AgentID    uint64
	Slots      domain.ListingSlots
	Balance    uint64
	Location   domain.Location
	ObservedAt time.Time
}

// ReconcileResult describes what a snapshot changed.
type ReconcileResult struct {
	AgentID     uint64
	Transitions []SlotTransition
	Sold        []domain.SoldRecord
}

// Count returns how many transitions had the given outcome.
func (r ReconcileResult) Count(o Outcome) int {
	n := 0
	for _, t := range r.Transitions {
		if t.Outcome == o {
			n++
		}
	}
	return n
}

// AgentSummary is a cached aggregate over one agent's listings and history.
type AgentSummary struct {
	AgentID      uint64
	ListingCount int
	ListedValue  uint64
	SoldCount    int
	SoldAfterTax uint64
	LastSoldAt   time.Time
	Balance      uint64
	BalanceKnown bool
	ReconciledAt time.Time
}

type agentState struct {
	slots        domain.ListingSlots
	balance      uint64
	balanceKnown bool
	location     domain.Location
	seen         bool
	updatedAt    time.Time
	history      []domain.SoldRecord
	summary      *AgentSummary
}

// SaleReconciler owns every agent's listing slots and sale history, and
// infers sales by diffing successive snapshots.
type SaleReconciler struct {
	mu     sync.RWMutex
	agents map[uint64]*agentState

	cache     PriceUpdater
	bus       *event.Bus
	taxes     domain.TaxTable
	menuOrder domain.MenuOrderProvider
	now       func() time.Time
}

// NewSaleReconciler creates a reconciler with no tracked agents.
func NewSaleReconciler(cache PriceUpdater, bus *event.Bus, taxes domain.TaxTable) *SaleReconciler {
	return &SaleReconciler{
		agents: make(map[uint64]*agentState),
		cache:  cache,
		bus:    bus,
		taxes:  taxes,
		now:    time.Now,
	}
}

// SetMenuOrderProvider installs the source of in-game display order.
func (r *SaleReconciler) SetMenuOrderProvider(p domain.MenuOrderProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.menuOrder = p
}

func (r *SaleReconciler) stateLocked(agentID uint64) *agentState {
	st, ok := r.agents[agentID]
	if !ok {
		st = &agentState{}
		r.agents[agentID] = st
	}
	return st
}

// Reconcile applies a fresh snapshot of an agent. The first snapshot of an
// agent only establishes state; later ones are diffed against it.
func (r *SaleReconciler) Reconcile(snap Snapshot) ReconcileResult {
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = r.now()
	}

	r.mu.Lock()
	result := r.reconcileLocked(snap)
	r.mu.Unlock()

	r.emit(result, snap.ObservedAt)
	return result
}

// reconcileLocked diffs snap against the agent's slots and stores it.
// r.mu must be held for writing.
func (r *SaleReconciler) reconcileLocked(snap Snapshot) ReconcileResult {
	at := snap.ObservedAt
	st := r.stateLocked(snap.AgentID)
	ctx := SlotContext{
		AgentID:      snap.AgentID,
		PrevBalance:  st.balance,
		BalanceKnown: st.balanceKnown,
		NewBalance:   snap.Balance,
		TaxRate:      r.taxes.RateFor(snap.Location),
		Now:          at,
	}

	var transitions []SlotTransition
	if st.seen {
		transitions = DiffSlots(&st.slots, &snap.Slots, ctx)
	} else {
		transitions = initialSlots(&snap.Slots, ctx)
	}

	result := ReconcileResult{AgentID: snap.AgentID, Transitions: transitions}
	var slots domain.ListingSlots
	for i, t := range transitions {
		cur := t.Current
		if !cur.IsEmpty() && r.menuOrder != nil {
			if order, ok := r.menuOrder.MenuOrder(snap.AgentID, i); ok {
				cur.MenuOrder = order
			}
		}
		slots[i] = cur
		transitions[i].Current = cur

		switch t.Outcome {
		case OutcomeSold:
			rec := domain.SoldRecord{
				ID:        uuid.NewString(),
				AgentID:   snap.AgentID,
				MarketID:  t.Previous.MarketID,
				ItemID:    t.Previous.ItemID,
				IsHQ:      t.Previous.IsHQ,
				Quantity:  t.Previous.Quantity,
				UnitPrice: t.Previous.UnitPrice,
				TaxRate:   ctx.TaxRate,
				SoldAt:    at,
			}
			st.history = append(st.history, rec)
			result.Sold = append(result.Sold, rec)
		case OutcomeAnomaly:
			slog.Warn("Listing item changed in place, resyncing slot",
				slog.Uint64("agent", snap.AgentID),
				slog.Int("slot", i),
				slog.Any("previous_item", t.Previous.ItemID),
				slog.Any("current_item", t.Current.ItemID))
		case OutcomeRemoved:
			slog.Debug("Listing removed without sale",
				slog.Uint64("agent", snap.AgentID),
				slog.Int("slot", i),
				slog.Int64("proceeds", t.Proceeds),
				slog.Uint64("expected", t.Expected))
		}
	}

	st.slots = slots
	st.balance = snap.Balance
	st.balanceKnown = true
	st.location = snap.Location
	st.seen = true
	st.updatedAt = at
	st.summary = nil
	return result
}

func initialSlots(next *domain.ListingSlots, ctx SlotContext) []SlotTransition {
	out := make([]SlotTransition, domain.SlotCount)
	for i, l := range next {
		l.AgentID = ctx.AgentID
		l.SlotIndex = i
		out[i] = SlotTransition{Index: i, Outcome: OutcomeUnchanged, Current: l}
		if l.IsEmpty() {
			out[i].Current = domain.Listing{AgentID: ctx.AgentID, SlotIndex: i}
			continue
		}
		out[i].Outcome = OutcomeInitial
		out[i].Current = stamped(l, ctx.Now)
	}
	return out
}

// emit publishes events and seeds the cache. Runs without the lock held
// because cache updates read the listing index back.
func (r *SaleReconciler) emit(result ReconcileResult, at time.Time) {
	soldIdx := 0
	for _, t := range result.Transitions {
		var kind event.ChangeKind
		switch t.Outcome {
		case OutcomeInitial:
			kind = event.ChangeInitial
		case OutcomeAdded:
			kind = event.ChangeAdded
		case OutcomeUpdated, OutcomeAnomaly:
			kind = event.ChangeUpdated
		case OutcomeRemoved:
			kind = event.ChangeRemoved
		case OutcomeSold:
			kind = event.ChangeRemoved
			rec := result.Sold[soldIdx]
			soldIdx++
			r.bus.Publish(event.ItemSold{
				BaseEvent: r.bus.Stamp(at),
				Listing:   t.Previous,
				Record:    rec,
			})
			if r.cache != nil {
				r.cache.Update(t.Previous.Key(), domain.SourceLocalObservation, at, t.Previous.UnitPrice, true)
			}
		default:
			continue
		}
		r.bus.Publish(event.ListingChanged{
			BaseEvent: r.bus.Stamp(at),
			AgentID:   result.AgentID,
			SlotIndex: t.Index,
			Kind:      kind,
		})
	}
}

// ReconcileSlot applies a single-slot change on top of the agent's current slots.
func (r *SaleReconciler) ReconcileSlot(agentID uint64, index int, l domain.Listing, balance uint64, loc domain.Location, at time.Time) (ReconcileResult, error) {
	if index < 0 || index >= domain.SlotCount {
		return ReconcileResult{}, fmt.Errorf("slot index %d out of range", index)
	}
	if at.IsZero() {
		at = r.now()
	}

	r.mu.Lock()
	st, ok := r.agents[agentID]
	if !ok || !st.seen {
		r.mu.Unlock()
		return ReconcileResult{}, fmt.Errorf("agent %d: %w", agentID, domain.ErrUnknownAgent)
	}
	slots := st.slots
	slots[index] = l
	result := r.reconcileLocked(Snapshot{AgentID: agentID, Slots: slots, Balance: balance, Location: loc, ObservedAt: at})
	r.mu.Unlock()

	r.emit(result, at)
	return result, nil
}

// CloseSession clears every slot of the agent, as when its session ends.
func (r *SaleReconciler) CloseSession(agentID uint64, balance uint64, loc domain.Location, at time.Time) ReconcileResult {
	return r.Reconcile(Snapshot{AgentID: agentID, Balance: balance, Location: loc, ObservedAt: at})
}

// Listings returns a copy of the agent's slots.
func (r *SaleReconciler) Listings(agentID uint64) (domain.ListingSlots, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.agents[agentID]
	if !ok || !st.seen {
		return domain.ListingSlots{}, false
	}
	return st.slots, true
}

// ListingsFor returns every tracked listing on key.
func (r *SaleReconciler) ListingsFor(key domain.ListingKey) []domain.Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Listing
	for _, id := range r.sortedAgentsLocked() {
		for _, l := range r.agents[id].slots {
			if !l.IsEmpty() && l.Key() == key {
				out = append(out, l)
			}
		}
	}
	return out
}

// CheapestOwn returns the cheapest tracked listing on key.
func (r *SaleReconciler) CheapestOwn(key domain.ListingKey) (domain.Listing, bool) {
	var best domain.Listing
	found := false
	for _, l := range r.ListingsFor(key) {
		if !found || l.UnitPrice < best.UnitPrice {
			best = l
			found = true
		}
	}
	return best, found
}

// IsTracked reports whether agentID is one of ours.
func (r *SaleReconciler) IsTracked(agentID uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// Track registers an agent before its first snapshot so its offers are
// recognised as our own.
func (r *SaleReconciler) Track(agentID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateLocked(agentID)
}

// Agents returns the tracked agent ids in ascending order.
func (r *SaleReconciler) Agents() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedAgentsLocked()
}

func (r *SaleReconciler) sortedAgentsLocked() []uint64 {
	ids := make([]uint64, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Summary returns the agent's aggregate, computing it once per reconcile.
func (r *SaleReconciler) Summary(agentID uint64) (AgentSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.agents[agentID]
	if !ok {
		return AgentSummary{}, false
	}
	if st.summary == nil {
		s := AgentSummary{
			AgentID:      agentID,
			Balance:      st.balance,
			BalanceKnown: st.balanceKnown,
			ReconciledAt: st.updatedAt,
		}
		for _, l := range st.slots {
			if !l.IsEmpty() {
				s.ListingCount++
				s.ListedValue += l.Total()
			}
		}
		for _, rec := range st.history {
			s.SoldCount++
			s.SoldAfterTax += rec.TotalAfterTax()
			if rec.SoldAt.After(s.LastSoldAt) {
				s.LastSoldAt = rec.SoldAt
			}
		}
		st.summary = &s
	}
	return *st.summary, true
}

// SoldHistory returns a copy of the agent's sale history, oldest first.
func (r *SaleReconciler) SoldHistory(agentID uint64) []domain.SoldRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	out := make([]domain.SoldRecord, len(st.history))
	copy(out, st.history)
	return out
}

// DeleteSold removes one record from the agent's history.
func (r *SaleReconciler) DeleteSold(agentID uint64, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %d: %w", agentID, domain.ErrUnknownAgent)
	}
	for i, rec := range st.history {
		if rec.ID == id {
			st.history = append(st.history[:i], st.history[i+1:]...)
			st.summary = nil
			return nil
		}
	}
	return fmt.Errorf("record %s: %w", id, domain.ErrRecordNotFound)
}

// LoadHistory restores persisted sale records, oldest first per agent.
func (r *SaleReconciler) LoadHistory(records []domain.SoldRecord) {
	sorted := make([]domain.SoldRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SoldAt.Before(sorted[j].SoldAt) })

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range sorted {
		st := r.stateLocked(rec.AgentID)
		st.history = append(st.history, rec)
		st.summary = nil
	}
}

// AgentSnapshot is the persistable state of one agent.
type AgentSnapshot struct {
	Agent    domain.AgentRecord
	Listings []domain.Listing
}

// LoadAgent restores an agent's last known slots and balance.
func (r *SaleReconciler) LoadAgent(snap AgentSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateLocked(snap.Agent.AgentID)
	var slots domain.ListingSlots
	for i := range slots {
		slots[i] = domain.Listing{AgentID: snap.Agent.AgentID, SlotIndex: i}
	}
	for _, l := range snap.Listings {
		if l.SlotIndex >= 0 && l.SlotIndex < domain.SlotCount {
			slots[l.SlotIndex] = l
		}
	}
	st.slots = slots
	st.balance = snap.Agent.Balance
	st.balanceKnown = snap.Agent.BalanceKnown
	st.location = snap.Agent.Location
	st.updatedAt = snap.Agent.UpdatedAt
	st.seen = true
	st.summary = nil
}

// Agent returns the persisted form of one agent's current state.
func (r *SaleReconciler) Agent(agentID uint64) (AgentSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.agents[agentID]
	if !ok || !st.seen {
		return AgentSnapshot{}, false
	}
	return st.snapshot(agentID), true
}

// AgentSnapshots exports every observed agent for persistence.
func (r *SaleReconciler) AgentSnapshots() []AgentSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AgentSnapshot
	for _, id := range r.sortedAgentsLocked() {
		st := r.agents[id]
		if !st.seen {
			continue
		}
		out = append(out, st.snapshot(id))
	}
	return out
}

func (st *agentState) snapshot(id uint64) AgentSnapshot {
	return AgentSnapshot{
		Agent: domain.AgentRecord{
			AgentID:      id,
			Location:     st.location,
			Balance:      st.balance,
			BalanceKnown: st.balanceKnown,
			UpdatedAt:    st.updatedAt,
		},
		Listings: st.slots.Occupied(),
	}
}
