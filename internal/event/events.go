package event

import (
	"time"

	"retainer_go/internal/domain"
)

// Type defines the type of event.
type Type uint16

const (
	// Outbound: emitted by the core
	EvItemSold Type = iota + 1
	EvItemUndercut
	EvListingChanged
	EvUndercutNotification
	EvOfferingBatchCompleted

	// Inbound: produced by feeds, consumed by the sequencer
	EvPriceObservation
	EvOfferingsPushed
	EvOfferingRequestStarted
	EvOfferingFragment
	EvListingSnapshot
	EvSessionClosed
)

// Event is the interface for all events.
type Event interface {
	GetSeq() uint64
	GetTs() time.Time
	GetType() Type
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Seq uint64    `json:"seq"`
	Ts  time.Time `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64   { return e.Seq }
func (e BaseEvent) GetTs() time.Time { return e.Ts }

// ItemSold is published when a vanished listing is inferred as sold.
type ItemSold struct {
	BaseEvent
	Listing domain.Listing    `json:"listing"`
	Record  domain.SoldRecord `json:"record"`
}

func (e ItemSold) GetType() Type { return EvItemSold }

// ItemUndercut is the raw, pre-debounce undercut signal.
type ItemUndercut struct {
	BaseEvent
	AgentID uint64 `json:"agent_id"`
	ItemID  uint32 `json:"item_id"`
}

func (e ItemUndercut) GetType() Type { return EvItemUndercut }

// ChangeKind classifies a ListingChanged event.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota + 1
	ChangeRemoved
	ChangeUpdated
	ChangeInitial
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "ADDED"
	case ChangeRemoved:
		return "REMOVED"
	case ChangeUpdated:
		return "UPDATED"
	case ChangeInitial:
		return "INITIAL"
	default:
		return "UNKNOWN"
	}
}

// ListingChanged reports a slot-level change of an agent's listings.
type ListingChanged struct {
	BaseEvent
	AgentID   uint64     `json:"agent_id"`
	SlotIndex int        `json:"slot_index"`
	Kind      ChangeKind `json:"kind"`
}

func (e ListingChanged) GetType() Type { return EvListingChanged }

// UndercutItem is one deduplicated (agent, item) pair of a notification.
type UndercutItem struct {
	AgentID uint64 `json:"agent_id"`
	ItemID  uint32 `json:"item_id"`
}

// GroupedUndercutNotification is the debounced, grouped summary of undercuts.
type GroupedUndercutNotification struct {
	BaseEvent
	Items    []UndercutItem      `json:"items"`
	Grouping domain.GroupingMode `json:"grouping"`
}

func (e GroupedUndercutNotification) GetType() Type { return EvUndercutNotification }

// OfferingBatchCompleted is published when a polled request finalizes.
type OfferingBatchCompleted struct {
	BaseEvent
	RequestID uint64            `json:"request_id"`
	Item      domain.ItemRef    `json:"item"`
	Offerings []domain.Offering `json:"offerings"`
}

func (e OfferingBatchCompleted) GetType() Type { return EvOfferingBatchCompleted }

// PriceObservation is a single price reported by a feed.
type PriceObservation struct {
	BaseEvent
	Key          domain.ListingKey `json:"key"`
	Source       domain.Source     `json:"source"`
	UnitPrice    uint32            `json:"unit_price"`
	IsOwnListing bool              `json:"is_own_listing"`
}

func (e PriceObservation) GetType() Type { return EvPriceObservation }

// OfferingsPushed carries the full offer list for an item from the push feed.
// An empty list means the item is no longer listed.
type OfferingsPushed struct {
	BaseEvent
	Item      domain.ItemRef    `json:"item"`
	Offerings []domain.Offering `json:"offerings"`
}

func (e OfferingsPushed) GetType() Type { return EvOfferingsPushed }

// OfferingRequestStarted opens a paginated offering request.
type OfferingRequestStarted struct {
	BaseEvent
	RequestID     uint64         `json:"request_id"`
	ExpectedCount int            `json:"expected_count"`
	Item          domain.ItemRef `json:"item"`
}

func (e OfferingRequestStarted) GetType() Type { return EvOfferingRequestStarted }

// OfferingFragment is one page of an offering request.
type OfferingFragment struct {
	BaseEvent
	RequestID uint64            `json:"request_id"`
	Offerings []domain.Offering `json:"offerings"`
}

func (e OfferingFragment) GetType() Type { return EvOfferingFragment }

// ListingSnapshot is a full view of an agent's slots and balance.
type ListingSnapshot struct {
	BaseEvent
	AgentID  uint64              `json:"agent_id"`
	Slots    domain.ListingSlots `json:"slots"`
	Balance  uint64              `json:"balance"`
	Location domain.Location     `json:"location"`
}

func (e ListingSnapshot) GetType() Type { return EvListingSnapshot }

// SessionClosed marks an agent's selling session as ended; all slots are cleared.
type SessionClosed struct {
	BaseEvent
	AgentID  uint64          `json:"agent_id"`
	Balance  uint64          `json:"balance"`
	Location domain.Location `json:"location"`
}

func (e SessionClosed) GetType() Type { return EvSessionClosed }
