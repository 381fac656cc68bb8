package domain

import (
	"time"
)

// PriceCacheRecord is the persisted row of a PriceCacheEntry
type PriceCacheRecord struct {
	MarketID     int       `gorm:"primaryKey;autoIncrement:false" json:"market_id"`
	ItemID       uint32    `gorm:"primaryKey;autoIncrement:false" json:"item_id"`
	IsHQ         bool      `gorm:"primaryKey" json:"is_hq"`
	Source       Source    `json:"source"`
	ObservedAt   time.Time `json:"observed_at"`
	UnitPrice    uint32    `json:"unit_price"`
	IsOwnListing bool      `json:"is_own_listing"`
}

// NewPriceCacheRecord flattens an entry into its persisted form.
func NewPriceCacheRecord(e PriceCacheEntry) PriceCacheRecord {
	return PriceCacheRecord{
		MarketID:     e.Key.MarketID,
		ItemID:       e.Key.ItemID,
		IsHQ:         e.Key.IsHQ,
		Source:       e.Source,
		ObservedAt:   e.ObservedAt,
		UnitPrice:    e.UnitPrice,
		IsOwnListing: e.IsOwnListing,
	}
}

// Entry restores the in-memory entry.
func (r PriceCacheRecord) Entry() PriceCacheEntry {
	return PriceCacheEntry{
		Key:          ListingKey{MarketID: r.MarketID, ItemID: r.ItemID, IsHQ: r.IsHQ},
		Source:       r.Source,
		ObservedAt:   r.ObservedAt,
		UnitPrice:    r.UnitPrice,
		IsOwnListing: r.IsOwnListing,
	}
}

// AgentRecord holds the per-agent state the reconciler needs across restarts
type AgentRecord struct {
	AgentID      uint64    `gorm:"primaryKey;autoIncrement:false" json:"agent_id"`
	Location     Location  `json:"location"`
	Balance      uint64    `json:"balance"`
	BalanceKnown bool      `json:"balance_known"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

// ListingRecord is one occupied slot of an agent
type ListingRecord struct {
	AgentID   uint64    `gorm:"primaryKey;autoIncrement:false" json:"agent_id"`
	SlotIndex int       `gorm:"primaryKey;autoIncrement:false" json:"slot_index"`
	MarketID  int       `json:"market_id"`
	ItemID    uint32    `gorm:"index" json:"item_id"`
	IsHQ      bool      `json:"is_hq"`
	Quantity  uint32    `json:"quantity"`
	UnitPrice uint32    `json:"unit_price"`
	ListedAt  time.Time `json:"listed_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
	MenuOrder uint32    `json:"menu_order"`
}

// NewListingRecord flattens a listing into its persisted form.
func NewListingRecord(l Listing) ListingRecord {
	return ListingRecord{
		AgentID:   l.AgentID,
		SlotIndex: l.SlotIndex,
		MarketID:  l.MarketID,
		ItemID:    l.ItemID,
		IsHQ:      l.IsHQ,
		Quantity:  l.Quantity,
		UnitPrice: l.UnitPrice,
		ListedAt:  l.ListedAt,
		UpdatedAt: l.UpdatedAt,
		MenuOrder: l.MenuOrder,
	}
}

// Listing restores the in-memory listing.
func (r ListingRecord) Listing() Listing {
	return Listing{
		AgentID:   r.AgentID,
		MarketID:  r.MarketID,
		ItemID:    r.ItemID,
		IsHQ:      r.IsHQ,
		Quantity:  r.Quantity,
		UnitPrice: r.UnitPrice,
		ListedAt:  r.ListedAt,
		UpdatedAt: r.UpdatedAt,
		SlotIndex: r.SlotIndex,
		MenuOrder: r.MenuOrder,
	}
}
