package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SlotCount is the fixed marketplace capacity of a single agent.
const SlotCount = 20

// ListingKey identifies one price-cache row: a market, an item and its quality.
type ListingKey struct {
	MarketID int    `json:"market_id"`
	ItemID   uint32 `json:"item_id"`
	IsHQ     bool   `json:"is_hq"`
}

// WithQuality returns a copy of the key pointing at the requested quality.
func (k ListingKey) WithQuality(hq bool) ListingKey {
	k.IsHQ = hq
	return k
}

// ItemRef names an item on a market without picking a quality.
type ItemRef struct {
	MarketID int    `json:"market_id"`
	ItemID   uint32 `json:"item_id"`
}

// Key returns the NQ or HQ key for the item.
func (r ItemRef) Key(hq bool) ListingKey {
	return ListingKey{MarketID: r.MarketID, ItemID: r.ItemID, IsHQ: hq}
}

// Listing is one active for-sale offer occupying a slot of an agent.
type Listing struct {
	AgentID   uint64    `json:"agent_id"`
	MarketID  int       `json:"market_id"`
	ItemID    uint32    `json:"item_id"`
	IsHQ      bool      `json:"is_hq"`
	Quantity  uint32    `json:"quantity"`
	UnitPrice uint32    `json:"unit_price"`
	ListedAt  time.Time `json:"listed_at"`
	UpdatedAt time.Time `json:"updated_at"`
	SlotIndex int       `json:"slot_index"`
	MenuOrder uint32    `json:"menu_order"`
}

// IsEmpty reports whether the slot holds no item.
func (l Listing) IsEmpty() bool {
	return l.ItemID == 0
}

// Total returns quantity * unit price.
func (l Listing) Total() uint64 {
	return uint64(l.Quantity) * uint64(l.UnitPrice)
}

// Key returns the price-cache key the listing is compared against.
func (l Listing) Key() ListingKey {
	return ListingKey{MarketID: l.MarketID, ItemID: l.ItemID, IsHQ: l.IsHQ}
}

// Item returns the quality-independent item reference.
func (l Listing) Item() ItemRef {
	return ItemRef{MarketID: l.MarketID, ItemID: l.ItemID}
}

// SameItem reports whether both listings describe the same item and quality.
func (l Listing) SameItem(o Listing) bool {
	return l.ItemID == o.ItemID && l.IsHQ == o.IsHQ
}

// SameOffer reports equality of item, quality, quantity and price.
func (l Listing) SameOffer(o Listing) bool {
	return l.SameItem(o) && l.Quantity == o.Quantity && l.UnitPrice == o.UnitPrice
}

// ListingSlots is the full slot array of one agent.
type ListingSlots [SlotCount]Listing

// Occupied returns the non-empty listings in slot order.
func (s *ListingSlots) Occupied() []Listing {
	out := make([]Listing, 0, SlotCount)
	for _, l := range s {
		if !l.IsEmpty() {
			out = append(out, l)
		}
	}
	return out
}

// SoldRecord is an inferred sale appended to an agent's history.
type SoldRecord struct {
	ID        string          `gorm:"primaryKey" json:"id"`
	AgentID   uint64          `gorm:"index" json:"agent_id"`
	MarketID  int             `json:"market_id"`
	ItemID    uint32          `gorm:"index" json:"item_id"`
	IsHQ      bool            `json:"is_hq"`
	Quantity  uint32          `json:"quantity"`
	UnitPrice uint32          `json:"unit_price"`
	TaxRate   decimal.Decimal `gorm:"type:text" json:"tax_rate"`
	SoldAt    time.Time       `gorm:"index" json:"sold_at"`
}

// Total returns quantity * unit price.
func (r SoldRecord) Total() uint64 {
	return uint64(r.Quantity) * uint64(r.UnitPrice)
}

// TotalAfterTax returns the proceeds the agent actually receives.
func (r SoldRecord) TotalAfterTax() uint64 {
	return afterTax(r.Quantity, r.UnitPrice, r.TaxRate)
}

// ExpectedProceedsAfterTax is what a sale of l at the given rate credits to the agent.
func ExpectedProceedsAfterTax(l Listing, taxRate decimal.Decimal) uint64 {
	return afterTax(l.Quantity, l.UnitPrice, taxRate)
}

func afterTax(qty, unitPrice uint32, taxRate decimal.Decimal) uint64 {
	total := uint64(qty) * uint64(unitPrice)
	tax := decimal.NewFromInt(int64(total)).Mul(taxRate).Floor().IntPart()
	if tax <= 0 {
		return total
	}
	if uint64(tax) > total {
		return 0
	}
	return total - uint64(tax)
}
