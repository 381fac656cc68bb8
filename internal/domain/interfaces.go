package domain

import "context"

// FeedWorker defines the interface for long-running market feed connectors
type FeedWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// QualityCatalog tells whether an item exists in a high-quality variant.
type QualityCatalog interface {
	CanBeHQ(itemID uint32) bool
}

// MenuOrderProvider reports the in-game display order of an agent's slot.
type MenuOrderProvider interface {
	MenuOrder(agentID uint64, slotIndex int) (uint32, bool)
}

// ListingIndex exposes the tracked listings to components that need to
// react to price changes or fall back on our own prices.
type ListingIndex interface {
	ListingsFor(key ListingKey) []Listing
	CheapestOwn(key ListingKey) (Listing, bool)
	IsTracked(agentID uint64) bool
}

// PolicySource returns the undercut comparison policy currently in force.
type PolicySource interface {
	UndercutPolicy() UndercutPolicy
}
