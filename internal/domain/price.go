package domain

import (
	"fmt"
	"time"
)

// Source is the provenance of a price-cache entry.
type Source int

const (
	SourceLocalObservation Source = iota + 1
	SourcePushFeed
	SourcePolledFeed
	SourceManualOverride
)

// String returns the string representation of Source
func (s Source) String() string {
	switch s {
	case SourceLocalObservation:
		return "LOCAL"
	case SourcePushFeed:
		return "PUSH"
	case SourcePolledFeed:
		return "POLLED"
	case SourceManualOverride:
		return "MANUAL"
	default:
		return "UNKNOWN"
	}
}

// PriceCacheEntry is the best known competing price for one ListingKey.
// IsOwnListing means the cheapest known price belongs to a tracked agent.
type PriceCacheEntry struct {
	Key          ListingKey `json:"key"`
	Source       Source     `json:"source"`
	ObservedAt   time.Time  `json:"observed_at"`
	UnitPrice    uint32     `json:"unit_price"`
	IsOwnListing bool       `json:"is_own_listing"`
}

// Offering is a single offer returned by a market query, competing or ours.
type Offering struct {
	SellerID  uint64 `json:"seller_id"`
	UnitPrice uint32 `json:"unit_price"`
	Quantity  uint32 `json:"quantity"`
	IsHQ      bool   `json:"is_hq"`
}

// QualityFilter selects which quality variant a lookup consults.
type QualityFilter int

const (
	FilterNQ QualityFilter = iota
	FilterHQ
	FilterEither
)

func (f QualityFilter) String() string {
	switch f {
	case FilterNQ:
		return "NQ"
	case FilterHQ:
		return "HQ"
	default:
		return "EITHER"
	}
}

// UndercutMode governs which cache entry a listing is evaluated against.
type UndercutMode int

const (
	ModeAny UndercutMode = iota
	ModeMatchingQualityOnly
	ModeNQOnly
	ModeHQOnly
)

// ParseUndercutMode maps a config string onto an UndercutMode.
func ParseUndercutMode(s string) (UndercutMode, error) {
	switch s {
	case "", "any":
		return ModeAny, nil
	case "matching_quality":
		return ModeMatchingQualityOnly, nil
	case "nq_only":
		return ModeNQOnly, nil
	case "hq_only":
		return ModeHQOnly, nil
	}
	return ModeAny, fmt.Errorf("unknown undercut mode %q", s)
}

// Filter resolves the mode to a quality filter for a listing of the given quality.
func (m UndercutMode) Filter(listingHQ bool) QualityFilter {
	switch m {
	case ModeMatchingQualityOnly:
		if listingHQ {
			return FilterHQ
		}
		return FilterNQ
	case ModeNQOnly:
		return FilterNQ
	case ModeHQOnly:
		return FilterHQ
	default:
		return FilterEither
	}
}

// UndercutPolicy is the comparison policy applied by the evaluator.
type UndercutPolicy struct {
	DefaultMode   UndercutMode
	ItemModes     map[uint32]UndercutMode
	UndercutBy    uint32
	RefreshPeriod time.Duration
}

// ModeFor returns the per-item override, falling back to the default mode.
func (p UndercutPolicy) ModeFor(itemID uint32) UndercutMode {
	if m, ok := p.ItemModes[itemID]; ok {
		return m
	}
	return p.DefaultMode
}

// GroupingMode controls how a flushed batch of undercut signals is summarized.
type GroupingMode int

const (
	GroupIndividually GroupingMode = iota
	GroupAll
	GroupByItem
	GroupByAgent
)

// ParseGroupingMode maps a config string onto a GroupingMode.
func ParseGroupingMode(s string) (GroupingMode, error) {
	switch s {
	case "", "individual":
		return GroupIndividually, nil
	case "all":
		return GroupAll, nil
	case "by_item":
		return GroupByItem, nil
	case "by_agent":
		return GroupByAgent, nil
	}
	return GroupIndividually, fmt.Errorf("unknown grouping mode %q", s)
}

func (g GroupingMode) String() string {
	switch g {
	case GroupAll:
		return "all"
	case GroupByItem:
		return "by_item"
	case GroupByAgent:
		return "by_agent"
	default:
		return "individual"
	}
}
