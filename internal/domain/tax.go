package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Location is the marketplace hub an agent is registered at.
type Location int

const (
	LocationUnknown Location = iota
	LocationLimsaLominsa
	LocationGridania
	LocationUldah
	LocationIshgard
	LocationKugane
	LocationCrystarium
	LocationOldSharlayan
	LocationTuliyollal
)

var locationNames = map[Location]string{
	LocationUnknown:      "unknown",
	LocationLimsaLominsa: "limsa_lominsa",
	LocationGridania:     "gridania",
	LocationUldah:        "uldah",
	LocationIshgard:      "ishgard",
	LocationKugane:       "kugane",
	LocationCrystarium:   "crystarium",
	LocationOldSharlayan: "old_sharlayan",
	LocationTuliyollal:   "tuliyollal",
}

func (l Location) String() string {
	if name, ok := locationNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLocation maps a config name such as "uldah" onto a Location.
func ParseLocation(s string) (Location, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for loc, name := range locationNames {
		if name == s {
			return loc, nil
		}
	}
	return LocationUnknown, fmt.Errorf("unknown location %q", s)
}

var (
	DefaultReducedTaxRate  = decimal.NewFromFloat(0.03)
	DefaultStandardTaxRate = decimal.NewFromFloat(0.05)
)

// TaxTable resolves the sale tax rate from an agent's location.
type TaxTable struct {
	ReducedLocations map[Location]bool
	ReducedRate      decimal.Decimal
	StandardRate     decimal.Decimal
}

// DefaultTaxTable charges 3% at the three founding hubs and 5% elsewhere.
func DefaultTaxTable() TaxTable {
	return TaxTable{
		ReducedLocations: map[Location]bool{
			LocationLimsaLominsa: true,
			LocationGridania:     true,
			LocationUldah:        true,
		},
		ReducedRate:  DefaultReducedTaxRate,
		StandardRate: DefaultStandardTaxRate,
	}
}

// RateFor returns the tax rate applied to sales made from loc.
func (t TaxTable) RateFor(loc Location) decimal.Decimal {
	if t.ReducedLocations[loc] {
		return t.ReducedRate
	}
	return t.StandardRate
}
