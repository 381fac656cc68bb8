package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTaxTable_RateFor(t *testing.T) {
	table := DefaultTaxTable()

	tests := []struct {
		loc  Location
		want string
	}{
		{LocationLimsaLominsa, "0.03"},
		{LocationGridania, "0.03"},
		{LocationUldah, "0.03"},
		{LocationKugane, "0.05"},
		{LocationUnknown, "0.05"},
	}

	for _, tt := range tests {
		t.Run(tt.loc.String(), func(t *testing.T) {
			got := table.RateFor(tt.loc)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("RateFor(%s) = %s, want %s", tt.loc, got, tt.want)
			}
		})
	}
}

func TestParseLocation(t *testing.T) {
	loc, err := ParseLocation(" Old_Sharlayan ")
	if err != nil || loc != LocationOldSharlayan {
		t.Errorf("Expected old_sharlayan, got %v (%v)", loc, err)
	}
	if _, err := ParseLocation("atlantis"); err == nil {
		t.Error("Expected error for unknown location")
	}
}

func TestExpectedProceedsAfterTax(t *testing.T) {
	l := Listing{ItemID: 1, Quantity: 5, UnitPrice: 1000}

	if got := ExpectedProceedsAfterTax(l, decimal.NewFromFloat(0.05)); got != 4750 {
		t.Errorf("Expected 4750, got %d", got)
	}
	// 3% of 33 is 0.99, floored to no tax
	small := Listing{ItemID: 1, Quantity: 1, UnitPrice: 33}
	if got := ExpectedProceedsAfterTax(small, decimal.NewFromFloat(0.03)); got != 33 {
		t.Errorf("Expected 33, got %d", got)
	}
}
