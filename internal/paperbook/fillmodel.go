package paperbook

import "github.com/shopspring/decimal"

// FillRateModel computes how much of a requested quantity actually
// fills. Implementations must be deterministic given their
// configuration (spec §4.4 step 2).
type FillRateModel interface {
	Fill(requestedQty decimal.Decimal) decimal.Decimal
}

// FullFill always fills the entire requested quantity.
type FullFill struct{}

// Fill implements FillRateModel.
func (FullFill) Fill(requestedQty decimal.Decimal) decimal.Decimal { return requestedQty }

// FixedRatePartialFill fills a deterministic fraction of every order,
// e.g. Rate=0.5 always fills half the requested quantity.
type FixedRatePartialFill struct {
	Rate decimal.Decimal
}

// Fill implements FillRateModel.
func (f FixedRatePartialFill) Fill(requestedQty decimal.Decimal) decimal.Decimal {
	rate := f.Rate
	if rate.LessThanOrEqual(decimal.Zero) {
		rate = decimal.NewFromInt(1)
	}
	if rate.GreaterThan(decimal.NewFromInt(1)) {
		rate = decimal.NewFromInt(1)
	}
	return requestedQty.Mul(rate).Round(4)
}
