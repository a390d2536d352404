// Package tradingutils holds the integer money math shared by the ledger and
// the read-side valuation helpers. Money never leaves int64 minor units;
// decimal is used only for rates and ratios.
package tradingutils

import (
	"github.com/shopspring/decimal"
)

// OrderAmount is the total cash value of an order leg.
func OrderAmount(price, qty int64) int64 {
	return price * qty
}

// WeightedAvgCost recomputes the average cost after a buy fill of (qty,
// price) on a prior position of (oldQty, oldAvg). Integer division
// truncates, matching the ledger's storage format.
func WeightedAvgCost(oldQty, oldAvg, qty, price int64) int64 {
	newQty := oldQty + qty
	if newQty <= 0 {
		return 0
	}
	return (oldQty*oldAvg + qty*price) / newQty
}

// UnrealizedPnL is the gain on a position marked at the current price.
func UnrealizedPnL(qty, avgCost, currentPrice int64) int64 {
	return (currentPrice - avgCost) * qty
}

// ReturnRate is the fractional gain over cost basis: (current − avg) / avg.
// Zero when there is no cost basis.
func ReturnRate(avgCost, currentPrice int64) decimal.Decimal {
	if avgCost == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(currentPrice - avgCost).
		Div(decimal.NewFromInt(avgCost))
}

// ChangeRate is the fractional move from a reference price, used for quote
// change fields: (price − ref) / ref. Zero when the reference is missing.
func ChangeRate(refPrice, price int64) decimal.Decimal {
	if refPrice == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(price - refPrice).
		Div(decimal.NewFromInt(refPrice))
}
