package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultMinorUnits is the number of decimal places of the default currency (cents).
const DefaultMinorUnits int32 = 2

// Currency describes the money all amounts of a deployment are expressed in.
type Currency struct {
	Code       string `json:"code"`
	MinorUnits int32  `json:"minor_units"`
}

// DefaultCurrency is used when no currency is configured.
var DefaultCurrency = Currency{Code: "USD", MinorUnits: DefaultMinorUnits}

// ValidAmount returns true if amount is positive and has no digits below the
// currency's minor unit.
func (c Currency) ValidAmount(amount decimal.Decimal) bool {
	if !amount.IsPositive() {
		return false
	}
	return amount.Round(c.MinorUnits).Equal(amount)
}

// ValidateItem checks the pricing invariants of a SessionItem.
func (c Currency) ValidateItem(item SessionItem) error {
	if item.SessionID == "" || item.ItemID == "" {
		return fmt.Errorf("%w: session id and item id are required", ErrInvalidItem)
	}
	if !c.ValidAmount(item.StartingPrice) {
		return fmt.Errorf("%w: starting price %s must be positive and exact to %d decimals", ErrInvalidItem, item.StartingPrice, c.MinorUnits)
	}
	if !c.ValidAmount(item.StepPrice) {
		return fmt.Errorf("%w: step price %s must be positive and exact to %d decimals", ErrInvalidItem, item.StepPrice, c.MinorUnits)
	}
	if !item.ReservePrice.IsZero() && !c.ValidAmount(item.ReservePrice) {
		return fmt.Errorf("%w: reserve price %s must be positive and exact to %d decimals", ErrInvalidItem, item.ReservePrice, c.MinorUnits)
	}
	return nil
}

// MinimumNextBid returns the smallest amount the next bid on item must reach.
// Without an admitted bid the current highest defaults to the starting price.
func MinimumNextBid(item SessionItem, highest *Bid) decimal.Decimal {
	current := item.StartingPrice
	if highest != nil {
		current = highest.Amount
	}
	return current.Add(item.StepPrice)
}

// BidMeetsMinimum returns true if amount meets or exceeds minimum.
// Uses decimal arithmetic so no floating-point rounding is involved.
func BidMeetsMinimum(amount, minimum decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(minimum)
}
