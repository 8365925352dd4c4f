// Package pricing turns priced lines into checkout totals and renders money.
package pricing

import "github.com/shopspring/decimal"

var bpsDivisor = decimal.NewFromInt(10000)

// Item describes a line used for pricing calculation.
type Item struct {
	Qty       int
	UnitPrice decimal.Decimal
}

// Summary aggregates computed pricing components.
type Summary struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// Compute sums the lines and applies taxBps basis points of tax, rounded to
// cents. Lines with a non-positive quantity are ignored.
func Compute(items []Item, taxBps int, shipping decimal.Decimal) Summary {
	subtotal := decimal.Zero
	for _, it := range items {
		if it.Qty <= 0 {
			continue
		}
		subtotal = subtotal.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Qty))))
	}
	if taxBps < 0 {
		taxBps = 0
	}
	if shipping.IsNegative() {
		shipping = decimal.Zero
	}
	tax := subtotal.Mul(decimal.NewFromInt(int64(taxBps))).Div(bpsDivisor).Round(2)
	return Summary{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Total:    subtotal.Add(tax).Add(shipping),
	}
}

// Display renders an amount with exactly two decimal places.
func Display(d decimal.Decimal) string {
	return d.StringFixed(2)
}
