// Package catalog answers what the storefront currently charges for a product.
// Checkout treats these prices as authoritative; the ones carried in a cart
// are advisory.
package catalog

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Pricer returns the current price of every known product among ids. Unknown
// or inactive products are absent from the result.
type Pricer interface {
	Prices(ctx context.Context, ids []string) (map[string]decimal.Decimal, error)
}

// Static is a fixed price list.
type Static map[string]decimal.Decimal

// Prices implements Pricer.
func (s Static) Prices(_ context.Context, ids []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(ids))
	for _, id := range ids {
		if price, ok := s[id]; ok {
			out[id] = price
		}
	}
	return out, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
