// Package checkout converts a cart into a priced checkout request. Cart prices
// are advisory, so every line is re-priced against the catalog.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/roastery-cart/internal/cart"
	"github.com/noah-isme/roastery-cart/internal/catalog"
	"github.com/noah-isme/roastery-cart/internal/obs"
	"github.com/noah-isme/roastery-cart/internal/pricing"
)

var (
	// ErrEmptyCart is returned when checkout is attempted with no items.
	ErrEmptyCart = errors.New("checkout: cart is empty")
	// ErrUnavailable is returned when the catalog no longer sells an item.
	ErrUnavailable = errors.New("checkout: items unavailable")
	// ErrCartChanged is returned when the cart moved past the quoted version.
	ErrCartChanged = errors.New("checkout: cart changed since quote")
	// ErrNotConfigured is returned when no catalog is wired.
	ErrNotConfigured = errors.New("checkout: catalog not configured")
)

// UnavailableError lists the cart items the catalog does not price.
type UnavailableError struct {
	IDs []string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnavailable, strings.Join(e.IDs, ", "))
}

func (e *UnavailableError) Unwrap() error { return ErrUnavailable }

// Line is one cart row priced by the catalog.
type Line struct {
	ID          string
	Name        string
	Quantity    int
	UnitPrice   decimal.Decimal
	ClientPrice decimal.Decimal
	LineTotal   decimal.Decimal
}

// Quote is the request handed to the payment service.
type Quote struct {
	Lines        []Line
	Summary      pricing.Summary
	Currency     string
	ClientTotal  decimal.Decimal
	PriceChanged bool
	CartVersion  uint64
}

// Service prices carts for checkout.
type Service struct {
	Catalog  catalog.Pricer
	TaxBps   int
	Currency string
}

// Quote re-prices snap against the catalog.
func (s *Service) Quote(ctx context.Context, snap cart.Snapshot, shipping decimal.Decimal) (Quote, error) {
	q, err := s.quote(ctx, snap, shipping)
	observeQuote(err)
	return q, err
}

func (s *Service) quote(ctx context.Context, snap cart.Snapshot, shipping decimal.Decimal) (Quote, error) {
	if s == nil || s.Catalog == nil {
		return Quote{}, ErrNotConfigured
	}
	if snap.Empty() {
		return Quote{}, ErrEmptyCart
	}
	ids := make([]string, 0, len(snap.Items))
	for _, it := range snap.Items {
		ids = append(ids, it.ID)
	}
	prices, err := s.Catalog.Prices(ctx, ids)
	if err != nil {
		return Quote{}, fmt.Errorf("checkout: price lookup: %w", err)
	}

	q := Quote{
		Lines:       make([]Line, 0, len(snap.Items)),
		Currency:    s.Currency,
		ClientTotal: snap.Total,
		CartVersion: snap.Version,
	}
	var missing []string
	items := make([]pricing.Item, 0, len(snap.Items))
	for _, it := range snap.Items {
		price, ok := prices[it.ID]
		if !ok {
			missing = append(missing, it.ID)
			continue
		}
		if !price.Equal(it.Price) {
			q.PriceChanged = true
		}
		q.Lines = append(q.Lines, Line{
			ID:          it.ID,
			Name:        it.Name,
			Quantity:    it.Quantity,
			UnitPrice:   price,
			ClientPrice: it.Price,
			LineTotal:   price.Mul(decimal.NewFromInt(int64(it.Quantity))),
		})
		items = append(items, pricing.Item{Qty: it.Quantity, UnitPrice: price})
	}
	if len(missing) > 0 {
		return Quote{}, &UnavailableError{IDs: missing}
	}
	q.Summary = pricing.Compute(items, s.TaxBps, shipping)
	return q, nil
}

// Complete empties the cart once the order service has confirmed the order.
// With an expected version the cart is cleared only if nothing changed since
// the quote; otherwise ErrCartChanged is returned with the current state.
func (s *Service) Complete(store *cart.Store, expected *uint64) (cart.Snapshot, error) {
	if expected == nil {
		store.Clear()
		return store.Snapshot(), nil
	}
	snap, cleared := store.ClearIfVersion(*expected)
	if !cleared {
		return snap, ErrCartChanged
	}
	return snap, nil
}

func observeQuote(err error) {
	if obs.CheckoutQuotesTotal == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrEmptyCart):
		result = "empty"
	case errors.Is(err, ErrUnavailable):
		result = "unavailable"
	case errors.Is(err, catalog.ErrCircuitOpen):
		result = "circuit_open"
	default:
		result = "error"
	}
	obs.CheckoutQuotesTotal.WithLabelValues(result).Inc()
}
