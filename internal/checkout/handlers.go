package checkout

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/roastery-cart/internal/cart"
	"github.com/noah-isme/roastery-cart/internal/catalog"
	"github.com/noah-isme/roastery-cart/internal/common"
	"github.com/noah-isme/roastery-cart/internal/pricing"
)

type quotePayload struct {
	Shipping decimal.Decimal `json:"shipping" validate:"gte=0"`
}

type completePayload struct {
	OrderID     string  `json:"orderId" validate:"required,max=128"`
	CartVersion *uint64 `json:"cartVersion"`
}

type lineView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
	ClientPrice string `json:"clientPrice"`
	LineTotal   string `json:"lineTotal"`
}

type quoteView struct {
	Lines        []lineView        `json:"lines"`
	Pricing      map[string]string `json:"pricing"`
	Currency     string            `json:"currency"`
	ClientTotal  string            `json:"clientTotal"`
	PriceChanged bool              `json:"priceChanged"`
	CartVersion  uint64            `json:"cartVersion"`
}

func newQuoteView(q Quote) quoteView {
	lines := make([]lineView, 0, len(q.Lines))
	for _, l := range q.Lines {
		lines = append(lines, lineView{
			ID:          l.ID,
			Name:        l.Name,
			Quantity:    l.Quantity,
			UnitPrice:   pricing.Display(l.UnitPrice),
			ClientPrice: pricing.Display(l.ClientPrice),
			LineTotal:   pricing.Display(l.LineTotal),
		})
	}
	return quoteView{
		Lines: lines,
		Pricing: map[string]string{
			"subtotal": pricing.Display(q.Summary.Subtotal),
			"tax":      pricing.Display(q.Summary.Tax),
			"shipping": pricing.Display(q.Summary.Shipping),
			"total":    pricing.Display(q.Summary.Total),
		},
		Currency:     q.Currency,
		ClientTotal:  pricing.Display(q.ClientTotal),
		PriceChanged: q.PriceChanged,
		CartVersion:  q.CartVersion,
	}
}

// Handler exposes checkout over HTTP. Carts are resolved through Carts.
type Handler struct {
	Svc      *Service
	Carts    *cart.Handler
	Validate *validator.Validate
	Logger   zerolog.Logger
}

// Quote prices the session's cart for payment.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil || h.Svc.Catalog == nil || h.Carts == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "checkout not configured", nil)
		return
	}
	store, err := h.Carts.Store(r)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	var payload quotePayload
	if err := common.DecodeJSON(r, h.Validate, &payload, true); err != nil {
		common.WriteError(w, err)
		return
	}
	q, err := h.Svc.Quote(r.Context(), store.Snapshot(), payload.Shipping)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, newQuoteView(q))
}

// Complete clears the cart after the order service confirmed the order.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil || h.Carts == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "checkout not configured", nil)
		return
	}
	store, err := h.Carts.Store(r)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	var payload completePayload
	if err := common.DecodeJSON(r, h.Validate, &payload, false); err != nil {
		common.WriteError(w, err)
		return
	}
	snap, err := h.Svc.Complete(store, payload.CartVersion)
	if errors.Is(err, ErrCartChanged) {
		common.JSONError(w, http.StatusConflict, "CART_CHANGED", "cart changed since the quote", map[string]any{"version": snap.Version})
		return
	}
	h.Logger.Info().Str("order_id", payload.OrderID).Msg("checkout_completed")
	common.Data(w, http.StatusOK, cart.NewView(snap, h.Svc.Currency))
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var unavailable *UnavailableError
	switch {
	case errors.Is(err, ErrEmptyCart):
		common.JSONError(w, http.StatusUnprocessableEntity, "CART_EMPTY", "cart is empty", nil)
	case errors.As(err, &unavailable):
		common.JSONError(w, http.StatusConflict, "ITEMS_UNAVAILABLE", "some items are no longer available", map[string]any{"ids": unavailable.IDs})
	case errors.Is(err, ErrNotConfigured):
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "checkout not configured", nil)
	case errors.Is(err, catalog.ErrCircuitOpen):
		w.Header().Set("Retry-After", "30")
		common.JSONError(w, http.StatusServiceUnavailable, "CATALOG_UNAVAILABLE", "pricing temporarily unavailable", nil)
	default:
		h.Logger.Error().Err(err).Msg("checkout_quote_failed")
		common.JSONError(w, http.StatusBadGateway, "CATALOG_ERROR", "unable to price cart", nil)
	}
}
