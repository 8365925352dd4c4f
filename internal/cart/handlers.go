package cart

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/roastery-cart/internal/common"
	"github.com/noah-isme/roastery-cart/internal/pricing"
	"github.com/noah-isme/roastery-cart/internal/session"
)

const defaultHeartbeat = 25 * time.Second

// ItemView is the JSON shape of a line item.
type ItemView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Price     string  `json:"price"`
	Quantity  int     `json:"quantity"`
	Image     *string `json:"image"`
	Slug      *string `json:"slug"`
	LineTotal string  `json:"lineTotal"`
}

// View is the JSON shape of a cart snapshot. Money is rendered with two
// decimals.
type View struct {
	Items     []ItemView `json:"items"`
	ItemCount int        `json:"itemCount"`
	Total     string     `json:"total"`
	Currency  string     `json:"currency"`
	Version   uint64     `json:"version"`
}

// NewView renders snap for display.
func NewView(snap Snapshot, currency string) View {
	items := make([]ItemView, 0, len(snap.Items))
	for _, it := range snap.Items {
		items = append(items, ItemView{
			ID:        it.ID,
			Name:      it.Name,
			Price:     pricing.Display(it.Price),
			Quantity:  it.Quantity,
			Image:     it.Image,
			Slug:      it.Slug,
			LineTotal: pricing.Display(it.LineTotal()),
		})
	}
	return View{
		Items:     items,
		ItemCount: snap.ItemCount,
		Total:     pricing.Display(snap.Total),
		Currency:  currency,
		Version:   snap.Version,
	}
}

type addItemPayload struct {
	ID       string          `json:"id" validate:"required,max=128"`
	Name     string          `json:"name" validate:"max=256"`
	Price    decimal.Decimal `json:"price" validate:"gte=0"`
	Quantity int             `json:"quantity" validate:"lte=999"`
	Image    *string         `json:"image"`
	Slug     *string         `json:"slug"`
}

type updateItemPayload struct {
	Quantity *int `json:"quantity" validate:"required,lte=999"`
}

// Handler exposes the session's cart over HTTP.
type Handler struct {
	Registry  *Registry
	Validate  *validator.Validate
	Currency  string
	Heartbeat time.Duration
	Logger    zerolog.Logger
}

// Get returns the cart view.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	h.render(w, http.StatusOK, store.Snapshot())
}

// AddItem adds a product or increases its quantity.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	var payload addItemPayload
	if err := common.DecodeJSON(r, h.Validate, &payload, false); err != nil {
		common.WriteError(w, err)
		return
	}
	store.AddItem(ItemInput{
		ID:    payload.ID,
		Name:  payload.Name,
		Price: payload.Price,
		Image: payload.Image,
		Slug:  payload.Slug,
	}, payload.Quantity)
	h.render(w, http.StatusOK, store.Snapshot())
}

// UpdateItem sets the quantity of a line. Zero or less removes it.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	var payload updateItemPayload
	if err := common.DecodeJSON(r, h.Validate, &payload, false); err != nil {
		common.WriteError(w, err)
		return
	}
	store.UpdateQuantity(chi.URLParam(r, "id"), *payload.Quantity)
	h.render(w, http.StatusOK, store.Snapshot())
}

// RemoveItem deletes a line.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	store.RemoveItem(chi.URLParam(r, "id"))
	h.render(w, http.StatusOK, store.Snapshot())
}

// Clear empties the cart.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	store.Clear()
	h.render(w, http.StatusOK, store.Snapshot())
}

// Events streams a server-sent "cart" event carrying the view after every
// change, starting with the current state.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	rc := http.NewResponseController(w)
	// long-lived stream, lift the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.Logger.Warn().Err(err).Msg("cart_events_flush_unsupported")
		return
	}

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	updates := store.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(NewView(snap, h.Currency))
			if err != nil {
				h.Logger.Error().Err(err).Msg("cart_event_encode_failed")
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: cart\ndata: %s\n\n", snap.Version, data); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// Store resolves the cart of the request's session.
func (h *Handler) Store(r *http.Request) (*Store, error) {
	if h.Registry == nil {
		return nil, common.NewAppError("INTERNAL", "cart registry not configured", http.StatusInternalServerError, nil)
	}
	id, _ := session.ID(r.Context())
	store, err := h.Registry.Open(r.Context(), id)
	switch {
	case errors.Is(err, ErrNoSession):
		return nil, common.NewAppError("SESSION_REQUIRED", "cart session required", http.StatusBadRequest, err)
	case errors.Is(err, ErrStorageUnavailable):
		return nil, common.NewAppError("CART_UNAVAILABLE", "cart temporarily unavailable", http.StatusServiceUnavailable, err)
	}
	return store, err
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) (*Store, bool) {
	store, err := h.Store(r)
	if err != nil {
		common.WriteError(w, err)
		return nil, false
	}
	return store, true
}

func (h *Handler) render(w http.ResponseWriter, status int, snap Snapshot) {
	common.Data(w, status, NewView(snap, h.Currency))
}
