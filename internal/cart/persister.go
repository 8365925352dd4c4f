package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/roastery-cart/internal/obs"
	"github.com/noah-isme/roastery-cart/internal/slot"
)

const defaultPersistTimeout = 2 * time.Second

// ErrStorageUnavailable reports a slot that could not be read. The persisted
// cart may still exist, so it must not be replaced by an empty one.
var ErrStorageUnavailable = errors.New("cart: storage unavailable")

// Persister reads and writes one cart's serialised state in a slot. It is the
// only writer of that slot.
type Persister struct {
	Slot    slot.Slot
	Key     string
	Timeout time.Duration
	Logger  zerolog.Logger
}

func (p Persister) timeout() time.Duration {
	if p.Timeout <= 0 {
		return defaultPersistTimeout
	}
	return p.Timeout
}

// Load returns the persisted items. A missing slot yields an empty cart
// without error and a corrupt payload yields an empty cart with ErrCorrupt.
// A failing slot returns ErrStorageUnavailable.
func (p Persister) Load(ctx context.Context) ([]LineItem, error) {
	if p.Slot == nil {
		return nil, errors.New("cart: slot not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()
	data, err := p.Slot.Get(ctx, p.Key)
	if err != nil {
		if errors.Is(err, slot.ErrMiss) {
			observeLoad("miss")
			return nil, nil
		}
		observeLoad("error")
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	items, err := Decode(data)
	if err != nil {
		observeLoad("corrupt")
		return nil, err
	}
	observeLoad("hit")
	return items, nil
}

// Save writes the snapshot, deleting the slot once the cart is empty.
// Failures are logged and counted; the in-memory cart stays authoritative.
func (p Persister) Save(snap Snapshot) {
	if p.Slot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout())
	defer cancel()
	if snap.Empty() {
		if err := p.Slot.Delete(ctx, p.Key); err != nil {
			p.fail(snap, err)
		}
		return
	}
	data, err := Encode(snap.Items)
	if err != nil {
		p.fail(snap, err)
		return
	}
	if err := p.Slot.Set(ctx, p.Key, data); err != nil {
		p.fail(snap, err)
	}
}

// Attach loads the persisted cart into a new store and keeps the slot in step
// with every later mutation. A corrupt slot starts an empty cart. When the
// slot cannot be read no store is returned, so an unread cart is never
// overwritten.
func (p Persister) Attach(ctx context.Context) (*Store, func(), error) {
	items, err := p.Load(ctx)
	if errors.Is(err, ErrStorageUnavailable) {
		p.Logger.Error().Err(err).Str("key", p.Key).Msg("cart_load_failed")
		return nil, nil, err
	}
	if err != nil {
		p.Logger.Warn().Err(err).Str("key", p.Key).Msg("cart_load_corrupt")
	}
	store := NewStore(items)
	return store, store.Subscribe(p.Save), nil
}

func (p Persister) fail(snap Snapshot, err error) {
	if obs.CartPersistFailuresTotal != nil {
		obs.CartPersistFailuresTotal.Inc()
	}
	p.Logger.Error().Err(err).Str("key", p.Key).Uint64("version", snap.Version).Msg("cart_persist_failed")
}

func observeLoad(result string) {
	if obs.CartLoadsTotal != nil {
		obs.CartLoadsTotal.WithLabelValues(result).Inc()
	}
}
