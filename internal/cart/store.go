package cart

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/roastery-cart/internal/obs"
)

// Store owns the line items of a single cart and derives its totals.
//
// Mutations are applied one at a time against the latest state, so two calls
// racing from different goroutines never overwrite each other. Item count and
// total are recomputed from the items on every read and cannot drift.
//
// Subscribers run synchronously, in mutation order, while the store is locked.
// A subscriber receives the post-mutation snapshot and must not call back into
// the store.
type Store struct {
	mu      sync.Mutex
	items   []LineItem
	version uint64
	subs    []subscriber
	nextSub uint64
}

type subscriber struct {
	id uint64
	fn func(Snapshot)
}

// NewStore returns a store seeded with items. Invalid or duplicate entries are
// normalised away.
func NewStore(items []LineItem) *Store {
	return &Store{items: normalize(items)}
}

// AddItem inserts the item or, when its id is already present, increases the
// quantity of the existing line. A non-positive qty counts as one and line
// quantities saturate at MaxQuantity. Inputs without an id are ignored.
func (s *Store) AddItem(in ItemInput, qty int) {
	if qty <= 0 {
		qty = 1
	}
	qty = clampQuantity(qty)
	line := in.lineItem(qty)
	if line.ID == "" {
		return
	}
	s.apply("add", func(items []LineItem) ([]LineItem, bool) {
		for i := range items {
			if items[i].ID == line.ID {
				next := addQuantity(items[i].Quantity, qty)
				if next == items[i].Quantity {
					return items, false
				}
				items[i].Quantity = next
				return items, true
			}
		}
		return append(items, line), true
	})
}

// RemoveItem deletes the line with the given id if present.
func (s *Store) RemoveItem(id string) {
	id = normalizeID(id)
	s.apply("remove", func(items []LineItem) ([]LineItem, bool) {
		for i := range items {
			if items[i].ID == id {
				return append(items[:i:i], items[i+1:]...), true
			}
		}
		return items, false
	})
}

// UpdateQuantity sets the quantity of an existing line. A quantity of zero or
// less removes the line; unknown ids are ignored.
func (s *Store) UpdateQuantity(id string, qty int) {
	if qty <= 0 {
		s.RemoveItem(id)
		return
	}
	qty = clampQuantity(qty)
	id = normalizeID(id)
	s.apply("update", func(items []LineItem) ([]LineItem, bool) {
		for i := range items {
			if items[i].ID == id {
				if items[i].Quantity == qty {
					return items, false
				}
				items[i].Quantity = qty
				return items, true
			}
		}
		return items, false
	})
}

// Clear empties the cart.
func (s *Store) Clear() {
	s.apply("clear", func(items []LineItem) ([]LineItem, bool) {
		if len(items) == 0 {
			return items, false
		}
		return nil, true
	})
}

// ClearIfVersion empties the cart only while it is still at version. It
// reports whether the cart was cleared and returns the resulting state.
func (s *Store) ClearIfVersion(version uint64) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != version {
		return snapshotOf(s.items, s.version), false
	}
	s.applyLocked("clear", func(items []LineItem) ([]LineItem, bool) {
		if len(items) == 0 {
			return items, false
		}
		return nil, true
	})
	return snapshotOf(s.items, s.version), true
}

// Snapshot returns the items and derived totals as one consistent read.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshotOf(s.items, s.version)
}

// Items returns a copy of the line items in insertion order.
func (s *Store) Items() []LineItem {
	return s.Snapshot().Items
}

// ItemCount returns the sum of quantities.
func (s *Store) ItemCount() int {
	return s.Snapshot().ItemCount
}

// Total returns the unrounded sum of price times quantity.
func (s *Store) Total() decimal.Decimal {
	return s.Snapshot().Total
}

// Subscribe registers fn to receive a snapshot after every applied mutation.
// The returned function removes the subscription.
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.subscribeLocked(fn)
	s.mu.Unlock()
	return func() { s.unsubscribe(id) }
}

// Watch streams snapshots until ctx is done, starting with the current state.
// A slow reader only ever sees the most recent snapshot; intermediate ones are
// dropped. The channel is closed once ctx is done.
func (s *Store) Watch(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	id := s.subscribeLocked(func(snap Snapshot) { offerLatest(ch, snap) })
	ch <- snapshotOf(s.items, s.version)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.unsubscribe(id)
		close(ch)
	}()
	return ch
}

func (s *Store) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) subscribeLocked(fn func(Snapshot)) uint64 {
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: s.nextSub, fn: fn})
	return s.nextSub
}

func (s *Store) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.subs {
		if s.subs[i].id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Store) apply(op string, mutate func([]LineItem) ([]LineItem, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(op, mutate)
}

func (s *Store) applyLocked(op string, mutate func([]LineItem) ([]LineItem, bool)) {
	items, changed := mutate(s.items)
	if !changed {
		return
	}
	s.items = items
	s.version++
	if obs.CartMutationsTotal != nil {
		obs.CartMutationsTotal.WithLabelValues(op).Inc()
	}
	if len(s.subs) == 0 {
		return
	}
	snap := snapshotOf(s.items, s.version)
	for _, sub := range s.subs {
		sub.fn(snap)
	}
}

// offerLatest replaces any pending value so the reader sees the newest snapshot.
// Sends are serialised by the store lock.
func offerLatest(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
