package cart

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/roastery-cart/internal/obs"
	"github.com/noah-isme/roastery-cart/internal/slot"
)

// DefaultStorageKey is the application-wide key carts are persisted under.
const DefaultStorageKey = "cart"

// ErrNoSession is returned when a cart is requested without a session id.
var ErrNoSession = errors.New("cart: session id required")

// Registry holds the live store of every active cart session.
type Registry struct {
	Slot           slot.Slot
	StorageKey     string
	PersistTimeout time.Duration
	Logger         zerolog.Logger
	Now            func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	store    *Store
	detach   func()
	lastSeen time.Time
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Key returns the slot key for a session.
func (r *Registry) Key(sessionID string) string {
	prefix := strings.TrimSpace(r.StorageKey)
	if prefix == "" {
		prefix = DefaultStorageKey
	}
	return prefix + ":" + sessionID
}

// Open returns the store for sessionID, hydrating it from the slot on first
// use. If the slot cannot be read nothing is cached and the error wraps
// ErrStorageUnavailable; the next Open retries.
func (r *Registry) Open(ctx context.Context, sessionID string) (*Store, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrNoSession
	}
	if store, ok := r.lookup(sessionID); ok {
		return store, nil
	}

	persister := Persister{
		Slot:    r.Slot,
		Key:     r.Key(sessionID),
		Timeout: r.PersistTimeout,
		Logger:  r.Logger.With().Str("session_id", sessionID).Logger(),
	}
	store, detach, err := persister.Attach(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = map[string]*entry{}
	}
	if existing, ok := r.entries[sessionID]; ok {
		detach()
		existing.lastSeen = r.now()
		return existing.store, nil
	}
	r.entries[sessionID] = &entry{store: store, detach: detach, lastSeen: r.now()}
	r.reportActiveLocked()
	return store, nil
}

// Sweep drops carts untouched for longer than idle from memory. Carts with
// live watchers are kept. Persisted copies are never touched. It returns the
// number of carts dropped.
//
// Store locks are only taken with the registry unlocked, so a slow slot write
// in one cart never blocks Open for other sessions.
func (r *Registry) Sweep(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	candidates := make(map[string]*entry)
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			candidates[id] = e
		}
	}
	r.mu.Unlock()

	for id, e := range candidates {
		if e.store.subscriberCount() > 1 {
			delete(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return 0
	}

	var evicted []*entry
	r.mu.Lock()
	for id, e := range candidates {
		// skip carts reopened while unlocked
		if r.entries[id] == e && e.lastSeen.Before(cutoff) {
			delete(r.entries, id)
			evicted = append(evicted, e)
		}
	}
	if len(evicted) > 0 {
		r.reportActiveLocked()
	}
	r.mu.Unlock()

	for _, e := range evicted {
		e.detach()
	}
	return len(evicted)
}

// Len returns the number of carts held in memory.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) lookup(sessionID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	e.lastSeen = r.now()
	return e.store, true
}

func (r *Registry) reportActiveLocked() {
	if obs.CartActiveSessions != nil {
		obs.CartActiveSessions.Set(float64(len(r.entries)))
	}
}
