package slot

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/roastery-cart/internal/obs"
)

const defaultPurgeInterval = 10 * time.Minute

// Expirer removes expired payloads.
type Expirer interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Guard runs fn only when no other instance holds key.
type Guard interface {
	TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error)
}

// Purger periodically removes expired slots. With a Guard configured, only one
// instance purges per tick.
type Purger struct {
	Slot     Expirer
	Guard    Guard
	LockKey  string
	Interval time.Duration
	Logger   zerolog.Logger
}

func (p Purger) interval() time.Duration {
	if p.Interval <= 0 {
		return defaultPurgeInterval
	}
	return p.Interval
}

// Run purges once immediately and then on every tick until ctx is done.
func (p Purger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()
	for {
		if _, err := p.Once(ctx); err != nil && ctx.Err() == nil {
			p.Logger.Error().Err(err).Msg("slot_purge_failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Once performs a single purge and returns how many slots were removed.
func (p Purger) Once(ctx context.Context) (int64, error) {
	var purged int64
	run := func(ctx context.Context) error {
		n, err := p.Slot.PurgeExpired(ctx)
		if err != nil {
			return err
		}
		purged = n
		return nil
	}
	if p.Guard == nil {
		if err := run(ctx); err != nil {
			return 0, err
		}
	} else {
		key := p.LockKey
		if key == "" {
			key = "lock:cart-slot-purge"
		}
		ran, err := p.Guard.TryWithLock(ctx, key, p.interval(), run)
		if err != nil {
			return 0, err
		}
		if !ran {
			p.Logger.Debug().Str("lock", key).Msg("slot_purge_skipped")
			return 0, nil
		}
	}
	if purged > 0 {
		if obs.SlotPurgedTotal != nil {
			obs.SlotPurgedTotal.Add(float64(purged))
		}
		p.Logger.Info().Int64("purged", purged).Msg("slot_purge")
	}
	return purged, nil
}
