package catalog

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/roastery-cart/internal/obs"
)

// ErrCircuitOpen is returned while the breaker is refusing catalog lookups.
var ErrCircuitOpen = errors.New("catalog: circuit breaker open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a failure-ratio circuit breaker. Once MinRequests outcomes are
// observed and the failure share reaches FailureRatio it opens for OpenFor,
// then lets one trial request through.
type Breaker struct {
	MinRequests  int
	FailureRatio float64
	OpenFor      time.Duration
	Target       string
	Logger       zerolog.Logger
	Now          func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

func (b *Breaker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Breaker) minRequests() int {
	if b.MinRequests <= 0 {
		return 5
	}
	return b.MinRequests
}

func (b *Breaker) failureRatio() float64 {
	switch {
	case b.FailureRatio <= 0:
		return 0.5
	case b.FailureRatio > 1:
		return 1
	default:
		return b.FailureRatio
	}
}

func (b *Breaker) openFor() time.Duration {
	if b.OpenFor <= 0 {
		return 30 * time.Second
	}
	return b.OpenFor
}

func (b *Breaker) target() string {
	if t := strings.TrimSpace(b.Target); t != "" {
		return t
	}
	return "catalog"
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. While half-open only a single
// trial request is admitted at a time.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.openFor() {
			return false
		}
		b.transitionLocked(ctx, HalfOpen)
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Report records the outcome of an admitted call.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probing = false
		if success {
			b.transitionLocked(ctx, Closed)
		} else {
			b.transitionLocked(ctx, Open)
		}
		return
	}

	if success {
		b.successes++
	} else {
		b.failures++
	}
	total := b.failures + b.successes
	if total < b.minRequests() {
		return
	}
	if float64(b.failures)/float64(total) >= b.failureRatio() {
		b.transitionLocked(ctx, Open)
	} else if total > b.minRequests()*2 {
		// decay so old outcomes stop dominating
		b.successes = int(math.Ceil(float64(b.successes) * 0.5))
		b.failures = int(math.Ceil(float64(b.failures) * 0.5))
	}
}

// abandon frees the half-open trial slot without recording an outcome.
func (b *Breaker) abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probing = false
	}
}

func (b *Breaker) transitionLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.failures, b.successes = 0, 0
	switch next {
	case Open:
		b.openedAt = b.now()
	case Closed:
		b.openedAt = time.Time{}
	}

	target := b.target()
	if obs.BreakerState != nil {
		obs.BreakerState.WithLabelValues(target).Set(float64(next))
	}
	if obs.BreakerTransitionsTotal != nil {
		obs.BreakerTransitionsTotal.WithLabelValues(target, prev.String(), next.String()).Inc()
	}
	evt := b.Logger.Warn().Str("target", target).Str("from_state", prev.String()).Str("to_state", next.String())
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

// Guarded short-circuits lookups against a failing catalog.
type Guarded struct {
	Source  Pricer
	Breaker *Breaker
}

// Prices implements Pricer. Cancellation by the caller is not counted as a
// catalog failure.
func (g Guarded) Prices(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	if g.Breaker == nil {
		return g.Source.Prices(ctx, ids)
	}
	if !g.Breaker.Allow(ctx) {
		return nil, ErrCircuitOpen
	}
	prices, err := g.Source.Prices(ctx, ids)
	if err != nil && ctx.Err() != nil {
		g.Breaker.abandon()
		return nil, err
	}
	g.Breaker.Report(ctx, err == nil)
	return prices, err
}
