package cart

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/roastery-cart/internal/obs"
	"github.com/noah-isme/roastery-cart/internal/slot"
)

var metricsOnce sync.Once

func registerMetrics() {
	metricsOnce.Do(func() { obs.MustRegisterDomainMetrics("cart_test", prometheus.NewRegistry()) })
}

type failingSlot struct {
	slot.Memory
	err    error
	getErr error
}

func (f *failingSlot) Set(ctx context.Context, key string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	return f.Memory.Set(ctx, key, data)
}

func (f *failingSlot) Get(ctx context.Context, key string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.Memory.Get(ctx, key)
}

// slowSlot blocks writes until release is closed.
type slowSlot struct {
	slot.Memory
	entered chan struct{}
	release chan struct{}
}

func (s *slowSlot) Set(ctx context.Context, key string, data []byte) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.Memory.Set(ctx, key, data)
}

func attach(t *testing.T, p Persister) (*Store, func()) {
	t.Helper()
	store, detach, err := p.Attach(context.Background())
	require.NoError(t, err)
	return store, detach
}

func TestPersisterWritesEveryMutation(t *testing.T) {
	mem := slot.NewMemory()
	p := Persister{Slot: mem, Key: "cart:s1", Logger: zerolog.Nop()}
	store, detach := attach(t, p)
	defer detach()

	store.AddItem(coffee("coffee-1", "14.99"), 2)
	store.AddItem(coffee("coffee-2", "12.50"), 1)
	store.UpdateQuantity("coffee-1", 1)

	items, err := p.Load(context.Background())
	require.NoError(t, err)
	reloaded := NewStore(items).Snapshot()
	require.Equal(t, 2, reloaded.ItemCount)
	require.Equal(t, "27.49", reloaded.Total.StringFixed(2))

	store.Clear()
	_, err = mem.Get(context.Background(), "cart:s1")
	require.ErrorIs(t, err, slot.ErrMiss, "an empty cart deletes its slot")
}

func TestPersisterLoadsMissAsEmpty(t *testing.T) {
	p := Persister{Slot: slot.NewMemory(), Key: "cart:none", Logger: zerolog.Nop()}
	items, err := p.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestPersisterRecoversFromCorruptSlot(t *testing.T) {
	registerMetrics()
	mem := slot.NewMemory()
	require.NoError(t, mem.Set(context.Background(), "cart:bad", []byte("{{{")))
	p := Persister{Slot: mem, Key: "cart:bad", Logger: zerolog.Nop()}

	before := testutil.ToFloat64(obs.CartLoadsTotal.WithLabelValues("corrupt"))
	_, err := p.Load(context.Background())
	require.True(t, errors.Is(err, ErrCorrupt))
	require.Equal(t, before+1, testutil.ToFloat64(obs.CartLoadsTotal.WithLabelValues("corrupt")))

	store, detach := attach(t, p)
	defer detach()
	require.Empty(t, store.Items())
	store.AddItem(coffee("a", "2"), 1)

	items, err := p.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestPersisterWriteFailureKeepsMemoryState(t *testing.T) {
	registerMetrics()
	p := Persister{Slot: &failingSlot{err: errors.New("quota exceeded")}, Key: "cart:f", Logger: zerolog.Nop()}
	store, detach := attach(t, p)
	defer detach()

	before := testutil.ToFloat64(obs.CartPersistFailuresTotal)
	store.AddItem(coffee("a", "2"), 3)
	require.Equal(t, 3, store.ItemCount())
	require.Equal(t, before+1, testutil.ToFloat64(obs.CartPersistFailuresTotal))
}

func TestPersisterWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	p := Persister{Slot: slot.Redis{Client: client, TTL: time.Hour}, Key: "cart:r1", Logger: zerolog.Nop()}
	store, detach := attach(t, p)
	store.AddItem(coffee("a", "1.10"), 2)
	detach()
	require.True(t, mr.Exists("cart:r1"))

	// a fresh process sees the same cart
	again, detach2 := attach(t, p)
	defer detach2()
	require.Equal(t, 2, again.ItemCount())
	require.Equal(t, "2.20", again.Total().StringFixed(2))

	mr.Close()
	again.AddItem(coffee("b", "1"), 1)
	require.Equal(t, 3, again.ItemCount())
}

func TestRegistryOpenSharesStorePerSession(t *testing.T) {
	mem := slot.NewMemory()
	r := &Registry{Slot: mem, Logger: zerolog.Nop()}
	ctx := context.Background()

	a1, err := r.Open(ctx, "session-a")
	require.NoError(t, err)
	a2, err := r.Open(ctx, " session-a ")
	require.NoError(t, err)
	require.Same(t, a1, a2)

	b, err := r.Open(ctx, "session-b")
	require.NoError(t, err)
	require.NotSame(t, a1, b)

	a1.AddItem(coffee("a", "1"), 1)
	_, err = mem.Get(ctx, "cart:session-a")
	require.NoError(t, err)
	_, err = mem.Get(ctx, "cart:session-b")
	require.True(t, errors.Is(err, slot.ErrMiss))

	_, err = r.Open(ctx, "  ")
	require.True(t, errors.Is(err, ErrNoSession))
}

func TestRegistryConcurrentOpen(t *testing.T) {
	r := &Registry{Slot: slot.NewMemory(), Logger: zerolog.Nop()}
	var wg sync.WaitGroup
	stores := make([]*Store, 16)
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Open(context.Background(), "same")
			if err == nil {
				stores[i] = s
			}
		}(i)
	}
	wg.Wait()
	for _, s := range stores {
		require.Same(t, stores[0], s)
	}
	require.Equal(t, 1, r.Len())
}

func TestRegistrySweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mem := slot.NewMemory()
	r := &Registry{Slot: mem, StorageKey: "roastery", Logger: zerolog.Nop(), Now: func() time.Time { return now }}
	ctx := context.Background()

	idle, _ := r.Open(ctx, "idle")
	idle.AddItem(coffee("a", "4"), 1)
	watched, _ := r.Open(ctx, "watched")
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watched.Watch(wctx)

	now = now.Add(time.Hour)
	_, _ = r.Open(ctx, "fresh")

	require.Equal(t, 1, r.Sweep(30*time.Minute))
	require.Equal(t, 2, r.Len())

	// the swept cart is rehydrated from its slot
	again, err := r.Open(ctx, "idle")
	require.NoError(t, err)
	require.NotSame(t, idle, again)
	require.Equal(t, 1, again.ItemCount())
	_, err = mem.Get(ctx, "roastery:idle")
	require.NoError(t, err)

	require.Zero(t, r.Sweep(0))
}

func TestRegistryDoesNotOverwriteUnreadCart(t *testing.T) {
	ctx := context.Background()
	flaky := &failingSlot{}
	saved, err := Encode([]LineItem{
		{ID: "a", Name: "A", Price: dec("10"), Quantity: 3},
		{ID: "b", Name: "B", Price: dec("5"), Quantity: 2},
	})
	require.NoError(t, err)
	require.NoError(t, flaky.Memory.Set(ctx, "cart:s1", saved))
	r := &Registry{Slot: flaky, Logger: zerolog.Nop()}

	flaky.getErr = errors.New("connection reset")
	_, err = r.Open(ctx, "s1")
	require.ErrorIs(t, err, ErrStorageUnavailable)
	require.Zero(t, r.Len())

	flaky.getErr = nil
	store, err := r.Open(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 5, store.ItemCount())
	store.AddItem(coffee("c", "1"), 1)

	items, err := Decode(mustGet(t, &flaky.Memory, "cart:s1"))
	require.NoError(t, err)
	require.Len(t, items, 3)
}

func TestSweepDoesNotBlockOpenDuringSlowWrite(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	slow := &slowSlot{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := &Registry{Slot: slow, Logger: zerolog.Nop(), Now: clock}
	ctx := context.Background()

	busy, err := r.Open(ctx, "busy")
	require.NoError(t, err)
	clockMu.Lock()
	now = now.Add(time.Hour)
	clockMu.Unlock()

	go busy.AddItem(coffee("a", "1"), 1)
	<-slow.entered

	swept := make(chan int, 1)
	go func() { swept <- r.Sweep(30 * time.Minute) }()
	time.Sleep(20 * time.Millisecond)

	opened := make(chan error, 1)
	go func() {
		_, err := r.Open(ctx, "other")
		opened <- err
	}()
	select {
	case err := <-opened:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("open blocked behind a slow slot write")
	}

	close(slow.release)
	select {
	case n := <-swept:
		require.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("sweep did not finish")
	}
	require.Equal(t, 1, r.Len())
}

func mustGet(t *testing.T, s slot.Slot, key string) []byte {
	t.Helper()
	data, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	return data
}
