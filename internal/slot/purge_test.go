package slot_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/roastery-cart/internal/lock"
	"github.com/noah-isme/roastery-cart/internal/slot"
)

type fakeExpirer struct {
	calls atomic.Int32
	n     int64
	err   error
}

func (f *fakeExpirer) PurgeExpired(context.Context) (int64, error) {
	f.calls.Add(1)
	return f.n, f.err
}

func TestPurgerOnceWithoutGuard(t *testing.T) {
	exp := &fakeExpirer{n: 3}
	n, err := slot.Purger{Slot: exp, Logger: zerolog.Nop()}.Once(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	exp.err = errors.New("db down")
	_, err = slot.Purger{Slot: exp, Logger: zerolog.Nop()}.Once(context.Background())
	require.Error(t, err)
}

func TestPurgerSkipsWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exp := &fakeExpirer{n: 2}
	p := slot.Purger{
		Slot:     exp,
		Guard:    lock.Locker{R: client},
		LockKey:  "lock:purge-test",
		Interval: time.Minute,
		Logger:   zerolog.Nop(),
	}

	n, err := p.Once(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.False(t, mr.Exists("lock:purge-test"))

	require.NoError(t, mr.Set("lock:purge-test", "other-worker"))
	n, err = p.Once(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.EqualValues(t, 1, exp.calls.Load())
}

func TestPurgerRunStopsOnCancel(t *testing.T) {
	exp := &fakeExpirer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- slot.Purger{Slot: exp, Interval: time.Hour, Logger: zerolog.Nop()}.Run(ctx)
	}()
	require.Eventually(t, func() bool { return exp.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("purger did not stop")
	}
}
