package cart

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func coffee(id, price string) ItemInput {
	return ItemInput{ID: id, Name: "Coffee " + id, Price: dec(price)}
}

func requireConsistent(t *testing.T, snap Snapshot) {
	t.Helper()
	count := 0
	total := decimal.Zero
	seen := map[string]bool{}
	for _, it := range snap.Items {
		require.False(t, seen[it.ID], "duplicate row %s", it.ID)
		seen[it.ID] = true
		require.GreaterOrEqual(t, it.Quantity, 1)
		count += it.Quantity
		total = total.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	require.Equal(t, count, snap.ItemCount)
	require.True(t, total.Equal(snap.Total), "total %s want %s", snap.Total, total)
}

func TestScenario(t *testing.T) {
	s := NewStore(nil)
	s.AddItem(coffee("coffee-1", "14.99"), 2)
	s.AddItem(coffee("coffee-2", "12.50"), 1)
	require.Equal(t, 3, s.ItemCount())
	require.Equal(t, "42.48", s.Total().StringFixed(2))

	s.UpdateQuantity("coffee-1", 1)
	require.Equal(t, 2, s.ItemCount())
	require.Equal(t, "27.49", s.Total().StringFixed(2))

	s.RemoveItem("coffee-2")
	items := s.Items()
	require.Len(t, items, 1)
	require.Equal(t, "coffee-1", items[0].ID)
	require.True(t, s.Total().Equal(dec("14.99")))

	s.Clear()
	require.Empty(t, s.Items())
	require.Zero(t, s.ItemCount())
	require.True(t, s.Total().IsZero())
}

func TestAddItemMergesRepeatedIDs(t *testing.T) {
	s := NewStore(nil)
	s.AddItem(coffee("a", "5"), 2)
	s.AddItem(ItemInput{ID: "a", Name: "renamed", Price: dec("9")}, 3)

	snap := s.Snapshot()
	require.Len(t, snap.Items, 1)
	require.Equal(t, 5, snap.Items[0].Quantity)
	require.Equal(t, "Coffee a", snap.Items[0].Name)
	require.True(t, snap.Items[0].Price.Equal(dec("5")))
	requireConsistent(t, snap)
}

func TestAddItemNeverDuplicates(t *testing.T) {
	s := NewStore(nil)
	for i, id := range []string{"a", "b", "a", " a ", "c", "b", "a"} {
		s.AddItem(coffee(id, "1.10"), i)
		requireConsistent(t, s.Snapshot())
	}
	require.Len(t, s.Items(), 3)
}

func TestAddItemEdgeInputs(t *testing.T) {
	s := NewStore(nil)
	s.AddItem(coffee("", "1"), 1)
	s.AddItem(coffee("   ", "1"), 1)
	require.Empty(t, s.Items())
	require.Zero(t, s.Snapshot().Version)

	s.AddItem(coffee("a", "2"), 0)
	s.AddItem(coffee("b", "2"), -4)
	s.AddItem(coffee("c", "-3"), 1)

	snap := s.Snapshot()
	a, _ := snap.Item("a")
	b, _ := snap.Item("b")
	c, _ := snap.Item("c")
	require.Equal(t, 1, a.Quantity)
	require.Equal(t, 1, b.Quantity)
	require.True(t, c.Price.IsZero())
	requireConsistent(t, snap)
}

func TestInsertionOrderPreserved(t *testing.T) {
	s := NewStore(nil)
	for _, id := range []string{"c", "a", "b"} {
		s.AddItem(coffee(id, "1"), 1)
	}
	s.AddItem(coffee("a", "1"), 1)
	var ids []string
	for _, it := range s.Items() {
		ids = append(ids, it.ID)
	}
	require.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestUpdateQuantityZeroRemoves(t *testing.T) {
	s := NewStore(nil)
	s.AddItem(coffee("a", "3"), 2)
	s.AddItem(coffee("b", "4"), 1)
	s.UpdateQuantity("a", 0)
	_, ok := s.Snapshot().Item("a")
	require.False(t, ok)

	s.UpdateQuantity("b", -1)
	require.Empty(t, s.Items())
}

func TestUpdateQuantityIsAbsolute(t *testing.T) {
	s := NewStore(nil)
	s.AddItem(coffee("a", "3"), 1)
	s.UpdateQuantity("a", 5)
	s.UpdateQuantity("a", 2)
	it, ok := s.Snapshot().Item("a")
	require.True(t, ok)
	require.Equal(t, 2, it.Quantity)
}

func TestUnknownIDIsNoOp(t *testing.T) {
	s := NewStore(nil)
	s.AddItem(coffee("a", "3"), 2)
	before := s.Snapshot()

	s.RemoveItem("missing")
	s.UpdateQuantity("missing", 4)
	s.UpdateQuantity("missing", 0)
	s.UpdateQuantity("a", 2)

	after := s.Snapshot()
	require.Equal(t, before, after)
}

func TestClearIsIdempotent(t *testing.T) {
	s := NewStore(nil)
	s.AddItem(coffee("a", "3"), 2)
	for i := 0; i < 2; i++ {
		s.Clear()
		snap := s.Snapshot()
		require.Empty(t, snap.Items)
		require.Zero(t, snap.ItemCount)
		require.True(t, snap.Total.IsZero())
	}
	require.Equal(t, uint64(2), s.Snapshot().Version)
}

func TestNewStoreNormalizesSeed(t *testing.T) {
	s := NewStore([]LineItem{
		{ID: "a", Price: dec("1"), Quantity: 1},
		{ID: "", Price: dec("1"), Quantity: 1},
		{ID: "b", Price: dec("1"), Quantity: 0},
		{ID: "a", Price: dec("1"), Quantity: 2},
		{ID: "c", Price: dec("-1"), Quantity: 1},
	})
	snap := s.Snapshot()
	require.Len(t, snap.Items, 2)
	require.Equal(t, 3, snap.Items[0].Quantity)
	require.True(t, snap.Items[1].Price.IsZero())
	requireConsistent(t, snap)
}

func TestSnapshotIsDetached(t *testing.T) {
	img := "a.png"
	s := NewStore(nil)
	s.AddItem(ItemInput{ID: "a", Price: dec("1"), Image: &img}, 1)
	img = "changed.png"

	snap := s.Snapshot()
	snap.Items[0].Quantity = 99
	*snap.Items[0].Image = "mutated.png"

	it, _ := s.Snapshot().Item("a")
	require.Equal(t, 1, it.Quantity)
	require.Equal(t, "a.png", *it.Image)
}

func TestSubscribersSeeEveryMutationInOrder(t *testing.T) {
	s := NewStore(nil)
	var got []Snapshot
	cancel := s.Subscribe(func(snap Snapshot) { got = append(got, snap) })

	s.AddItem(coffee("a", "2"), 1)
	s.AddItem(coffee("a", "2"), 1)
	s.RemoveItem("zzz")
	s.UpdateQuantity("a", 7)
	s.Clear()
	cancel()
	s.AddItem(coffee("b", "1"), 1)

	require.Len(t, got, 4)
	for i, snap := range got {
		require.Equal(t, uint64(i+1), snap.Version)
		requireConsistent(t, snap)
	}
	require.Equal(t, 7, got[2].ItemCount)
	require.True(t, got[3].Empty())
}

func TestConcurrentAddsAreNotLost(t *testing.T) {
	const workers = 64
	s := NewStore(nil)
	var (
		mu       sync.Mutex
		versions []uint64
	)
	s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		versions = append(versions, snap.Version)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddItem(coffee("a", "1.25"), 1)
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	require.Len(t, snap.Items, 1)
	require.Equal(t, workers, snap.Items[0].Quantity)
	require.Equal(t, "80.00", snap.Total.StringFixed(2))
	require.Len(t, versions, workers)
	for i := 1; i < len(versions); i++ {
		require.Greater(t, versions[i], versions[i-1])
	}
}

func TestWatchDeliversLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewStore(nil)
	s.AddItem(coffee("a", "1"), 1)

	ch := s.Watch(ctx)
	first := <-ch
	require.Equal(t, uint64(1), first.Version)

	s.AddItem(coffee("b", "1"), 1)
	s.AddItem(coffee("c", "1"), 1)
	latest := <-ch
	require.Equal(t, uint64(3), latest.Version)
	require.Equal(t, 3, latest.ItemCount)

	cancel()
	select {
	case _, open := <-ch:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
	require.Eventually(t, func() bool { return s.subscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQuantitySaturatesAtMax(t *testing.T) {
	s := NewStore(nil)
	s.AddItem(coffee("a", "13.99"), math.MaxInt)
	s.AddItem(coffee("a", "13.99"), 1)
	snap := s.Snapshot()
	require.Equal(t, MaxQuantity, snap.Items[0].Quantity)
	require.Equal(t, uint64(1), snap.Version, "add at the cap is a no-op")
	requireConsistent(t, snap)

	s.AddItem(coffee("b", "1"), MaxQuantity-1)
	s.AddItem(coffee("b", "1"), 5)
	s.UpdateQuantity("a", math.MaxInt)
	snap = s.Snapshot()
	b, _ := snap.Item("b")
	require.Equal(t, MaxQuantity, b.Quantity)
	require.Equal(t, 2*MaxQuantity, snap.ItemCount)
	require.True(t, snap.Total.IsPositive())
	requireConsistent(t, snap)

	seeded := NewStore([]LineItem{
		{ID: "c", Price: dec("1"), Quantity: math.MaxInt},
		{ID: "c", Price: dec("1"), Quantity: math.MaxInt},
	})
	require.Equal(t, MaxQuantity, seeded.ItemCount())
}

func TestClearIfVersion(t *testing.T) {
	s := NewStore(nil)
	s.AddItem(coffee("a", "1"), 1)
	quoted := s.Snapshot().Version

	// another request edits the cart after the quote
	s.AddItem(coffee("b", "1"), 1)
	snap, cleared := s.ClearIfVersion(quoted)
	require.False(t, cleared)
	require.Equal(t, 2, snap.ItemCount)
	require.Equal(t, quoted+1, snap.Version)

	snap, cleared = s.ClearIfVersion(snap.Version)
	require.True(t, cleared)
	require.True(t, snap.Empty())
	require.Equal(t, quoted+2, snap.Version)
	requireConsistent(t, snap)
}
