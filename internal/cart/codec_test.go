package cart

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	img := "/img/ethiopia.png"
	slug := "ethiopia-guji"
	s := NewStore(nil)
	s.AddItem(ItemInput{ID: "coffee-1", Name: "Ethiopia Guji", Price: dec("14.99"), Image: &img, Slug: &slug}, 2)
	s.AddItem(coffee("coffee-2", "12.50"), 1)
	before := s.Snapshot()

	data, err := Encode(before.Items)
	require.NoError(t, err)

	items, err := Decode(data)
	require.NoError(t, err)
	reloaded := NewStore(items).Snapshot()

	require.Len(t, reloaded.Items, 2)
	for i := range before.Items {
		require.Equal(t, before.Items[i].ID, reloaded.Items[i].ID)
		require.Equal(t, before.Items[i].Quantity, reloaded.Items[i].Quantity)
		require.True(t, before.Items[i].Price.Equal(reloaded.Items[i].Price))
	}
	require.Equal(t, slug, *reloaded.Items[0].Slug)
	require.Nil(t, reloaded.Items[1].Image)
	require.Equal(t, before.ItemCount, reloaded.ItemCount)
	require.True(t, before.Total.Equal(reloaded.Total))
}

func TestEncodeWritesPriceAsNumber(t *testing.T) {
	data, err := Encode([]LineItem{{ID: "a", Name: "A", Price: dec("12.50"), Quantity: 1}})
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":"a","name":"A","price":12.5,"quantity":1}]`, string(data))
}

func TestEncodeEmpty(t *testing.T) {
	data, err := Encode(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", string(data))
}

func TestDecodeMalformedYieldsEmptyCart(t *testing.T) {
	for _, payload := range []string{`{not json`, `"cart"`, `42`, `{"foo":1}`} {
		items, err := Decode([]byte(payload))
		require.True(t, errors.Is(err, ErrCorrupt), payload)
		require.Empty(t, items)

		s := NewStore(items)
		s.AddItem(coffee("a", "1"), 1)
		require.Equal(t, 1, s.ItemCount())
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	for _, payload := range []string{"", "  ", "null", "[]"} {
		items, err := Decode([]byte(payload))
		require.NoError(t, err)
		require.Empty(t, items)
	}
}

func TestDecodeIsTolerant(t *testing.T) {
	payload := `[
		{"id":"a","name":"A","price":"14.99","quantity":"2","roast":"light"},
		{"id":"b","name":"B","price":3,"quantity":1,"image":null},
		{"id":"","price":1,"quantity":1},
		{"id":"c","price":1,"quantity":0},
		{"id":"d","price":1,"quantity":1.5},
		{"id":"e","price":"abc","quantity":1},
		{"id":"f","quantity":1},
		{"id":"f2","price":null,"quantity":1},
		{"id":"g","price":-2,"quantity":1},
		{"id":"h","price":1,"quantity":"100000000000000000000000"},
		"garbage",
		{"id":"a","price":14.99,"quantity":1}
	]`
	items, err := Decode([]byte(payload))
	require.NoError(t, err)

	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	require.Equal(t, []string{"a", "b", "g", "h"}, ids, "entries without a price are dropped")
	require.Equal(t, 3, items[0].Quantity)
	require.True(t, items[2].Price.IsZero())
	require.Equal(t, MaxQuantity, items[3].Quantity)
}

func TestDecodeAcceptsWrappedItems(t *testing.T) {
	items, err := Decode([]byte(`{"items":[{"id":"a","price":1,"quantity":2}],"total":2}`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 2, items[0].Quantity)
}
