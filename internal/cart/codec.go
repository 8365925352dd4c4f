package cart

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrCorrupt reports a persisted payload that could not be read as a cart.
var ErrCorrupt = errors.New("cart: corrupt payload")

type record struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Price    json.Number `json:"price"`
	Quantity int         `json:"quantity"`
	Image    *string     `json:"image,omitempty"`
	Slug     *string     `json:"slug,omitempty"`
}

// looseRecord accepts the shapes older clients wrote: prices and quantities
// as numbers or strings, and arbitrary extra fields.
type looseRecord struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    json.RawMessage `json:"price"`
	Quantity json.RawMessage `json:"quantity"`
	Image    *string         `json:"image"`
	Slug     *string         `json:"slug"`
}

// Encode serialises line items as a JSON array of
// {id, name, price, quantity, image?, slug?}.
func Encode(items []LineItem) ([]byte, error) {
	out := make([]record, 0, len(items))
	for _, it := range items {
		out = append(out, record{
			ID:       it.ID,
			Name:     it.Name,
			Price:    json.Number(it.Price.String()),
			Quantity: it.Quantity,
			Image:    it.Image,
			Slug:     it.Slug,
		})
	}
	return json.Marshal(out)
}

// Decode parses a persisted cart. An empty payload yields an empty cart. A
// payload that is not a JSON array (or an object with an "items" array)
// returns ErrCorrupt together with an empty cart. Individual entries that
// cannot be read, or that lack a price or quantity, are skipped.
func Decode(data []byte) ([]LineItem, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		var wrapped struct {
			Items []json.RawMessage `json:"items"`
		}
		if werr := json.Unmarshal(data, &wrapped); werr != nil || wrapped.Items == nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		raw = wrapped.Items
	}
	items := make([]LineItem, 0, len(raw))
	for _, entry := range raw {
		var rec looseRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			continue
		}
		qty, ok := parseQuantity(rec.Quantity)
		if !ok {
			continue
		}
		price, ok := parsePrice(rec.Price)
		if !ok {
			continue
		}
		items = append(items, LineItem{
			ID:       rec.ID,
			Name:     rec.Name,
			Price:    price,
			Quantity: qty,
			Image:    rec.Image,
			Slug:     rec.Slug,
		})
	}
	return normalize(items), nil
}

func parsePrice(raw json.RawMessage) (decimal.Decimal, bool) {
	text, present := scalar(raw)
	if !present {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func parseQuantity(raw json.RawMessage) (int, bool) {
	text, present := scalar(raw)
	if !present {
		return 0, false
	}
	d, err := decimal.NewFromString(text)
	if err != nil || !d.IsInteger() || d.LessThan(decimal.NewFromInt(1)) {
		return 0, false
	}
	if d.GreaterThan(decimal.NewFromInt(MaxQuantity)) {
		return MaxQuantity, true
	}
	return int(d.IntPart()), true
}

// scalar unwraps a JSON number or string. present is false for missing or
// null values.
func scalar(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", true
		}
		return s, true
	}
	return string(raw), true
}
