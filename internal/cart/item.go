package cart

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MaxQuantity caps the quantity of a single line. Larger requests saturate.
const MaxQuantity = 999

// LineItem is one distinct purchasable product held in a cart.
type LineItem struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Quantity int
	Image    *string
	Slug     *string
}

// LineTotal returns the unit price multiplied by the quantity.
func (li LineItem) LineTotal() decimal.Decimal {
	return li.Price.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

func (li LineItem) clone() LineItem {
	li.Image = cloneString(li.Image)
	li.Slug = cloneString(li.Slug)
	return li
}

// ItemInput describes a product being added to the cart.
type ItemInput struct {
	ID    string
	Name  string
	Price decimal.Decimal
	Image *string
	Slug  *string
}

func (in ItemInput) lineItem(qty int) LineItem {
	price := in.Price
	if price.IsNegative() {
		price = decimal.Zero
	}
	return LineItem{
		ID:       normalizeID(in.ID),
		Name:     in.Name,
		Price:    price,
		Quantity: qty,
		Image:    cloneString(in.Image),
		Slug:     cloneString(in.Slug),
	}
}

// Snapshot is a consistent read of the cart taken after a single mutation.
type Snapshot struct {
	Items     []LineItem
	ItemCount int
	Total     decimal.Decimal
	Version   uint64
}

// Empty reports whether the snapshot holds no items.
func (s Snapshot) Empty() bool {
	return len(s.Items) == 0
}

// Item returns the line item with the given id.
func (s Snapshot) Item(id string) (LineItem, bool) {
	id = normalizeID(id)
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return LineItem{}, false
}

func snapshotOf(items []LineItem, version uint64) Snapshot {
	out := make([]LineItem, 0, len(items))
	count := 0
	total := decimal.Zero
	for _, it := range items {
		out = append(out, it.clone())
		count += it.Quantity
		total = total.Add(it.LineTotal())
	}
	return Snapshot{Items: out, ItemCount: count, Total: total, Version: version}
}

// normalize enforces the cart invariants on an arbitrary item list: ids are
// trimmed and unique (duplicates merge by summing quantities), quantities are
// at least one and prices are non-negative.
func normalize(items []LineItem) []LineItem {
	out := make([]LineItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, it := range items {
		it.ID = normalizeID(it.ID)
		if it.ID == "" || it.Quantity < 1 {
			continue
		}
		it.Quantity = clampQuantity(it.Quantity)
		if it.Price.IsNegative() {
			it.Price = decimal.Zero
		}
		if pos, ok := index[it.ID]; ok {
			out[pos].Quantity = addQuantity(out[pos].Quantity, it.Quantity)
			continue
		}
		index[it.ID] = len(out)
		out = append(out, it.clone())
	}
	return out
}

// clampQuantity limits q to MaxQuantity. Callers handle q < 1.
func clampQuantity(q int) int {
	if q > MaxQuantity {
		return MaxQuantity
	}
	return q
}

// addQuantity sums two in-range quantities, saturating at MaxQuantity.
func addQuantity(a, b int) int {
	if b > MaxQuantity-a {
		return MaxQuantity
	}
	return a + b
}

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}
