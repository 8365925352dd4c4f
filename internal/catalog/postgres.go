package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const pricesQuery = `SELECT id::text, price::text FROM products WHERE active AND id::text = ANY($1)`

// Postgres reads prices from the products table.
type Postgres struct {
	Pool *pgxpool.Pool
}

// Prices implements Pricer.
func (p Postgres) Prices(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	if p.Pool == nil {
		return nil, errors.New("catalog: pool not configured")
	}
	ids = uniqueIDs(ids)
	out := make(map[string]decimal.Decimal, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.Pool.Query(ctx, pricesQuery, ids)
	if err != nil {
		return nil, fmt.Errorf("catalog: query prices: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("catalog: scan price: %w", err)
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("catalog: price of %s: %w", id, err)
		}
		out[id] = price
	}
	return out, rows.Err()
}
