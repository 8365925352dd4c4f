package slot

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	getSQL = `SELECT payload::text FROM cart_slots
WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`
	upsertSQL = `INSERT INTO cart_slots (key, payload, expires_at, updated_at)
VALUES ($1, $2::jsonb, $3, now())
ON CONFLICT (key) DO UPDATE
SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at, updated_at = now()`
	deleteSQL = `DELETE FROM cart_slots WHERE key = $1`
	purgeSQL  = `DELETE FROM cart_slots WHERE expires_at IS NOT NULL AND expires_at <= now()`
)

// Postgres stores payloads in the cart_slots table.
type Postgres struct {
	Pool *pgxpool.Pool
	TTL  time.Duration
	Now  func() time.Time
}

func (p Postgres) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Get returns the payload unless it is absent or expired.
func (p Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	if p.Pool == nil {
		return nil, errors.New("slot: postgres pool not configured")
	}
	var payload string
	if err := p.Pool.QueryRow(ctx, getSQL, key).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMiss
		}
		return nil, err
	}
	return []byte(payload), nil
}

// Set upserts data and refreshes the expiry.
func (p Postgres) Set(ctx context.Context, key string, data []byte) error {
	if p.Pool == nil {
		return errors.New("slot: postgres pool not configured")
	}
	var expires *time.Time
	if p.TTL > 0 {
		t := p.now().Add(p.TTL)
		expires = &t
	}
	_, err := p.Pool.Exec(ctx, upsertSQL, key, string(data), expires)
	return err
}

// Delete removes key.
func (p Postgres) Delete(ctx context.Context, key string) error {
	if p.Pool == nil {
		return errors.New("slot: postgres pool not configured")
	}
	_, err := p.Pool.Exec(ctx, deleteSQL, key)
	return err
}

// Ping checks connectivity.
func (p Postgres) Ping(ctx context.Context) error {
	if p.Pool == nil {
		return errors.New("slot: postgres pool not configured")
	}
	return p.Pool.Ping(ctx)
}

// PurgeExpired deletes expired rows and reports how many were removed.
func (p Postgres) PurgeExpired(ctx context.Context) (int64, error) {
	if p.Pool == nil {
		return 0, errors.New("slot: postgres pool not configured")
	}
	tag, err := p.Pool.Exec(ctx, purgeSQL)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Migrate applies the embedded cart_slots migrations.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("slot: open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, MigrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("slot: init migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("slot: migrate up: %w", err)
	}
	return nil
}

// MigrateURL rewrites a postgres connection URL to the scheme registered by
// the migrate pgx driver.
func MigrateURL(databaseURL string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}
