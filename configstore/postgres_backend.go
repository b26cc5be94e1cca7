package configstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// PostgresBackend implements Backend against the relational table the
// spec's abstract persisted-state layout describes: columns
// (id, config_type, config_data, version, created_at, active). On update a
// new row is inserted and prior rows for the same config_type are
// deactivated atomically, inside one transaction.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

var _ Backend = (*PostgresBackend)(nil)

const configTypeBundle = "bundle"

// NewPostgresBackend wraps an already-connected pool.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// EnsureSchema creates the config_versions table if it doesn't exist yet.
// Safe to call on every boot.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS config_versions (
			id          BIGSERIAL PRIMARY KEY,
			config_type TEXT NOT NULL,
			config_data JSONB NOT NULL,
			version     INT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			active      BOOLEAN NOT NULL DEFAULT false
		);
		CREATE INDEX IF NOT EXISTS idx_config_versions_active
			ON config_versions (config_type, active);
	`)
	if err != nil {
		return fmt.Errorf("configstore: ensure schema: %w", err)
	}
	return nil
}

func (b *PostgresBackend) ActiveBundle(ctx context.Context) (*core.ConfigBundle, error) {
	return b.activeByType(ctx, configTypeBundle)
}

func (b *PostgresBackend) activeByType(ctx context.Context, configType string) (*core.ConfigBundle, error) {
	row := b.pool.QueryRow(ctx,
		`SELECT config_data, version FROM config_versions WHERE config_type = $1 AND active = true ORDER BY version DESC LIMIT 1`,
		configType)

	var raw []byte
	var version int
	if err := row.Scan(&raw, &version); err != nil {
		if err == pgx.ErrNoRows {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("configstore: query active bundle: %w", err)
	}

	var bundle core.ConfigBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("configstore: unmarshal bundle: %w", err)
	}
	bundle.Version = version
	return &bundle, nil
}

// PublishBundle inserts a new version and deactivates the previous active
// row for config_type "bundle" inside one transaction, so readers never
// observe zero or two active rows.
func (b *PostgresBackend) PublishBundle(ctx context.Context, bundle core.ConfigBundle) (*core.ConfigBundle, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("configstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var nextVersion int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM config_versions WHERE config_type = $1`,
		configTypeBundle).Scan(&nextVersion)
	if err != nil {
		return nil, fmt.Errorf("configstore: next version: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE config_versions SET active = false WHERE config_type = $1 AND active = true`,
		configTypeBundle); err != nil {
		return nil, fmt.Errorf("configstore: deactivate prior versions: %w", err)
	}

	bundle.Version = nextVersion
	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("configstore: marshal bundle: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO config_versions (config_type, config_data, version, active) VALUES ($1, $2, $3, true)`,
		configTypeBundle, data, nextVersion); err != nil {
		return nil, fmt.Errorf("configstore: insert bundle: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("configstore: commit: %w", err)
	}

	cp := bundle
	return &cp, nil
}

// Preset looks up a named preset's bundle, stored under config_type
// "preset:<name>" with a single always-active row.
func (b *PostgresBackend) Preset(ctx context.Context, name string) (*core.ConfigBundle, error) {
	return b.activeByType(ctx, "preset:"+name)
}
