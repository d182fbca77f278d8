package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order, each guarded by schema_migrations so a
// restart never re-runs one. Statements use IF NOT EXISTS throughout so
// bootstrap is safe against a database that already has the schema.
var migrations = []struct {
	name string
	stmt string
}{
	{
		name: "0001_entities",
		stmt: `CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			canonical_name TEXT NOT NULL,
			aliases JSONB NOT NULL DEFAULT '[]',
			external_ids JSONB NOT NULL DEFAULT '{}'
		)`,
	},
	{
		name: "0002_facts",
		stmt: `CREATE TABLE IF NOT EXISTS facts (
			id BIGSERIAL PRIMARY KEY,
			entity_id TEXT NOT NULL REFERENCES entities(id),
			name TEXT NOT NULL,
			value JSONB NOT NULL,
			dtype TEXT NOT NULL,
			confidence DOUBLE PRECISION,
			sources JSONB NOT NULL DEFAULT '[]',
			notes TEXT,
			observed_at TIMESTAMPTZ NOT NULL,
			valid_from TIMESTAMPTZ NOT NULL,
			valid_to TIMESTAMPTZ
		)`,
	},
	{
		name: "0003_facts_current_unique",
		stmt: `CREATE UNIQUE INDEX IF NOT EXISTS facts_current_unique
			ON facts (entity_id, name) WHERE valid_to IS NULL`,
	},
	{
		name: "0004_facts_entity_idx",
		stmt: `CREATE INDEX IF NOT EXISTS facts_entity_idx ON facts (entity_id)`,
	},
	{
		name: "0005_user_memory",
		stmt: `CREATE TABLE IF NOT EXISTS user_memory (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL,
			text TEXT NOT NULL,
			tags JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
	{
		name: "0006_user_memory_unique",
		stmt: `CREATE UNIQUE INDEX IF NOT EXISTS user_memory_username_text_unique
			ON user_memory (username, text)`,
	},
	{
		name: "0007_entities_trgm",
		stmt: `CREATE EXTENSION IF NOT EXISTS pg_trgm`,
	},
	{
		name: "0008_entities_canonical_name_trgm_idx",
		stmt: `CREATE INDEX IF NOT EXISTS entities_canonical_name_trgm_idx
			ON entities USING gin (canonical_name gin_trgm_ops)`,
	},
}

// Bootstrap applies every migration not yet recorded in schema_migrations.
// The trigram extension/index (0007, 0008) are best-effort: a database
// without superuser rights to CREATE EXTENSION keeps running with substring
// fallback search in the entity resolver.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		migration_name TEXT PRIMARY KEY,
		executed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("bootstrap schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		err := pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE migration_name = $1)`, m.name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if applied {
			continue
		}

		if _, err := pool.Exec(ctx, m.stmt); err != nil {
			if m.name == "0007_entities_trgm" || m.name == "0008_entities_canonical_name_trgm_idx" {
				continue
			}
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}

		if _, err := pool.Exec(ctx, `INSERT INTO schema_migrations (migration_name) VALUES ($1) ON CONFLICT DO NOTHING`, m.name); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
	}
	return nil
}
