// Package entity resolves (name, type) pairs to canonical, stable entity
// ids and supports fuzzy lookup of existing entities.
package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entity is the canonical subject row.
type Entity struct {
	ID            string
	Type          string
	CanonicalName string
	Aliases       []string
	ExternalIDs   map[string]string
}

// Match is a ranked hit from SearchByName.
type Match struct {
	ID    string
	Name  string
	Type  string
	Score float64
}

// ErrInput marks a caller error (missing name/type) as opposed to an
// infrastructure failure.
var ErrInput = errors.New("entity: invalid input")

// Resolver backs C1. A *pgxpool.Pool satisfies it directly.
type Resolver struct {
	pool *pgxpool.Pool
}

// New builds a Resolver over pool.
func New(pool *pgxpool.Pool) *Resolver {
	return &Resolver{pool: pool}
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = nonAlnum.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

func idPrefix(entityType string) string {
	switch entityType {
	case "company":
		return "cmp"
	case "person":
		return "per"
	default:
		if len(entityType) >= 3 {
			return entityType[:3]
		}
		return entityType
	}
}

// ID computes the deterministic id for (entityType, name).
func ID(entityType, name string) string {
	return idPrefix(entityType) + "_" + slug(name)
}

// Resolve maps (name, type) to a canonical entity id, creating the entity
// if no match exists.
func (r *Resolver) Resolve(ctx context.Context, name, entityType string) (string, error) {
	name = strings.TrimSpace(name)
	entityType = strings.ToLower(strings.TrimSpace(entityType))
	if name == "" || entityType == "" {
		return "", fmt.Errorf("%w: name and type are required", ErrInput)
	}

	id := ID(entityType, name)

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM entities WHERE id = $1)`, id).Scan(&exists); err != nil {
		return "", fmt.Errorf("entity: check existing id: %w", err)
	}
	if exists {
		return id, nil
	}

	var existingID string
	err := r.pool.QueryRow(ctx, `SELECT id FROM entities WHERE type = $1 AND lower(canonical_name) = lower($2) LIMIT 1`, entityType, name).Scan(&existingID)
	switch {
	case err == nil:
		return existingID, nil
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to insert
	default:
		return "", fmt.Errorf("entity: lookup by name: %w", err)
	}

	aliases, _ := json.Marshal([]string{})
	externalIDs, _ := json.Marshal(map[string]string{})
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO entities (id, type, canonical_name, aliases, external_ids) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		id, entityType, name, aliases, externalIDs,
	); err != nil {
		return "", fmt.Errorf("entity: insert: %w", err)
	}
	return id, nil
}

// TryResolveExisting looks up an entity by canonical name or alias without
// creating one. Returns ok=false on no match.
func (r *Resolver) TryResolveExisting(ctx context.Context, name string) (Entity, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Entity{}, false, fmt.Errorf("%w: name is required", ErrInput)
	}

	rows, err := r.pool.Query(ctx, `SELECT id, type, canonical_name, aliases FROM entities WHERE lower(canonical_name) = lower($1)`, name)
	if err != nil {
		return Entity{}, false, fmt.Errorf("entity: lookup by canonical name: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return Entity{}, false, err
		}
		return e, true, nil
	}
	rows.Close()

	aliasRows, err := r.pool.Query(ctx, `SELECT id, type, canonical_name, aliases FROM entities WHERE aliases @> $1`,
		mustJSON([]string{name}))
	if err != nil {
		return Entity{}, false, fmt.Errorf("entity: lookup by alias: %w", err)
	}
	defer aliasRows.Close()
	if aliasRows.Next() {
		e, err := scanEntity(aliasRows)
		if err != nil {
			return Entity{}, false, err
		}
		return e, true, nil
	}
	return Entity{}, false, nil
}

// SearchByName ranks entities by trigram similarity to query, falling back
// to a substring scan (shortest canonical_name first) when pg_trgm is
// unavailable.
func (r *Resolver) SearchByName(ctx context.Context, query string, limit int) ([]Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInput)
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, canonical_name, type, similarity(canonical_name, $1) AS score
		 FROM entities
		 WHERE similarity(canonical_name, $1) > 0.2
		 ORDER BY score DESC
		 LIMIT $2`, query, limit)
	if err == nil {
		defer rows.Close()
		var out []Match
		for rows.Next() {
			var m Match
			if err := rows.Scan(&m.ID, &m.Name, &m.Type, &m.Score); err != nil {
				return nil, fmt.Errorf("entity: scan trigram match: %w", err)
			}
			out = append(out, m)
		}
		if rows.Err() == nil {
			return out, nil
		}
	}

	// pg_trgm unavailable (e.g. extension missing) or query failed: fall back
	// to a substring scan ordered by shortest canonical_name.
	fbRows, fbErr := r.pool.Query(ctx,
		`SELECT id, canonical_name, type FROM entities WHERE canonical_name ILIKE '%' || $1 || '%'
		 ORDER BY length(canonical_name) ASC LIMIT $2`, query, limit)
	if fbErr != nil {
		return nil, fmt.Errorf("entity: substring search: %w", fbErr)
	}
	defer fbRows.Close()
	var out []Match
	for fbRows.Next() {
		var m Match
		if err := fbRows.Scan(&m.ID, &m.Name, &m.Type); err != nil {
			return nil, fmt.Errorf("entity: scan substring match: %w", err)
		}
		out = append(out, m)
	}
	return out, fbRows.Err()
}

func scanEntity(rows pgx.Rows) (Entity, error) {
	var e Entity
	var aliasesRaw []byte
	if err := rows.Scan(&e.ID, &e.Type, &e.CanonicalName, &aliasesRaw); err != nil {
		return Entity{}, fmt.Errorf("entity: scan: %w", err)
	}
	_ = json.Unmarshal(aliasesRaw, &e.Aliases)
	return e, nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
