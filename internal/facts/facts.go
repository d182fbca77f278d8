// Package facts implements the bitemporal fact store keyed by
// (entity_id, name), with supersede-on-write semantics.
package facts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Source is a single attribution entry.
type Source struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Fact is one bitemporal claim row.
type Fact struct {
	ID         int64
	EntityID   string
	Name       string
	Value      any
	Dtype      string
	Confidence *float64
	Sources    []Source
	Notes      string
	ObservedAt time.Time
	ValidFrom  time.Time
	ValidTo    *time.Time
}

// Variable is the input shape for StoreFact: a fact not yet written.
type Variable struct {
	EntityID   string
	Name       string
	Value      any
	Dtype      string
	Confidence *float64
	Sources    []Source
	Notes      string
}

// ErrEntityRequired is returned by SetTrustedFact when the entity has not
// already been resolved.
var ErrEntityRequired = errors.New("facts: entity must already be resolved")

// Store backs C2.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store over pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// StoreFact closes any current row for (entity_id, name) and inserts v as
// the new current row, in one transaction.
func (s *Store) StoreFact(ctx context.Context, v Variable, observedAt time.Time) error {
	if v.EntityID == "" || v.Name == "" {
		return fmt.Errorf("facts: entity_id and name are required")
	}
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	valueJSON, err := json.Marshal(v.Value)
	if err != nil {
		return fmt.Errorf("facts: marshal value: %w", err)
	}
	sources := v.Sources
	if sources == nil {
		sources = []Source{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("facts: marshal sources: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("facts: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE facts SET valid_to = $3 WHERE entity_id = $1 AND name = $2 AND valid_to IS NULL`,
		v.EntityID, v.Name, observedAt); err != nil {
		return fmt.Errorf("facts: close current row: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO facts (entity_id, name, value, dtype, confidence, sources, notes, observed_at, valid_from, valid_to)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, NULL)`,
		v.EntityID, v.Name, valueJSON, v.Dtype, v.Confidence, sourcesJSON, v.Notes, observedAt); err != nil {
		return fmt.Errorf("facts: insert new row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("facts: commit: %w", err)
	}
	return nil
}

// GetFact returns the current row for (entityID, name), or ok=false.
func (s *Store) GetFact(ctx context.Context, entityID, name string) (Fact, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, entity_id, name, value, dtype, confidence, sources, notes, observed_at, valid_from, valid_to
		 FROM facts WHERE entity_id = $1 AND name = $2 AND valid_to IS NULL`, entityID, name)
	f, err := scanFact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Fact{}, false, nil
	}
	if err != nil {
		return Fact{}, false, fmt.Errorf("facts: get fact: %w", err)
	}
	return f, true, nil
}

// GetFactsForEntity returns all current rows for entityID, ordered by name.
func (s *Store) GetFactsForEntity(ctx context.Context, entityID string) ([]Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_id, name, value, dtype, confidence, sources, notes, observed_at, valid_from, valid_to
		 FROM facts WHERE entity_id = $1 AND valid_to IS NULL ORDER BY name`, entityID)
	if err != nil {
		return nil, fmt.Errorf("facts: get facts for entity: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("facts: scan: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

var nameNormalizer = regexp.MustCompile(`[^a-z0-9_]+`)

func normalizeName(s string) string {
	return nameNormalizer.ReplaceAllString(strings.ToLower(s), "")
}

// FindSimilarFactNames returns distinct current-row names for entityID whose
// normalised form contains base, excluding an exact match.
func (s *Store) FindSimilarFactNames(ctx context.Context, entityID, base string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	norm := normalizeName(base)
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT name FROM facts WHERE entity_id = $1 AND valid_to IS NULL AND name <> $2
		 AND regexp_replace(lower(name), '[^a-z0-9_]+', '', 'g') LIKE '%' || $3 || '%'
		 LIMIT $4`, entityID, base, norm, limit)
	if err != nil {
		return nil, fmt.Errorf("facts: find similar names: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("facts: scan similar name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// TrustedFactInput is the request shape for SetTrustedFact.
type TrustedFactInput struct {
	EntityID string
	Field    string
	Value    any
	Source   string
}

// SetTrustedFact raises confidence toward 1 via (old+1)/2 and writes through
// StoreFact. The entity must already be resolved.
func (s *Store) SetTrustedFact(ctx context.Context, in TrustedFactInput) (float64, error) {
	if in.EntityID == "" {
		return 0, ErrEntityRequired
	}

	current := 0.5
	if existing, ok, err := s.GetFact(ctx, in.EntityID, in.Field); err != nil {
		return 0, fmt.Errorf("facts: read current confidence: %w", err)
	} else if ok && existing.Confidence != nil {
		current = *existing.Confidence
	}
	newConfidence := (current + 1.0) / 2.0

	var sources []Source
	if in.Source != "" {
		sources = []Source{{URL: in.Source}}
	}

	dtype := inferDtype(in.Value)
	v := Variable{
		EntityID:   in.EntityID,
		Name:       in.Field,
		Value:      in.Value,
		Dtype:      dtype,
		Confidence: &newConfidence,
		Sources:    sources,
	}
	if err := s.StoreFact(ctx, v, time.Now().UTC()); err != nil {
		return 0, err
	}
	return newConfidence, nil
}

func inferDtype(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case string:
		return "string"
	default:
		return "text"
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFact(row scannable) (Fact, error) {
	var f Fact
	var valueRaw, sourcesRaw []byte
	if err := row.Scan(&f.ID, &f.EntityID, &f.Name, &valueRaw, &f.Dtype, &f.Confidence, &sourcesRaw, &f.Notes, &f.ObservedAt, &f.ValidFrom, &f.ValidTo); err != nil {
		return Fact{}, err
	}
	_ = json.Unmarshal(valueRaw, &f.Value)
	_ = json.Unmarshal(sourcesRaw, &f.Sources)
	return f, nil
}
