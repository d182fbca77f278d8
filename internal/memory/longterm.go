package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is a durable per-user bullet-point fact.
type Entry struct {
	ID        int64
	Username  string
	Text      string
	Tags      []string
	CreatedAt time.Time
}

// LongTerm backs C4: durable, deduplicated per-user memory.
type LongTerm struct {
	pool *pgxpool.Pool
}

// NewLongTerm builds a LongTerm store over pool.
func NewLongTerm(pool *pgxpool.Pool) *LongTerm {
	return &LongTerm{pool: pool}
}

// Add upserts (username, text); a repeat of the same pair refreshes
// created_at rather than creating a duplicate row.
func (l *LongTerm) Add(ctx context.Context, username, text string, tags []string) error {
	if username == "" || text == "" {
		return fmt.Errorf("memory: username and text are required")
	}
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("memory: marshal tags: %w", err)
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO user_memory (username, text, tags, created_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (username, text) DO UPDATE SET created_at = now(), tags = EXCLUDED.tags`,
		username, text, tagsJSON)
	if err != nil {
		return fmt.Errorf("memory: upsert: %w", err)
	}
	return nil
}

// Get returns up to 200 of username's most recent entries.
func (l *LongTerm) Get(ctx context.Context, username string) ([]Entry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, username, text, tags, created_at FROM user_memory
		 WHERE username = $1 ORDER BY created_at DESC LIMIT 200`, username)
	if err != nil {
		return nil, fmt.Errorf("memory: get: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var tagsRaw []byte
		if err := rows.Scan(&e.ID, &e.Username, &e.Text, &tagsRaw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan: %w", err)
		}
		_ = json.Unmarshal(tagsRaw, &e.Tags)
		out = append(out, e)
	}
	return out, rows.Err()
}
