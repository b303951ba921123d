package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// KVRepo implements storage.KeyValue against the kv_entries table. It backs
// deployments that want a durable mirror of session and cache state.
type KVRepo struct {
	db *DB
}

// NewKVRepo creates a key-value repository.
func NewKVRepo(db *DB) *KVRepo {
	return &KVRepo{db: db}
}

func (r *KVRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.GetContext(ctx, &value, `SELECT value FROM kv_entries WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get failed: %w", err)
	}
	return value, true, nil
}

func (r *KVRepo) Set(ctx context.Context, key string, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("kv set failed: %w", err)
	}
	return nil
}

func (r *KVRepo) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("kv delete failed: %w", err)
	}
	return nil
}

func (r *KVRepo) Keys(ctx context.Context, prefix string) ([]string, error) {
	// Escape LIKE metacharacters so a literal prefix match is performed.
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	var keys []string
	err := r.db.SelectContext(ctx, &keys,
		`SELECT key FROM kv_entries WHERE key LIKE $1 ORDER BY key`, escaped+"%")
	if err != nil {
		return nil, fmt.Errorf("kv keys failed: %w", err)
	}
	return keys, nil
}
