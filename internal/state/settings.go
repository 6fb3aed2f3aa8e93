package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ReadGlobal returns the settings document stored under key, or (nil, nil)
// when no such document exists.
func (s *Store) ReadGlobal(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings %q: %w", key, err)
	}
	return json.RawMessage(value), nil
}

// WriteGlobal merges partial into the settings document stored under key,
// creating it if needed. Top-level fields absent from partial keep their
// prior value; a nil value stores JSON null.
func (s *Store) WriteGlobal(ctx context.Context, key string, partial map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("writing settings %q: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	doc := map[string]json.RawMessage{}
	var current string
	err = tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("reading settings %q: %w", key, err)
	default:
		if err := json.Unmarshal([]byte(current), &doc); err != nil {
			return fmt.Errorf("decoding settings %q: %w", key, err)
		}
	}

	for field, value := range partial {
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encoding settings field %q: %w", field, err)
		}
		doc[field] = b
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding settings %q: %w", key, err)
	}

	const q = `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, q, key, string(merged), formatTime(s.now())); err != nil {
		return fmt.Errorf("writing settings %q: %w", key, err)
	}
	return tx.Commit()
}

// SettingsKeys returns every stored settings key.
func (s *Store) SettingsKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning settings key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
