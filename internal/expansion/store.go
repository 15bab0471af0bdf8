// Package expansion persists the write-once cache of contextualized message
// text, keyed by message id.
package expansion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/telequery/internal/expansion/migrations"
	"github.com/matheus3301/telequery/internal/store"
)

// idChunk bounds the number of bound parameters in one IN (...) query.
const idChunk = 500

// Expansion is one cached rewrite of a message.
type Expansion struct {
	MessageID    string
	ExpandedText string
	ModelUsed    string
	CreatedAt    int64 // unix milliseconds
}

// Store wraps the SQLite expansion database.
type Store struct {
	*sql.DB
}

// Open connects to the expansion database at path and applies its migrations.
func Open(path string) (*Store, error) {
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db}
	if _, err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate runs all pending expansion store migrations.
func (s *Store) Migrate() (*store.MigrateResult, error) {
	return store.MigrateFS(s.DB, migrations.FS)
}

// Get returns the expansion for id, or nil if the message has not been expanded.
func (s *Store) Get(ctx context.Context, id string) (*Expansion, error) {
	var e Expansion
	err := s.QueryRowContext(ctx, `
		SELECT message_id, expanded_text, model_used, created_at
		FROM message_expansions WHERE message_id = ?`, id).
		Scan(&e.MessageID, &e.ExpandedText, &e.ModelUsed, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetMany returns expanded text keyed by message id. Ids without an
// expansion are absent from the map.
func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for start := 0; start < len(ids); start += idChunk {
		end := min(start+idChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		rows, err := s.QueryContext(ctx, `
			SELECT message_id, expanded_text
			FROM message_expansions
			WHERE message_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id, text string
			if err := rows.Scan(&id, &text); err != nil {
				_ = rows.Close()
				return nil, err
			}
			out[id] = text
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return out, nil
}

// Put stores an expansion unless one already exists for id. The write is a
// single statement, so concurrent callers race safely: exactly one sees
// inserted=true.
func (s *Store) Put(ctx context.Context, id, text, model string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, errors.New("empty message id")
	}
	res, err := s.ExecContext(ctx, `
		INSERT INTO message_expansions (message_id, expanded_text, model_used, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		id, text, model, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert expansion %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Count returns the number of stored expansions.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_expansions`).Scan(&count)
	return count, err
}

// ExpandedIDs returns the set of message ids that already have an expansion.
func (s *Store) ExpandedIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.QueryContext(ctx, `SELECT message_id FROM message_expansions`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// Reset deletes every expansion and checkpoint and returns the number of
// expansions removed.
func (s *Store) Reset(ctx context.Context) (int64, error) {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM message_expansions`)
	if err != nil {
		return 0, fmt.Errorf("delete expansions: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state`); err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	return n, tx.Commit()
}
