package expansion

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Checkpoint keys.
const (
	// CheckpointIndexedExpansions records the expansion count the vector
	// index was last rebuilt against.
	CheckpointIndexedExpansions = "index.expansions"
	// CheckpointIndexedMessages records the message count of the last rebuild.
	CheckpointIndexedMessages = "index.messages"
	// CheckpointLastRun records the unix millisecond time of the last
	// completed expansion run.
	CheckpointLastRun = "expansion.last_run"
)

// SetCheckpoint writes a checkpoint value.
func (s *Store) SetCheckpoint(ctx context.Context, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := s.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// Checkpoint reads a checkpoint value. A missing key yields "" and no error.
func (s *Store) Checkpoint(ctx context.Context, key string) (string, error) {
	var value string
	err := s.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
