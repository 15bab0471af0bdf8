package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// idChunk bounds the number of bound parameters in one IN (...) query.
const idChunk = 500

const messageColumns = `message_id, chat_id, sender_id, sender_name, text, timestamp, reply_to_message_id`

// UpsertMessage inserts or updates a message (idempotent on message_id).
func (db *DB) UpsertMessage(ctx context.Context, m *Message) error {
	_, err := db.ExecContext(ctx, upsertMessageSQL, messageArgs(m)...)
	return err
}

// BulkUpsertMessages inserts or updates messages in a single transaction.
func (db *DB) BulkUpsertMessages(ctx context.Context, msgs []Message) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertMessageSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range msgs {
		if _, err := stmt.ExecContext(ctx, messageArgs(&msgs[i])...); err != nil {
			return fmt.Errorf("upsert message %q: %w", msgs[i].ID, err)
		}
	}
	return tx.Commit()
}

const upsertMessageSQL = `
	INSERT INTO messages (message_id, chat_id, sender_id, sender_name, text, timestamp, reply_to_message_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO UPDATE SET
		chat_id = excluded.chat_id,
		sender_id = excluded.sender_id,
		sender_name = excluded.sender_name,
		text = excluded.text,
		timestamp = excluded.timestamp,
		reply_to_message_id = excluded.reply_to_message_id`

func messageArgs(m *Message) []any {
	var replyTo sql.NullString
	if m.ReplyToID != nil {
		replyTo = sql.NullString{String: *m.ReplyToID, Valid: true}
	}
	return []any{m.ID, m.ChatID, m.SenderID, m.SenderName, m.Text, m.Timestamp, replyTo, time.Now().UnixMilli()}
}

// ListBefore returns up to limit messages of a chat sent strictly before
// beforeTs, newest first (keyset pagination by timestamp).
func (db *DB) ListBefore(ctx context.Context, chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// GetByIDs returns the messages with the given identifiers in no particular
// order. Unknown identifiers are ignored.
func (db *DB) GetByIDs(ctx context.Context, ids []string) ([]Message, error) {
	var out []Message
	for start := 0; start < len(ids); start += idChunk {
		end := min(start+idChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		rows, err := db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE message_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		msgs, err := scanMessages(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// hasTextClause prefilters rows whose text is empty after trimming ASCII
// whitespace; Message.HasText has the final word.
const hasTextClause = `text IS NOT NULL AND TRIM(text, ' ' || char(9, 10, 11, 12, 13)) != ''`

// ListWithText returns every message for which HasText holds, oldest first.
func (db *DB) ListWithText(ctx context.Context) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE `+hasTextClause+`
		ORDER BY timestamp ASC, message_id ASC`)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.HasText() {
			out = append(out, m)
		}
	}
	return out, nil
}

// CountWithText returns the number of messages ListWithText would return.
func (db *DB) CountWithText(ctx context.Context) (int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT text FROM messages WHERE `+hasTextClause)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()

	var count int64
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return 0, err
		}
		if (Message{Text: text}).HasText() {
			count++
		}
	}
	return count, rows.Err()
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			text    sql.NullString
			replyTo sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &text, &m.Timestamp, &replyTo); err != nil {
			return nil, err
		}
		m.Text = text.String
		if replyTo.Valid {
			r := replyTo.String
			m.ReplyToID = &r
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
