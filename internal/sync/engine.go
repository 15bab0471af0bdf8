package sync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/telequery/internal/bus"
	"github.com/matheus3301/telequery/internal/logging"
	"github.com/matheus3301/telequery/internal/store"
	"go.uber.org/zap"
)

// DefaultBatchSize is the number of messages written per transaction.
const DefaultBatchSize = 500

// Engine handles idempotent ingestion of exported messages into the store.
type Engine struct {
	db        *store.DB
	bus       *bus.Bus
	logger    *zap.Logger
	batchSize int
}

// NewEngine creates a new import engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:        db,
		bus:       b,
		logger:    logging.OrNop(logger),
		batchSize: DefaultBatchSize,
	}
}

// ImportResult summarizes one import.
type ImportResult struct {
	Imported int // rows upserted
	Skipped  int // records without an id, chat or timestamp
	Batches  int
}

// Record is one exported message. Timestamp accepts RFC 3339 or ISO 8601
// without a zone (read as UTC), or a unix number in seconds or milliseconds.
type Record struct {
	MessageID        string    `json:"message_id"`
	ChatID           string    `json:"chat_id"`
	UserID           string    `json:"user_id"`
	SenderName       string    `json:"sender_name"`
	Text             *string   `json:"text"`
	Timestamp        Timestamp `json:"timestamp"`
	ReplyToMessageID *string   `json:"reply_to_message_id"`
}

// Message converts r to the store record.
func (r Record) Message() store.Message {
	m := store.Message{
		ID:         strings.TrimSpace(r.MessageID),
		ChatID:     strings.TrimSpace(r.ChatID),
		SenderID:   r.UserID,
		SenderName: r.SenderName,
		Timestamp:  time.Time(r.Timestamp).UnixMilli(),
	}
	if r.Text != nil {
		m.Text = *r.Text
	}
	if r.ReplyToMessageID != nil && *r.ReplyToMessageID != "" {
		reply := *r.ReplyToMessageID
		m.ReplyToID = &reply
	}
	return m
}

// Import reads a JSON array of records, or newline-delimited records, from r
// and upserts them in batches. Re-importing the same export is a no-op.
func (e *Engine) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var res ImportResult
	batch := make([]store.Message, 0, e.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.IngestBatch(ctx, batch); err != nil {
			return err
		}
		res.Imported += len(batch)
		res.Batches++
		batch = batch[:0]
		return nil
	}

	err := decodeRecords(r, func(rec Record) error {
		m := rec.Message()
		if m.ID == "" || m.ChatID == "" || time.Time(rec.Timestamp).IsZero() {
			res.Skipped++
			return nil
		}
		batch = append(batch, m)
		if len(batch) >= e.batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return res, err
	}

	e.logger.Info("messages imported",
		zap.Int("imported", res.Imported),
		zap.Int("skipped", res.Skipped),
		zap.Int("batches", res.Batches),
	)
	e.bus.Emit(bus.KindMessagesImported, res)
	return res, nil
}

// IngestBatch upserts msgs in one transaction.
func (e *Engine) IngestBatch(ctx context.Context, msgs []store.Message) error {
	if err := e.db.BulkUpsertMessages(ctx, msgs); err != nil {
		return fmt.Errorf("ingest batch: %w", err)
	}
	return nil
}

func decodeRecords(r io.Reader, fn func(Record) error) error {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("read array start: %w", err)
		}
		for i := 0; dec.More(); i++ {
			var rec Record
			if err := dec.Decode(&rec); err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("read array end: %w", err)
		}
		return nil
	}

	for i := 0; ; i++ {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == ' ' || b == '\t' || b == '\r' || b == '\n' {
			continue
		}
		return b, br.UnreadByte()
	}
}

// Timestamp is a time decoded from a JSON string or number.
type Timestamp time.Time

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// msThreshold separates unix seconds from unix milliseconds.
const msThreshold = 1e11

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		for _, layout := range isoLayouts {
			if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				*t = Timestamp(parsed)
				return nil
			}
		}
		return fmt.Errorf("timestamp: unrecognized format %q", s)
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if f >= msThreshold {
		*t = Timestamp(time.UnixMilli(int64(f)))
	} else {
		*t = Timestamp(time.Unix(0, int64(f*float64(time.Second))))
	}
	return nil
}
