package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/matheus3301/telequery/internal/embedding"
	"github.com/matheus3301/telequery/internal/store"
	"github.com/matheus3301/telequery/internal/vectorindex/migrations"
)

func init() {
	// Register sqlite-vec with mattn/go-sqlite3 for every new connection.
	vec.Auto()
}

// SQLite is an Index persisted in a SQLite file, using sqlite-vec for
// cosine distance.
type SQLite struct {
	db       *sql.DB
	embedder embedding.Embedder
}

// OpenSQLite opens (and migrates) the vector database at path.
func OpenSQLite(path string, embedder embedding.Embedder) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("vectorindex: empty database path")
	}
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := store.MigrateFS(db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, embedder: embedder}, nil
}

// Version reports the sqlite-vec version loaded into the connection.
func (s *SQLite) Version(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT vec_version()`).Scan(&v)
	return v, err
}

func (s *SQLite) Upsert(ctx context.Context, e Entry) error {
	return s.UpsertBatch(ctx, []Entry{e})
}

func (s *SQLite) UpsertBatch(ctx context.Context, entries []Entry) error {
	return s.write(ctx, entries, false)
}

func (s *SQLite) Replace(ctx context.Context, entries []Entry) error {
	return s.write(ctx, entries, true)
}

func (s *SQLite) write(ctx context.Context, entries []Entry, replace bool) error {
	entries = cloneEntries(entries)
	if err := embedMissing(ctx, s.embedder, entries); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	dims := 0
	if replace {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vectors`); err != nil {
			return fmt.Errorf("clear vectors: %w", err)
		}
	} else {
		var existing sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT dims FROM vectors LIMIT 1`).Scan(&existing); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read dims: %w", err)
		}
		dims = int(existing.Int64)
	}
	if err := checkDims(&dims, entries); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (id, document, metadata, embedding, dims, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document = excluded.document,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			dims = excluded.dims,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for _, e := range entries {
		blob, err := vec.SerializeFloat32(e.Embedding)
		if err != nil {
			return fmt.Errorf("serialize embedding %q: %w", e.ID, err)
		}
		meta, err := json.Marshal(nonNil(e.Metadata))
		if err != nil {
			return fmt.Errorf("encode metadata %q: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.Document, string(meta), blob, len(e.Embedding), now); err != nil {
			return fmt.Errorf("upsert vector %q: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Query(ctx context.Context, q Query) ([]Hit, error) {
	if q.TopK <= 0 {
		return nil, nil
	}
	var dims sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT dims FROM vectors LIMIT 1`).Scan(&dims); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	qv, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if int64(len(qv)) != dims.Int64 {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(qv), dims.Int64)
	}
	blob, err := vec.SerializeFloat32(qv)
	if err != nil {
		return nil, fmt.Errorf("serialize query: %w", err)
	}

	var (
		where strings.Builder
		args  = []any{blob, dims.Int64}
	)
	where.WriteString("dims = ?")
	keys := make([]string, 0, len(q.Filter))
	for k := range q.Filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		where.WriteString(" AND json_extract(metadata, ?) = ?")
		args = append(args, "$."+k, q.Filter[k])
	}
	args = append(args, q.TopK)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document, metadata, vec_distance_cosine(embedding, ?) AS distance
		FROM vectors
		WHERE `+where.String()+`
		ORDER BY distance ASC, id ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var (
			h    Hit
			doc  string
			meta string
		)
		if err := rows.Scan(&h.ID, &doc, &meta, &h.Distance); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &h.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata %q: %w", h.ID, err)
		}
		if q.IncludeDocuments {
			h.Document = doc
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *SQLite) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vectors`)
	return err
}

func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&n)
	return n, err
}

func (s *SQLite) Close() error { return s.db.Close() }

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
