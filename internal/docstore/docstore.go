// Package docstore is a small document database on SQLite: JSON documents
// addressed by collection and id, with merge writes and live queries.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	_ "modernc.org/sqlite"

	"aifusion/internal/database"
	"aifusion/internal/pubsub"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Document is one stored record.
type Document struct {
	Collection string
	ID         string
	Data       map[string]any
	UpdatedAt  time.Time
}

// change is published after every successful write.
type change struct {
	Collection string
	ID         string
}

// Store manages documents in the shared gateway database
type Store struct {
	db      *sql.DB
	ownsDB  bool
	changes *pubsub.Broker[change]
}

// Open opens (or creates) the database at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.ConfigureDatabase(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := New(db)
	s.ownsDB = true
	return s, nil
}

// New wraps an already configured database.
func New(db *sql.DB) *Store {
	return &Store{
		db:      db,
		changes: pubsub.NewBroker[change](),
	}
}

// DB returns the underlying database connection for shared use (e.g., auth tokens)
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close stops all watches and closes the database if Open created it.
func (s *Store) Close() error {
	s.changes.Close()
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// Get loads one document.
func (s *Store) Get(ctx context.Context, collection, id string) (*Document, error) {
	var raw string
	var updated time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&raw, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document %s/%s: %w", collection, id, err)
	}

	data, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
	}

	return &Document{Collection: collection, ID: id, Data: data, UpdatedAt: updated}, nil
}

// Set replaces a document wholesale.
func (s *Store) Set(ctx context.Context, collection, id string, data map[string]any) error {
	raw, err := json.Marshal(Sanitize(data))
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, collection, id, string(raw), time.Now()); err != nil {
		return fmt.Errorf("failed to write document %s/%s: %w", collection, id, err)
	}

	s.changes.Publish(change{Collection: collection, ID: id})
	return nil
}

// Merge deep-merges data into the stored document, creating it if missing.
// Nested maps merge key by key; every other value replaces what was there.
// Fields absent from data are left untouched.
func (s *Store) Merge(ctx context.Context, collection, id string, data map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin merge: %w", err)
	}
	defer tx.Rollback()

	existing := map[string]any{}
	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read document %s/%s: %w", collection, id, err)
	default:
		if existing, err = decode(raw); err != nil {
			return fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
		}
	}

	merged, err := json.Marshal(deepMerge(existing, Sanitize(data)))
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, collection, id, string(merged), time.Now()); err != nil {
		return fmt.Errorf("failed to write document %s/%s: %w", collection, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}

	s.changes.Publish(change{Collection: collection, ID: id})
	return nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id,
	); err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}
	s.changes.Publish(change{Collection: collection, ID: id})
	return nil
}

// PruneBefore deletes every document in collection whose numeric field is
// below limit and returns how many were removed. Documents without the field
// are kept.
func (s *Store) PruneBefore(ctx context.Context, collection, field string, limit int64) (int, error) {
	if !fieldPattern.MatchString(field) {
		return 0, fmt.Errorf("invalid prune field %q", field)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM documents
		WHERE collection = ? AND json_extract(data, ?) < ?
	`, collection, "$."+field, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to select %s for pruning: %w", collection, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("row iteration error: %w", err)
	}

	for i, id := range ids {
		if err := s.Delete(ctx, collection, id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

// Query returns every document in collection whose field equals value.
// field is a dotted path into the document. Results are ordered by id.
func (s *Store) Query(ctx context.Context, collection, field string, value any) ([]Document, error) {
	if !fieldPattern.MatchString(field) {
		return nil, fmt.Errorf("invalid query field %q", field)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data, updated_at FROM documents
		WHERE collection = ? AND json_extract(data, ?) = ?
		ORDER BY id
	`, collection, "$."+field, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id, raw string
		var updated time.Time
		if err := rows.Scan(&id, &raw, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		data, err := decode(raw)
		if err != nil {
			log.Printf("[DocStore] Skipping undecodable document %s/%s: %v", collection, id, err)
			continue
		}
		docs = append(docs, Document{Collection: collection, ID: id, Data: data, UpdatedAt: updated})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return docs, nil
}

// Watch emits the full result of Query(collection, field, value) once
// immediately and again after every write to collection. A consumer that
// falls behind only ever sees the newest result. The channel closes when
// ctx is done or the store is closed; callers restart by watching again.
func (s *Store) Watch(ctx context.Context, collection, field string, value any) (<-chan []Document, error) {
	if !fieldPattern.MatchString(field) {
		return nil, fmt.Errorf("invalid query field %q", field)
	}

	events := s.changes.Subscribe(ctx)
	out := make(chan []Document, 1)

	go func() {
		defer close(out)

		emit := func() bool {
			docs, err := s.Query(ctx, collection, field, value)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[DocStore] Watch query on %s failed: %v", collection, err)
				}
				return ctx.Err() == nil
			}
			// drop a stale unread result so the newest always fits
			select {
			case <-out:
			default:
			}
			select {
			case out <- docs:
			case <-ctx.Done():
				return false
			}
			return true
		}

		if !emit() {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Payload.Collection != collection {
					continue
				}
				if !emit() {
					return
				}
			}
		}
	}()

	return out, nil
}

func decode(raw string) (map[string]any, error) {
	data := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	return data, nil
}

// deepMerge merges src into dst and returns dst.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = deepMerge(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
	return dst
}
