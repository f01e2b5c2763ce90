package relay

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Record is the persisted form of one relay document.
type Record struct {
	Collection string
	ID         string
	Version    int
	Type       string
	Data       any
	History    []byte
}

// Store persists document snapshots and their automerge history in sqlite.
type Store struct {
	database *sql.DB
}

func OpenStore(path string) (*Store, error) {
	slog.Info("Opening database", "path", path)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS documents (
		collection text not null,
		id text not null,
		version integer not null,
		type text not null,
		data text,
		history text not null,
		primary key (collection, id)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

// LoadAll returns every stored document.
func (s *Store) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT collection, id, version, type, data, history FROM documents ORDER BY collection, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)

	var out []Record
	for rows.Next() {
		var r Record
		var data sql.NullString
		var history string
		if err := rows.Scan(&r.Collection, &r.ID, &r.Version, &r.Type, &data, &history); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &r.Data); err != nil {
				return nil, fmt.Errorf("failed to decode %s/%s: %w", r.Collection, r.ID, err)
			}
		}
		if r.History, err = base64.StdEncoding.DecodeString(history); err != nil {
			return nil, fmt.Errorf("failed to decode history of %s/%s: %w", r.Collection, r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Save upserts r and reports whether a row changed.
func (s *Store) Save(ctx context.Context, r Record) (bool, error) {
	var data sql.NullString
	if r.Data != nil {
		raw, err := json.Marshal(r.Data)
		if err != nil {
			return false, fmt.Errorf("failed to encode %s/%s: %w", r.Collection, r.ID, err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}
	res, err := s.database.ExecContext(ctx,
		`INSERT INTO documents (collection, id, version, type, data, history) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			version = excluded.version, type = excluded.type, data = excluded.data, history = excluded.history
		WHERE documents.version != excluded.version`,
		r.Collection, r.ID, r.Version, r.Type, data, base64.StdEncoding.EncodeToString(r.History),
	)
	if err != nil {
		return false, fmt.Errorf("failed to persist %s/%s: %w", r.Collection, r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count rows affected: %w", err)
	}
	return n > 0, nil
}
