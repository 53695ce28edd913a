package sandbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/raskyld/contained/pkg/fault"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the on-disk program cache.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fault.Wrap(fault.Io, err, "create program cache directory")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fault.Wrap(fault.Io, err, "open program cache")
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fault.Wrap(fault.Io, err, "set program cache journal mode")
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fault.Wrap(fault.Io, err, "set program cache busy timeout")
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS modules (
	hash BLOB PRIMARY KEY,
	name TEXT NOT NULL,
	artifact BLOB NOT NULL,
	stored_at INTEGER NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fault.Wrap(fault.Io, err, "initialize program cache schema")
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, h Hash) (*Artifact, error) {
	var buf []byte
	err := s.db.QueryRowContext(ctx, `SELECT artifact FROM modules WHERE hash = ?`, h[:]).Scan(&buf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.UnknownProgram, "no module %s", h.Short())
	}
	if err != nil {
		return nil, fault.Wrap(fault.Io, err, "read module")
	}
	art, err := UnmarshalArtifact(buf)
	if err != nil {
		return nil, err
	}
	if art.Hash() != h {
		return nil, fault.New(fault.Serialization, "module %s is corrupted on disk", h.Short())
	}
	return art, nil
}

func (s *SQLiteStore) Put(ctx context.Context, art *Artifact) error {
	h := art.Hash()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO modules (hash, name, artifact, stored_at) VALUES (?, ?, ?, ?)`,
		h[:], art.Manifest.Name, art.Marshal(), time.Now().Unix(),
	)
	if err != nil {
		return fault.Wrap(fault.Io, err, fmt.Sprintf("store module %s", h.Short()))
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Hash, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM modules ORDER BY hash`)
	if err != nil {
		return nil, fault.Wrap(fault.Io, err, "list modules")
	}
	defer rows.Close()

	out := make([]Hash, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fault.Wrap(fault.Io, err, "scan module row")
		}
		var h Hash
		copy(h[:], raw)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Io, err, "iterate modules")
	}
	return out, nil
}
