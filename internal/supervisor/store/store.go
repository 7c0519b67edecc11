// Package store caches parsed run snapshots in sqlite so the index page
// does not re-parse every state.json on each request. The filesystem
// stays authoritative: entries are keyed by the state file's mtime and
// rebuilt whenever it moves.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kilnci/kiln/internal/state"
)

// Store is the snapshot cache.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the cache database.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening snapshot cache: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing snapshot cache schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		identifier TEXT PRIMARY KEY,
		mtime_ns   INTEGER NOT NULL,
		data       TEXT NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached snapshot for identifier if it was parsed from a
// state file with this mtime.
func (s *Store) Get(identifier string, mtimeNs int64) (*state.StateSnapshot, bool) {
	var row struct {
		MtimeNs int64  `db:"mtime_ns"`
		Data    string `db:"data"`
	}
	err := s.db.Get(&row, "SELECT mtime_ns, data FROM snapshots WHERE identifier = ?", identifier)
	if err != nil {
		return nil, false
	}
	if row.MtimeNs != mtimeNs {
		return nil, false
	}
	var snap state.StateSnapshot
	if err := json.Unmarshal([]byte(row.Data), &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

// Put stores a parsed snapshot.
func (s *Store) Put(identifier string, mtimeNs int64, snap *state.StateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO snapshots (identifier, mtime_ns, data) VALUES (?, ?, ?)
		 ON CONFLICT(identifier) DO UPDATE SET mtime_ns = excluded.mtime_ns, data = excluded.data`,
		identifier, mtimeNs, string(data))
	return err
}

// Delete drops a cached snapshot.
func (s *Store) Delete(identifier string) error {
	_, err := s.db.Exec("DELETE FROM snapshots WHERE identifier = ?", identifier)
	return err
}
