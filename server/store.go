package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/pcode/pkg/pcode"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrArtifactNotFound indicates the requested artifact doesn't exist
var ErrArtifactNotFound = errors.New("server: artifact not found")

// ArtifactInfo describes a stored artifact without its payload.
type ArtifactInfo struct {
	ID      string    `cbor:"id"`
	Name    string    `cbor:"name"`
	Size    int       `cbor:"size"`
	Created time.Time `cbor:"created"`
}

// Store keeps encoded Programs in SQLite, keyed by UUID.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (creating if needed) the artifact database at path.
// ":memory:" gives a private in-memory store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		data BLOB NOT NULL,
		created INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put encodes prog, stores it under a new ID and returns the ID.
func (s *Store) Put(ctx context.Context, name string, prog *pcode.Program) (string, error) {
	if prog == nil {
		return "", fmt.Errorf("server: nil program")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO artifacts (id, name, data, created) VALUES (?, ?, ?, ?)",
		id, name, pcode.Encode(prog), time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("saving artifact: %w", err)
	}
	return id, nil
}

// Get loads and decodes the artifact with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*pcode.Program, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q is not a valid id", ErrArtifactNotFound, id)
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM artifacts WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
		}
		return nil, fmt.Errorf("querying artifact: %w", err)
	}

	prog, err := pcode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", id, err)
	}
	return prog, nil
}

// List returns every stored artifact, oldest first.
func (s *Store) List(ctx context.Context) ([]ArtifactInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, length(data), created FROM artifacts ORDER BY created, id")
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	var infos []ArtifactInfo
	for rows.Next() {
		var (
			info    ArtifactInfo
			created int64
		)
		if err := rows.Scan(&info.ID, &info.Name, &info.Size, &created); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		info.Created = time.UnixMilli(created).UTC()
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Delete removes the artifact with the given ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM artifacts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting artifact: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	return nil
}
