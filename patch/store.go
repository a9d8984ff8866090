package patch

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested archived patch doesn't exist
var ErrNotFound = errors.New("patch not found")

// Record is an archived payload.
type Record struct {
	ID        uuid.UUID
	Target    string
	Digest    string
	Size      int
	Payload   []byte
	CreatedAt time.Time
}

// Store archives payloads in SQLite so a receiver can restore them after
// a restart.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens or creates the archive at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS patches (
		id         TEXT PRIMARY KEY,
		target     TEXT NOT NULL,
		digest     TEXT NOT NULL,
		size       INTEGER NOT NULL,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS patches_target ON patches (target, created_at)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating index: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Digest returns the hex SHA-256 of an encoded payload, as recorded in
// the archive.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Put archives payload for target. The payload must decode.
func (s *Store) Put(ctx context.Context, target string, payload []byte) (*Record, error) {
	if _, err := DecodeBytes(payload); err != nil {
		return nil, fmt.Errorf("archiving patch: %w", err)
	}
	rec := &Record{
		ID:        uuid.New(),
		Target:    target,
		Digest:    Digest(payload),
		Size:      len(payload),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO patches (id, target, digest, size, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		rec.ID.String(), rec.Target, rec.Digest, rec.Size, rec.Payload, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("saving patch: %w", err)
	}
	return rec, nil
}

const recordColumns = "id, target, digest, size, payload, created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec     Record
		id      string
		created int64
	)
	if err := row.Scan(&id, &rec.Target, &rec.Digest, &rec.Size, &rec.Payload, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading patch: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("reading patch id %q: %w", id, err)
	}
	rec.ID = parsed
	rec.CreatedAt = time.Unix(0, created).UTC()
	return &rec, nil
}

// Get returns the archived patch with the given id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM patches WHERE id = ?", id.String())
	return scanRecord(row)
}

// Latest returns the newest patch archived for target.
func (s *Store) Latest(ctx context.Context, target string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM patches WHERE target = ? ORDER BY created_at DESC, rowid DESC LIMIT 1",
		target)
	return scanRecord(row)
}

// List returns every archived patch, oldest first. Payload bytes are
// included.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM patches ORDER BY created_at, rowid")
	if err != nil {
		return nil, fmt.Errorf("listing patches: %w", err)
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing patches: %w", err)
	}
	return out, nil
}

// Targets returns the targets with at least one archived patch.
func (s *Store) Targets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT target FROM patches ORDER BY target")
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("listing targets: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete removes every archived patch for target and returns how many
// there were.
func (s *Store) Delete(ctx context.Context, target string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM patches WHERE target = ?", target)
	if err != nil {
		return 0, fmt.Errorf("deleting patches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting patches: %w", err)
	}
	return int(n), nil
}

// Restore loads the latest archived patch of every target into m.
// Patches that no longer link are logged and skipped.
func (s *Store) Restore(ctx context.Context, m *Manager) (int, error) {
	targets, err := s.Targets(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, t := range targets {
		rec, err := s.Latest(ctx, t)
		if err != nil {
			return restored, err
		}
		p, err := DecodeBytes(rec.Payload)
		if err == nil {
			_, err = m.LoadPayload(p)
		}
		if err != nil {
			log.Warningf("restoring patch %s for %q: %s", rec.ID, t, err)
			continue
		}
		restored++
	}
	return restored, nil
}
