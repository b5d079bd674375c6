// Package deadletter keeps announces whose reconciliation ended in a catalog
// fault so they can be replayed once the catalog recovers.
package deadletter

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MikeSquared-Agency/genrebot/internal/reconcile"
)

// FileName is the database file created inside the data directory.
const FileName = "deadletter.db"

// Fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when an entry id does not exist.
var ErrNotFound = errors.New("dead letter not found")

// Kind is the fault that put an entry in the queue.
type Kind string

const (
	KindRetrieval Kind = "retrieval_fault"
	KindWrite     Kind = "write_fault"
)

// Entry is one queued announce.
type Entry struct {
	ID           uuid.UUID `json:"id"`
	Kind         Kind      `json:"kind"`
	NoisyTitle   string    `json:"noisy_title"`
	Genre        string    `json:"genre"`
	MatchedTitle string    `json:"matched_title,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Tries        int       `json:"tries"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store persists dead letters in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates dir if needed and opens (or initializes) the queue database.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, FileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: dbPath}
	if err := s.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

// KindFor maps an outcome to a dead-letter kind. Only retrieval and write
// faults are queued.
func KindFor(out reconcile.Outcome) (Kind, bool) {
	if out.State != reconcile.StateErrored {
		return "", false
	}
	switch out.Fault {
	case reconcile.FaultRetrieval:
		return KindRetrieval, true
	case reconcile.FaultWrite:
		return KindWrite, true
	default:
		return "", false
	}
}

// Record queues a faulted outcome. Other outcomes are ignored.
func (s *Store) Record(ctx context.Context, out reconcile.Outcome) error {
	kind, ok := KindFor(out)
	if !ok {
		return nil
	}
	_, err := s.Add(ctx, Entry{
		Kind:         kind,
		NoisyTitle:   out.NoisyTitle,
		Genre:        out.Genre,
		MatchedTitle: out.MatchedTitle,
		LastError:    out.Error,
	})
	return err
}

// Add inserts an entry. A second fault for the same title and genre refreshes
// the existing entry instead of duplicating it.
func (s *Store) Add(ctx context.Context, e Entry) (Entry, error) {
	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, kind, noisy_title, genre, matched_title, last_error, tries, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
         ON CONFLICT (noisy_title, genre) DO UPDATE SET
             kind = excluded.kind,
             matched_title = excluded.matched_title,
             last_error = excluded.last_error,
             updated_at = excluded.updated_at`,
		uuid.New().String(),
		string(e.Kind),
		e.NoisyTitle,
		e.Genre,
		nullableString(e.MatchedTitle),
		nullableString(e.LastError),
		now,
		now,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert dead letter: %w", err)
	}

	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE noisy_title = ? AND genre = ?`, e.NoisyTitle, e.Genre)
	return scanEntry(row)
}

// Get fetches one entry by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// List returns all entries, oldest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return entries, nil
}

// Count returns the number of queued entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// Remove deletes an entry.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Supersede removes every entry for noisyTitle. It is called when a newer
// announce for the title has been committed, so older genres are never replayed
// over it.
func (s *Store) Supersede(ctx context.Context, noisyTitle string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE noisy_title = ?`, noisyTitle)
	if err != nil {
		return 0, fmt.Errorf("supersede dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkTried records a failed replay and returns the new try count.
func (s *Store) MarkTried(ctx context.Context, id uuid.UUID, lastErr string) (int, error) {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET tries = tries + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		nullableString(lastErr), now, id.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("mark dead letter tried: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	e, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return e.Tries, nil
}

const selectColumns = `SELECT id, kind, noisy_title, genre, matched_title, last_error, tries, created_at, updated_at FROM dead_letters`

func scanEntry(scanner interface{ Scan(dest ...any) error }) (Entry, error) {
	var (
		e                  Entry
		id, kind           string
		matched, lastErr   sql.NullString
		createdAt, updated string
	)
	if err := scanner.Scan(&id, &kind, &e.NoisyTitle, &e.Genre, &matched, &lastErr, &e.Tries, &createdAt, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan dead letter: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return Entry{}, fmt.Errorf("parse dead letter id: %w", err)
	}
	e.ID = parsed
	e.Kind = Kind(kind)
	e.MatchedTitle = matched.String
	e.LastError = lastErr.String
	e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	e.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return e, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
