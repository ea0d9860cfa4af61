package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/ernie/pong-live/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a tournament has no stored snapshot
var ErrNotFound = errors.New("tournament not found")

// formatTimestamp converts time.Time to SQLite-compatible UTC ISO8601 string
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

//go:embed schema.sql
var schema string

// Store persists tournament snapshots in SQLite
type Store struct {
	db  *sqlx.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// SaveTournament stores a snapshot. A snapshot older than the stored version
// is ignored so out of order writes never roll a tournament back.
func (s *Store) SaveTournament(ctx context.Context, t *domain.Tournament) error {
	blob, err := s.encode(t)
	if err != nil {
		return err
	}

	row := tournamentRow{
		ID:        t.ID,
		Name:      t.Name,
		Status:    string(t.Status),
		Version:   int64(t.Version),
		CreatedAt: formatTimestamp(t.CreatedAt),
		UpdatedAt: formatTimestamp(t.UpdatedAt),
		Snapshot:  blob,
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO tournaments (id, name, status, version, created_at, updated_at, snapshot)
		VALUES (:id, :name, :status, :version, :created_at, :updated_at, :snapshot)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			version = excluded.version,
			updated_at = excluded.updated_at,
			snapshot = excluded.snapshot
		WHERE excluded.version > tournaments.version
	`, row)
	if err != nil {
		return fmt.Errorf("saving tournament %s: %w", t.ID, err)
	}
	return nil
}

// LoadTournaments returns every stored tournament, oldest first
func (s *Store) LoadTournaments(ctx context.Context) ([]*domain.Tournament, error) {
	var rows []tournamentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, status, version, created_at, updated_at, snapshot
		FROM tournaments ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("loading tournaments: %w", err)
	}
	return s.decodeRows(rows)
}

// ListTournaments returns a page of stored tournaments, optionally filtered
// by status, and the total number of matching rows
func (s *Store) ListTournaments(ctx context.Context, status domain.TournamentStatus, limit, offset int) ([]*domain.Tournament, int, error) {
	where := ""
	args := []any{}
	if status != "" {
		where = "WHERE status = ?"
		args = append(args, string(status))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM tournaments "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("counting tournaments: %w", err)
	}

	var rows []tournamentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, status, version, created_at, updated_at, snapshot
		FROM tournaments `+where+`
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing tournaments: %w", err)
	}

	out, err := s.decodeRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// GetTournament returns one stored tournament
func (s *Store) GetTournament(ctx context.Context, id string) (*domain.Tournament, error) {
	var row tournamentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, status, version, created_at, updated_at, snapshot
		FROM tournaments WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tournament %s: %w", id, err)
	}
	return s.decode(row)
}

// DeleteTournaments removes the given tournaments
func (s *Store) DeleteTournaments(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM tournaments WHERE id IN (?)", ids)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("deleting tournaments: %w", err)
	}
	return nil
}
