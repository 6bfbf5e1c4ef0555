package callrecord

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by Get for an unknown record id.
var ErrNotFound = errors.New("call record not found")

const (
	dbFile       = "phonekit.db"
	defaultLimit = 50
	maxLimit     = 500
)

// Store persists call records.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the history database in dataDir with WAL mode
// enabled and runs any pending migrations.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, dbFile)
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("subsystem", "callrecord")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("call history opened", "path", dbPath)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		s.logger.Info("applied migration", "version", version)
	}
	return nil
}

// Save inserts rec, assigning an id when it has none.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records (id, connection_id, incoming, missed, number,
		 started_at, duration_ms, error_code, disposition)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConnectionID, rec.Incoming, rec.Missed, rec.Number,
		rec.StartedAt.UnixMilli(), rec.Duration.Milliseconds(), rec.ErrorCode, string(rec.Disposition),
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, connection_id, incoming, missed, number, started_at,
		 duration_ms, error_code, disposition
		 FROM call_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("getting call record: %w", err)
	}
	return rec, nil
}

// List returns records matching f, newest first, along with the total
// count of matching rows.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, int, error) {
	where := "1=1"
	args := []any{}
	if f.MissedOnly {
		where += " AND missed = 1"
	}
	if f.Incoming != nil {
		where += " AND incoming = ?"
		args = append(args, *f.Incoming)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_records WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	query := `SELECT id, connection_id, incoming, missed, number, started_at,
		 duration_ms, error_code, disposition
		 FROM call_records WHERE ` + where + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning call record row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call record rows: %w", err)
	}
	return out, total, nil
}

// CountByDisposition returns the number of records per disposition.
func (s *Store) CountByDisposition(ctx context.Context) (map[Disposition]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT disposition, COUNT(*) FROM call_records GROUP BY disposition")
	if err != nil {
		return nil, fmt.Errorf("counting dispositions: %w", err)
	}
	defer rows.Close()

	out := make(map[Disposition]int)
	for rows.Next() {
		var d string
		var n int
		if err := rows.Scan(&d, &n); err != nil {
			return nil, fmt.Errorf("scanning disposition count: %w", err)
		}
		out[Disposition(d)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec         Record
		startedAt   int64
		durationMs  int64
		disposition string
	)
	if err := row.Scan(&rec.ID, &rec.ConnectionID, &rec.Incoming, &rec.Missed, &rec.Number,
		&startedAt, &durationMs, &rec.ErrorCode, &disposition); err != nil {
		return Record{}, err
	}
	rec.StartedAt = time.UnixMilli(startedAt)
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	rec.Disposition = Disposition(disposition)
	return rec, nil
}
