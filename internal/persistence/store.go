package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/basket/shotreport/internal/report"
	_ "github.com/mattn/go-sqlite3"
)

const (
	SuitesTable   = "suites"
	BrowsersTable = "browsers"

	// DefaultDBName is the store file name inside the report directory.
	DefaultDBName = "sqlite.db"
)

// suitesColumns is the column order of the suites table.
var suitesColumns = []string{
	"suitePath", "suiteName", "name", "status", "timestamp", "description",
	"imagesInfo", "metaInfo", "multipleTabs", "screenshot", "suiteUrl",
	"skipReason", "error",
}

// Store is the append-only SQLite backing of a report. Writes are
// serialized; reads see every completed write.
type Store struct {
	db   *sql.DB
	path string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the store at path and ensures both tables exist.
// Failures are returned as *report.StoreInitError.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, &report.StoreInitError{Path: path, Err: errors.New("empty path")}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &report.StoreInitError{Path: path, Err: fmt.Errorf("create db directory: %w", err)}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &report.StoreInitError{Path: path, Err: fmt.Errorf("open sqlite3: %w", err)}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, path: path}
	ctx := context.Background()
	if err := store.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, &report.StoreInitError{Path: path, Err: err}
	}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, &report.StoreInitError{Path: path, Err: err}
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Path is the location of the backing file.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database handle. Extra calls return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS suites (
			suitePath TEXT NOT NULL,
			suiteName TEXT,
			name TEXT NOT NULL,
			status TEXT,
			timestamp INTEGER,
			description TEXT,
			imagesInfo TEXT,
			metaInfo TEXT,
			multipleTabs INTEGER,
			screenshot INTEGER,
			suiteUrl TEXT,
			skipReason TEXT,
			error TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS browsers (
			name TEXT PRIMARY KEY
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	if err := requireColumns(ctx, tx, SuitesTable, suitesColumns); err != nil {
		return err
	}
	if err := requireColumns(ctx, tx, BrowsersTable, []string{"name"}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// requireColumns rejects a pre-existing table that lacks expected columns.
func requireColumns(ctx context.Context, tx *sql.Tx, table string, want []string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	have := map[string]bool{}
	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan %s column: %w", table, err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%s columns: %w", table, err)
	}
	var missing []string
	for _, c := range want {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("incompatible schema: table %s missing columns %s", table, strings.Join(missing, ", "))
	}
	return nil
}

// InsertAttempt appends one row to suites. Rows are never updated.
func (s *Store) InsertAttempt(ctx context.Context, r report.Row) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return writeBackoff.do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO suites (
				suitePath, suiteName, name, status, timestamp, description,
				imagesInfo, metaInfo, multipleTabs, screenshot, suiteUrl,
				skipReason, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, r.SuitePath, r.SuiteName, r.Name, r.Status, r.Timestamp, r.Description,
			r.ImagesInfo, r.MetaInfo, r.MultipleTabs, r.Screenshot, r.SuiteURL,
			r.SkipReason, r.Error)
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return nil
	})
}

// UpsertBrowsers registers browser names; known names are left alone.
func (s *Store) UpsertBrowsers(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return writeBackoff.do(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin browsers tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		for _, name := range names {
			if strings.TrimSpace(name) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO browsers (name) VALUES (?)
				ON CONFLICT(name) DO NOTHING;
			`, name); err != nil {
				return fmt.Errorf("upsert browser %q: %w", name, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit browsers tx: %w", err)
		}
		return nil
	})
}

// SelectSuites returns every suites row in insertion order. An empty table
// yields an empty slice.
func (s *Store) SelectSuites(ctx context.Context) ([]report.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT suitePath, suiteName, name, status, timestamp, description,
			imagesInfo, metaInfo, multipleTabs, screenshot, suiteUrl,
			skipReason, error
		FROM suites
		ORDER BY rowid;
	`)
	if err != nil {
		return nil, fmt.Errorf("query suites: %w", err)
	}
	defer rows.Close()

	out := []report.Row{}
	for rows.Next() {
		var (
			r                                                      report.Row
			suiteName, status, description, imagesInfo, metaInfo sql.NullString
			suiteURL, skipReason, errInfo                          sql.NullString
			timestamp, multipleTabs, screenshot                    sql.NullInt64
		)
		if err := rows.Scan(&r.SuitePath, &suiteName, &r.Name, &status, &timestamp, &description,
			&imagesInfo, &metaInfo, &multipleTabs, &screenshot, &suiteURL,
			&skipReason, &errInfo); err != nil {
			return nil, fmt.Errorf("scan suite row: %w", err)
		}
		r.SuiteName = suiteName.String
		r.Status = status.String
		r.Timestamp = timestamp.Int64
		r.Description = description.String
		r.ImagesInfo = imagesInfo.String
		r.MetaInfo = metaInfo.String
		r.MultipleTabs = multipleTabs.Int64 != 0
		r.Screenshot = screenshot.Int64 != 0
		r.SuiteURL = suiteURL.String
		r.SkipReason = skipReason.String
		r.Error = errInfo.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("suites rows: %w", err)
	}
	return out, nil
}

// SelectBrowsers returns every registered browser name.
func (s *Store) SelectBrowsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM browsers ORDER BY rowid;`)
	if err != nil {
		return nil, fmt.Errorf("query browsers: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan browser: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("browsers rows: %w", err)
	}
	return out, nil
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if table != SuitesTable && table != BrowsersTable {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s;", table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Clear drops every row from both tables, used between runs.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, table := range []string{SuitesTable, BrowsersTable} {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s;", table)); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

// CopyTo writes a consistent copy of the store to dest using VACUUM INTO
// and returns the absolute path of the copy.
func (s *Store) CopyTo(ctx context.Context, dest string) (string, error) {
	if dest == "" {
		return "", &report.StoreCopyError{Dest: dest, Err: errors.New("destination path required")}
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", &report.StoreCopyError{Dest: dest, Err: err}
	}
	if _, err := os.Stat(abs); err == nil {
		return "", &report.StoreCopyError{Dest: abs, Err: errors.New("destination already exists")}
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", &report.StoreCopyError{Dest: abs, Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, abs); err != nil {
		return "", &report.StoreCopyError{Dest: abs, Err: fmt.Errorf("vacuum into: %w", err)}
	}
	return abs, nil
}
