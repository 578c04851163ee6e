package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zk/snapreport/internal/tree"
)

// ErrStoreClosed is returned by operations on a closed store
var ErrStoreClosed = errors.New("store is closed")

// DefaultCacheSize is the number of query results kept by a store
const DefaultCacheSize = 256

// Logger interface for debug logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
}

// noopLogger is a default logger that does nothing
type noopLogger struct{}

func (n *noopLogger) Debug(format string, args ...interface{}) {}
func (n *noopLogger) Info(format string, args ...interface{})  {}
func (n *noopLogger) Warn(format string, args ...interface{})  {}

// Options configure how a store is opened
type Options struct {
	// ReadOnly opens an existing store without migrating it
	ReadOnly bool
	// CacheSize bounds the query cache, DefaultCacheSize when zero
	CacheSize int
	Logger    Logger
}

// QueryParams select rows of the suites table. Where, OrderBy and Select are
// SQL fragments; values belong in the query arguments.
type QueryParams struct {
	Select          []string // column names, all when empty
	Where           string
	OrderBy         string
	OrderDescending bool
	Limit           int
	NoCache         bool
}

// DeleteParams select rows to delete
type DeleteParams struct {
	Where           string
	OrderBy         string
	OrderDescending bool
	Limit           int
}

// Store is a report database: one suites table holding a row per attempt
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	path     string
	readOnly bool
	version  int
	columns  map[string]bool // columns present in the suites table
	cache    *lru.Cache      // query text -> []Row
	closed   bool
	logger   Logger
}

// Open opens the store at path. Writable stores are created when missing
// and migrated to CurrentVersion.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &noopLogger{}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	if opts.ReadOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to open database %s: %w", path, err)
		}
		dsn = fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path)
	} else if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if !opts.ReadOnly {
		db.SetMaxOpenConns(1)
	}

	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	s := &Store{
		db:       db,
		path:     path,
		readOnly: opts.ReadOnly,
		cache:    cache,
		logger:   logger,
	}

	if opts.ReadOnly {
		err = s.inspect(ctx)
	} else {
		err = s.migrate(ctx)
	}
	if err == nil {
		err = s.loadColumns(ctx)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare database %s: %w", path, err)
	}

	logger.Debug("Opened store %s (version %d, read-only %v)", path, s.version, s.readOnly)
	return s, nil
}

// OpenReport opens the store of a report directory. Unless reuse is set the
// previous database and manifest are removed first.
func OpenReport(ctx context.Context, reportDir string, reuse bool, logger Logger) (*Store, error) {
	dbPath := filepath.Join(reportDir, DatabaseName)
	if !reuse {
		for _, p := range []string{dbPath, filepath.Join(reportDir, ManifestName)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to remove %s: %w", p, err)
			}
		}
	}
	return Open(ctx, dbPath, Options{Logger: logger})
}

// inspect checks the version of a read-only store
func (s *Store) inspect(ctx context.Context) error {
	exists, err := tableExists(ctx, s.db, SuitesTable)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: no %s table", ErrUnknownSchema, SuitesTable)
	}

	version, err := detectVersion(ctx, s.db)
	if err != nil {
		return err
	}
	if version > CurrentVersion {
		return fmt.Errorf("%w: %d (newest known is %d)", ErrUnsupportedVersion, version, CurrentVersion)
	}
	s.version = version
	return nil
}

func (s *Store) loadColumns(ctx context.Context) error {
	names, err := tableColumns(ctx, s.db, SuitesTable)
	if err != nil {
		return err
	}
	s.columns = make(map[string]bool, len(names))
	for _, n := range names {
		s.columns[n] = true
	}
	return nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Version returns the schema version of the store
func (s *Store) Version() int {
	return s.version
}

// Write appends one row
func (s *Store) Write(ctx context.Context, row Row) error {
	return s.WriteBatch(ctx, []Row{row})
}

// WriteTestResult flattens and appends a test result
func (s *Store) WriteTestResult(ctx context.Context, r tree.TestResult) error {
	return s.Write(ctx, RowFromTestResult(r))
}

// WriteBatch appends rows in one transaction
func (s *Store) WriteBatch(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}

	names := columnNames(suitesColumns)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", SuitesTable, strings.Join(names, ", "), placeholders)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		values, err := row.values()
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return fmt.Errorf("failed to insert row for %v: %w", row.SuitePath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write: %w", err)
	}
	s.invalidate()
	return nil
}

// Query returns rows matching params. Results are cached until the next write
// unless NoCache is set.
func (s *Store) Query(ctx context.Context, params QueryParams, args ...interface{}) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	sentence := fmt.Sprintf("SELECT %s FROM %s", s.selectList(params.Select), SuitesTable) +
		createSentence(params.Where, params.OrderBy, params.OrderDescending, params.Limit)

	key := cacheKey(sentence, args)
	if !params.NoCache {
		if cached, ok := s.cache.Get(key); ok {
			return append([]Row(nil), cached.([]Row)...), nil
		}
	}

	result, err := s.db.QueryContext(ctx, sentence, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", SuitesTable, err)
	}
	defer result.Close()

	rows := []Row{}
	for result.Next() {
		var raw rawRow
		if err := result.Scan(raw.targets()...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rows = append(rows, raw.decode())
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	if !params.NoCache {
		s.cache.Add(key, append([]Row(nil), rows...))
	}
	return rows, nil
}

// Rows returns every row ordered by timestamp
func (s *Store) Rows(ctx context.Context) ([]Row, error) {
	return s.Query(ctx, QueryParams{OrderBy: ColTimestamp, NoCache: true})
}

// LastSkipped returns the newest skipped row of a test in a browser
func (s *Store) LastSkipped(ctx context.Context, testPath []string, browser string) (*Row, error) {
	suitePath, err := json.Marshal(testPath)
	if err != nil {
		return nil, err
	}

	rows, err := s.Query(ctx, QueryParams{
		Where:           fmt.Sprintf("%s = ? AND %s = ? AND %s = ?", ColSuitePath, ColName, ColStatus),
		OrderBy:         ColTimestamp,
		OrderDescending: true,
		Limit:           1,
	}, string(suitePath), browser, string(tree.StatusSkipped))
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// Delete removes rows matching params
func (s *Store) Delete(ctx context.Context, params DeleteParams, args ...interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return 0, err
	}

	sentence := fmt.Sprintf("DELETE FROM %s", SuitesTable)
	if params.OrderBy != "" || params.Limit > 0 {
		// plain sqlite builds have no DELETE ... LIMIT
		sentence += fmt.Sprintf(" WHERE rowid IN (SELECT rowid FROM %s%s)", SuitesTable,
			createSentence(params.Where, params.OrderBy, params.OrderDescending, params.Limit))
	} else {
		sentence += createSentence(params.Where, "", false, 0)
	}

	res, err := s.db.ExecContext(ctx, sentence, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rows: %w", err)
	}
	s.invalidate()
	return res.RowsAffected()
}

// DeleteTestResult removes the rows of one attempt, matched by test, browser,
// status and timestamp
func (s *Store) DeleteTestResult(ctx context.Context, r tree.TestResult) (int64, error) {
	suitePath, err := json.Marshal(r.TestPath)
	if err != nil {
		return 0, err
	}
	return s.Delete(ctx, DeleteParams{
		Where: fmt.Sprintf("%s = ? AND %s = ? AND %s = ? AND %s = ?", ColSuitePath, ColName, ColStatus, ColTimestamp),
	}, string(suitePath), r.BrowserID, string(r.Status), r.Timestamp)
}

// Close vacuums a writable store and closes it
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if !s.readOnly {
		if _, err := s.db.Exec("VACUUM"); err != nil {
			s.logger.Warn("Failed to vacuum %s: %v", s.path, err)
		}
	}
	s.logger.Debug("Closed store %s", s.path)
	return s.db.Close()
}

func (s *Store) writable() error {
	if s.closed {
		return ErrStoreClosed
	}
	if s.readOnly {
		return fmt.Errorf("store %s is read-only", s.path)
	}
	return nil
}

func (s *Store) invalidate() {
	s.cache.Purge()
}

// selectList names every known column in row order. Columns not requested,
// or missing from an older store, are selected as NULL.
func (s *Store) selectList(requested []string) string {
	want := make(map[string]bool, len(requested))
	for _, c := range requested {
		want[strings.TrimSpace(c)] = true
	}

	parts := make([]string, len(suitesColumns))
	for i, c := range suitesColumns {
		if s.columns[c.name] && (len(want) == 0 || want[c.name]) {
			parts[i] = c.name
		} else {
			parts[i] = "NULL AS " + c.name
		}
	}
	return strings.Join(parts, ", ")
}

func createSentence(where, orderBy string, desc bool, limit int) string {
	var b strings.Builder
	if where != "" {
		b.WriteString(" WHERE " + where)
	}
	if orderBy != "" {
		dir := "ASC"
		if desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", orderBy, dir)
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String()
}

func cacheKey(sentence string, args []interface{}) string {
	var b strings.Builder
	b.WriteString(sentence)
	for _, a := range args {
		fmt.Fprintf(&b, "#%v", a)
	}
	return b.String()
}
