package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	// DatabaseName is the file name of a report's store
	DatabaseName = "sqlite.db"
	// ManifestName is the file listing a report's databases
	ManifestName = "databaseUrls.json"

	SuitesTable  = "suites"
	VersionTable = "version"

	// CurrentVersion is the schema version written by this package
	CurrentVersion = 1
)

var (
	// ErrUnknownSchema is returned for stores whose layout matches no known version
	ErrUnknownSchema = errors.New("unknown database schema")
	// ErrUnsupportedVersion is returned for stores written by a newer schema
	ErrUnsupportedVersion = errors.New("unsupported database version")
)

// Column names of the suites table
const (
	ColSuitePath    = "suitePath"
	ColSuiteName    = "suiteName"
	ColName         = "name"
	ColSuiteURL     = "suiteUrl"
	ColMetaInfo     = "metaInfo"
	ColHistory      = "history"
	ColDescription  = "description"
	ColError        = "error"
	ColSkipReason   = "skipReason"
	ColImagesInfo   = "imagesInfo"
	ColScreenshot   = "screenshot"
	ColMultipleTabs = "multipleTabs"
	ColStatus       = "status"
	ColTimestamp    = "timestamp"
	ColDuration     = "duration"
	ColAttachments  = "attachments"
)

type column struct {
	name string
	typ  string
}

// suitesColumns is the current layout, in row order
var suitesColumns = []column{
	{ColSuitePath, "TEXT"},
	{ColSuiteName, "TEXT"},
	{ColName, "TEXT"},
	{ColSuiteURL, "TEXT"},
	{ColMetaInfo, "TEXT"},
	{ColHistory, "TEXT"},
	{ColDescription, "TEXT"},
	{ColError, "TEXT"},
	{ColSkipReason, "TEXT"},
	{ColImagesInfo, "TEXT"},
	{ColScreenshot, "INT"},
	{ColMultipleTabs, "INT"},
	{ColStatus, "TEXT"},
	{ColTimestamp, "INT"},
	{ColDuration, "INT"},
	{ColAttachments, "TEXT DEFAULT '[]'"},
}

// legacyColumns is the layout of stores written before the version table existed
var legacyColumns = columnNames(suitesColumns[:len(suitesColumns)-1])

// migrations[i] upgrades a store from version i to i+1
var migrations = []func(ctx context.Context, tx *sql.Tx) error{
	func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", SuitesTable, ColAttachments, "TEXT DEFAULT '[]'"))
		return err
	},
}

func columnNames(cols []column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return names
}

func createTableQuery(table string, cols []column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = c.name + " " + c.typ
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func tableExists(ctx context.Context, q queryer, table string) (bool, error) {
	var name string
	err := q.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// tableColumns returns the column names of a table in declaration order
func tableColumns(ctx context.Context, q queryer, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// detectVersion returns the schema version of an existing suites table
func detectVersion(ctx context.Context, q queryer) (int, error) {
	hasVersion, err := tableExists(ctx, q, VersionTable)
	if err != nil {
		return 0, err
	}

	if hasVersion {
		var version sql.NullInt64
		err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT version_number FROM %s LIMIT 1", VersionTable)).Scan(&version)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		if version.Valid {
			if version.Int64 < 0 {
				return 0, fmt.Errorf("%w: negative version %d", ErrUnknownSchema, version.Int64)
			}
			return int(version.Int64), nil
		}
	}

	cols, err := tableColumns(ctx, q, SuitesTable)
	if err != nil {
		return 0, err
	}
	switch {
	case equalNames(cols, legacyColumns):
		return 0, nil
	case equalNames(cols, columnNames(suitesColumns)):
		return CurrentVersion, nil
	}
	return 0, fmt.Errorf("%w: columns %v", ErrUnknownSchema, cols)
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// migrate brings a writable store to CurrentVersion inside one transaction
func (s *Store) migrate(ctx context.Context) error {
	hasSuites, err := tableExists(ctx, s.db, SuitesTable)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}

	version := CurrentVersion
	if hasSuites {
		if version, err = detectVersion(ctx, s.db); err != nil {
			return err
		}
	}
	if version > CurrentVersion {
		return fmt.Errorf("%w: %d (newest known is %d)", ErrUnsupportedVersion, version, CurrentVersion)
	}
	s.version = version

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if !hasSuites {
		if _, err := tx.ExecContext(ctx, createTableQuery(SuitesTable, suitesColumns)); err != nil {
			return fmt.Errorf("failed to create %s table: %w", SuitesTable, err)
		}
	}
	if _, err := tx.ExecContext(ctx, createTableQuery(VersionTable, []column{{"version_number", "INT"}})); err != nil {
		return fmt.Errorf("failed to create %s table: %w", VersionTable, err)
	}

	for v := version; v < CurrentVersion; v++ {
		s.logger.Info("Migrating store %s from version %d to %d", s.path, v, v+1)
		if err := migrations[v](ctx, tx); err != nil {
			return fmt.Errorf("failed to migrate from version %d: %w", v, err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", VersionTable)); err != nil {
		return fmt.Errorf("failed to reset version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (version_number) VALUES (?)", VersionTable), CurrentVersion); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	s.version = CurrentVersion
	return nil
}
