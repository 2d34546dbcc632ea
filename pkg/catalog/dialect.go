// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Dialect abstracts the differences between the three supported catalog
// engines: the embedded columnar engine (duckdb) for local development and
// analytics, the embedded journaling engine (sqlite, WAL) for multi-process
// ingestion, and a server RDBMS (postgres) for production.
type Dialect interface {
	// Name is the URL scheme of the dialect.
	Name() string
	// DriverName is the database/sql driver to open.
	DriverName() string
	// DSN builds the driver DSN from the path/host part of the catalog URL.
	DSN(target string, readOnly bool) string
	// SerialPK is the DDL fragment declaring an auto-incrementing primary
	// key for the given table.
	SerialPK(table string) string
	// PreSchema returns statements to run before the table DDL (sequences).
	PreSchema(tables []string) []string
	// SingleWriter reports whether all writes must funnel through one
	// connection.
	SingleWriter() bool
	// SupportsCascade reports whether ON DELETE CASCADE is available.
	SupportsCascade() bool
	// IsLockConflict reports whether err is a transient write-write
	// conflict worth retrying.
	IsLockConflict(err error) bool
	// IsUniqueViolation reports whether err is a unique-constraint
	// violation.
	IsUniqueViolation(err error) bool
	// IsForeignKeyViolation reports whether err is an FK violation.
	IsForeignKeyViolation(err error) bool
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite3" }

func (sqliteDialect) DSN(target string, readOnly bool) string {
	mode := "rwc"
	if readOnly {
		mode = "ro"
	}
	// WAL journal mode is configured on connect so multiple processes can
	// ingest against one file with a single writer at a time.
	return fmt.Sprintf("file:%s?mode=%s&_journal_mode=WAL&_busy_timeout=5000&_fk=1&_loc=UTC", target, mode)
}

func (sqliteDialect) SerialPK(string) string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) PreSchema([]string) []string {
	return nil
}
func (sqliteDialect) SingleWriter() bool    { return false }
func (sqliteDialect) SupportsCascade() bool { return true }

func (sqliteDialect) IsLockConflict(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return matchLockConflict(err)
}

func (sqliteDialect) IsUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (sqliteDialect) IsForeignKeyViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

type duckdbDialect struct{}

func (duckdbDialect) Name() string       { return "duckdb" }
func (duckdbDialect) DriverName() string { return "duckdb" }

func (duckdbDialect) DSN(target string, readOnly bool) string {
	if readOnly {
		return target + "?access_mode=read_only"
	}
	return target
}

func (duckdbDialect) SerialPK(table string) string {
	return fmt.Sprintf("BIGINT PRIMARY KEY DEFAULT nextval('seq_%s')", table)
}

func (duckdbDialect) PreSchema(tables []string) []string {
	stmts := make([]string, 0, len(tables))
	for _, t := range tables {
		stmts = append(stmts, fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS seq_%s", t))
	}
	return stmts
}

// SingleWriter: duckdb holds an exclusive write lock per process; all
// writes funnel through one shared connection.
func (duckdbDialect) SingleWriter() bool { return true }

// SupportsCascade: duckdb foreign keys have no cascade actions; the store
// deletes child rows explicitly.
func (duckdbDialect) SupportsCascade() bool { return false }

func (duckdbDialect) IsLockConflict(err error) bool { return matchLockConflict(err) }

func (duckdbDialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Constraint Error") &&
		(strings.Contains(msg, "Duplicate key") || strings.Contains(msg, "PRIMARY KEY"))
}

func (duckdbDialect) IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Constraint Error") && strings.Contains(msg, "foreign key")
}

type postgresDialect struct{ scheme string }

func (d postgresDialect) Name() string     { return d.scheme }
func (postgresDialect) DriverName() string { return "pgx" }

func (d postgresDialect) DSN(target string, readOnly bool) string {
	dsn := d.scheme + "://" + target
	if readOnly {
		if strings.Contains(target, "?") {
			dsn += "&default_transaction_read_only=on"
		} else {
			dsn += "?default_transaction_read_only=on"
		}
	}
	return dsn
}

func (postgresDialect) SerialPK(string) string      { return "BIGSERIAL PRIMARY KEY" }
func (postgresDialect) PreSchema([]string) []string { return nil }
func (postgresDialect) SingleWriter() bool          { return false }
func (postgresDialect) SupportsCascade() bool       { return true }

func (postgresDialect) IsLockConflict(err error) bool {
	var perr *pgconn.PgError
	if errors.As(err, &perr) {
		// serialization_failure, deadlock_detected, lock_not_available
		return perr.Code == "40001" || perr.Code == "40P01" || perr.Code == "55P03"
	}
	return matchLockConflict(err)
}

func (postgresDialect) IsUniqueViolation(err error) bool {
	var perr *pgconn.PgError
	return errors.As(err, &perr) && perr.Code == "23505"
}

func (postgresDialect) IsForeignKeyViolation(err error) bool {
	var perr *pgconn.PgError
	return errors.As(err, &perr) && perr.Code == "23503"
}

// matchLockConflict is the fallback textual check for transient
// write-write conflicts.
func matchLockConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "lock") || strings.Contains(msg, "conflict")
}

// dialectForURL selects the dialect by URL scheme. Supported schemes:
// duckdb:, sqlite:, postgres:// (and postgresql://).
func dialectForURL(databaseURL string) (Dialect, string, error) {
	i := strings.Index(databaseURL, ":")
	if i < 0 {
		return nil, "", fmt.Errorf("catalog: database url %q has no scheme", databaseURL)
	}
	scheme := databaseURL[:i]
	target := strings.TrimPrefix(databaseURL[i+1:], "//")
	switch scheme {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, target, nil
	case "duckdb":
		return duckdbDialect{}, target, nil
	case "postgres", "postgresql":
		return postgresDialect{scheme: scheme}, target, nil
	default:
		return nil, "", fmt.Errorf("catalog: unsupported database scheme %q", scheme)
	}
}
