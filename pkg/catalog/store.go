// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package catalog is the durable relational store for data products,
// sources, locations, flags, associations, tasks and events. It supports
// three engines selected by the database URL scheme: duckdb (embedded
// columnar, local development and analytics), sqlite (embedded journaling,
// multi-process ingestion) and postgres (production).
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/marcboeker/go-duckdb"
	_ "github.com/mattn/go-sqlite3"

	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

const (
	writeRetryAttempts = 3
	writeRetryDelay    = 500 * time.Millisecond
)

// ErrReadOnly is returned for write operations on a read-only store.
var ErrReadOnly = errors.New("catalog: store is read-only")

// ErrNotSeeded is returned when a registry row required by an operation is
// missing. It indicates PopulateRegistryTables was never run.
var ErrNotSeeded = errors.New("catalog: registry tables not seeded")

// IntegrityError wraps an underlying unique-constraint or FK violation.
// Ingestors translate it to already-exists or missing-registry semantics at
// their boundary.
type IntegrityError struct {
	Op  string
	Err error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("catalog: integrity violation in %s: %v", e.Op, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// IsIntegrityError reports whether err is (or wraps) an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// Store owns the catalog connection and the registry caches.
type Store struct {
	db       *sqlx.DB
	dialect  Dialect
	url      string
	readOnly bool

	// writeMu serializes write transactions on single-writer engines.
	writeMu sync.Mutex

	cacheMu     sync.RWMutex
	typePKs     map[string]int64
	assocTypes  map[string]assocTypeDef
	severityPKs map[string]int64
}

type assocTypeDef struct {
	pk      int64
	srcType string
	dstType string
}

// Open opens a read-write store for the given catalog URL.
func Open(databaseURL string) (*Store, error) {
	return open(databaseURL, false)
}

// OpenReadOnly opens a read-only session factory over the same file or
// server. Writes fail. Used by the query bridge in multi-process contexts.
func OpenReadOnly(databaseURL string) (*Store, error) {
	return open(databaseURL, true)
}

func open(databaseURL string, readOnly bool) (*Store, error) {
	d, target, err := dialectForURL(databaseURL)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(d.DriverName(), d.DSN(target, readOnly))
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", databaseURL, err)
	}
	if d.SingleWriter() && !readOnly {
		// Writes funnel through one shared connection.
		db.SetMaxOpenConns(1)
	}
	if strings.Contains(target, ":memory:") {
		// An in-memory sqlite database exists per connection; keep one.
		db.SetMaxOpenConns(1)
	}
	s := &Store{
		db:       db,
		dialect:  d,
		url:      databaseURL,
		readOnly: readOnly,
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sqlx handle for read queries.
func (s *Store) DB() *sqlx.DB { return s.db }

// Dialect returns the active dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// URL returns the catalog URL the store was opened with.
func (s *Store) URL() string { return s.url }

// CreateTables bootstraps the schema. It is idempotent.
func (s *Store) CreateTables(ctx context.Context) error {
	if s.readOnly {
		return ErrReadOnly
	}
	for _, stmt := range schemaDDL(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("catalog: create tables: %w", err)
		}
	}
	return nil
}

// WithWriteTx runs fn inside a write transaction. Transient lock/conflict
// errors are retried up to 3 times with exponential backoff starting at
// 500 ms; integrity violations and other errors propagate immediately.
func (s *Store) WithWriteTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if s.dialect.SingleWriter() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return retry.Do(
		func() error {
			tx, err := s.db.BeginTxx(ctx, nil)
			if err != nil {
				return err
			}
			if err := fn(tx); err != nil {
				_ = tx.Rollback()
				return err
			}
			return tx.Commit()
		},
		retry.Context(ctx),
		retry.Attempts(writeRetryAttempts),
		retry.Delay(writeRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(s.dialect.IsLockConflict),
		retry.OnRetry(func(n uint, err error) {
			log.Debugf("catalog: retrying write tx after conflict (attempt %d): %v", n+1, err)
		}),
	)
}

// Beginx starts an explicit write transaction. Callers own commit/rollback;
// batch ingestors use this to commit every N rows.
func (s *Store) Beginx(ctx context.Context) (*sqlx.Tx, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}
	return s.db.BeginTxx(ctx, nil)
}

// wrapWriteErr classifies driver errors from a write statement.
func (s *Store) wrapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if s.dialect.IsUniqueViolation(err) || s.dialect.IsForeignKeyViolation(err) {
		return &IntegrityError{Op: op, Err: err}
	}
	return fmt.Errorf("catalog: %s: %w", op, err)
}

// now returns the timezone-aware UTC timestamp used for every stored time.
func now() time.Time { return time.Now().UTC() }

// rebind adapts "?" placeholders to the dialect of the executor.
func rebind(ext sqlx.ExtContext, query string) string { return ext.Rebind(query) }

// LocationByLabel resolves a Location by its unique label.
func (s *Store) LocationByLabel(ctx context.Context, label string) (*Location, error) {
	var loc Location
	err := s.db.GetContext(ctx, &loc,
		rebind(s.db, `SELECT * FROM location WHERE label = ?`), label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: location %q not found: %w", label, ErrNotSeeded)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: location %q: %w", label, err)
	}
	return &loc, nil
}

// LocationByPK resolves a Location by surrogate key.
func (s *Store) LocationByPK(ctx context.Context, pk int64) (*Location, error) {
	var loc Location
	err := s.db.GetContext(ctx, &loc,
		rebind(s.db, `SELECT * FROM location WHERE pk = ?`), pk)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: location %d not found: %w", pk, ErrNotSeeded)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: location %d: %w", pk, err)
	}
	return &loc, nil
}

// DataProdTypePK resolves a product-type label to its surrogate key,
// caching the closed vocabulary after first load.
func (s *Store) DataProdTypePK(ctx context.Context, label string) (int64, error) {
	s.cacheMu.RLock()
	if pk, ok := s.typePKs[label]; ok {
		s.cacheMu.RUnlock()
		return pk, nil
	}
	s.cacheMu.RUnlock()

	rows := []struct {
		PK    int64  `db:"pk"`
		Label string `db:"label"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT pk, label FROM data_prod_type`); err != nil {
		return 0, fmt.Errorf("catalog: load product types: %w", err)
	}
	s.cacheMu.Lock()
	s.typePKs = make(map[string]int64, len(rows))
	for _, r := range rows {
		s.typePKs[r.Label] = r.PK
	}
	pk, ok := s.typePKs[label]
	s.cacheMu.Unlock()
	if !ok {
		return 0, fmt.Errorf("catalog: product type %q: %w", label, ErrNotSeeded)
	}
	return pk, nil
}

// AssocType resolves an association-type label to its definition (pk plus
// the permissible src/dst product types).
func (s *Store) AssocType(ctx context.Context, label string) (int64, string, string, error) {
	s.cacheMu.RLock()
	if def, ok := s.assocTypes[label]; ok {
		s.cacheMu.RUnlock()
		return def.pk, def.srcType, def.dstType, nil
	}
	s.cacheMu.RUnlock()

	rows := []struct {
		PK      int64          `db:"pk"`
		Label   string         `db:"label"`
		SrcType sql.NullString `db:"src_type"`
		DstType sql.NullString `db:"dst_type"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT pk, label, src_type, dst_type FROM data_prod_assoc_type`); err != nil {
		return 0, "", "", fmt.Errorf("catalog: load assoc types: %w", err)
	}
	s.cacheMu.Lock()
	s.assocTypes = make(map[string]assocTypeDef, len(rows))
	for _, r := range rows {
		s.assocTypes[r.Label] = assocTypeDef{pk: r.PK, srcType: r.SrcType.String, dstType: r.DstType.String}
	}
	def, ok := s.assocTypes[label]
	s.cacheMu.Unlock()
	if !ok {
		return 0, "", "", fmt.Errorf("catalog: assoc type %q: %w", label, ErrNotSeeded)
	}
	return def.pk, def.srcType, def.dstType, nil
}

// invalidateCaches drops the registry caches; called after seeding.
func (s *Store) invalidateCaches() {
	s.cacheMu.Lock()
	s.typePKs = nil
	s.assocTypes = nil
	s.severityPKs = nil
	s.cacheMu.Unlock()
}
