// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package columnar exposes analytical queries over the columnar data files
// referenced by catalog products, using an embedded DuckDB session. The
// bridge never writes to the catalog or the data files.
package columnar

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
)

// Table is a materialized tabular result set.
type Table struct {
	Columns []string
	Rows    [][]interface{}
}

// Len is the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Bridge resolves product IDs to file paths through the catalog and runs
// columnar queries over them.
type Bridge struct {
	db    *sqlx.DB
	store *catalog.Store
}

// NewBridge opens an in-memory DuckDB session over the given catalog.
func NewBridge(store *catalog.Store) (*Bridge, error) {
	db, err := sqlx.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("columnar: open duckdb: %w", err)
	}
	return &Bridge{db: db, store: store}, nil
}

// Close releases the DuckDB session.
func (b *Bridge) Close() error { return b.db.Close() }

// NormalizePath rewrites file:// URIs to local filesystem paths. Remote
// schemes (s3://, https://) pass through unchanged for DuckDB's httpfs.
func NormalizePath(p string) string {
	if strings.HasPrefix(p, "file://") {
		if u, err := url.Parse(p); err == nil {
			return u.Path
		}
	}
	return p
}

// ResolvePaths maps a product to the physical paths of its available
// sources: Location root joined with the relative source URI.
func (b *Bridge) ResolvePaths(ctx context.Context, prodPK int64) ([]string, error) {
	srcs, err := b.store.ListSourcesForProd(ctx, prodPK)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, src := range srcs {
		if src.Availability == catalog.AvailabilityMissing {
			continue
		}
		loc, err := b.store.LocationByPK(ctx, src.LocationFK)
		if err != nil {
			return nil, err
		}
		root := NormalizePath(loc.RootURI)
		uri := src.SourceURI
		if strings.Contains(uri, "://") || filepath.IsAbs(uri) || root == "" {
			paths = append(paths, NormalizePath(uri))
			continue
		}
		if strings.HasPrefix(root, "s3://") || strings.HasPrefix(root, "https://") {
			paths = append(paths, strings.TrimSuffix(root, "/")+"/"+uri)
			continue
		}
		paths = append(paths, filepath.Join(root, uri))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("columnar: product %d has no available sources", prodPK)
	}
	return paths, nil
}

// readerExpr picks the DuckDB table function for a path by extension.
func readerExpr(paths []string) (string, error) {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", "''") + "'"
	}
	list := "[" + strings.Join(quoted, ", ") + "]"
	switch ext := strings.ToLower(filepath.Ext(paths[0])); ext {
	case ".parquet":
		return "read_parquet(" + list + ")", nil
	case ".csv", ".ecsv":
		return "read_csv_auto(" + list + ")", nil
	default:
		return "", fmt.Errorf("columnar: unsupported file format %q", ext)
	}
}

// QueryProduct runs a projection over all available files of one product.
// sel is the select list; empty means "*".
func (b *Bridge) QueryProduct(ctx context.Context, prodPK int64, sel string) (*Table, error) {
	paths, err := b.ResolvePaths(ctx, prodPK)
	if err != nil {
		return nil, err
	}
	reader, err := readerExpr(paths)
	if err != nil {
		return nil, err
	}
	return b.query(ctx, fmt.Sprintf("SELECT %s FROM %s", selOrStar(sel), reader))
}

// QueryGlob runs a projection across every file matching the glob pattern.
func (b *Bridge) QueryGlob(ctx context.Context, pattern, sel string) (*Table, error) {
	reader, err := readerExpr([]string{NormalizePath(pattern)})
	if err != nil {
		return nil, err
	}
	return b.query(ctx, fmt.Sprintf("SELECT %s FROM %s", selOrStar(sel), reader))
}

// viewNameRe guards view identifiers against injection.
var viewNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// CreateView registers a named virtual view over a glob pattern. Views live
// in the in-memory session only; the underlying files are untouched.
func (b *Bridge) CreateView(ctx context.Context, name, pattern string) error {
	if !viewNameRe.MatchString(name) {
		return fmt.Errorf("columnar: invalid view name %q", name)
	}
	reader, err := readerExpr([]string{NormalizePath(pattern)})
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s", name, reader))
	if err != nil {
		return fmt.Errorf("columnar: create view %s: %w", name, err)
	}
	return nil
}

// QueryView runs a projection over a previously created view.
func (b *Bridge) QueryView(ctx context.Context, name, sel string) (*Table, error) {
	if !viewNameRe.MatchString(name) {
		return nil, fmt.Errorf("columnar: invalid view name %q", name)
	}
	return b.query(ctx, fmt.Sprintf("SELECT %s FROM %s", selOrStar(sel), name))
}

// JoinCatalog joins the raw-observation catalog rows with the columnar rows
// of a glob pattern on a shared key column. The catalog side is staged into
// a session-local temp table; the catalog itself is never written.
func (b *Bridge) JoinCatalog(ctx context.Context, prods []catalog.DataProd, key, pattern, sel string) (*Table, error) {
	if !viewNameRe.MatchString(key) {
		return nil, fmt.Errorf("columnar: invalid join key %q", key)
	}
	reader, err := readerExpr([]string{NormalizePath(pattern)})
	if err != nil {
		return nil, err
	}

	if _, err := b.db.ExecContext(ctx, `CREATE OR REPLACE TEMP TABLE catalog_rows (
pk BIGINT, master VARCHAR, obsnum INTEGER, subobsnum INTEGER, scannum INTEGER)`); err != nil {
		return nil, fmt.Errorf("columnar: stage catalog rows: %w", err)
	}
	for i := range prods {
		meta, err := prods[i].RawObsMeta()
		if err != nil {
			return nil, fmt.Errorf("columnar: stage catalog rows: %w", err)
		}
		if _, err := b.db.ExecContext(ctx,
			`INSERT INTO catalog_rows VALUES (?, ?, ?, ?, ?)`,
			prods[i].PK, meta.Master, meta.Obsnum, meta.Subobsnum, meta.Scannum); err != nil {
			return nil, fmt.Errorf("columnar: stage catalog rows: %w", err)
		}
	}
	return b.query(ctx, fmt.Sprintf(
		"SELECT %s FROM catalog_rows c JOIN %s f ON c.%s = f.%s",
		selOrStar(sel), reader, key, key))
}

func selOrStar(sel string) string {
	if strings.TrimSpace(sel) == "" {
		return "*"
	}
	return sel
}

// query materializes one statement as a Table.
func (b *Bridge) query(ctx context.Context, stmt string) (*Table, error) {
	rows, err := b.db.QueryxContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("columnar: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columnar: query: %w", err)
	}
	out := &Table{Columns: cols}
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("columnar: scan: %w", err)
		}
		out.Rows = append(out.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("columnar: query: %w", err)
	}
	return out, nil
}
