// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package ingest turns registered data files and telescope-metadata dumps
// into catalog records. All of its operations are idempotent: re-ingesting
// the same inputs leaves the catalog unchanged.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
	"github.com/toltec-astro/toltecdp/pkg/fileparse"
	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

// Stats is the per-batch ingestion statistics record.
type Stats struct {
	Scanned         int
	Ingested        int
	Skipped         int
	Failed          int
	ProductsCreated int
	SourcesCreated  int
}

func (s Stats) String() string {
	return fmt.Sprintf("scanned=%d ingested=%d skipped=%d failed=%d products=%d sources=%d",
		s.Scanned, s.Ingested, s.Skipped, s.Failed, s.ProductsCreated, s.SourcesCreated)
}

// Options tunes a single IngestFile call.
type Options struct {
	// SkipExisting short-circuits when a source with the same URI exists.
	SkipExisting bool
	// Master of the quartet; filenames do not carry it. Defaults to "tcs".
	Master string
	// ObsGoal and SourceName are carried into the product metadata when a
	// new product is created.
	ObsGoal    string
	SourceName string
	// Header, when non-nil, is checked against the filename-parsed
	// identity; a mismatch aborts the ingestion of this file.
	Header *fileparse.HeaderMeta
}

// DefaultOptions returns the default per-file options.
func DefaultOptions() Options {
	return Options{SkipExisting: true, Master: "tcs"}
}

// Ingestor creates one logical raw-observation product per quartet plus one
// physical source record per interface file.
type Ingestor struct {
	store    *catalog.Store
	location *catalog.Location
	rootPath string
}

// NewIngestor resolves the target Location by label. A missing location is
// a hard error requiring operator action.
func NewIngestor(ctx context.Context, store *catalog.Store, locationLabel string) (*Ingestor, error) {
	loc, err := store.LocationByLabel(ctx, locationLabel)
	if err != nil {
		return nil, err
	}
	return newIngestorWithLocation(store, loc)
}

// NewIngestorByPK resolves the target Location by surrogate key.
func NewIngestorByPK(ctx context.Context, store *catalog.Store, locationPK int64) (*Ingestor, error) {
	loc, err := store.LocationByPK(ctx, locationPK)
	if err != nil {
		return nil, err
	}
	return newIngestorWithLocation(store, loc)
}

func newIngestorWithLocation(store *catalog.Store, loc *catalog.Location) (*Ingestor, error) {
	root, err := locationRootPath(loc)
	if err != nil {
		return nil, err
	}
	return &Ingestor{store: store, location: loc, rootPath: root}, nil
}

// Location returns the resolved storage location.
func (ing *Ingestor) Location() *catalog.Location { return ing.location }

// locationRootPath extracts the local filesystem root of a location. Only
// filesystem locations anchor relative source URIs.
func locationRootPath(loc *catalog.Location) (string, error) {
	u, err := url.Parse(loc.RootURI)
	if err != nil {
		return "", fmt.Errorf("ingest: location %q root uri: %w", loc.Label, err)
	}
	if u.Scheme == "file" || u.Scheme == "" {
		return u.Path, nil
	}
	return "", nil
}

// sourceURI computes the file path relative to the location root, or the
// absolute path when the file is not under the root.
func (ing *Ingestor) sourceURI(path string) string {
	if ing.rootPath == "" {
		return path
	}
	rel, err := filepath.Rel(ing.rootPath, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

// absPath resolves a source URI back to a local filesystem path.
func (ing *Ingestor) absPath(uri string) string {
	if filepath.IsAbs(uri) || ing.rootPath == "" {
		return uri
	}
	return filepath.Join(ing.rootPath, uri)
}

// IngestFile creates the logical product and the physical source record for
// one parsed file, within the given transaction.
//
// The logical product is found-or-created first so the source row can
// reference its surrogate key; this ordering is the enforcement point of
// the quartet-uniqueness invariant. Returns (nil, nil, nil) when
// SkipExisting is set and the source URI is already cataloged.
func (ing *Ingestor) IngestFile(ctx context.Context, tx *sqlx.Tx, fi *fileparse.FileInfo, opts Options) (*catalog.DataProd, *catalog.DataProdSource, error) {
	prod, src, _, err := ing.ingestFile(ctx, tx, fi, opts)
	return prod, src, err
}

func (ing *Ingestor) ingestFile(ctx context.Context, tx *sqlx.Tx, fi *fileparse.FileInfo, opts Options) (*catalog.DataProd, *catalog.DataProdSource, bool, error) {
	if err := fileparse.CheckHeader(fi, opts.Header); err != nil {
		return nil, nil, false, err
	}
	master := opts.Master
	if opts.Header != nil {
		// The header is authoritative for the master.
		m, err := opts.Header.Master()
		if err != nil {
			return nil, nil, false, err
		}
		master = m
	}
	if master == "" {
		master = "tcs"
	}
	master = strings.ToLower(master)

	uri := ing.sourceURI(fi.Path)
	if opts.SkipExisting {
		existing, err := ing.store.FindSource(ctx, tx, ing.location.PK, uri)
		if err != nil {
			return nil, nil, false, err
		}
		if existing != nil {
			return nil, nil, false, nil
		}
	}

	quartet := catalog.Quartet{Master: master, Obsnum: fi.Obsnum, Subobsnum: fi.Subobsnum, Scannum: fi.Scannum}
	prod, err := ing.store.FindRawObsProd(ctx, tx, quartet)
	if err != nil {
		return nil, nil, false, err
	}
	created := false
	if prod == nil {
		meta := &catalog.RawObsMeta{
			Name:       fmt.Sprintf("raw_%s_%d_%d_%d", master, fi.Obsnum, fi.Subobsnum, fi.Scannum),
			Master:     master,
			Obsnum:     fi.Obsnum,
			Subobsnum:  fi.Subobsnum,
			Scannum:    fi.Scannum,
			DataKind:   fi.DataKind,
			ObsGoal:    opts.ObsGoal,
			SourceName: opts.SourceName,
		}
		prod, err = ing.store.CreateRawObsProd(ctx, tx, meta)
		if err != nil {
			return nil, nil, false, err
		}
		created = true
		if err := ing.store.AppendEvent(ctx, tx, catalog.EventProdCreated, "data_prod", prod.PK,
			catalog.JSONMap{"uid": quartet.String()}); err != nil {
			return nil, nil, false, err
		}
	}

	src := &catalog.DataProdSource{
		DataProdFK: prod.PK,
		LocationFK: ing.location.PK,
		SourceURI:  uri,
		Role:       catalog.RolePrimary,
	}
	src.Availability, src.Size = statFile(ing.absPath(uri))
	srcMeta := &catalog.RoachInterfaceMeta{
		Interface:     fi.Interface,
		RoachIndex:    fi.RoachIndex,
		NetworkID:     fi.RoachIndex,
		DataKind:      fi.DataKind,
		FileTimestamp: fi.Timestamp,
		FileSuffix:    fi.Suffix,
		FileExt:       fi.Ext,
	}
	if err := ing.store.CreateSource(ctx, tx, src, srcMeta); err != nil {
		return nil, nil, false, err
	}
	if err := ing.store.AppendEvent(ctx, tx, catalog.EventSourceCreated, "data_prod_source", src.PK,
		catalog.JSONMap{"uri": uri, "created_product": created}); err != nil {
		return nil, nil, false, err
	}
	return prod, src, created, nil
}

// batchSavepoint isolates one file or row inside the batch transaction so
// a failure discards only its own writes, never the committed-pending
// window around it. sqlite, duckdb and postgres all support the syntax.
const batchSavepoint = "ingest_unit"

func beginSavepoint(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, "SAVEPOINT "+batchSavepoint)
	return err
}

func releaseSavepoint(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+batchSavepoint)
	return err
}

func rollbackSavepoint(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+batchSavepoint); err != nil {
		return err
	}
	return releaseSavepoint(ctx, tx)
}

// statFile derives the availability state and size of a file from the
// filesystem. A missing file is not an error; the record is created with
// availability "missing".
func statFile(path string) (string, sql.NullInt64) {
	st, err := os.Stat(path)
	if err != nil {
		return catalog.AvailabilityMissing, sql.NullInt64{}
	}
	return catalog.AvailabilityAvailable, sql.NullInt64{Int64: st.Size(), Valid: true}
}

// IngestDirectory walks root for files matching pattern, ingests each, and
// commits every commitInterval rows. Each file runs inside its own
// savepoint, so a per-file error discards that file only and the walk
// continues; earlier files in the commit window are preserved.
// Batch-level errors propagate.
func (ing *Ingestor) IngestDirectory(ctx context.Context, root, pattern string, recursive bool, commitInterval int, opts Options) (Stats, error) {
	if commitInterval <= 0 {
		commitInterval = 100
	}
	var stats Stats

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, d.Name()); !ok {
				return nil
			}
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("ingest: walk %s: %w", root, err)
	}

	tx, err := ing.store.Beginx(ctx)
	if err != nil {
		return stats, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	pending := 0
	for _, path := range paths {
		stats.Scanned++
		fi, ok := fileparse.ParseFileName(path)
		if !ok {
			log.Debugf("ingest: skipping unrecognized file name %s", filepath.Base(path))
			stats.Skipped++
			continue
		}
		if err := beginSavepoint(ctx, tx); err != nil {
			return stats, fmt.Errorf("ingest: savepoint: %w", err)
		}
		prod, src, created, ferr := ing.ingestFile(ctx, tx, fi, opts)
		if ferr != nil {
			log.Warnf("ingest: %s failed: %v", filepath.Base(path), ferr)
			stats.Failed++
			if rerr := rollbackSavepoint(ctx, tx); rerr != nil {
				return stats, fmt.Errorf("ingest: rollback %s: %w", filepath.Base(path), rerr)
			}
			continue
		}
		if err := releaseSavepoint(ctx, tx); err != nil {
			return stats, fmt.Errorf("ingest: savepoint release: %w", err)
		}
		if prod == nil && src == nil {
			stats.Skipped++
			continue
		}
		stats.Ingested++
		stats.SourcesCreated++
		if created {
			stats.ProductsCreated++
		}
		pending++
		if pending >= commitInterval {
			if err := tx.Commit(); err != nil {
				tx = nil
				return stats, fmt.Errorf("ingest: commit: %w", err)
			}
			tx, err = ing.store.Beginx(ctx)
			if err != nil {
				tx = nil
				return stats, err
			}
			pending = 0
		}
	}
	if err := tx.Commit(); err != nil {
		tx = nil
		return stats, fmt.Errorf("ingest: final commit: %w", err)
	}
	tx = nil
	log.Infof("ingest: directory %s done: %s", root, stats)
	return stats, nil
}
