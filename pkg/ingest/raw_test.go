// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
	"github.com/toltec-astro/toltecdp/pkg/fileparse"
)

// setupStore bootstraps a sqlite catalog whose default location roots at a
// fresh temp dir, and returns both.
func setupStore(t *testing.T) (*catalog.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dataRoot := filepath.Join(dir, "data_lmt")
	require.NoError(t, os.MkdirAll(dataRoot, 0o755))

	store, err := catalog.Open("sqlite:" + filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.CreateTables(ctx))
	require.NoError(t, store.PopulateRegistryTables(ctx, catalog.RegistrySeed{
		DefaultLocation: &catalog.Location{
			Label:   "data_lmt",
			Type:    catalog.LocationFilesystem,
			RootURI: "file://" + dataRoot,
		},
	}))
	return store, dataRoot
}

// touch creates an empty data file under root and returns its path.
func touch(t *testing.T, root string, name string) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func inTx(t *testing.T, store *catalog.Store, fn func(tx *sqlx.Tx) error) {
	t.Helper()
	require.NoError(t, store.WithWriteTx(context.Background(), fn))
}

func TestIngestFileCreatesProductAndSource(t *testing.T) {
	store, root := setupStore(t)
	ctx := context.Background()
	ing, err := NewIngestor(ctx, store, "data_lmt")
	require.NoError(t, err)

	path := touch(t, root, "toltec/tcs/toltec0_1000_0_0_vnasweep.nc")
	fi, ok := fileparse.ParseFileName(path)
	require.True(t, ok)

	var prod *catalog.DataProd
	var src *catalog.DataProdSource
	inTx(t, store, func(tx *sqlx.Tx) error {
		prod, src, err = ing.IngestFile(ctx, tx, fi, DefaultOptions())
		return err
	})
	require.NotNil(t, prod)
	require.NotNil(t, src)

	meta, err := prod.RawObsMeta()
	require.NoError(t, err)
	assert.Equal(t, "raw_tcs_1000_0_0", meta.Name)
	assert.Equal(t, catalog.VnaSweep, meta.DataKind)

	assert.Equal(t, "toltec/tcs/toltec0_1000_0_0_vnasweep.nc", src.SourceURI)
	assert.Equal(t, catalog.AvailabilityAvailable, src.Availability)
	assert.True(t, src.Size.Valid)

	srcMeta, err := src.Meta()
	require.NoError(t, err)
	roach, ok := srcMeta.(*catalog.RoachInterfaceMeta)
	require.True(t, ok)
	assert.Equal(t, "toltec0", roach.Interface)
	assert.Equal(t, 0, roach.RoachIndex)
}

func TestIngestFileSkipExisting(t *testing.T) {
	store, root := setupStore(t)
	ctx := context.Background()
	ing, err := NewIngestor(ctx, store, "data_lmt")
	require.NoError(t, err)

	path := touch(t, root, "toltec0_1000_0_0_timestream.nc")
	fi, _ := fileparse.ParseFileName(path)

	inTx(t, store, func(tx *sqlx.Tx) error {
		_, _, err := ing.IngestFile(ctx, tx, fi, DefaultOptions())
		return err
	})
	inTx(t, store, func(tx *sqlx.Tx) error {
		prod, src, err := ing.IngestFile(ctx, tx, fi, DefaultOptions())
		assert.Nil(t, prod)
		assert.Nil(t, src)
		return err
	})
}

func TestIngestFileSharedQuartet(t *testing.T) {
	// Two interface files of the same quartet share one logical product.
	store, root := setupStore(t)
	ctx := context.Background()
	ing, err := NewIngestor(ctx, store, "data_lmt")
	require.NoError(t, err)

	var pk0, pk1 int64
	for i, name := range []string{"toltec0_1000_0_0_timestream.nc", "toltec1_1000_0_0_timestream.nc"} {
		path := touch(t, root, name)
		fi, _ := fileparse.ParseFileName(path)
		inTx(t, store, func(tx *sqlx.Tx) error {
			prod, _, err := ing.IngestFile(ctx, tx, fi, DefaultOptions())
			if i == 0 {
				pk0 = prod.PK
			} else {
				pk1 = prod.PK
			}
			return err
		})
	}
	assert.Equal(t, pk0, pk1)

	srcs, err := store.ListSourcesForProd(ctx, pk0)
	require.NoError(t, err)
	assert.Len(t, srcs, 2)
}

func TestIngestFileHeaderMismatch(t *testing.T) {
	store, root := setupStore(t)
	ctx := context.Background()
	ing, err := NewIngestor(ctx, store, "data_lmt")
	require.NoError(t, err)

	path := touch(t, root, "toltec0_1001_0_0_timestream.nc")
	fi, _ := fileparse.ParseFileName(path)

	opts := DefaultOptions()
	opts.Header = &fileparse.HeaderMeta{MasterID: 0, Obsnum: 1002, Subobsnum: 0, Scannum: 0, RoachIndex: 0}

	err = store.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		_, _, err := ing.IngestFile(ctx, tx, fi, opts)
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")

	// No partial product was created.
	prod, err := store.FindRawObsProd(ctx, store.DB(),
		catalog.Quartet{Master: "tcs", Obsnum: 1001})
	require.NoError(t, err)
	assert.Nil(t, prod)
}

func TestIngestDirectoryIdempotent(t *testing.T) {
	store, root := setupStore(t)
	ctx := context.Background()
	ing, err := NewIngestor(ctx, store, "data_lmt")
	require.NoError(t, err)

	for _, name := range []string{
		"toltec0_1000_0_0_vnasweep.nc",
		"toltec0_1000_0_1_targsweep.nc",
		"toltec1_1000_0_1_targsweep.nc",
		"notes.txt",
	} {
		touch(t, root, name)
	}

	stats, err := ing.IngestDirectory(ctx, root, "", true, 2, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Scanned)
	assert.Equal(t, 3, stats.Ingested)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 2, stats.ProductsCreated)
	assert.Equal(t, 3, stats.SourcesCreated)

	// Second run: everything already cataloged.
	stats, err = ing.IngestDirectory(ctx, root, "", true, 2, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Ingested)
	assert.Equal(t, 4, stats.Skipped)
	assert.Equal(t, 0, stats.ProductsCreated)

	prods, err := store.ListDataProdsByType(ctx, catalog.TypeRawObs)
	require.NoError(t, err)
	assert.Len(t, prods, 2)
}

func TestIngestDirectoryFailureKeepsCommitWindow(t *testing.T) {
	// A header mismatch fails its own file only: the earlier file in the
	// same commit window is committed and the stats describe what landed.
	store, root := setupStore(t)
	ctx := context.Background()
	ing, err := NewIngestor(ctx, store, "data_lmt")
	require.NoError(t, err)

	touch(t, root, "toltec0_1001_0_0_vnasweep.nc")
	touch(t, root, "toltec0_1002_0_0_vnasweep.nc")

	opts := DefaultOptions()
	opts.Header = &fileparse.HeaderMeta{MasterID: 0, Obsnum: 1001, Subobsnum: 0, Scannum: 0, RoachIndex: 0}

	stats, err := ing.IngestDirectory(ctx, root, "", false, 100, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Ingested)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.ProductsCreated)
	assert.Equal(t, 1, stats.SourcesCreated)

	prods, err := store.ListDataProdsByType(ctx, catalog.TypeRawObs)
	require.NoError(t, err)
	require.Len(t, prods, 1)

	prod, err := store.FindRawObsProd(ctx, store.DB(),
		catalog.Quartet{Master: "tcs", Obsnum: 1001})
	require.NoError(t, err)
	require.NotNil(t, prod)
	srcs, err := store.ListSourcesForProd(ctx, prod.PK)
	require.NoError(t, err)
	assert.Len(t, srcs, 1)

	// The mismatching quartet left no trace.
	prod, err = store.FindRawObsProd(ctx, store.DB(),
		catalog.Quartet{Master: "tcs", Obsnum: 1002})
	require.NoError(t, err)
	assert.Nil(t, prod)
}

func TestIngestMissingFileAvailability(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	ing, err := NewIngestor(ctx, store, "data_lmt")
	require.NoError(t, err)

	// Registered but never written to disk.
	fi, _ := fileparse.ParseFileName("/elsewhere/toltec2_555_0_0_tune.nc")
	var src *catalog.DataProdSource
	inTx(t, store, func(tx *sqlx.Tx) error {
		_, src, err = ing.IngestFile(ctx, tx, fi, DefaultOptions())
		return err
	})
	require.NotNil(t, src)
	assert.Equal(t, catalog.AvailabilityMissing, src.Availability)
	assert.False(t, src.Size.Valid)
}
