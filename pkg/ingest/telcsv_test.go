// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
	"github.com/toltec-astro/toltecdp/pkg/fileparse"
)

const telCSVHeader = `Date/Time [UT],ObsNum,ProjectId,ObsPgm,SourceName,ObsGoal,Valid,FileName,IntegrationTime,Az [deg],El [deg],Tau,CraneInBeam`

func telCSV(rows ...string) string {
	return telCSVHeader + "\n" + strings.Join(rows, "\n") + "\n"
}

func TestTelCSVMergeIntoRawObs(t *testing.T) {
	store, root := setupStore(t)
	ctx := context.Background()
	ing, err := NewIngestor(ctx, store, "data_lmt")
	require.NoError(t, err)

	// Raw interface file first.
	path := touch(t, root, "toltec0_1000_0_0_timestream.nc")
	fi, _ := fileparse.ParseFileName(path)
	var prodPK int64
	inTx(t, store, func(tx *sqlx.Tx) error {
		prod, _, err := ing.IngestFile(ctx, tx, fi, DefaultOptions())
		if prod != nil {
			prodPK = prod.PK
		}
		return err
	})

	tel := &TelCSVIngestor{ing: ing}
	csv := telCSV(`2022-01-01 10:00:00,1000.0.0,2022-S1-US-1,Map,NGC1333,science,1,/data/data_lmt/tel/tel_toltec_1000_0_0.nc,10.5,180.25,45.5,0.1,0`)
	stats, err := tel.ingestReader(ctx, strings.NewReader(csv), DefaultTelCSVOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ingested)
	assert.Equal(t, 0, stats.ProductsCreated)
	assert.Equal(t, 1, stats.SourcesCreated)

	prod, err := store.GetDataProd(ctx, prodPK)
	require.NoError(t, err)
	meta, err := prod.RawObsMeta()
	require.NoError(t, err)
	assert.Equal(t, catalog.RawTimeStream|catalog.LmtTel, meta.DataKind)
	assert.Equal(t, "science", meta.ObsGoal)
	assert.Equal(t, "NGC1333", meta.SourceName)
	require.NotNil(t, meta.Tel)
	assert.Equal(t, 180.25, meta.Tel.Az)
	assert.Equal(t, 45.5, meta.Tel.El)
	assert.Equal(t, "Map", meta.Tel.ObsPgm)

	srcs, err := store.ListSourcesForProd(ctx, prodPK)
	require.NoError(t, err)
	require.Len(t, srcs, 2)
	roles := map[string]string{}
	for _, s := range srcs {
		roles[s.Role] = s.SourceURI
	}
	assert.Contains(t, roles, catalog.RolePrimary)
	assert.Equal(t, "tel/tel_toltec_1000_0_0.nc", roles[catalog.RoleMetadata])
}

func TestTelCSVCreatesProduct(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	tel, err := NewTelCSVIngestor(ctx, store, "data_lmt")
	require.NoError(t, err)

	csv := telCSV(`2022-01-01 10:00:00,2000.1.2,P1,Cal,Uranus,pointing,1,data_lmt/tel/tel_toltec_2000_1_2.nc,1,0,0,0,0`)
	stats, err := tel.ingestReader(ctx, strings.NewReader(csv), DefaultTelCSVOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ProductsCreated)

	prod, err := store.FindRawObsProd(ctx, store.DB(),
		catalog.Quartet{Master: "tcs", Obsnum: 2000, Subobsnum: 1, Scannum: 2})
	require.NoError(t, err)
	require.NotNil(t, prod)
	meta, err := prod.RawObsMeta()
	require.NoError(t, err)
	assert.Equal(t, catalog.LmtTel, meta.DataKind)
}

func TestTelCSVSkipsInvalidAndMalformedRows(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	tel, err := NewTelCSVIngestor(ctx, store, "data_lmt")
	require.NoError(t, err)

	csv := telCSV(
		`2022-01-01 10:00:00,3000.0.0,P1,Map,Src,science,0,data_lmt/tel/a.nc,1,0,0,0,0`,
		`2022-01-01 10:00:00,not-a-triplet,P1,Map,Src,science,1,data_lmt/tel/b.nc,1,0,0,0,0`,
		`2022-01-01 10:00:00,3001.0.0,P1,Map,Src,science,1,data_lmt/tel/c.nc,1,0,0,0,0`,
	)
	stats, err := tel.ingestReader(ctx, strings.NewReader(csv), DefaultTelCSVOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Ingested)

	// The invalid row never produced a product.
	prod, err := store.FindRawObsProd(ctx, store.DB(),
		catalog.Quartet{Master: "tcs", Obsnum: 3000})
	require.NoError(t, err)
	assert.Nil(t, prod)
}

func TestTelCSVIdempotent(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	tel, err := NewTelCSVIngestor(ctx, store, "data_lmt")
	require.NoError(t, err)

	csv := telCSV(`2022-01-01 10:00:00,4000.0.0,P1,Map,Src,science,1,data_lmt/tel/tel_toltec_4000_0_0.nc,1,0,0,0,0`)
	_, err = tel.ingestReader(ctx, strings.NewReader(csv), DefaultTelCSVOptions())
	require.NoError(t, err)

	stats, err := tel.ingestReader(ctx, strings.NewReader(csv), DefaultTelCSVOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ProductsCreated)
	assert.Equal(t, 0, stats.SourcesCreated)

	prod, err := store.FindRawObsProd(ctx, store.DB(),
		catalog.Quartet{Master: "tcs", Obsnum: 4000})
	require.NoError(t, err)
	require.NotNil(t, prod)
	srcs, err := store.ListSourcesForProd(ctx, prod.PK)
	require.NoError(t, err)
	assert.Len(t, srcs, 1)
}

func TestTelCSVRowFailureKeepsCommitWindow(t *testing.T) {
	// A row failing mid-transaction discards its own writes only; the
	// earlier row in the same commit window is committed and the counters
	// describe what landed.
	store, _ := setupStore(t)
	ctx := context.Background()
	tel, err := NewTelCSVIngestor(ctx, store, "data_lmt")
	require.NoError(t, err)

	// With SkipExisting off, the second row trips the duplicate-source
	// constraint after having created its product.
	opts := DefaultTelCSVOptions()
	opts.SkipExisting = false
	csv := telCSV(
		`2022-01-01 10:00:00,5000.0.0,P1,Map,Src,science,1,data_lmt/tel/tel_toltec_5000_0_0.nc,1,0,0,0,0`,
		`2022-01-01 10:01:00,5001.0.0,P1,Map,Src,science,1,data_lmt/tel/tel_toltec_5000_0_0.nc,1,0,0,0,0`,
	)
	stats, err := tel.ingestReader(ctx, strings.NewReader(csv), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ingested)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.ProductsCreated)
	assert.Equal(t, 1, stats.SourcesCreated)

	prod, err := store.FindRawObsProd(ctx, store.DB(),
		catalog.Quartet{Master: "tcs", Obsnum: 5000})
	require.NoError(t, err)
	require.NotNil(t, prod)
	srcs, err := store.ListSourcesForProd(ctx, prod.PK)
	require.NoError(t, err)
	assert.Len(t, srcs, 1)

	// The failed row's product was rolled back with it.
	prod, err = store.FindRawObsProd(ctx, store.DB(),
		catalog.Quartet{Master: "tcs", Obsnum: 5001})
	require.NoError(t, err)
	assert.Nil(t, prod)
}

func TestTelSourceURI(t *testing.T) {
	assert.Equal(t, "tel/tel_toltec_1_0_0.nc", telSourceURI("/data/data_lmt/tel/tel_toltec_1_0_0.nc"))
	assert.Equal(t, "tel/tel_toltec_1_0_0.nc", telSourceURI("data_lmt/tel/tel_toltec_1_0_0.nc"))
	assert.Equal(t, "other/path.nc", telSourceURI("/other/path.nc"))
}
