// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package query

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
)

func intp(v int) *int { return &v }

// newTestQuery seeds a catalog with quartets (tcs,1000,0,0) and
// (tcs,1000,0,1), each carrying 11 roach interface sources.
func newTestQuery(t *testing.T) (*ObsQuery, *catalog.Store) {
	t.Helper()
	store, err := catalog.Open("sqlite:" + filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	require.NoError(t, store.CreateTables(ctx))
	require.NoError(t, store.PopulateRegistryTables(ctx, catalog.RegistrySeed{
		DefaultLocation: &catalog.Location{
			Label: "data_lmt", Type: catalog.LocationFilesystem, RootURI: "file:///data_lmt",
		},
	}))
	loc, err := store.LocationByLabel(ctx, "data_lmt")
	require.NoError(t, err)

	for scannum := 0; scannum < 2; scannum++ {
		require.NoError(t, store.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
			prod, err := store.CreateRawObsProd(ctx, tx, &catalog.RawObsMeta{
				Name:     fmt.Sprintf("raw_tcs_1000_0_%d", scannum),
				Master:   "tcs",
				Obsnum:   1000,
				Scannum:  scannum,
				DataKind: catalog.RawTimeStream,
			})
			if err != nil {
				return err
			}
			for roach := 0; roach < 11; roach++ {
				src := &catalog.DataProdSource{
					DataProdFK: prod.PK,
					LocationFK: loc.PK,
					SourceURI:  fmt.Sprintf("toltec%d_1000_0_%d_timestream.nc", roach, scannum),
					Role:       catalog.RolePrimary,
				}
				if err := store.CreateSource(ctx, tx, src, &catalog.RoachInterfaceMeta{
					Interface:  fmt.Sprintf("toltec%d", roach),
					RoachIndex: roach,
					NetworkID:  roach,
					DataKind:   catalog.RawTimeStream,
					FileSuffix: "timestream",
					FileExt:    "nc",
				}); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	return New(store, "data_lmt"), store
}

func TestInfoTableSpecResolution(t *testing.T) {
	q, _ := newTestQuery(t)
	ctx := context.Background()

	rows, err := q.GetRawObsInfoTable(ctx, "1000-{0,1,2}/0", Options{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, 1000, row.Obsnum)
		assert.Equal(t, 0, row.Subobsnum)
		assert.Equal(t, "toltec0", row.Interface)
		require.NotNil(t, row.Roach)
		assert.Equal(t, 0, *row.Roach)
	}
	assert.Equal(t, 0, rows[0].Scannum)
	assert.Equal(t, 1, rows[1].Scannum)
}

func TestInfoTableUIDConventions(t *testing.T) {
	q, _ := newTestQuery(t)
	ctx := context.Background()

	// Without a master constraint the UIDs omit the prefix.
	rows, err := q.GetRawObsInfoTable(ctx, "1000-0-0/0", Options{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1000", rows[0].UIDObs)
	assert.Equal(t, "1000-0-0", rows[0].UIDRawObs)
	assert.Equal(t, "1000-0-0-toltec0", rows[0].UIDRawObsFile)

	rows, err = q.GetRawObsInfoTable(ctx, "tcs-1000-0-0/0", Options{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "tcs-1000-0-0", rows[0].UIDRawObs)
	assert.Equal(t, "tcs-1000-0-0-toltec0", rows[0].UIDRawObsFile)
}

func TestInfoTableWildcardsAndFields(t *testing.T) {
	q, _ := newTestQuery(t)
	ctx := context.Background()

	// All sources of the quartet family.
	rows, err := q.GetRawObsInfoTable(ctx, "1000", Options{})
	require.NoError(t, err)
	assert.Len(t, rows, 22)

	// Slice wildcard on scannum, single roach.
	rows, err = q.GetRawObsInfoTable(ctx, "1000-0-[]/3", Options{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// Roach list filter.
	rows, err = q.GetRawObsInfoTable(ctx, "1000-0-0-{0,1}", Options{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = q.GetRawObsInfoTable(ctx, "1000", Options{Interface: "toltec5"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, "timestream", rows[0].FileSuffix)
	assert.Equal(t, "nc", rows[0].FileExt)
}

func TestInfoTableFailurePolicy(t *testing.T) {
	q, _ := newTestQuery(t)
	ctx := context.Background()

	_, err := q.GetRawObsInfoTable(ctx, "1000", Options{RaiseOnMultiple: true})
	assert.ErrorIs(t, err, ErrAmbiguous)

	_, err = q.GetRawObsInfoTable(ctx, "9999", Options{RaiseOnEmpty: true})
	assert.ErrorIs(t, err, ErrNotFound)

	// Defaults do neither.
	rows, err := q.GetRawObsInfoTable(ctx, "9999", Options{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestInfoTableOverrides(t *testing.T) {
	q, _ := newTestQuery(t)
	ctx := context.Background()

	rows, err := q.GetRawObsInfoTable(ctx, "1000", Options{
		Scannum:   intp(1),
		Interface: "toltec0",
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Scannum)
}

func TestGetRawObsLatest(t *testing.T) {
	q, store := newTestQuery(t)
	ctx := context.Background()

	// Add a newer observation with a single source.
	loc, err := store.LocationByLabel(ctx, "data_lmt")
	require.NoError(t, err)
	require.NoError(t, store.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		prod, err := store.CreateRawObsProd(ctx, tx, &catalog.RawObsMeta{
			Name: "raw_tcs_2000_0_0", Master: "tcs", Obsnum: 2000, DataKind: catalog.VnaSweep,
		})
		if err != nil {
			return err
		}
		return store.CreateSource(ctx, tx, &catalog.DataProdSource{
			DataProdFK: prod.PK, LocationFK: loc.PK,
			SourceURI: "toltec0_2000_0_0_vnasweep.nc", Role: catalog.RolePrimary,
		}, &catalog.RoachInterfaceMeta{Interface: "toltec0", RoachIndex: 0, DataKind: catalog.VnaSweep})
	}))

	rows, err := q.GetRawObsLatest(ctx, "", Options{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2000, rows[0].Obsnum)

	// An empty spec means latest.
	rows, err = q.GetRawObsInfoTable(ctx, "", Options{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2000, rows[0].Obsnum)
}

func TestGetRawObsLatestRespectsInterfaceFilter(t *testing.T) {
	q, store := newTestQuery(t)
	ctx := context.Background()

	// Newest obsnum carries only toltec0; obsnum 1000 has all 11 roaches.
	loc, err := store.LocationByLabel(ctx, "data_lmt")
	require.NoError(t, err)
	require.NoError(t, store.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		prod, err := store.CreateRawObsProd(ctx, tx, &catalog.RawObsMeta{
			Name: "raw_tcs_3000_0_0", Master: "tcs", Obsnum: 3000, DataKind: catalog.VnaSweep,
		})
		if err != nil {
			return err
		}
		return store.CreateSource(ctx, tx, &catalog.DataProdSource{
			DataProdFK: prod.PK, LocationFK: loc.PK,
			SourceURI: "toltec0_3000_0_0_vnasweep.nc", Role: catalog.RolePrimary,
		}, &catalog.RoachInterfaceMeta{Interface: "toltec0", RoachIndex: 0, DataKind: catalog.VnaSweep})
	}))

	// Unfiltered latest is obsnum 3000.
	rows, err := q.GetRawObsLatest(ctx, "", Options{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3000, rows[0].Obsnum)

	// With an interface the newest obsnum lacks, latest falls back to the
	// newest obsnum that carries it.
	rows, err = q.GetRawObsLatest(ctx, "", Options{Interface: "toltec5"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, 1000, row.Obsnum)
		assert.Equal(t, "toltec5", row.Interface)
	}

	// An interface nothing carries resolves to empty (or ErrNotFound).
	rows, err = q.GetRawObsLatest(ctx, "", Options{Interface: "toltec12"})
	require.NoError(t, err)
	assert.Empty(t, rows)
	_, err = q.GetRawObsLatest(ctx, "", Options{Interface: "toltec12", RaiseOnEmpty: true})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInfoTablePathSpec(t *testing.T) {
	q, _ := newTestQuery(t)
	ctx := context.Background()

	rows, err := q.GetRawObsInfoTable(ctx, "/data_lmt/toltec3_1000_0_1_timestream.nc", Options{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "toltec3", rows[0].Interface)
	assert.Equal(t, 1, rows[0].Scannum)
}
