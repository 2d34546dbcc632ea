// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// newTestStore bootstraps a sqlite store in a temp dir with the registry
// seeded.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	s, err := Open("sqlite:" + dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	require.NoError(t, s.CreateTables(ctx))
	require.NoError(t, s.PopulateRegistryTables(ctx, RegistrySeed{
		DefaultLocation: &Location{
			Label:   "data_lmt",
			Type:    LocationFilesystem,
			RootURI: "file:///data_lmt",
		},
	}))
	return s
}

type StoreTestSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func (suite *StoreTestSuite) SetupTest() {
	suite.store = newTestStore(suite.T())
	suite.ctx = context.Background()
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func (suite *StoreTestSuite) TestBootstrapIdempotent() {
	// Re-running both bootstrap steps must not error or duplicate rows.
	suite.NoError(suite.store.CreateTables(suite.ctx))
	suite.NoError(suite.store.PopulateRegistryTables(suite.ctx, RegistrySeed{}))

	var n int
	suite.NoError(suite.store.DB().Get(&n, `SELECT COUNT(*) FROM data_prod_type`))
	suite.Equal(len(seedProdTypes), n)
	suite.NoError(suite.store.DB().Get(&n, `SELECT COUNT(*) FROM location`))
	suite.Equal(1, n)
}

func (suite *StoreTestSuite) TestLocationLookup() {
	loc, err := suite.store.LocationByLabel(suite.ctx, "data_lmt")
	suite.NoError(err)
	suite.Equal("file:///data_lmt", loc.RootURI)

	_, err = suite.store.LocationByLabel(suite.ctx, "nope")
	suite.ErrorIs(err, ErrNotSeeded)

	byPK, err := suite.store.LocationByPK(suite.ctx, loc.PK)
	suite.NoError(err)
	suite.Equal(loc.Label, byPK.Label)
}

func (suite *StoreTestSuite) TestQuartetUniqueness() {
	meta := &RawObsMeta{Name: "raw_tcs_1000_0_0", Master: "tcs", Obsnum: 1000, DataKind: RawTimeStream}
	err := suite.store.WithWriteTx(suite.ctx, func(tx *sqlx.Tx) error {
		_, err := suite.store.CreateRawObsProd(suite.ctx, tx, meta)
		return err
	})
	suite.NoError(err)

	// A second product with the same quartet violates the unique index.
	err = suite.store.WithWriteTx(suite.ctx, func(tx *sqlx.Tx) error {
		_, err := suite.store.CreateRawObsProd(suite.ctx, tx, meta)
		return err
	})
	suite.True(IsIntegrityError(err), "expected integrity error, got %v", err)

	prod, err := suite.store.FindRawObsProd(suite.ctx, suite.store.DB(), meta.Quartet())
	suite.NoError(err)
	suite.NotNil(prod)
	decoded, err := prod.RawObsMeta()
	suite.NoError(err)
	suite.Equal("tcs", decoded.Master)
}

func (suite *StoreTestSuite) TestSourceCompositeUnique() {
	loc, err := suite.store.LocationByLabel(suite.ctx, "data_lmt")
	suite.NoError(err)

	var prod *DataProd
	err = suite.store.WithWriteTx(suite.ctx, func(tx *sqlx.Tx) error {
		prod, err = suite.store.CreateRawObsProd(suite.ctx, tx,
			&RawObsMeta{Name: "raw_tcs_1_0_0", Master: "tcs", Obsnum: 1})
		if err != nil {
			return err
		}
		return suite.store.CreateSource(suite.ctx, tx, &DataProdSource{
			DataProdFK: prod.PK,
			LocationFK: loc.PK,
			SourceURI:  "toltec/tcs/toltec0_1_0_0.nc",
		}, &RoachInterfaceMeta{Interface: "toltec0"})
	})
	suite.NoError(err)

	err = suite.store.WithWriteTx(suite.ctx, func(tx *sqlx.Tx) error {
		return suite.store.CreateSource(suite.ctx, tx, &DataProdSource{
			DataProdFK: prod.PK,
			LocationFK: loc.PK,
			SourceURI:  "toltec/tcs/toltec0_1_0_0.nc",
		}, nil)
	})
	suite.True(IsIntegrityError(err))

	src, err := suite.store.FindSource(suite.ctx, suite.store.DB(), loc.PK, "toltec/tcs/toltec0_1_0_0.nc")
	suite.NoError(err)
	suite.NotNil(src)
	suite.Equal(RolePrimary, src.Role)
}

func (suite *StoreTestSuite) TestAssociationTyping() {
	var group, raw *DataProd
	err := suite.store.WithWriteTx(suite.ctx, func(tx *sqlx.Tx) error {
		var err error
		raw, err = suite.store.CreateRawObsProd(suite.ctx, tx,
			&RawObsMeta{Name: "raw_tcs_2_0_0", Master: "tcs", Obsnum: 2})
		if err != nil {
			return err
		}
		group, err = suite.store.CreateGroupProd(suite.ctx, tx, TypeCalGroup,
			&CalGroupMeta{GroupMetaFields{Name: "tcs-2-g1-cal", Master: "tcs", Obsnum: 2, NMembers: 1}})
		return err
	})
	suite.NoError(err)

	err = suite.store.WithWriteTx(suite.ctx, func(tx *sqlx.Tx) error {
		_, err := suite.store.CreateAssoc(suite.ctx, tx, AssocCalGroupRawObs, group.PK, raw.PK, nil)
		return err
	})
	suite.NoError(err)

	// The reverse direction violates the association typing.
	err = suite.store.WithWriteTx(suite.ctx, func(tx *sqlx.Tx) error {
		_, err := suite.store.CreateAssoc(suite.ctx, tx, AssocCalGroupRawObs, raw.PK, group.PK, nil)
		return err
	})
	suite.True(IsIntegrityError(err))

	exists, err := suite.store.AssocExists(suite.ctx, suite.store.DB(), AssocCalGroupRawObs, group.PK, raw.PK)
	suite.NoError(err)
	suite.True(exists)
}

func (suite *StoreTestSuite) TestDeleteCascades() {
	loc, _ := suite.store.LocationByLabel(suite.ctx, "data_lmt")
	var prod *DataProd
	err := suite.store.WithWriteTx(suite.ctx, func(tx *sqlx.Tx) error {
		var err error
		prod, err = suite.store.CreateRawObsProd(suite.ctx, tx,
			&RawObsMeta{Name: "raw_tcs_3_0_0", Master: "tcs", Obsnum: 3})
		if err != nil {
			return err
		}
		return suite.store.CreateSource(suite.ctx, tx, &DataProdSource{
			DataProdFK: prod.PK, LocationFK: loc.PK, SourceURI: "a/b.nc",
		}, nil)
	})
	suite.NoError(err)

	err = suite.store.WithWriteTx(suite.ctx, func(tx *sqlx.Tx) error {
		return suite.store.DeleteDataProd(suite.ctx, tx, prod.PK)
	})
	suite.NoError(err)

	srcs, err := suite.store.ListSourcesForProd(suite.ctx, prod.PK)
	suite.NoError(err)
	suite.Empty(srcs)
}

func (suite *StoreTestSuite) TestReadOnlyRejectsWrites() {
	ro, err := OpenReadOnly(suite.store.URL())
	suite.NoError(err)
	defer ro.Close()

	err = ro.WithWriteTx(suite.ctx, func(tx *sqlx.Tx) error { return nil })
	suite.ErrorIs(err, ErrReadOnly)
	suite.ErrorIs(ro.CreateTables(suite.ctx), ErrReadOnly)

	// Reads still work.
	loc, err := ro.LocationByLabel(suite.ctx, "data_lmt")
	suite.NoError(err)
	suite.Equal("data_lmt", loc.Label)
}

func TestFindOrCreateTaskContentAddressable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var pks []int64
	err := store.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		for i := 0; i < 3; i++ {
			prod, err := store.CreateRawObsProd(ctx, tx,
				&RawObsMeta{Name: "raw", Master: "tcs", Obsnum: 100 + i})
			if err != nil {
				return err
			}
			pks = append(pks, prod.PK)
		}
		return nil
	})
	require.NoError(t, err)

	params := JSONMap{"pipeline": "citlali", "version": "1.0"}
	t1, err := store.FindOrCreateTask(ctx, params, pks)
	require.NoError(t, err)
	assert.Equal(t, TaskQueued, t1.Status)

	// Same params, reversed input order: same task record.
	rev := []int64{pks[2], pks[1], pks[0]}
	t2, err := store.FindOrCreateTask(ctx, params, rev)
	require.NoError(t, err)
	assert.Equal(t, t1.PK, t2.PK)

	inputs, err := store.TaskInputPKs(ctx, t1.PK)
	require.NoError(t, err)
	assert.Len(t, inputs, 3)

	// Status machine.
	require.NoError(t, store.SetTaskStatus(ctx, t1.PK, TaskRunning))
	require.NoError(t, store.SetTaskStatus(ctx, t1.PK, TaskDone))
	err = store.SetTaskStatus(ctx, t1.PK, TaskRunning)
	assert.True(t, IsIntegrityError(err))
}

func TestEventLogAppend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		return store.AppendEvent(ctx, tx, EventQuartetDone, "quartet", 0,
			JSONMap{"uid": "tcs-1000-0-0"})
	})
	require.NoError(t, err)

	events, err := store.ListEvents(ctx, "quartet", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventQuartetDone, events[0].EventType)
	assert.NotEmpty(t, events[0].EventID)
	assert.Equal(t, "tcs-1000-0-0", events[0].Payload["uid"])
}

func TestFlags(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var prod *DataProd
	err := store.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		prod, err = store.CreateRawObsProd(ctx, tx,
			&RawObsMeta{Name: "raw", Master: "tcs", Obsnum: 7})
		return err
	})
	require.NoError(t, err)

	require.NoError(t, store.DefineFlag(ctx, "crane_in_beam", SeverityBlock))
	require.NoError(t, store.AttachFlag(ctx, prod.PK, "crane_in_beam", "", JSONMap{"asserted_by": "telcsv"}))

	flags, err := store.ListFlagsForProd(ctx, prod.PK)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, SeverityBlock, flags[0].Severity)

	err = store.AttachFlag(ctx, prod.PK, "undefined_flag", "", nil)
	assert.ErrorIs(t, err, ErrNotSeeded)
}

func TestDialectSelection(t *testing.T) {
	for _, tc := range []struct {
		url    string
		name   string
		driver string
	}{
		{"sqlite:/tmp/x.db", "sqlite", "sqlite3"},
		{"duckdb:/tmp/x.duckdb", "duckdb", "duckdb"},
		{"postgres://u:p@h/db", "postgres", "pgx"},
	} {
		d, _, err := dialectForURL(tc.url)
		require.NoError(t, err)
		assert.Equal(t, tc.name, d.Name())
		assert.Equal(t, tc.driver, d.DriverName())
	}
	_, _, err := dialectForURL("mysql://nope")
	assert.Error(t, err)
	_, _, err = dialectForURL("no-scheme")
	assert.Error(t, err)
}
