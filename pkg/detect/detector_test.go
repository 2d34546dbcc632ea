// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package detect

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
)

// fakeRegistry is an in-memory acquisition registry that rows get appended
// to between ticks.
type fakeRegistry struct {
	rows []RegistryRow
}

func (f *fakeRegistry) Poll(_ context.Context, sinceID int64, _ int) ([]RegistryRow, error) {
	var out []RegistryRow
	for _, r := range f.rows {
		if r.ID > sinceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRegistry) add(obsnum, roach, valid int) {
	f.rows = append(f.rows, RegistryRow{
		ID:         int64(len(f.rows) + 1),
		Master:     "tcs",
		Obsnum:     obsnum,
		RoachIndex: roach,
		Valid:      valid,
		Date:       "2022-01-01",
		Time:       "10:00:00",
		FileName:   "toltec.nc",
	})
}

func testConfig(dir string) Config {
	return Config{
		MaxInterfaceCount:  13,
		DisabledInterfaces: []int{1, 6},
		ValidationTimeout:  30 * time.Second,
		PollInterval:       2 * time.Second,
		BatchSize:          50,
		CursorPath:         filepath.Join(dir, "detect-cursor.json"),
	}
}

func TestDetectorAllValid(t *testing.T) {
	reg := &fakeRegistry{}
	mock := clock.NewMock()
	d := newDetector(reg, nil, testConfig(t.TempDir()), mock)
	require.Equal(t, 11, d.ExpectedCount())

	// All enabled roaches report valid; 1 and 6 are disabled.
	for roach := 0; roach < 13; roach++ {
		if roach == 1 || roach == 6 {
			continue
		}
		reg.add(1000, roach, 1)
	}
	events, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, catalog.Quartet{Master: "tcs", Obsnum: 1000}, ev.Quartet)
	assert.Equal(t, 11, ev.ValidCount)
	assert.Equal(t, 11, ev.ExpectedCount)
	assert.Equal(t, ReasonAllValid, ev.Reason)
	assert.Equal(t, "2022-01-01", ev.ObsDate)
}

func TestDetectorDisabledRowsDoNotCount(t *testing.T) {
	reg := &fakeRegistry{}
	mock := clock.NewMock()
	d := newDetector(reg, nil, testConfig(t.TempDir()), mock)

	// 10 enabled valid rows plus both disabled: still one short of 11.
	for _, roach := range []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11} {
		reg.add(1000, roach, 1)
	}
	events, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)

	reg.add(1000, 12, 1)
	events, err = d.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonAllValid, events[0].Reason)
	assert.Equal(t, 11, events[0].ValidCount)
}

func TestDetectorQuiescenceTimeout(t *testing.T) {
	reg := &fakeRegistry{}
	mock := clock.NewMock()
	d := newDetector(reg, nil, testConfig(t.TempDir()), mock)

	for roach := 0; roach < 5; roach++ {
		reg.add(2000, roach, 1)
	}
	events, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)

	// 45s of silence exceeds the 30s quiescence window.
	mock.Add(45 * time.Second)
	events, err = d.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonTimeout, events[0].Reason)
	assert.Equal(t, 5, events[0].ValidCount)
}

func TestDetectorTimeoutResetsOnTransition(t *testing.T) {
	reg := &fakeRegistry{}
	mock := clock.NewMock()
	d := newDetector(reg, nil, testConfig(t.TempDir()), mock)

	reg.add(2000, 0, 1)
	_, err := d.Tick(context.Background())
	require.NoError(t, err)

	// A fresh valid row 20s in restarts the quiescence timer.
	mock.Add(20 * time.Second)
	reg.add(2000, 2, 1)
	events, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)

	mock.Add(20 * time.Second)
	events, err = d.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)

	mock.Add(10 * time.Second)
	events, err = d.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonTimeout, events[0].Reason)
}

func TestDetectorNewQuartetSignal(t *testing.T) {
	reg := &fakeRegistry{}
	mock := clock.NewMock()
	d := newDetector(reg, nil, testConfig(t.TempDir()), mock)

	reg.add(3000, 0, 1)
	reg.add(3000, 2, 1)
	_, err := d.Tick(context.Background())
	require.NoError(t, err)

	// A row for a strictly greater quartet finalizes the smaller one.
	reg.add(3001, 0, 1)
	events, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 3000, events[0].Quartet.Obsnum)
	assert.Equal(t, ReasonNewQuartet, events[0].Reason)
	assert.Equal(t, 2, events[0].ValidCount)

	// The newer quartet stays pending.
	assert.Equal(t, []catalog.Quartet{{Master: "tcs", Obsnum: 3001}}, d.PendingQuartets())
}

func TestDetectorEmitsAtMostOnce(t *testing.T) {
	reg := &fakeRegistry{}
	mock := clock.NewMock()
	d := newDetector(reg, nil, testConfig(t.TempDir()), mock)

	for roach := 0; roach < 5; roach++ {
		reg.add(4000, roach, 1)
	}
	_, _ = d.Tick(context.Background())
	mock.Add(45 * time.Second)
	events, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Straggler valid rows must not re-trigger the quartet.
	reg.add(4000, 7, 1)
	reg.add(4000, 8, 1)
	mock.Add(45 * time.Second)
	events, err = d.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDetectorSuppressesCatalogedQuartet(t *testing.T) {
	dir := t.TempDir()
	store, err := catalog.Open("sqlite:" + filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	require.NoError(t, store.CreateTables(ctx))
	require.NoError(t, store.PopulateRegistryTables(ctx, catalog.RegistrySeed{}))

	// The quartet is already in the catalog.
	require.NoError(t, store.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		_, err := store.CreateRawObsProd(ctx, tx, &catalog.RawObsMeta{
			Name: "raw_tcs_5000_0_0", Master: "tcs", Obsnum: 5000,
		})
		return err
	}))

	reg := &fakeRegistry{}
	mock := clock.NewMock()
	d := newDetector(reg, store, testConfig(dir), mock)
	for roach := 0; roach < 13; roach++ {
		if roach == 1 || roach == 6 {
			continue
		}
		reg.add(5000, roach, 1)
	}
	events, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, d.PendingQuartets())
}

func TestDetectorCursorPersistence(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	reg := &fakeRegistry{}
	mock := clock.NewMock()

	d := newDetector(reg, nil, cfg, mock)
	reg.add(6000, 0, 1)
	reg.add(6000, 2, 1)
	_, err := d.Tick(context.Background())
	require.NoError(t, err)

	// A restarted detector recovers the high-water mark and pending state.
	d2 := newDetector(reg, nil, cfg, mock)
	assert.Equal(t, int64(2), d2.cur.LastRowID)
	require.Len(t, d2.PendingQuartets(), 1)
	st := d2.cur.Quartets["tcs-6000-0-0"]
	require.NotNil(t, st)
	assert.Equal(t, 2, st.ValidCount)

	// And the quiescence timer carries over.
	mock.Add(45 * time.Second)
	events, err := d2.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonTimeout, events[0].Reason)
}

func TestLoadCursorCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cursor.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	c := loadCursor(path)
	assert.Equal(t, int64(0), c.LastRowID)
	assert.Empty(t, c.Quartets)
}

func TestDetectorBatchCap(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.BatchSize = 2
	reg := &fakeRegistry{}
	mock := clock.NewMock()
	d := newDetector(reg, nil, cfg, mock)

	for obsnum := 7000; obsnum < 7005; obsnum++ {
		reg.add(obsnum, 0, 1)
	}

	// The first four complete via the newer-quartet signal; only two emit
	// per tick, oldest first.
	events, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 7000, events[0].Quartet.Obsnum)
	assert.Equal(t, 7001, events[1].Quartet.Obsnum)
	assert.Equal(t, ReasonNewQuartet, events[0].Reason)

	events, err = d.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 7002, events[0].Quartet.Obsnum)
	assert.Equal(t, 7003, events[1].Quartet.Obsnum)

	// The newest quartet is left to time out.
	mock.Add(45 * time.Second)
	events, err = d.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 7004, events[0].Quartet.Obsnum)
	assert.Equal(t, ReasonTimeout, events[0].Reason)
}
