// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

// telMaster is implied for every tel-CSV row; the telescope metadata dump
// always comes from the tcs acquisition system.
const telMaster = "tcs"

// dataLmtPrefix is stripped from tel file paths so the source URI is
// relative to the location root.
const dataLmtPrefix = "data_lmt/"

// TelCSVOptions tunes a tel-CSV ingestion run.
type TelCSVOptions struct {
	// CreateDataProds creates a product from the tel metadata alone when
	// no raw observation with the quartet exists yet.
	CreateDataProds bool
	// SkipExisting skips rows whose tel source URI is already cataloged.
	SkipExisting bool
	// CommitBatchSize is the number of rows between commits.
	CommitBatchSize int
}

// DefaultTelCSVOptions returns the default tel-CSV options.
func DefaultTelCSVOptions() TelCSVOptions {
	return TelCSVOptions{CreateDataProds: true, SkipExisting: true, CommitBatchSize: 100}
}

// telRow is one parsed telescope-metadata CSV row.
type telRow struct {
	Obsnum    int
	Subobsnum int
	Scannum   int
	FileName  string
	Valid     bool

	SourceName string
	ObsGoal    string
	State      catalog.TelescopeState
}

// TelCSVIngestor merges telescope-state rows into existing or new logical
// observations.
type TelCSVIngestor struct {
	ing *Ingestor
}

// NewTelCSVIngestor resolves the target Location by label.
func NewTelCSVIngestor(ctx context.Context, store *catalog.Store, locationLabel string) (*TelCSVIngestor, error) {
	ing, err := NewIngestor(ctx, store, locationLabel)
	if err != nil {
		return nil, err
	}
	return &TelCSVIngestor{ing: ing}, nil
}

// IngestCSV consumes the telescope-metadata CSV at path. Malformed rows are
// logged and skipped; the batch continues. Commits happen every
// CommitBatchSize rows.
func (t *TelCSVIngestor) IngestCSV(ctx context.Context, path string, opts TelCSVOptions) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: open tel csv: %w", err)
	}
	defer f.Close()
	return t.ingestReader(ctx, f, opts)
}

func (t *TelCSVIngestor) ingestReader(ctx context.Context, r io.Reader, opts TelCSVOptions) (Stats, error) {
	if opts.CommitBatchSize <= 0 {
		opts.CommitBatchSize = 100
	}
	var stats Stats

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return stats, fmt.Errorf("ingest: tel csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}

	store := t.ing.store
	tx, err := store.Beginx(ctx)
	if err != nil {
		return stats, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	pending := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warnf("ingest: malformed tel csv row: %v", err)
			stats.Failed++
			continue
		}
		stats.Scanned++
		row, perr := parseTelRow(record, cols)
		if perr != nil {
			log.Warnf("ingest: tel csv row %d: %v", stats.Scanned, perr)
			stats.Failed++
			continue
		}
		if !row.Valid {
			stats.Skipped++
			continue
		}
		if err := beginSavepoint(ctx, tx); err != nil {
			return stats, fmt.Errorf("ingest: tel csv savepoint: %w", err)
		}
		changed, prodCreated, srcCreated, rerr := t.ingestRow(ctx, tx, row, opts)
		if rerr != nil {
			log.Warnf("ingest: tel csv row %s-%d-%d-%d failed: %v",
				telMaster, row.Obsnum, row.Subobsnum, row.Scannum, rerr)
			stats.Failed++
			// Discard this row only; earlier rows in the window stand.
			if serr := rollbackSavepoint(ctx, tx); serr != nil {
				return stats, fmt.Errorf("ingest: tel csv rollback row: %w", serr)
			}
			continue
		}
		if err := releaseSavepoint(ctx, tx); err != nil {
			return stats, fmt.Errorf("ingest: tel csv savepoint release: %w", err)
		}
		if !changed {
			stats.Skipped++
			continue
		}
		stats.Ingested++
		if prodCreated {
			stats.ProductsCreated++
		}
		if srcCreated {
			stats.SourcesCreated++
		}
		pending++
		if pending >= opts.CommitBatchSize {
			if err := tx.Commit(); err != nil {
				tx = nil
				return stats, fmt.Errorf("ingest: tel csv commit: %w", err)
			}
			tx, err = store.Beginx(ctx)
			if err != nil {
				tx = nil
				return stats, err
			}
			pending = 0
		}
	}
	if err := tx.Commit(); err != nil {
		tx = nil
		return stats, fmt.Errorf("ingest: tel csv final commit: %w", err)
	}
	tx = nil
	log.Infof("ingest: tel csv done: %s", stats)
	return stats, nil
}

// ingestRow merges one valid tel row. changed is false when the row was a
// complete no-op (source already cataloged and product already merged);
// prodCreated/srcCreated report what the row added so the caller counts
// only work that survived the savepoint.
func (t *TelCSVIngestor) ingestRow(ctx context.Context, tx *sqlx.Tx, row *telRow, opts TelCSVOptions) (changed, prodCreated, srcCreated bool, err error) {
	store := t.ing.store
	quartet := catalog.Quartet{Master: telMaster, Obsnum: row.Obsnum, Subobsnum: row.Subobsnum, Scannum: row.Scannum}

	prod, err := store.FindRawObsProd(ctx, tx, quartet)
	if err != nil {
		return false, false, false, err
	}
	switch {
	case prod == nil && !opts.CreateDataProds:
		return false, false, false, nil
	case prod == nil:
		meta := &catalog.RawObsMeta{
			Name:       fmt.Sprintf("raw_%s_%d_%d_%d", telMaster, row.Obsnum, row.Subobsnum, row.Scannum),
			Master:     telMaster,
			Obsnum:     row.Obsnum,
			Subobsnum:  row.Subobsnum,
			Scannum:    row.Scannum,
			DataKind:   catalog.LmtTel,
			ObsGoal:    row.ObsGoal,
			SourceName: row.SourceName,
			Tel:        &row.State,
		}
		prod, err = store.CreateRawObsProd(ctx, tx, meta)
		if err != nil {
			return false, false, false, err
		}
		prodCreated = true
		if err := store.AppendEvent(ctx, tx, catalog.EventProdCreated, "data_prod", prod.PK,
			catalog.JSONMap{"uid": quartet.String(), "origin": "tel_csv"}); err != nil {
			return false, false, false, err
		}
	default:
		// Merge: overwrite the denormalized tel fields and OR-combine the
		// data kind with LmtTel. This is the only place data_kind is
		// treated as a bitmask.
		meta, err := prod.RawObsMeta()
		if err != nil {
			return false, false, false, err
		}
		meta.Tel = &row.State
		meta.DataKind |= catalog.LmtTel
		if meta.ObsGoal == "" {
			meta.ObsGoal = row.ObsGoal
		}
		if meta.SourceName == "" {
			meta.SourceName = row.SourceName
		}
		if err := store.UpdateProdMeta(ctx, tx, prod.PK, meta); err != nil {
			return false, false, false, err
		}
		if err := store.AppendEvent(ctx, tx, catalog.EventProdUpdated, "data_prod", prod.PK,
			catalog.JSONMap{"merge": "tel_csv"}); err != nil {
			return false, false, false, err
		}
	}

	uri := telSourceURI(row.FileName)
	if opts.SkipExisting {
		existing, err := store.FindSource(ctx, tx, t.ing.location.PK, uri)
		if err != nil {
			return false, false, false, err
		}
		if existing != nil {
			return true, prodCreated, false, nil
		}
	}
	src := &catalog.DataProdSource{
		DataProdFK: prod.PK,
		LocationFK: t.ing.location.PK,
		SourceURI:  uri,
		Role:       catalog.RoleMetadata,
	}
	src.Availability, src.Size = statFile(t.ing.absPath(uri))
	if err := store.CreateSource(ctx, tx, src, &catalog.TelInterfaceMeta{
		Interface: "tel_toltec",
		Master:    telMaster,
		DataKind:  catalog.LmtTel,
	}); err != nil {
		return false, false, false, err
	}
	return true, prodCreated, true, store.AppendEvent(ctx, tx, catalog.EventSourceCreated, "data_prod_source", src.PK,
		catalog.JSONMap{"uri": uri, "role": catalog.RoleMetadata})
}

// telSourceURI strips the data_lmt/ prefix from the CSV file path so the
// URI is relative to the location root.
func telSourceURI(fileName string) string {
	uri := strings.TrimPrefix(fileName, "/")
	if i := strings.Index(uri, dataLmtPrefix); i >= 0 {
		uri = uri[i+len(dataLmtPrefix):]
	}
	return uri
}

// parseTelRow extracts the quartet triplet and the telescope state from one
// CSV record.
func parseTelRow(record []string, cols map[string]int) (*telRow, error) {
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	getF := func(name string) float64 {
		v, _ := strconv.ParseFloat(get(name), 64)
		return v
	}

	triplet := get("ObsNum")
	parts := strings.Split(triplet, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("bad obsnum triplet %q", triplet)
	}
	row := &telRow{}
	var err error
	if row.Obsnum, err = strconv.Atoi(parts[0]); err != nil {
		return nil, fmt.Errorf("bad obsnum triplet %q", triplet)
	}
	if row.Subobsnum, err = strconv.Atoi(parts[1]); err != nil {
		return nil, fmt.Errorf("bad obsnum triplet %q", triplet)
	}
	if row.Scannum, err = strconv.Atoi(parts[2]); err != nil {
		return nil, fmt.Errorf("bad obsnum triplet %q", triplet)
	}

	row.FileName = get("FileName")
	valid := get("Valid")
	row.Valid = valid == "1" || strings.EqualFold(valid, "true")
	row.SourceName = get("SourceName")
	row.ObsGoal = strings.ToLower(get("ObsGoal"))

	st := &row.State
	st.Time = get("Date/Time [UT]")
	st.ProjectID = get("ProjectId")
	st.ObsPgm = get("ObsPgm")
	st.IntegrationTime = getF("IntegrationTime")
	st.MainTime = getF("MainTime")
	st.RefTime = getF("RefTime")
	st.Az = getF(`Az [deg]`)
	st.El = getF(`El [deg]`)
	st.UserAzOffset = getF(`UserAzOffset ["]`)
	st.UserElOffset = getF(`UserElOffset ["]`)
	st.PaddleAzOffset = getF(`PaddleAzOffset ["]`)
	st.PaddleElOffset = getF(`PaddleElOffset ["]`)
	st.M2XOffset = getF(`M2XOffset [mm]`)
	st.M2YOffset = getF(`M2YOffset [mm]`)
	st.M2ZOffset = getF(`M2ZOffset [mm]`)
	for i := 0; i < 7; i++ {
		st.M1Zernike[i] = getF(fmt.Sprintf(`M1Zernike%d [micron]`, i))
	}
	st.Tau = getF("Tau")
	crane := get("CraneInBeam")
	st.CraneInBeam = crane == "1" || strings.EqualFold(crane, "true")
	return row, nil
}
