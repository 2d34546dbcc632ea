// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package query resolves user observation specs against the catalog and
// materializes tabular raw-observation info.
package query

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
	"github.com/toltec-astro/toltecdp/pkg/config"
	"github.com/toltec-astro/toltecdp/pkg/obsspec"
	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

// ErrAmbiguous is returned when RaiseOnMultiple is set and the query
// matched more than one row.
var ErrAmbiguous = errors.New("query: ambiguous observation spec")

// ErrNotFound is returned when RaiseOnEmpty is set and the query matched
// nothing.
var ErrNotFound = errors.New("query: no matching observation")

// InfoRow is one row of the raw-observation info table: one physical source
// file of one raw observation.
type InfoRow struct {
	Source    string
	Interface string
	// Roach is nil for non-readout sources (tel metadata).
	Roach         *int
	Master        string
	Obsnum        int
	Subobsnum     int
	Scannum       int
	FileTimestamp string
	FileSuffix    string
	FileExt       string
	UIDObs        string
	UIDRawObs     string
	UIDRawObsFile string
}

// Options are explicit overrides and failure-policy switches for
// GetRawObsInfoTable. Explicit fields win over the parsed spec.
type Options struct {
	Master    string
	Obsnum    *int
	Subobsnum *int
	Scannum   *int
	Interface string
	// RaiseOnMultiple turns >1 results into ErrAmbiguous.
	RaiseOnMultiple bool
	// RaiseOnEmpty turns 0 results into ErrNotFound.
	RaiseOnEmpty bool
}

// ObsQuery answers observation-spec queries against one catalog Location.
type ObsQuery struct {
	store         *catalog.Store
	locationLabel string
	locations     *gocache.Cache
	// Bounds on open-ended slice wildcards over unbounded fields.
	subobsnumBound int
	scannumBound   int
}

// New builds a query layer over store, scoped to the location with the
// given label. Bounds for open slice wildcards come from configuration.
func New(store *catalog.Store, locationLabel string) *ObsQuery {
	return &ObsQuery{
		store:          store,
		locationLabel:  locationLabel,
		locations:      gocache.New(5*time.Minute, 10*time.Minute),
		subobsnumBound: config.Toltec.GetInt("obsspec_subobsnum_bound"),
		scannumBound:   config.Toltec.GetInt("obsspec_scannum_bound"),
	}
}

// location resolves the scoped Location, with a short-lived cache in front
// of the catalog lookup.
func (q *ObsQuery) location(ctx context.Context) (*catalog.Location, error) {
	if v, ok := q.locations.Get(q.locationLabel); ok {
		return v.(*catalog.Location), nil
	}
	loc, err := q.store.LocationByLabel(ctx, q.locationLabel)
	if err != nil {
		return nil, err
	}
	q.locations.SetDefault(q.locationLabel, loc)
	return loc, nil
}

// ParseObsSpec is the pure spec parser, re-exported for callers that only
// need the parameters.
func (q *ObsQuery) ParseObsSpec(spec string) *obsspec.Spec {
	return obsspec.Parse(spec)
}

// GetRawObsInfoTable resolves spec plus explicit overrides into the
// tabular raw-observation view, one row per source file.
func (q *ObsQuery) GetRawObsInfoTable(ctx context.Context, spec string, opts Options) ([]InfoRow, error) {
	parsed := obsspec.Parse(spec)
	applyOverrides(parsed, opts)

	if parsed.Latest {
		return q.GetRawObsLatest(ctx, parsed.Master, opts)
	}
	rows, err := q.fetch(ctx, parsed)
	if err != nil {
		return nil, err
	}
	rows = filterRows(rows, parsed, opts.Interface, q.subobsnumBound, q.scannumBound)
	return q.applyPolicy(rows, opts)
}

// GetRawObsLatest finds the maximum obsnum under the filters and returns
// its info table. The interface filter participates in "latest": obsnums
// whose sources all miss the requested interface are passed over in favor
// of the newest one that carries it.
func (q *ObsQuery) GetRawObsLatest(ctx context.Context, master string, opts Options) ([]InfoRow, error) {
	loc, err := q.location(ctx)
	if err != nil {
		return nil, err
	}
	typePK, err := q.store.DataProdTypePK(ctx, catalog.TypeRawObs)
	if err != nil {
		return nil, err
	}
	db := q.store.DB()
	query := `SELECT DISTINCT dp.obsnum
FROM data_prod dp
JOIN data_prod_source s ON s.data_prod_fk = dp.pk
WHERE dp.type_fk = ? AND s.location_fk = ?`
	args := []interface{}{typePK, loc.PK}
	if master != "" {
		query += ` AND dp.master = ?`
		args = append(args, master)
	}
	query += ` ORDER BY dp.obsnum DESC`
	var obsnums []int
	if err := db.SelectContext(ctx, &obsnums, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query: latest obsnum: %w", err)
	}

	// The interface lives in the source metadata, not a column, so the
	// candidate obsnums are checked newest first until one matches.
	for _, obsnum := range obsnums {
		obsnum := obsnum
		spec := &obsspec.Spec{Master: master, Obsnum: &obsnum}
		rows, err := q.fetch(ctx, spec)
		if err != nil {
			return nil, err
		}
		rows = filterRows(rows, spec, opts.Interface, q.subobsnumBound, q.scannumBound)
		if len(rows) > 0 {
			return q.applyPolicy(rows, opts)
		}
	}
	if opts.RaiseOnEmpty {
		return nil, ErrNotFound
	}
	return nil, nil
}

func (q *ObsQuery) applyPolicy(rows []InfoRow, opts Options) ([]InfoRow, error) {
	if opts.RaiseOnEmpty && len(rows) == 0 {
		return nil, ErrNotFound
	}
	if opts.RaiseOnMultiple && len(rows) > 1 {
		return nil, fmt.Errorf("%w: %d matches", ErrAmbiguous, len(rows))
	}
	return rows, nil
}

func applyOverrides(spec *obsspec.Spec, opts Options) {
	if opts.Master != "" {
		spec.Master = strings.ToLower(opts.Master)
	}
	if opts.Obsnum != nil {
		spec.Obsnum, spec.ObsnumList, spec.ObsnumSlice = opts.Obsnum, nil, nil
		spec.Latest = false
	}
	if opts.Subobsnum != nil {
		spec.Subobsnum, spec.SubobsnumList, spec.SubobsnumSlice = opts.Subobsnum, nil, nil
	}
	if opts.Scannum != nil {
		spec.Scannum, spec.ScannumList, spec.ScannumSlice = opts.Scannum, nil, nil
	}
}

// joinedRow is the SQL projection feeding the info table.
type joinedRow struct {
	ProdMeta  []byte `db:"prod_meta"`
	SrcMeta   []byte `db:"src_meta"`
	SourceURI string `db:"source_uri"`
}

// fetch runs the pushdown-able part of the query: type, location, and
// single-value quartet predicates. List and slice predicates cannot become
// SQL equality filters, so those fields stay unfiltered here.
func (q *ObsQuery) fetch(ctx context.Context, spec *obsspec.Spec) ([]InfoRow, error) {
	loc, err := q.location(ctx)
	if err != nil {
		return nil, err
	}
	typePK, err := q.store.DataProdTypePK(ctx, catalog.TypeRawObs)
	if err != nil {
		return nil, err
	}

	query := `SELECT dp.meta AS prod_meta, s.meta AS src_meta, s.source_uri
FROM data_prod dp
JOIN data_prod_source s ON s.data_prod_fk = dp.pk
WHERE dp.type_fk = ? AND s.location_fk = ?`
	args := []interface{}{typePK, loc.PK}

	if spec.Master != "" {
		query += ` AND dp.master = ?`
		args = append(args, spec.Master)
	} else {
		log.Debugf("query: no master constraint, matching all masters")
	}
	for _, p := range []struct {
		col string
		val *int
	}{
		{"obsnum", spec.Obsnum},
		{"subobsnum", spec.Subobsnum},
		{"scannum", spec.Scannum},
	} {
		if p.val != nil {
			query += fmt.Sprintf(` AND dp.%s = ?`, p.col)
			args = append(args, *p.val)
		}
	}
	query += ` ORDER BY dp.obsnum, dp.subobsnum, dp.scannum, s.pk`

	db := q.store.DB()
	var joined []joinedRow
	if err := db.SelectContext(ctx, &joined, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query: raw obs info: %w", err)
	}

	rows := make([]InfoRow, 0, len(joined))
	for _, j := range joined {
		row, err := buildInfoRow(j, spec.Master != "")
		if err != nil {
			log.Warnf("query: skipping source %s: %v", j.SourceURI, err)
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// buildInfoRow projects one joined record. The UID columns carry the master
// prefix if and only if the query constrained the master, matching the two
// historical UID conventions.
func buildInfoRow(j joinedRow, withMaster bool) (InfoRow, error) {
	meta, err := catalog.DecodeProdMeta(j.ProdMeta)
	if err != nil {
		return InfoRow{}, err
	}
	raw, ok := meta.(*catalog.RawObsMeta)
	if !ok {
		return InfoRow{}, fmt.Errorf("product is %s, not %s", meta.MetaTag(), catalog.TagRawObs)
	}
	row := InfoRow{
		Source:    j.SourceURI,
		Master:    raw.Master,
		Obsnum:    raw.Obsnum,
		Subobsnum: raw.Subobsnum,
		Scannum:   raw.Scannum,
	}

	srcMeta, err := catalog.DecodeSourceMeta(j.SrcMeta)
	if err != nil {
		return InfoRow{}, err
	}
	switch m := srcMeta.(type) {
	case *catalog.RoachInterfaceMeta:
		roach := m.RoachIndex
		row.Interface = m.Interface
		row.Roach = &roach
		row.FileTimestamp = m.FileTimestamp
		row.FileSuffix = m.FileSuffix
		row.FileExt = m.FileExt
	case *catalog.TelInterfaceMeta:
		row.Interface = m.Interface
	default:
		return InfoRow{}, fmt.Errorf("unexpected source meta %s", srcMeta.MetaTag())
	}

	prefix := ""
	if withMaster {
		prefix = raw.Master + "-"
	}
	row.UIDObs = fmt.Sprintf("%s%d", prefix, raw.Obsnum)
	row.UIDRawObs = fmt.Sprintf("%s%d-%d-%d", prefix, raw.Obsnum, raw.Subobsnum, raw.Scannum)
	if row.Interface != "" {
		row.UIDRawObsFile = row.UIDRawObs + "-" + row.Interface
	}
	return row, nil
}

// filterRows applies the in-memory predicates: lists, slices, roach and
// interface constraints, and path specs. Open-ended slices are bounded by
// the configured field caps.
func filterRows(rows []InfoRow, spec *obsspec.Spec, iface string, subobsnumBound, scannumBound int) []InfoRow {
	if iface == "" {
		iface = spec.Interface()
	}
	out := rows[:0]
	for _, row := range rows {
		if spec.FilePath != "" && !matchPath(row.Source, spec.FilePath) {
			continue
		}
		if !matchField(row.Obsnum, spec.ObsnumList, spec.ObsnumSlice, 0) {
			continue
		}
		if !matchField(row.Subobsnum, spec.SubobsnumList, spec.SubobsnumSlice, subobsnumBound) {
			continue
		}
		if !matchField(row.Scannum, spec.ScannumList, spec.ScannumSlice, scannumBound) {
			continue
		}
		if iface != "" && row.Interface != iface {
			continue
		}
		if (spec.RoachList != nil || spec.RoachSlice != nil) &&
			(row.Roach == nil || !matchField(*row.Roach, spec.RoachList, spec.RoachSlice, 0)) {
			continue
		}
		out = append(out, row)
	}
	return out
}

// matchField checks one field against an optional list or slice predicate.
// bound caps open-ended slices; 0 means unbounded.
func matchField(v int, list []int, slice *obsspec.Slice, bound int) bool {
	if list != nil {
		for _, want := range list {
			if v == want {
				return true
			}
		}
		return false
	}
	if slice != nil {
		if bound > 0 && slice.Stop == nil && v > bound {
			return false
		}
		return slice.Contains(v)
	}
	return true
}

func matchPath(sourceURI, specPath string) bool {
	return filepath.Base(sourceURI) == filepath.Base(specPath)
}
