// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

const selectDataProd = `SELECT dp.pk, dp.type_fk, t.label AS type_label, dp.meta,
	dp.master, dp.obsnum, dp.subobsnum, dp.scannum, dp.created_at, dp.updated_at
	FROM data_prod dp JOIN data_prod_type t ON t.pk = dp.type_fk`

// insertPK runs an INSERT and returns the generated surrogate key. All
// three engines support the RETURNING clause.
func insertPK(ctx context.Context, ext sqlx.ExtContext, query string, args ...interface{}) (int64, error) {
	var pk int64
	err := ext.QueryRowxContext(ctx, rebind(ext, query+" RETURNING pk"), args...).Scan(&pk)
	return pk, err
}

// FindRawObsProd returns the raw-observation product with the given
// quartet, or nil when none exists.
func (s *Store) FindRawObsProd(ctx context.Context, ext sqlx.ExtContext, q Quartet) (*DataProd, error) {
	typePK, err := s.DataProdTypePK(ctx, TypeRawObs)
	if err != nil {
		return nil, err
	}
	var prod DataProd
	err = sqlx.GetContext(ctx, ext, &prod, rebind(ext, selectDataProd+
		` WHERE dp.type_fk = ? AND dp.master = ? AND dp.obsnum = ? AND dp.subobsnum = ? AND dp.scannum = ?`),
		typePK, q.Master, q.Obsnum, q.Subobsnum, q.Scannum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: find raw obs %s: %w", q, err)
	}
	return &prod, nil
}

// CreateRawObsProd inserts a raw-observation product. The quartet columns
// are denormalized from the metadata; a concurrent duplicate insert
// surfaces as IntegrityError.
func (s *Store) CreateRawObsProd(ctx context.Context, ext sqlx.ExtContext, meta *RawObsMeta) (*DataProd, error) {
	typePK, err := s.DataProdTypePK(ctx, TypeRawObs)
	if err != nil {
		return nil, err
	}
	blob, err := EncodeProdMeta(meta)
	if err != nil {
		return nil, err
	}
	ts := now()
	pk, err := insertPK(ctx, ext,
		`INSERT INTO data_prod (type_fk, meta, master, obsnum, subobsnum, scannum, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		typePK, blob, meta.Master, meta.Obsnum, meta.Subobsnum, meta.Scannum, ts, ts)
	if err != nil {
		return nil, s.wrapWriteErr("create raw obs "+meta.Quartet().String(), err)
	}
	return &DataProd{
		PK:        pk,
		TypeFK:    typePK,
		TypeLabel: TypeRawObs,
		MetaBlob:  blob,
		Master:    sql.NullString{String: meta.Master, Valid: true},
		Obsnum:    sql.NullInt64{Int64: int64(meta.Obsnum), Valid: true},
		Subobsnum: sql.NullInt64{Int64: int64(meta.Subobsnum), Valid: true},
		Scannum:   sql.NullInt64{Int64: int64(meta.Scannum), Valid: true},
		CreatedAt: ts,
		UpdatedAt: ts,
	}, nil
}

// CreateGroupProd inserts a group product of the given type. The quartet
// columns stay null; group identity lives in the metadata.
func (s *Store) CreateGroupProd(ctx context.Context, ext sqlx.ExtContext, typeLabel string, meta ProdMeta) (*DataProd, error) {
	typePK, err := s.DataProdTypePK(ctx, typeLabel)
	if err != nil {
		return nil, err
	}
	blob, err := EncodeProdMeta(meta)
	if err != nil {
		return nil, err
	}
	ts := now()
	pk, err := insertPK(ctx, ext,
		`INSERT INTO data_prod (type_fk, meta, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		typePK, blob, ts, ts)
	if err != nil {
		return nil, s.wrapWriteErr("create "+typeLabel, err)
	}
	return &DataProd{PK: pk, TypeFK: typePK, TypeLabel: typeLabel, MetaBlob: blob, CreatedAt: ts, UpdatedAt: ts}, nil
}

// UpdateProdMeta replaces the metadata blob of a product and bumps its
// updated_at stamp. Products are otherwise immutable after creation.
func (s *Store) UpdateProdMeta(ctx context.Context, ext sqlx.ExtContext, pk int64, meta ProdMeta) error {
	blob, err := EncodeProdMeta(meta)
	if err != nil {
		return err
	}
	_, err = ext.ExecContext(ctx, rebind(ext,
		`UPDATE data_prod SET meta = ?, updated_at = ? WHERE pk = ?`), blob, now(), pk)
	return s.wrapWriteErr(fmt.Sprintf("update meta of data prod %d", pk), err)
}

// GetDataProd loads one product by surrogate key, or nil when absent.
func (s *Store) GetDataProd(ctx context.Context, pk int64) (*DataProd, error) {
	return s.GetDataProdIn(ctx, s.db, pk)
}

// GetDataProdIn is GetDataProd within a caller-supplied transaction, so
// uncommitted products are visible.
func (s *Store) GetDataProdIn(ctx context.Context, ext sqlx.ExtContext, pk int64) (*DataProd, error) {
	var prod DataProd
	err := sqlx.GetContext(ctx, ext, &prod, rebind(ext, selectDataProd+` WHERE dp.pk = ?`), pk)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get data prod %d: %w", pk, err)
	}
	return &prod, nil
}

// ListDataProdsByType returns all products of one type, ordered by pk.
func (s *Store) ListDataProdsByType(ctx context.Context, typeLabel string) ([]DataProd, error) {
	typePK, err := s.DataProdTypePK(ctx, typeLabel)
	if err != nil {
		return nil, err
	}
	var prods []DataProd
	err = s.db.SelectContext(ctx, &prods, rebind(s.db,
		selectDataProd+` WHERE dp.type_fk = ? ORDER BY dp.pk`), typePK)
	if err != nil {
		return nil, fmt.Errorf("catalog: list %s: %w", typeLabel, err)
	}
	return prods, nil
}

// DeleteDataProd removes a product together with its sources, flags and
// associations. Children are deleted explicitly so all dialects behave the
// same regardless of cascade support.
func (s *Store) DeleteDataProd(ctx context.Context, ext sqlx.ExtContext, pk int64) error {
	for _, stmt := range []string{
		`DELETE FROM data_prod_source WHERE data_prod_fk = ?`,
		`DELETE FROM data_prod_flag WHERE data_prod_fk = ?`,
		`DELETE FROM data_prod_assoc WHERE src_data_prod_fk = ? OR dst_data_prod_fk = ?`,
		`DELETE FROM data_prod WHERE pk = ?`,
	} {
		args := []interface{}{pk}
		if strings.Count(stmt, "?") == 2 {
			args = append(args, pk)
		}
		if _, err := ext.ExecContext(ctx, rebind(ext, stmt), args...); err != nil {
			return s.wrapWriteErr(fmt.Sprintf("delete data prod %d", pk), err)
		}
	}
	return nil
}

// FindSource returns the source row with the given location and URI, or
// nil when none exists. The composite key is the duplicate-source guard.
func (s *Store) FindSource(ctx context.Context, ext sqlx.ExtContext, locationFK int64, sourceURI string) (*DataProdSource, error) {
	var src DataProdSource
	err := sqlx.GetContext(ctx, ext, &src, rebind(ext,
		`SELECT * FROM data_prod_source WHERE location_fk = ? AND source_uri = ?`),
		locationFK, sourceURI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: find source %q: %w", sourceURI, err)
	}
	return &src, nil
}

// CreateSource inserts a physical source row; src.PK is set on return.
func (s *Store) CreateSource(ctx context.Context, ext sqlx.ExtContext, src *DataProdSource, meta SourceMeta) error {
	if meta != nil {
		blob, err := EncodeSourceMeta(meta)
		if err != nil {
			return err
		}
		src.MetaBlob = blob
	}
	if src.Role == "" {
		src.Role = RolePrimary
	}
	if src.Availability == "" {
		src.Availability = AvailabilityUnknown
	}
	src.CreatedAt = now()
	pk, err := insertPK(ctx, ext,
		`INSERT INTO data_prod_source (data_prod_fk, location_fk, source_uri, role, availability, size, checksum, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.DataProdFK, src.LocationFK, src.SourceURI, src.Role, src.Availability,
		src.Size, src.Checksum, src.MetaBlob, src.CreatedAt)
	if err != nil {
		return s.wrapWriteErr("create source "+src.SourceURI, err)
	}
	src.PK = pk
	return nil
}

// ListSourcesForProd returns the source rows of one product.
func (s *Store) ListSourcesForProd(ctx context.Context, prodPK int64) ([]DataProdSource, error) {
	var srcs []DataProdSource
	err := s.db.SelectContext(ctx, &srcs, rebind(s.db,
		`SELECT * FROM data_prod_source WHERE data_prod_fk = ? ORDER BY pk`), prodPK)
	if err != nil {
		return nil, fmt.Errorf("catalog: list sources of %d: %w", prodPK, err)
	}
	return srcs, nil
}

// SetSourceAvailability transitions the availability state of a source.
func (s *Store) SetSourceAvailability(ctx context.Context, ext sqlx.ExtContext, pk int64, state string) error {
	_, err := ext.ExecContext(ctx, rebind(ext,
		`UPDATE data_prod_source SET availability = ? WHERE pk = ?`), state, pk)
	return s.wrapWriteErr(fmt.Sprintf("set availability of source %d", pk), err)
}

// CreateAssoc inserts a typed edge between two products after validating
// that their product types are permitted by the association type.
func (s *Store) CreateAssoc(ctx context.Context, ext sqlx.ExtContext, typeLabel string, srcPK, dstPK int64, procContext JSONMap) (*DataProdAssoc, error) {
	assocPK, srcType, dstType, err := s.AssocType(ctx, typeLabel)
	if err != nil {
		return nil, err
	}
	if err := s.checkAssocEndpoint(ctx, ext, typeLabel, "src", srcPK, srcType); err != nil {
		return nil, err
	}
	if err := s.checkAssocEndpoint(ctx, ext, typeLabel, "dst", dstPK, dstType); err != nil {
		return nil, err
	}
	ts := now()
	pk, err := insertPK(ctx, ext,
		`INSERT INTO data_prod_assoc (src_data_prod_fk, dst_data_prod_fk, assoc_type_fk, context, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		srcPK, dstPK, assocPK, procContext, ts)
	if err != nil {
		return nil, s.wrapWriteErr(fmt.Sprintf("create %s %d->%d", typeLabel, srcPK, dstPK), err)
	}
	return &DataProdAssoc{PK: pk, SrcFK: srcPK, DstFK: dstPK, AssocTypeFK: assocPK, Context: procContext, CreatedAt: ts}, nil
}

func (s *Store) checkAssocEndpoint(ctx context.Context, ext sqlx.ExtContext, assocLabel, end string, prodPK int64, wantType string) error {
	if wantType == "" {
		return nil
	}
	var got string
	err := sqlx.GetContext(ctx, ext, &got, rebind(ext,
		`SELECT t.label FROM data_prod dp JOIN data_prod_type t ON t.pk = dp.type_fk WHERE dp.pk = ?`), prodPK)
	if errors.Is(err, sql.ErrNoRows) {
		return &IntegrityError{Op: assocLabel, Err: fmt.Errorf("%s product %d does not exist", end, prodPK)}
	}
	if err != nil {
		return fmt.Errorf("catalog: check %s of %s: %w", end, assocLabel, err)
	}
	if got != wantType {
		return &IntegrityError{Op: assocLabel,
			Err: fmt.Errorf("%s product %d has type %s, %s requires %s", end, prodPK, got, assocLabel, wantType)}
	}
	return nil
}

// AssocExists reports whether the (src, dst, type) edge is present.
func (s *Store) AssocExists(ctx context.Context, ext sqlx.ExtContext, typeLabel string, srcPK, dstPK int64) (bool, error) {
	assocPK, _, _, err := s.AssocType(ctx, typeLabel)
	if err != nil {
		return false, err
	}
	var n int
	err = sqlx.GetContext(ctx, ext, &n, rebind(ext,
		`SELECT COUNT(*) FROM data_prod_assoc WHERE src_data_prod_fk = ? AND dst_data_prod_fk = ? AND assoc_type_fk = ?`),
		srcPK, dstPK, assocPK)
	if err != nil {
		return false, fmt.Errorf("catalog: assoc exists: %w", err)
	}
	return n > 0, nil
}

// ListAssocDstPKs returns the distinct destination pks over all
// associations. The database-backed association state derives its
// "already grouped" set from this.
func (s *Store) ListAssocDstPKs(ctx context.Context) ([]int64, error) {
	var pks []int64
	err := s.db.SelectContext(ctx, &pks, `SELECT DISTINCT dst_data_prod_fk FROM data_prod_assoc`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list assoc dst pks: %w", err)
	}
	return pks, nil
}

// ListAssocsBySrc returns all edges out of a product.
func (s *Store) ListAssocsBySrc(ctx context.Context, srcPK int64) ([]DataProdAssoc, error) {
	var assocs []DataProdAssoc
	err := s.db.SelectContext(ctx, &assocs, rebind(s.db,
		`SELECT * FROM data_prod_assoc WHERE src_data_prod_fk = ? ORDER BY pk`), srcPK)
	if err != nil {
		return nil, fmt.Errorf("catalog: list assocs of %d: %w", srcPK, err)
	}
	return assocs, nil
}
