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

	"github.com/jmoiron/sqlx"
)

// DefineFlag registers a flag label in the closed vocabulary. Re-defining
// an existing label is a no-op.
func (s *Store) DefineFlag(ctx context.Context, label, defaultSeverity string) error {
	return s.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		return insertMissing(ctx, tx, "flag", "label", label,
			`INSERT INTO flag (label, severity) VALUES (?, ?)`, label, defaultSeverity)
	})
}

// AttachFlag asserts a flag instance on a product. An empty severity falls
// back to the flag's default.
func (s *Store) AttachFlag(ctx context.Context, prodPK int64, flagLabel, severity string, meta JSONMap) error {
	return s.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		var flag struct {
			PK       int64  `db:"pk"`
			Severity string `db:"severity"`
		}
		err := tx.GetContext(ctx, &flag, tx.Rebind(
			`SELECT pk, severity FROM flag WHERE label = ?`), flagLabel)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("catalog: flag %q: %w", flagLabel, ErrNotSeeded)
		}
		if err != nil {
			return fmt.Errorf("catalog: flag %q: %w", flagLabel, err)
		}
		if severity == "" {
			severity = flag.Severity
		}
		pk, err := insertPK(ctx, tx,
			`INSERT INTO data_prod_flag (data_prod_fk, flag_fk, severity, meta, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			prodPK, flag.PK, severity, meta, now())
		if err != nil {
			return s.wrapWriteErr("attach flag "+flagLabel, err)
		}
		return s.AppendEvent(ctx, tx, EventFlagAttached, "data_prod", prodPK,
			JSONMap{"flag": flagLabel, "severity": severity, "flag_pk": pk})
	})
}

// ListFlagsForProd returns the flag instances attached to a product.
func (s *Store) ListFlagsForProd(ctx context.Context, prodPK int64) ([]DataProdFlag, error) {
	var flags []DataProdFlag
	err := s.db.SelectContext(ctx, &flags, rebind(s.db,
		`SELECT * FROM data_prod_flag WHERE data_prod_fk = ? ORDER BY pk`), prodPK)
	if err != nil {
		return nil, fmt.Errorf("catalog: list flags of %d: %w", prodPK, err)
	}
	return flags, nil
}
