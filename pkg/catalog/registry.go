// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"

	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

// Closed-vocabulary seed rows. PopulateRegistryTables inserts only the
// missing ones, so re-running it is safe.
var (
	seedProdTypes = []string{
		TypeRawObs, TypeReducedObs, TypeCalGroup, TypeDriveFit,
		TypeFocusGroup, TypeAstigGroup, TypeNamedGroup,
	}

	seedAssocTypes = []struct {
		Label   string
		SrcType string
		DstType string
	}{
		{AssocCalGroupRawObs, TypeCalGroup, TypeRawObs},
		{AssocDriveFitRawObs, TypeDriveFit, TypeRawObs},
		{AssocFocusGroupRawObs, TypeFocusGroup, TypeRawObs},
		{AssocAstigGroupRawObs, TypeAstigGroup, TypeRawObs},
		{AssocRawObsCalObs, TypeRawObs, TypeRawObs},
		{AssocReducedObsRawObs, TypeReducedObs, TypeRawObs},
		// Input-set membership is unconstrained: any product can be a
		// task input.
		{AssocInputSetMember, "", ""},
	}

	seedDataKinds = []struct {
		Label string
		Bit   ToltecDataKind
	}{
		{"VnaSweep", VnaSweep},
		{"TargetSweep", TargetSweep},
		{"Tune", Tune},
		{"RawTimeStream", RawTimeStream},
		{"LmtTel", LmtTel},
	}

	seedSeverities = []string{SeverityInfo, SeverityWarn, SeverityBlock, SeverityCritical}
)

// RegistrySeed carries the operator-provided defaults for seeding.
type RegistrySeed struct {
	// DefaultLocation, when non-nil, is inserted if no location with its
	// label exists yet.
	DefaultLocation *Location
	// LockPath guards concurrent multi-process bootstrap. Empty disables
	// locking (single-process tests).
	LockPath string
}

// PopulateRegistryTables seeds the closed-vocabulary tables and the default
// Location. It is re-entrant: only missing rows are inserted. When several
// processes bootstrap concurrently the critical section is guarded by a
// filesystem exclusive lock.
func (s *Store) PopulateRegistryTables(ctx context.Context, seed RegistrySeed) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if seed.LockPath != "" {
		if err := os.MkdirAll(filepath.Dir(seed.LockPath), 0o755); err != nil {
			return fmt.Errorf("catalog: seed lock dir: %w", err)
		}
		lock := flock.New(seed.LockPath)
		if err := lock.Lock(); err != nil {
			return fmt.Errorf("catalog: acquire seed lock: %w", err)
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				log.Warnf("catalog: release seed lock: %v", err)
			}
		}()
	}
	err := s.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		for _, label := range seedProdTypes {
			if err := insertMissing(ctx, tx, "data_prod_type", "label", label,
				`INSERT INTO data_prod_type (label) VALUES (?)`, label); err != nil {
				return err
			}
		}
		for _, at := range seedAssocTypes {
			if err := insertMissing(ctx, tx, "data_prod_assoc_type", "label", at.Label,
				`INSERT INTO data_prod_assoc_type (label, src_type, dst_type) VALUES (?, ?, ?)`,
				at.Label, nullEmpty(at.SrcType), nullEmpty(at.DstType)); err != nil {
				return err
			}
		}
		for _, dk := range seedDataKinds {
			if err := insertMissing(ctx, tx, "data_kind", "label", dk.Label,
				`INSERT INTO data_kind (label, bit) VALUES (?, ?)`, dk.Label, int64(dk.Bit)); err != nil {
				return err
			}
		}
		for _, sev := range seedSeverities {
			if err := insertMissing(ctx, tx, "flag_severity", "label", sev,
				`INSERT INTO flag_severity (label) VALUES (?)`, sev); err != nil {
				return err
			}
		}
		if loc := seed.DefaultLocation; loc != nil {
			if err := insertMissing(ctx, tx, "location", "label", loc.Label,
				`INSERT INTO location (label, type, root_uri, priority, meta, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				loc.Label, loc.Type, loc.RootURI, loc.Priority, loc.Meta, now()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidateCaches()
	return nil
}

// insertMissing inserts the row unless one with the same key already
// exists.
func insertMissing(ctx context.Context, tx *sqlx.Tx, table, keyCol string, keyVal interface{}, insert string, args ...interface{}) error {
	var n int
	if err := tx.GetContext(ctx, &n,
		tx.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ?`, table, keyCol)), keyVal); err != nil {
		return fmt.Errorf("catalog: seed %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(insert), args...); err != nil {
		return fmt.Errorf("catalog: seed %s: %w", table, err)
	}
	return nil
}

func nullEmpty(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// CreateLocation registers a storage endpoint.
func (s *Store) CreateLocation(ctx context.Context, loc *Location) error {
	return s.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		pk, err := insertPK(ctx, tx,
			`INSERT INTO location (label, type, root_uri, priority, meta, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			loc.Label, loc.Type, loc.RootURI, loc.Priority, loc.Meta, now())
		if err != nil {
			return s.wrapWriteErr("create location "+loc.Label, err)
		}
		loc.PK = pk
		return nil
	})
}
