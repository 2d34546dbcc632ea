// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package detect watches the external acquisition registry and decides when
// a logical observation is complete despite unknown or failing interfaces.
package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// RegistryRow is one acquisition-registry entry: one interface file of one
// quartet, with its validity flag.
type RegistryRow struct {
	ID         int64  `db:"id"`
	Master     string `db:"Master"`
	Obsnum     int    `db:"ObsNum"`
	Subobsnum  int    `db:"SubObsNum"`
	Scannum    int    `db:"ScanNum"`
	RoachIndex int    `db:"RoachIndex"`
	Valid      int    `db:"Valid"`
	Date       string `db:"Date"`
	Time       string `db:"Time"`
	FileName   string `db:"FileName"`
}

// Registry is a pollable view of the acquisition registry. Poll returns rows
// with id strictly greater than sinceID, in id order.
type Registry interface {
	Poll(ctx context.Context, sinceID int64, limit int) ([]RegistryRow, error)
}

// SQLRegistry reads the acquisition registry from its sqlite database. The
// registry is owned by the acquisition system; we open it read-only.
type SQLRegistry struct {
	db    *sqlx.DB
	table string
}

// OpenSQLRegistry opens the registry database at path read-only. table
// defaults to "toltec" when empty.
func OpenSQLRegistry(path, table string) (*SQLRegistry, error) {
	if table == "" {
		table = "toltec"
	}
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("detect: open registry %s: %w", path, err)
	}
	return &SQLRegistry{db: db, table: table}, nil
}

// Close releases the registry connection.
func (r *SQLRegistry) Close() error { return r.db.Close() }

// Poll implements Registry.
func (r *SQLRegistry) Poll(ctx context.Context, sinceID int64, limit int) ([]RegistryRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := fmt.Sprintf(`SELECT id, Master, ObsNum, SubObsNum, ScanNum, RoachIndex, Valid, Date, Time, FileName
FROM %s WHERE id > ? ORDER BY id LIMIT ?`, r.table)
	var rows []RegistryRow
	if err := r.db.SelectContext(ctx, &rows, q, sinceID, limit); err != nil {
		return nil, fmt.Errorf("detect: poll registry: %w", err)
	}
	for i := range rows {
		if rows[i].Master == "" {
			rows[i].Master = "tcs"
		}
		rows[i].Master = strings.ToLower(rows[i].Master)
	}
	return rows, nil
}
