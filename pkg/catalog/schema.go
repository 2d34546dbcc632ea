// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package catalog

import "fmt"

// schemaTables lists every table in dependency order. The list also drives
// sequence creation for dialects that need it.
var schemaTables = []string{
	"location",
	"data_prod_type",
	"data_prod_assoc_type",
	"data_kind",
	"flag_severity",
	"flag",
	"data_prod",
	"data_prod_source",
	"data_prod_assoc",
	"data_prod_flag",
	"reduction_task",
	"task_input",
	"task_output",
	"event_log",
}

// schemaDDL renders the idempotent table DDL for the given dialect. Types
// are restricted to the portable subset of the three engines; JSON columns
// are TEXT with (de)coding centralized in the store.
func schemaDDL(d Dialect) []string {
	pk := d.SerialPK
	cascade := ""
	if d.SupportsCascade() {
		cascade = " ON DELETE CASCADE"
	}
	stmts := d.PreSchema(schemaTables)
	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS location (
	pk %s,
	label TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	root_uri TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	meta TEXT,
	created_at TIMESTAMP NOT NULL
)`, pk("location")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS data_prod_type (
	pk %s,
	label TEXT NOT NULL UNIQUE
)`, pk("data_prod_type")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS data_prod_assoc_type (
	pk %s,
	label TEXT NOT NULL UNIQUE,
	src_type TEXT,
	dst_type TEXT
)`, pk("data_prod_assoc_type")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS data_kind (
	pk %s,
	label TEXT NOT NULL UNIQUE,
	bit INTEGER NOT NULL
)`, pk("data_kind")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS flag_severity (
	pk %s,
	label TEXT NOT NULL UNIQUE
)`, pk("flag_severity")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS flag (
	pk %s,
	label TEXT NOT NULL UNIQUE,
	severity TEXT NOT NULL DEFAULT 'WARN'
)`, pk("flag")),

		// Quartet columns are denormalized from the metadata for raw
		// observations; the unique index is the enforcement point of the
		// quartet-uniqueness invariant. Group products leave them null.
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS data_prod (
	pk %s,
	type_fk BIGINT NOT NULL REFERENCES data_prod_type (pk),
	meta TEXT NOT NULL,
	master TEXT,
	obsnum BIGINT,
	subobsnum BIGINT,
	scannum BIGINT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (type_fk, master, obsnum, subobsnum, scannum)
)`, pk("data_prod")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS data_prod_source (
	pk %s,
	data_prod_fk BIGINT NOT NULL REFERENCES data_prod (pk)%s,
	location_fk BIGINT NOT NULL REFERENCES location (pk),
	source_uri TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'PRIMARY',
	availability TEXT NOT NULL DEFAULT 'unknown',
	size BIGINT,
	checksum TEXT,
	meta TEXT,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (location_fk, source_uri)
)`, pk("data_prod_source"), cascade),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS data_prod_assoc (
	pk %s,
	src_data_prod_fk BIGINT NOT NULL REFERENCES data_prod (pk)%s,
	dst_data_prod_fk BIGINT NOT NULL REFERENCES data_prod (pk)%s,
	assoc_type_fk BIGINT NOT NULL REFERENCES data_prod_assoc_type (pk),
	context TEXT,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (src_data_prod_fk, dst_data_prod_fk, assoc_type_fk)
)`, pk("data_prod_assoc"), cascade, cascade),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS data_prod_flag (
	pk %s,
	data_prod_fk BIGINT NOT NULL REFERENCES data_prod (pk)%s,
	flag_fk BIGINT NOT NULL REFERENCES flag (pk),
	severity TEXT NOT NULL,
	meta TEXT,
	created_at TIMESTAMP NOT NULL
)`, pk("data_prod_flag"), cascade),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS reduction_task (
	pk %s,
	params_hash TEXT NOT NULL,
	input_set_hash TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'QUEUED',
	params TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (params_hash, input_set_hash)
)`, pk("reduction_task")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS task_input (
	pk %s,
	task_fk BIGINT NOT NULL REFERENCES reduction_task (pk)%s,
	data_prod_fk BIGINT NOT NULL REFERENCES data_prod (pk)
)`, pk("task_input"), cascade),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS task_output (
	pk %s,
	task_fk BIGINT NOT NULL REFERENCES reduction_task (pk)%s,
	data_prod_fk BIGINT NOT NULL REFERENCES data_prod (pk)
)`, pk("task_output"), cascade),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS event_log (
	pk %s,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id BIGINT NOT NULL,
	payload TEXT,
	occurred_at TIMESTAMP NOT NULL
)`, pk("event_log")),

		`CREATE INDEX IF NOT EXISTS ix_data_prod_quartet ON data_prod (obsnum, subobsnum, scannum)`,
		`CREATE INDEX IF NOT EXISTS ix_data_prod_source_prod ON data_prod_source (data_prod_fk)`,
		`CREATE INDEX IF NOT EXISTS ix_data_prod_assoc_dst ON data_prod_assoc (dst_data_prod_fk)`,
		`CREATE INDEX IF NOT EXISTS ix_event_log_entity ON event_log (entity_type, entity_id)`,
	)
	return stmts
}
