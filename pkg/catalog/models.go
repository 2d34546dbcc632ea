// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package catalog

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Closed-vocabulary product type labels.
const (
	TypeRawObs     = "dp_raw_obs"
	TypeReducedObs = "dp_reduced_obs"
	TypeCalGroup   = "dp_cal_group"
	TypeDriveFit   = "dp_drivefit"
	TypeFocusGroup = "dp_focus_group"
	TypeAstigGroup = "dp_astig_group"
	TypeNamedGroup = "dp_named_group"
)

// Closed-vocabulary association type labels.
const (
	AssocCalGroupRawObs   = "dpa_cal_group_raw_obs"
	AssocDriveFitRawObs   = "dpa_drivefit_raw_obs"
	AssocFocusGroupRawObs = "dpa_focus_group_raw_obs"
	AssocAstigGroupRawObs = "dpa_astig_group_raw_obs"
	AssocRawObsCalObs     = "dpa_raw_obs_cal_obs"
	AssocReducedObsRawObs = "dpa_reduced_obs_raw_obs"
	AssocInputSetMember   = "dpa_input_set_member"
)

// Source roles.
const (
	RolePrimary  = "PRIMARY"
	RoleMetadata = "METADATA"
	RoleMirror   = "MIRROR"
	RoleTemp     = "TEMP"
)

// Source availability states.
const (
	AvailabilityAvailable = "available"
	AvailabilityMissing   = "missing"
	AvailabilityUnknown   = "unknown"
)

// Flag severities.
const (
	SeverityInfo     = "INFO"
	SeverityWarn     = "WARN"
	SeverityBlock    = "BLOCK"
	SeverityCritical = "CRITICAL"
)

// Reduction task statuses.
const (
	TaskQueued  = "QUEUED"
	TaskRunning = "RUNNING"
	TaskDone    = "DONE"
	TaskError   = "ERROR"
)

// Location types.
const (
	LocationFilesystem = "filesystem"
	LocationObjectStor = "object-store"
	LocationHTTP       = "http"
)

// Quartet uniquely identifies one logical raw observation.
type Quartet struct {
	Master    string
	Obsnum    int
	Subobsnum int
	Scannum   int
}

func (q Quartet) String() string {
	return fmt.Sprintf("%s-%d-%d-%d", q.Master, q.Obsnum, q.Subobsnum, q.Scannum)
}

// Succeeds reports whether q strictly succeeds other in
// (obsnum, subobsnum, scannum) order.
func (q Quartet) Succeeds(other Quartet) bool {
	if q.Obsnum != other.Obsnum {
		return q.Obsnum > other.Obsnum
	}
	if q.Subobsnum != other.Subobsnum {
		return q.Subobsnum > other.Subobsnum
	}
	return q.Scannum > other.Scannum
}

// JSONMap is a free-form JSON object column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
}

// Location is a named storage endpoint. Source URIs are relative to its
// root URI.
type Location struct {
	PK        int64     `db:"pk"`
	Label     string    `db:"label"`
	Type      string    `db:"type"`
	RootURI   string    `db:"root_uri"`
	Priority  int       `db:"priority"`
	Meta      JSONMap   `db:"meta"`
	CreatedAt time.Time `db:"created_at"`
}

// DataProd is one logical data product. For raw observations the quartet
// columns are denormalized from the metadata so the uniqueness invariant is
// enforced by the store; for group products they are null.
type DataProd struct {
	PK        int64          `db:"pk"`
	TypeFK    int64          `db:"type_fk"`
	TypeLabel string         `db:"type_label"`
	MetaBlob  []byte         `db:"meta"`
	Master    sql.NullString `db:"master"`
	Obsnum    sql.NullInt64  `db:"obsnum"`
	Subobsnum sql.NullInt64  `db:"subobsnum"`
	Scannum   sql.NullInt64  `db:"scannum"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// Meta decodes the typed metadata blob.
func (p *DataProd) Meta() (ProdMeta, error) {
	return DecodeProdMeta(p.MetaBlob)
}

// RawObsMeta decodes the metadata blob and asserts it is raw-observation
// metadata.
func (p *DataProd) RawObsMeta() (*RawObsMeta, error) {
	m, err := p.Meta()
	if err != nil {
		return nil, err
	}
	rm, ok := m.(*RawObsMeta)
	if !ok {
		return nil, fmt.Errorf("data prod %d: expected %s meta, got %s", p.PK, TagRawObs, m.MetaTag())
	}
	return rm, nil
}

// DataProdSource is one physical file contributing to a DataProd.
type DataProdSource struct {
	PK           int64          `db:"pk"`
	DataProdFK   int64          `db:"data_prod_fk"`
	LocationFK   int64          `db:"location_fk"`
	SourceURI    string         `db:"source_uri"`
	Role         string         `db:"role"`
	Availability string         `db:"availability"`
	Size         sql.NullInt64  `db:"size"`
	Checksum     sql.NullString `db:"checksum"`
	MetaBlob     []byte         `db:"meta"`
	CreatedAt    time.Time      `db:"created_at"`
}

// Meta decodes the typed interface metadata blob.
func (s *DataProdSource) Meta() (SourceMeta, error) {
	return DecodeSourceMeta(s.MetaBlob)
}

// DataProdAssoc is a directed typed edge between two data products.
type DataProdAssoc struct {
	PK          int64     `db:"pk"`
	SrcFK       int64     `db:"src_data_prod_fk"`
	DstFK       int64     `db:"dst_data_prod_fk"`
	AssocTypeFK int64     `db:"assoc_type_fk"`
	Context     JSONMap   `db:"context"`
	CreatedAt   time.Time `db:"created_at"`
}

// DataProdFlag is a flag instance attached to a data product.
type DataProdFlag struct {
	PK         int64     `db:"pk"`
	DataProdFK int64     `db:"data_prod_fk"`
	FlagFK     int64     `db:"flag_fk"`
	Severity   string    `db:"severity"`
	Meta       JSONMap   `db:"meta"`
	CreatedAt  time.Time `db:"created_at"`
}

// ReductionTask is a declarative, idempotent processing record keyed by
// (params_hash, input_set_hash).
type ReductionTask struct {
	PK           int64     `db:"pk"`
	ParamsHash   string    `db:"params_hash"`
	InputSetHash string    `db:"input_set_hash"`
	Status       string    `db:"status"`
	Params       JSONMap   `db:"params"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Event is one append-only audit record.
type Event struct {
	PK         int64     `db:"pk"`
	EventID    string    `db:"event_id"`
	EventType  string    `db:"event_type"`
	EntityType string    `db:"entity_type"`
	EntityID   int64     `db:"entity_id"`
	Payload    JSONMap   `db:"payload"`
	OccurredAt time.Time `db:"occurred_at"`
}
