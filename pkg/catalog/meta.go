// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package catalog

import (
	"encoding/json"
	"fmt"
)

// ToltecDataKind is a bitmask of acquisition modes. A product accumulates
// bits as different ingestors see it; the tel-CSV ingestor is the only
// place that OR-combines into an existing product.
type ToltecDataKind uint32

// Data kind bits.
const (
	VnaSweep ToltecDataKind = 1 << iota
	TargetSweep
	Tune
	RawTimeStream
	LmtTel
)

var dataKindNames = map[ToltecDataKind]string{
	VnaSweep:      "VnaSweep",
	TargetSweep:   "TargetSweep",
	Tune:          "Tune",
	RawTimeStream: "RawTimeStream",
	LmtTel:        "LmtTel",
}

// Has reports whether all bits of other are set in k.
func (k ToltecDataKind) Has(other ToltecDataKind) bool {
	return k&other == other
}

func (k ToltecDataKind) String() string {
	if k == 0 {
		return "None"
	}
	s := ""
	for bit := VnaSweep; bit <= LmtTel; bit <<= 1 {
		if k.Has(bit) {
			if s != "" {
				s += "|"
			}
			s += dataKindNames[bit]
		}
	}
	return s
}

// Metadata tags. The tag field of a metadata blob is drawn from this closed
// set; decoding an unknown tag is a hard error.
const (
	TagRawObs        = "raw_obs"
	TagReducedObs    = "reduced_obs"
	TagCalGroup      = "cal_group"
	TagDriveFitGroup = "drivefit_group"
	TagFocusGroup    = "focus_group"
	TagAstigGroup    = "astig_group"
	TagNamedGroup    = "named_group"

	TagRoachInterface = "roach_interface"
	TagTelInterface   = "tel_interface"
)

// ProdMeta is the polymorphic metadata attached to a DataProd row. The
// concrete type is discriminated by the literal "tag" field in the JSON
// column.
type ProdMeta interface {
	MetaTag() string
}

// SourceMeta is the polymorphic metadata attached to a DataProdSource row.
type SourceMeta interface {
	MetaTag() string
}

// TelescopeState carries the denormalized telescope fields merged from a
// tel-CSV row onto a raw observation.
type TelescopeState struct {
	Time            string     `json:"time,omitempty"`
	ProjectID       string     `json:"project_id,omitempty"`
	ObsPgm          string     `json:"obs_pgm,omitempty"`
	IntegrationTime float64    `json:"integration_time,omitempty"`
	MainTime        float64    `json:"main_time,omitempty"`
	RefTime         float64    `json:"ref_time,omitempty"`
	Az              float64    `json:"az_deg,omitempty"`
	El              float64    `json:"el_deg,omitempty"`
	UserAzOffset    float64    `json:"user_az_offset,omitempty"`
	UserElOffset    float64    `json:"user_el_offset,omitempty"`
	PaddleAzOffset  float64    `json:"paddle_az_offset,omitempty"`
	PaddleElOffset  float64    `json:"paddle_el_offset,omitempty"`
	M2XOffset       float64    `json:"m2_x_offset,omitempty"`
	M2YOffset       float64    `json:"m2_y_offset,omitempty"`
	M2ZOffset       float64    `json:"m2_z_offset,omitempty"`
	M1Zernike       [7]float64 `json:"m1_zernike"`
	Tau             float64    `json:"tau,omitempty"`
	CraneInBeam     bool       `json:"crane_in_beam,omitempty"`
}

// RawObsMeta is the metadata of a raw-observation product. The quartet
// embedded here uniquely identifies the product.
type RawObsMeta struct {
	Name       string          `json:"name"`
	Master     string          `json:"master"`
	Obsnum     int             `json:"obsnum"`
	Subobsnum  int             `json:"subobsnum"`
	Scannum    int             `json:"scannum"`
	DataKind   ToltecDataKind  `json:"data_kind"`
	ObsGoal    string          `json:"obs_goal,omitempty"`
	SourceName string          `json:"source_name,omitempty"`
	Tel        *TelescopeState `json:"tel,omitempty"`
}

// MetaTag implements ProdMeta.
func (m *RawObsMeta) MetaTag() string { return TagRawObs }

// Quartet returns the identifying quartet of the observation.
func (m *RawObsMeta) Quartet() Quartet {
	return Quartet{Master: m.Master, Obsnum: m.Obsnum, Subobsnum: m.Subobsnum, Scannum: m.Scannum}
}

// ReducedObsMeta is the metadata of a reduced-observation product.
type ReducedObsMeta struct {
	Name      string `json:"name"`
	Master    string `json:"master"`
	Obsnum    int    `json:"obsnum"`
	Subobsnum int    `json:"subobsnum"`
	Scannum   int    `json:"scannum"`
	Pipeline  string `json:"pipeline,omitempty"`
	Version   string `json:"version,omitempty"`
}

// MetaTag implements ProdMeta.
func (m *ReducedObsMeta) MetaTag() string { return TagReducedObs }

// GroupMetaFields is shared by the group product metadata types.
type GroupMetaFields struct {
	Name     string `json:"name"`
	Master   string `json:"master"`
	Obsnum   int    `json:"obsnum"`
	NMembers int    `json:"n_members"`
}

// CalGroupMeta describes a calibration group product.
type CalGroupMeta struct {
	GroupMetaFields
}

// MetaTag implements ProdMeta.
func (m *CalGroupMeta) MetaTag() string { return TagCalGroup }

// DriveFitGroupMeta describes a drive-fit group product.
type DriveFitGroupMeta struct {
	GroupMetaFields
}

// MetaTag implements ProdMeta.
func (m *DriveFitGroupMeta) MetaTag() string { return TagDriveFitGroup }

// FocusGroupMeta describes a focus sequence group. ObsnumEnd is the last
// obsnum of the consecutive run.
type FocusGroupMeta struct {
	GroupMetaFields
	ObsnumEnd int `json:"obsnum_end"`
}

// MetaTag implements ProdMeta.
func (m *FocusGroupMeta) MetaTag() string { return TagFocusGroup }

// AstigGroupMeta describes an astigmatism sequence group.
type AstigGroupMeta struct {
	GroupMetaFields
	ObsnumEnd int `json:"obsnum_end"`
}

// MetaTag implements ProdMeta.
func (m *AstigGroupMeta) MetaTag() string { return TagAstigGroup }

// NamedGroupMeta describes an operator-defined named group.
type NamedGroupMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	NMembers    int    `json:"n_members"`
}

// MetaTag implements ProdMeta.
func (m *NamedGroupMeta) MetaTag() string { return TagNamedGroup }

// RoachInterfaceMeta describes a detector-network file source.
type RoachInterfaceMeta struct {
	Interface     string         `json:"interface"`
	RoachIndex    int            `json:"roach_index"`
	NetworkID     int            `json:"network_id"`
	DataKind      ToltecDataKind `json:"data_kind"`
	FileTimestamp string         `json:"file_timestamp,omitempty"`
	FileSuffix    string         `json:"file_suffix,omitempty"`
	FileExt       string         `json:"file_ext,omitempty"`
}

// MetaTag implements SourceMeta.
func (m *RoachInterfaceMeta) MetaTag() string { return TagRoachInterface }

// TelInterfaceMeta describes a telescope-state file source.
type TelInterfaceMeta struct {
	Interface string         `json:"interface"`
	Master    string         `json:"master"`
	DataKind  ToltecDataKind `json:"data_kind"`
}

// MetaTag implements SourceMeta.
func (m *TelInterfaceMeta) MetaTag() string { return TagTelInterface }

type taggable interface {
	MetaTag() string
}

func encodeTagged(m taggable) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s meta: %w", m.MetaTag(), err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("encode %s meta: %w", m.MetaTag(), err)
	}
	tag, _ := json.Marshal(m.MetaTag())
	doc["tag"] = tag
	return json.Marshal(doc)
}

// EncodeProdMeta serializes product metadata with its tag discriminator.
func EncodeProdMeta(m ProdMeta) ([]byte, error) {
	return encodeTagged(m)
}

// EncodeSourceMeta serializes source metadata with its tag discriminator.
func EncodeSourceMeta(m SourceMeta) ([]byte, error) {
	return encodeTagged(m)
}

func peekTag(b []byte) (string, error) {
	var probe struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return "", fmt.Errorf("decode meta: %w", err)
	}
	if probe.Tag == "" {
		return "", fmt.Errorf("decode meta: missing tag discriminator")
	}
	return probe.Tag, nil
}

// DecodeProdMeta deserializes product metadata, dispatching on the tag
// discriminator. An unknown tag is a hard error.
func DecodeProdMeta(b []byte) (ProdMeta, error) {
	tag, err := peekTag(b)
	if err != nil {
		return nil, err
	}
	var m ProdMeta
	switch tag {
	case TagRawObs:
		m = &RawObsMeta{}
	case TagReducedObs:
		m = &ReducedObsMeta{}
	case TagCalGroup:
		m = &CalGroupMeta{}
	case TagDriveFitGroup:
		m = &DriveFitGroupMeta{}
	case TagFocusGroup:
		m = &FocusGroupMeta{}
	case TagAstigGroup:
		m = &AstigGroupMeta{}
	case TagNamedGroup:
		m = &NamedGroupMeta{}
	default:
		return nil, fmt.Errorf("decode meta: unknown tag %q", tag)
	}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("decode %s meta: %w", tag, err)
	}
	return m, nil
}

// DecodeSourceMeta deserializes source metadata, dispatching on the tag
// discriminator.
func DecodeSourceMeta(b []byte) (SourceMeta, error) {
	tag, err := peekTag(b)
	if err != nil {
		return nil, err
	}
	var m SourceMeta
	switch tag {
	case TagRoachInterface:
		m = &RoachInterfaceMeta{}
	case TagTelInterface:
		m = &TelInterfaceMeta{}
	default:
		return nil, fmt.Errorf("decode meta: unknown tag %q", tag)
	}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("decode %s meta: %w", tag, err)
	}
	return m, nil
}
