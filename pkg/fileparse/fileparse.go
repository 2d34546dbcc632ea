// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package fileparse extracts quartet identity and interface information
// from data file names and file headers.
package fileparse

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
)

// Filenames follow
// {interface}_{obsnum}_{subobsnum}_{scannum}[_{YYYY_MM_DD_HH_MM_SS}][_{suffix}].{ext}
// where interface is toltec{N}, hwp, tel_toltec or toltec.
var fileNameRe = regexp.MustCompile(
	`^(?P<interface>toltec\d+|hwp|tel_toltec|toltec)` +
		`_(?P<obsnum>\d+)_(?P<subobsnum>\d+)_(?P<scannum>\d+)` +
		`(?:_(?P<timestamp>\d{4}_\d{2}_\d{2}(?:_\d{2}_\d{2}_\d{2})?))?` +
		`(?:_(?P<suffix>[^_.]+))?` +
		`\.(?P<ext>.+)$`)

var roachRe = regexp.MustCompile(`^toltec(\d+)$`)

// suffixDataKinds maps the filename suffix to the inferred data kind.
var suffixDataKinds = map[string]catalog.ToltecDataKind{
	"timestream":  catalog.RawTimeStream,
	"targsweep":   catalog.TargetSweep,
	"targetsweep": catalog.TargetSweep,
	"vnasweep":    catalog.VnaSweep,
	"tune":        catalog.Tune,
}

// masterNames maps numeric master ids found in file headers to their
// lowercase labels.
var masterNames = map[int]string{
	0: "tcs",
	1: "ics",
	2: "clip",
	3: "simu",
}

// FileInfo is the structured result of parsing a data file name.
type FileInfo struct {
	Path      string
	Interface string
	// RoachIndex is the integer suffix of a toltec{N} interface; -1 for
	// non-roach interfaces.
	RoachIndex int
	Obsnum     int
	Subobsnum  int
	Scannum    int
	Timestamp  string
	Suffix     string
	Ext        string
	// DataKind is inferred from the suffix; zero when the suffix carries
	// no kind.
	DataKind catalog.ToltecDataKind
}

// ParseFileName parses a data file path. The second return is false when
// the base name does not match the naming convention; that is not an error.
func ParseFileName(path string) (*FileInfo, bool) {
	base := filepath.Base(path)
	m := fileNameRe.FindStringSubmatch(base)
	if m == nil {
		return nil, false
	}
	get := func(name string) string {
		return m[fileNameRe.SubexpIndex(name)]
	}
	fi := &FileInfo{
		Path:       path,
		Interface:  get("interface"),
		RoachIndex: -1,
		Timestamp:  get("timestamp"),
		Suffix:     get("suffix"),
		Ext:        get("ext"),
	}
	fi.Obsnum, _ = strconv.Atoi(get("obsnum"))
	fi.Subobsnum, _ = strconv.Atoi(get("subobsnum"))
	fi.Scannum, _ = strconv.Atoi(get("scannum"))
	if rm := roachRe.FindStringSubmatch(fi.Interface); rm != nil {
		fi.RoachIndex, _ = strconv.Atoi(rm[1])
	}
	fi.DataKind = suffixDataKinds[strings.ToLower(fi.Suffix)]
	return fi, true
}

// MasterName maps a numeric master id from a file header to its lowercase
// label.
func MasterName(id int) (string, error) {
	name, ok := masterNames[id]
	if !ok {
		return "", fmt.Errorf("fileparse: unknown master id %d", id)
	}
	return name, nil
}

// HeaderMeta is the authoritative quartet extracted from a data file
// header. The core never reads file contents itself; the header record is
// supplied by the acquisition side.
type HeaderMeta struct {
	MasterID   int
	Obsnum     int
	Subobsnum  int
	Scannum    int
	RoachIndex int
}

// Master returns the lowercase master label of the header.
func (h *HeaderMeta) Master() (string, error) { return MasterName(h.MasterID) }

// CheckHeader verifies that the filename-parsed identity agrees with the
// header. Any disagreement on a quartet field or the roach index is a hard
// integrity failure that aborts the ingestion of that file.
func CheckHeader(fi *FileInfo, hdr *HeaderMeta) error {
	if hdr == nil {
		return nil
	}
	var mismatches []string
	if fi.Obsnum != hdr.Obsnum {
		mismatches = append(mismatches, fmt.Sprintf("obsnum %d != %d", fi.Obsnum, hdr.Obsnum))
	}
	if fi.Subobsnum != hdr.Subobsnum {
		mismatches = append(mismatches, fmt.Sprintf("subobsnum %d != %d", fi.Subobsnum, hdr.Subobsnum))
	}
	if fi.Scannum != hdr.Scannum {
		mismatches = append(mismatches, fmt.Sprintf("scannum %d != %d", fi.Scannum, hdr.Scannum))
	}
	if fi.RoachIndex >= 0 && hdr.RoachIndex >= 0 && fi.RoachIndex != hdr.RoachIndex {
		mismatches = append(mismatches, fmt.Sprintf("roach %d != %d", fi.RoachIndex, hdr.RoachIndex))
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("fileparse: %s: filename/header mismatch: %s",
			filepath.Base(fi.Path), strings.Join(mismatches, ", "))
	}
	return nil
}
