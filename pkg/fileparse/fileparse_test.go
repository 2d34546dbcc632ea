// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package fileparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
)

func TestParseFileName(t *testing.T) {
	fi, ok := ParseFileName("/data_lmt/toltec/tcs/toltec0_1000_0_0_vnasweep.nc")
	require.True(t, ok)
	assert.Equal(t, "toltec0", fi.Interface)
	assert.Equal(t, 0, fi.RoachIndex)
	assert.Equal(t, 1000, fi.Obsnum)
	assert.Equal(t, 0, fi.Subobsnum)
	assert.Equal(t, 0, fi.Scannum)
	assert.Equal(t, "vnasweep", fi.Suffix)
	assert.Equal(t, "nc", fi.Ext)
	assert.Equal(t, catalog.VnaSweep, fi.DataKind)
}

func TestParseFileNameWithTimestamp(t *testing.T) {
	fi, ok := ParseFileName("toltec11_012218_00_0001_2020_05_29_14_57_03_targsweep.nc")
	require.True(t, ok)
	assert.Equal(t, 11, fi.RoachIndex)
	assert.Equal(t, 12218, fi.Obsnum)
	assert.Equal(t, 0, fi.Subobsnum)
	assert.Equal(t, 1, fi.Scannum)
	assert.Equal(t, "2020_05_29_14_57_03", fi.Timestamp)
	assert.Equal(t, "targsweep", fi.Suffix)
	assert.Equal(t, catalog.TargetSweep, fi.DataKind)
}

func TestParseFileNameAuxInterfaces(t *testing.T) {
	fi, ok := ParseFileName("hwp_1000_0_0.nc")
	require.True(t, ok)
	assert.Equal(t, "hwp", fi.Interface)
	assert.Equal(t, -1, fi.RoachIndex)
	assert.Equal(t, catalog.ToltecDataKind(0), fi.DataKind)

	fi, ok = ParseFileName("tel_toltec_2020_0_1.nc")
	require.True(t, ok)
	assert.Equal(t, "tel_toltec", fi.Interface)
	assert.Equal(t, 2020, fi.Obsnum)
}

func TestParseFileNameSuffixKinds(t *testing.T) {
	for suffix, kind := range map[string]catalog.ToltecDataKind{
		"timestream":  catalog.RawTimeStream,
		"targsweep":   catalog.TargetSweep,
		"targetsweep": catalog.TargetSweep,
		"vnasweep":    catalog.VnaSweep,
		"tune":        catalog.Tune,
	} {
		fi, ok := ParseFileName("toltec5_100_1_2_" + suffix + ".nc")
		require.True(t, ok, suffix)
		assert.Equal(t, kind, fi.DataKind, suffix)
	}
}

func TestParseFileNameNonMatching(t *testing.T) {
	for _, name := range []string{
		"README.md",
		"toltec_abc_0_0.nc",
		"wyatt_1000_0_0.nc",
		"toltec0_1000_0.nc",
	} {
		_, ok := ParseFileName(name)
		assert.False(t, ok, name)
	}
}

func TestMasterName(t *testing.T) {
	for id, want := range map[int]string{0: "tcs", 1: "ics", 2: "clip", 3: "simu"} {
		got, err := MasterName(id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := MasterName(99)
	assert.Error(t, err)
}

func TestCheckHeader(t *testing.T) {
	fi, ok := ParseFileName("toltec0_1001_0_0_timestream.nc")
	require.True(t, ok)

	hdr := &HeaderMeta{MasterID: 0, Obsnum: 1001, Subobsnum: 0, Scannum: 0, RoachIndex: 0}
	assert.NoError(t, CheckHeader(fi, hdr))
	assert.NoError(t, CheckHeader(fi, nil))

	hdr.Obsnum = 1002
	err := CheckHeader(fi, hdr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
}
