// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package ident builds the canonical observation identifiers and the
// deterministic hashes used for content-addressable task identity.
package ident

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"lukechampine.com/blake3"
)

// ErrInvalidUID is returned when a raw-observation UID string does not match
// the canonical format.
var ErrInvalidUID = fmt.Errorf("invalid raw obs uid")

var rawObsUIDRe = regexp.MustCompile(`^([a-z_]+)-(\d+)-(\d+)-(\d+)$`)

// RawObsUID formats the canonical UID of a raw observation quartet:
// "{master}-{obsnum}-{subobsnum}-{scannum}", lowercase master, decimal
// integers without zero padding.
func RawObsUID(master string, obsnum, subobsnum, scannum int) string {
	return fmt.Sprintf("%s-%d-%d-%d", strings.ToLower(master), obsnum, subobsnum, scannum)
}

// ReducedObsUID is the raw UID with a "-reduced" suffix.
func ReducedObsUID(master string, obsnum, subobsnum, scannum int) string {
	return RawObsUID(master, obsnum, subobsnum, scannum) + "-reduced"
}

// GroupUID formats the UID of a group product:
// "{master}-{obsnum}-g{n}-{suffix}".
func GroupUID(master string, obsnum, nItems int, suffix string) string {
	return fmt.Sprintf("%s-%d-g%d-%s", strings.ToLower(master), obsnum, nItems, suffix)
}

// CalGroupUID is GroupUID with the "cal" suffix.
func CalGroupUID(master string, obsnum, nItems int) string {
	return GroupUID(master, obsnum, nItems, "cal")
}

// RangeGroupUID formats the UID of a group spanning a consecutive obsnum
// run: "{master}-{start}to{end}-g{n}-{suffix}".
func RangeGroupUID(master string, obsnumStart, obsnumEnd, nItems int, suffix string) string {
	return fmt.Sprintf("%s-%dto%d-g%d-%s", strings.ToLower(master), obsnumStart, obsnumEnd, nItems, suffix)
}

// ParseRawObsUID reverses RawObsUID. A trailing "-reduced" suffix is
// stripped before parsing. Returns ErrInvalidUID when the string does not
// match the canonical format.
func ParseRawObsUID(s string) (master string, obsnum, subobsnum, scannum int, err error) {
	s = strings.TrimSuffix(s, "-reduced")
	m := rawObsUIDRe.FindStringSubmatch(s)
	if m == nil {
		return "", 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidUID, s)
	}
	master = m[1]
	obsnum, _ = strconv.Atoi(m[2])
	subobsnum, _ = strconv.Atoi(m[3])
	scannum, _ = strconv.Atoi(m[4])
	return master, obsnum, subobsnum, scannum, nil
}

// canonicalJSON marshals v with sorted keys and compact separators.
// encoding/json already sorts map keys, so marshalling a map is canonical.
func canonicalJSON(v map[string]interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Identity dicts are built from scalars; marshalling cannot fail
		// for well-formed callers.
		panic(fmt.Sprintf("ident: cannot marshal identity: %v", err))
	}
	return b
}

// ProductIDHash returns a deterministic 32-hex-char digest over the
// canonical JSON of the base type plus the identity fields.
func ProductIDHash(baseType string, identity map[string]interface{}) string {
	doc := make(map[string]interface{}, len(identity)+1)
	for k, v := range identity {
		doc[k] = v
	}
	doc["base_type"] = baseType
	sum := blake3.Sum256(canonicalJSON(doc))
	return hex.EncodeToString(sum[:16])
}

// ContentHash hashes raw bytes, prefixed with the algorithm name.
func ContentHash(b []byte) string {
	sum := blake3.Sum256(b)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// ParamsHash returns a 32-hex-char digest of the canonical JSON encoding of
// a parameter dict. Two dicts with the same keys and values hash the same
// regardless of construction order.
func ParamsHash(params map[string]interface{}) string {
	sum := blake3.Sum256(canonicalJSON(params))
	return hex.EncodeToString(sum[:16])
}

// InputSetHash returns a 32-hex-char digest of a set of input product ids.
// The ids are sorted before hashing so the result is order independent.
func InputSetHash(ids []int64) string {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatInt(id, 10)
	}
	sum := blake3.Sum256([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:16])
}
