// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package obsspec parses the compact observation-spec strings users type to
// identify observations, e.g. "tcs-123456-0-0", "1000/0" or "1000-{0,1}".
package obsspec

import (
	"strconv"
	"strings"

	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

// Slice is a range predicate over one field. Nil bounds are open; the zero
// value matches everything.
type Slice struct {
	Start *int
	Stop  *int
	Step  *int
}

// All reports whether the slice matches every value.
func (s *Slice) All() bool {
	return s != nil && s.Start == nil && s.Stop == nil && s.Step == nil
}

// Contains reports whether v is a member of the materialized range. Open
// bounds default to start=0 and step=1; an open stop matches everything
// from start on.
func (s *Slice) Contains(v int) bool {
	if s == nil {
		return false
	}
	start, step := 0, 1
	if s.Start != nil {
		start = *s.Start
	}
	if s.Step != nil && *s.Step > 0 {
		step = *s.Step
	}
	if v < start {
		return false
	}
	if s.Stop != nil && v >= *s.Stop {
		return false
	}
	return (v-start)%step == 0
}

// Spec is the parsed observation spec. Each of the four fields carries at
// most one of: a single value, a discrete list, or a slice predicate.
type Spec struct {
	Master   string
	FilePath string
	// Latest means "the most recent observation"; set for empty input.
	Latest bool

	Obsnum    *int
	Subobsnum *int
	Scannum   *int
	Roach     *int

	ObsnumList    []int
	SubobsnumList []int
	ScannumList   []int
	RoachList     []int

	ObsnumSlice    *Slice
	SubobsnumSlice *Slice
	ScannumSlice   *Slice
	RoachSlice     *Slice
}

// Interface translates the roach constraint to the interface name used by
// source metadata, or "" when no single roach is set.
func (s *Spec) Interface() string {
	if s.Roach == nil {
		return ""
	}
	return "toltec" + strconv.Itoa(*s.Roach)
}

var masterNames = map[string]bool{"tcs": true, "ics": true, "clip": true, "simu": true}

// fieldRef addresses one of the four spec fields.
type fieldRef struct {
	value **int
	list  *[]int
	slice **Slice
}

func (s *Spec) fields() [4]fieldRef {
	return [4]fieldRef{
		{&s.Obsnum, &s.ObsnumList, &s.ObsnumSlice},
		{&s.Subobsnum, &s.SubobsnumList, &s.SubobsnumSlice},
		{&s.Scannum, &s.ScannumList, &s.ScannumSlice},
		{&s.Roach, &s.RoachList, &s.RoachSlice},
	}
}

func (f fieldRef) filled() bool {
	return *f.value != nil || *f.list != nil || *f.slice != nil
}

// token is one parsed spec token: a plain int, a list, or a slice. A nil
// token (parse error) is ignored.
type token struct {
	value *int
	list  []int
	slice *Slice
}

func (f fieldRef) assign(t *token) {
	if t == nil {
		return
	}
	switch {
	case t.value != nil:
		*f.value = t.value
	case t.list != nil:
		*f.list = t.list
	case t.slice != nil:
		*f.slice = t.slice
	}
}

// Parse parses an observation spec. Empty input means "latest"; a path-like
// string is returned under FilePath; malformed tokens are logged and
// dropped rather than failing the whole spec.
func Parse(spec string) *Spec {
	out := &Spec{}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		out.Latest = true
		return out
	}
	if isPath(spec) {
		out.FilePath = spec
		return out
	}

	// Leading master prefix.
	if i := strings.IndexAny(spec, "-/"); i > 0 && masterNames[strings.ToLower(spec[:i])] {
		out.Master = strings.ToLower(spec[:i])
		spec = spec[i+1:]
	}

	forward, backward := splitTokens(spec)
	fields := out.fields()

	// Forward tokens fill obsnum, subobsnum, scannum, roach in order.
	for i, raw := range forward {
		if i >= len(fields) {
			log.Warnf("obsspec: too many tokens in %q, ignoring %q", spec, raw)
			break
		}
		fields[i].assign(parseToken(raw))
	}

	// Backward tokens fill right-to-left: the last token lands on roach,
	// earlier ones on the rightmost still-unfilled field.
	idx := len(fields) - 1
	for i := len(backward) - 1; i >= 0; i-- {
		for idx >= 0 && fields[idx].filled() {
			idx--
		}
		if idx < 0 {
			log.Warnf("obsspec: too many tokens in %q, ignoring %q", spec, backward[i])
			break
		}
		fields[idx].assign(parseToken(backward[i]))
		idx--
	}
	return out
}

// isPath detects filesystem paths: starts with "/" or ends with ".nc", and
// carries no wildcard syntax.
func isPath(s string) bool {
	if strings.ContainsAny(s, "{}[]") {
		return false
	}
	return strings.HasPrefix(s, "/") || strings.HasSuffix(s, ".nc")
}

// splitTokens separates the spec into the '-'-joined forward run and the
// '/'-joined trailing run. Bracketed tokens may contain neither separator,
// so a plain scan suffices.
func splitTokens(spec string) (forward, backward []string) {
	if i := strings.Index(spec, "/"); i >= 0 {
		backward = strings.Split(spec[i+1:], "/")
		spec = spec[:i]
	}
	forward = strings.Split(spec, "-")
	return forward, backward
}

func parseToken(raw string) *token {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return nil
	case strings.HasPrefix(raw, "{"):
		return parseList(raw)
	case strings.HasPrefix(raw, "["):
		return parseSlice(raw)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warnf("obsspec: bad token %q: %v", raw, err)
		return nil
	}
	return &token{value: &v}
}

// parseList parses "{a,b,c}"; "{}" is a match-all slice.
func parseList(raw string) *token {
	if !strings.HasSuffix(raw, "}") {
		log.Warnf("obsspec: unterminated list %q", raw)
		return nil
	}
	body := strings.TrimSpace(raw[1 : len(raw)-1])
	if body == "" {
		return &token{slice: &Slice{}}
	}
	var list []int
	for _, part := range strings.Split(body, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			log.Warnf("obsspec: bad list %q: %v", raw, err)
			return nil
		}
		list = append(list, v)
	}
	return &token{list: list}
}

// parseSlice parses "[start:stop:step]"; "[]" is a match-all slice.
func parseSlice(raw string) *token {
	if !strings.HasSuffix(raw, "]") {
		log.Warnf("obsspec: unterminated slice %q", raw)
		return nil
	}
	body := strings.TrimSpace(raw[1 : len(raw)-1])
	if body == "" {
		return &token{slice: &Slice{}}
	}
	parts := strings.Split(body, ":")
	if len(parts) < 2 || len(parts) > 3 {
		log.Warnf("obsspec: bad slice %q", raw)
		return nil
	}
	s := &Slice{}
	bounds := []**int{&s.Start, &s.Stop, &s.Step}
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			log.Warnf("obsspec: bad slice %q: %v", raw, err)
			return nil
		}
		*bounds[i] = &v
	}
	return &token{slice: s}
}
