// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package assoc groups raw observations into calibration, drive-fit, focus
// and astigmatism group products and writes the association edges back to
// the catalog.
package assoc

import (
	"fmt"
	"strings"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
)

// Observation is the uniform row-oriented projection of one raw-observation
// product that collators operate on.
type Observation struct {
	PK        int64
	Master    string
	Obsnum    int
	Subobsnum int
	Scannum   int
	// RoachID is nil for observations without a readout interface.
	RoachID   *int
	DataKind  catalog.ToltecDataKind
	ObsGoal   string
	Interface string
}

// UID is the canonical quartet identifier of the observation.
func (o Observation) UID() string {
	return fmt.Sprintf("%s-%d-%d-%d", o.Master, o.Obsnum, o.Subobsnum, o.Scannum)
}

// ObservationFromProd projects one raw-observation product. The projection
// is quartet-level: a product spans all of its interface files, so RoachID
// and Interface stay unset. File-level pools (one Observation per source,
// with RoachID/Interface filled in) are built by the caller with NewPool.
func ObservationFromProd(prod *catalog.DataProd) (Observation, error) {
	meta, err := prod.RawObsMeta()
	if err != nil {
		return Observation{}, err
	}
	return Observation{
		PK:        prod.PK,
		Master:    meta.Master,
		Obsnum:    meta.Obsnum,
		Subobsnum: meta.Subobsnum,
		Scannum:   meta.Scannum,
		DataKind:  meta.DataKind,
		ObsGoal:   strings.ToLower(meta.ObsGoal),
	}, nil
}

// Pool is an immutable in-memory batch of observations with a pk lookup.
type Pool struct {
	obs  []Observation
	byPK map[int64]int
}

// NewPool builds a pool over obs. The slice order is preserved; callers pass
// observations in time order.
func NewPool(obs []Observation) *Pool {
	p := &Pool{obs: obs, byPK: make(map[int64]int, len(obs))}
	for i, o := range obs {
		p.byPK[o.PK] = i
	}
	return p
}

// PoolFromProds projects a list of raw-observation products into a pool.
// Products with non-raw metadata are rejected.
func PoolFromProds(prods []catalog.DataProd) (*Pool, error) {
	obs := make([]Observation, 0, len(prods))
	for i := range prods {
		o, err := ObservationFromProd(&prods[i])
		if err != nil {
			return nil, fmt.Errorf("assoc: pool: %w", err)
		}
		obs = append(obs, o)
	}
	return NewPool(obs), nil
}

// Len is the number of observations in the pool.
func (p *Pool) Len() int { return len(p.obs) }

// Observations returns the pooled observations in their original order.
func (p *Pool) Observations() []Observation { return p.obs }

// GetObservation looks an observation up by pk.
func (p *Pool) GetObservation(pk int64) (Observation, bool) {
	i, ok := p.byPK[pk]
	if !ok {
		return Observation{}, false
	}
	return p.obs[i], true
}

// GetObservations looks up several pks, skipping unknown ones.
func (p *Pool) GetObservations(pks []int64) []Observation {
	out := make([]Observation, 0, len(pks))
	for _, pk := range pks {
		if o, ok := p.GetObservation(pk); ok {
			out = append(out, o)
		}
	}
	return out
}

// projection keys accepted by FilterBy and ExtractCandidates.
func (o Observation) field(key string) (interface{}, error) {
	switch key {
	case "pk":
		return o.PK, nil
	case "master":
		return o.Master, nil
	case "obsnum":
		return o.Obsnum, nil
	case "subobsnum":
		return o.Subobsnum, nil
	case "scannum":
		return o.Scannum, nil
	case "roachid":
		if o.RoachID == nil {
			return nil, nil
		}
		return *o.RoachID, nil
	case "data_kind":
		return o.DataKind, nil
	case "obs_goal":
		return o.ObsGoal, nil
	case "interface":
		return o.Interface, nil
	}
	return nil, fmt.Errorf("assoc: unknown projection key %q", key)
}

// FilterBy returns the observations matching the AND of the equality
// criteria. A nil criterion value matches a null field.
func (p *Pool) FilterBy(criteria map[string]interface{}) ([]Observation, error) {
	var out []Observation
	for _, o := range p.obs {
		match := true
		for key, want := range criteria {
			got, err := o.field(key)
			if err != nil {
				return nil, err
			}
			if got != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, o)
		}
	}
	return out, nil
}

// Candidate is one unique key tuple with its occurrence count.
type Candidate struct {
	Key   []interface{}
	Count int
}

// ExtractCandidates returns the unique value tuples over groupBy with
// counts, in first-seen order.
func (p *Pool) ExtractCandidates(groupBy []string) ([]Candidate, error) {
	index := map[string]int{}
	var out []Candidate
	for _, o := range p.obs {
		tuple := make([]interface{}, len(groupBy))
		parts := make([]string, len(groupBy))
		for i, key := range groupBy {
			v, err := o.field(key)
			if err != nil {
				return nil, err
			}
			tuple[i] = v
			parts[i] = fmt.Sprint(v)
		}
		k := strings.Join(parts, "\x00")
		if i, ok := index[k]; ok {
			out[i].Count++
			continue
		}
		index[k] = len(out)
		out = append(out, Candidate{Key: tuple, Count: 1})
	}
	return out, nil
}
