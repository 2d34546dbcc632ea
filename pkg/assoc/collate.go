// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package assoc

import (
	"fmt"
	"sort"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
	"github.com/toltec-astro/toltecdp/pkg/ident"
)

// GroupFlag marks whether the boundaries of a group were explicit (marked
// by boundary observations) or implicit (by gap or count).
type GroupFlag uint8

const (
	ExplicitStart GroupFlag = 1 << iota
	ExplicitEnd
)

// Group is one collated run of raw observations.
type Group struct {
	Flag  GroupFlag
	Items []Observation
}

// Leader is the observation that names the group.
func (g Group) Leader() Observation { return g.Items[0] }

// Collator analyzes an ordered sequence of raw observations and emits
// groups of a single product type.
type Collator interface {
	// Name identifies the collator in logs and stats.
	Name() string
	// DataProdType is the product type label of emitted groups.
	DataProdType() string
	// DataProdAssocType is the edge type linking a group to its members.
	DataProdAssocType() string
	// MakeGroups collates the observations.
	MakeGroups(obs []Observation) []Group
	// MakeMeta builds the typed group metadata.
	MakeMeta(g Group) catalog.ProdMeta
	// CandidateKey is the stable identity of a group for incremental runs.
	CandidateKey(g Group) string
}

// groupByPosition walks observations in the given order. An observation
// that qualifies as a start opens a new group; one that qualifies as an end
// closes the open group; any other observation joins the open group if one
// exists. Groups smaller than minSize are discarded.
func groupByPosition(obs []Observation, isStart, isEnd func(Observation) bool, minSize int) []Group {
	var out []Group
	var open *Group
	flush := func() {
		if open != nil && len(open.Items) >= minSize {
			out = append(out, *open)
		}
		open = nil
	}
	for _, o := range obs {
		switch {
		case isStart(o):
			flush()
			open = &Group{Flag: ExplicitStart, Items: []Observation{o}}
		case isEnd != nil && isEnd(o):
			if open != nil {
				open.Items = append(open.Items, o)
				open.Flag |= ExplicitEnd
				flush()
			}
		case open != nil:
			open.Items = append(open.Items, o)
		}
	}
	flush()
	return out
}

// groupByEqualKey buckets observations by key, preserving first-seen bucket
// order, and discards buckets smaller than minSize.
func groupByEqualKey(obs []Observation, key func(Observation) string, minSize int) []Group {
	index := map[string]int{}
	var buckets []Group
	for _, o := range obs {
		k := key(o)
		if i, ok := index[k]; ok {
			buckets[i].Items = append(buckets[i].Items, o)
			continue
		}
		index[k] = len(buckets)
		buckets = append(buckets, Group{Items: []Observation{o}})
	}
	out := buckets[:0]
	for _, g := range buckets {
		if len(g.Items) >= minSize {
			out = append(out, g)
		}
	}
	return out
}

// groupByConsecutiveObsnum filters to the allowed obs goals, sorts by
// (master, obsnum), and splits into runs of consecutive obsnum within one
// master. Runs shorter than minSize are dropped.
func groupByConsecutiveObsnum(obs []Observation, goals map[string]bool, minSize int) []Group {
	var kept []Observation
	for _, o := range obs {
		if goals[o.ObsGoal] {
			kept = append(kept, o)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Master != kept[j].Master {
			return kept[i].Master < kept[j].Master
		}
		return kept[i].Obsnum < kept[j].Obsnum
	})

	var out []Group
	var run []Observation
	flush := func() {
		if len(run) >= minSize {
			out = append(out, Group{Items: run})
		}
		run = nil
	}
	for _, o := range kept {
		if len(run) > 0 {
			prev := run[len(run)-1]
			switch {
			case o.Master == prev.Master && o.Obsnum == prev.Obsnum:
				// Same obsnum (different scan) extends the run without
				// advancing it.
				run = append(run, o)
				continue
			case o.Master != prev.Master || o.Obsnum != prev.Obsnum+1:
				flush()
			}
		}
		run = append(run, o)
	}
	flush()
	return out
}

// candidateKeyFor builds the incremental-state identity of a group. Focus
// and astigmatism runs can span masters in historical data, so their key
// omits the master.
func candidateKeyFor(groupType string, obsnum int, master string) string {
	if groupType == catalog.TypeFocusGroup {
		return fmt.Sprintf("%s_%d", groupType, obsnum)
	}
	return fmt.Sprintf("%s_%d_%s", groupType, obsnum, master)
}

// CalGroupCollator groups a VNA sweep with the target sweeps that follow it.
type CalGroupCollator struct{}

func (CalGroupCollator) Name() string              { return "cal_group" }
func (CalGroupCollator) DataProdType() string      { return catalog.TypeCalGroup }
func (CalGroupCollator) DataProdAssocType() string { return catalog.AssocCalGroupRawObs }

func (CalGroupCollator) MakeGroups(obs []Observation) []Group {
	// Only sweep-family observations participate; timestreams never open
	// or join a calibration group. Tune products are combined vna+target
	// sweeps and continue a group like a target sweep does.
	var sweeps []Observation
	for _, o := range obs {
		if o.DataKind.Has(catalog.VnaSweep) || o.DataKind.Has(catalog.TargetSweep) || o.DataKind.Has(catalog.Tune) {
			sweeps = append(sweeps, o)
		}
	}
	return groupByPosition(sweeps,
		func(o Observation) bool { return o.DataKind.Has(catalog.VnaSweep) },
		nil, 2)
}

func (CalGroupCollator) MakeMeta(g Group) catalog.ProdMeta {
	lead := g.Leader()
	return &catalog.CalGroupMeta{GroupMetaFields: catalog.GroupMetaFields{
		Name:     ident.CalGroupUID(lead.Master, lead.Obsnum, len(g.Items)),
		Master:   lead.Master,
		Obsnum:   lead.Obsnum,
		NMembers: len(g.Items),
	}}
}

func (c CalGroupCollator) CandidateKey(g Group) string {
	lead := g.Leader()
	return candidateKeyFor(c.DataProdType(), lead.Obsnum, lead.Master)
}

// DriveFitCollator buckets target sweeps by (obsnum, master).
type DriveFitCollator struct{}

func (DriveFitCollator) Name() string              { return "drivefit" }
func (DriveFitCollator) DataProdType() string      { return catalog.TypeDriveFit }
func (DriveFitCollator) DataProdAssocType() string { return catalog.AssocDriveFitRawObs }

func (DriveFitCollator) MakeGroups(obs []Observation) []Group {
	var sweeps []Observation
	for _, o := range obs {
		if o.DataKind.Has(catalog.TargetSweep) {
			sweeps = append(sweeps, o)
		}
	}
	return groupByEqualKey(sweeps, func(o Observation) string {
		return fmt.Sprintf("%d\x00%s", o.Obsnum, o.Master)
	}, 2)
}

func (DriveFitCollator) MakeMeta(g Group) catalog.ProdMeta {
	lead := g.Leader()
	return &catalog.DriveFitGroupMeta{GroupMetaFields: catalog.GroupMetaFields{
		Name:     ident.GroupUID(lead.Master, lead.Obsnum, len(g.Items), "drivefit"),
		Master:   lead.Master,
		Obsnum:   lead.Obsnum,
		NMembers: len(g.Items),
	}}
}

func (c DriveFitCollator) CandidateKey(g Group) string {
	lead := g.Leader()
	return candidateKeyFor(c.DataProdType(), lead.Obsnum, lead.Master)
}

// FocusGroupCollator groups consecutive-obsnum focus sequences.
type FocusGroupCollator struct{}

func (FocusGroupCollator) Name() string              { return "focus_group" }
func (FocusGroupCollator) DataProdType() string      { return catalog.TypeFocusGroup }
func (FocusGroupCollator) DataProdAssocType() string { return catalog.AssocFocusGroupRawObs }

func (FocusGroupCollator) MakeGroups(obs []Observation) []Group {
	return groupByConsecutiveObsnum(obs, map[string]bool{"focus": true}, 2)
}

func (FocusGroupCollator) MakeMeta(g Group) catalog.ProdMeta {
	lead, last := g.Leader(), g.Items[len(g.Items)-1]
	return &catalog.FocusGroupMeta{
		GroupMetaFields: catalog.GroupMetaFields{
			Name:     ident.RangeGroupUID(lead.Master, lead.Obsnum, last.Obsnum, len(g.Items), "focus"),
			Master:   lead.Master,
			Obsnum:   lead.Obsnum,
			NMembers: len(g.Items),
		},
		ObsnumEnd: last.Obsnum,
	}
}

func (c FocusGroupCollator) CandidateKey(g Group) string {
	return candidateKeyFor(c.DataProdType(), g.Leader().Obsnum, g.Leader().Master)
}

// AstigmatismGroupCollator groups consecutive-obsnum astigmatism sequences.
type AstigmatismGroupCollator struct{}

func (AstigmatismGroupCollator) Name() string              { return "astig_group" }
func (AstigmatismGroupCollator) DataProdType() string      { return catalog.TypeAstigGroup }
func (AstigmatismGroupCollator) DataProdAssocType() string { return catalog.AssocAstigGroupRawObs }

func (AstigmatismGroupCollator) MakeGroups(obs []Observation) []Group {
	return groupByConsecutiveObsnum(obs, map[string]bool{"astig": true, "astigmatism": true}, 2)
}

func (AstigmatismGroupCollator) MakeMeta(g Group) catalog.ProdMeta {
	lead, last := g.Leader(), g.Items[len(g.Items)-1]
	return &catalog.AstigGroupMeta{
		GroupMetaFields: catalog.GroupMetaFields{
			Name:     ident.RangeGroupUID(lead.Master, lead.Obsnum, last.Obsnum, len(g.Items), "astig"),
			Master:   lead.Master,
			Obsnum:   lead.Obsnum,
			NMembers: len(g.Items),
		},
		ObsnumEnd: last.Obsnum,
	}
}

func (c AstigmatismGroupCollator) CandidateKey(g Group) string {
	return candidateKeyFor(c.DataProdType(), g.Leader().Obsnum, g.Leader().Master)
}

// DefaultCollators is the production collator set, in run order.
func DefaultCollators() []Collator {
	return []Collator{CalGroupCollator{}, DriveFitCollator{}, FocusGroupCollator{}, AstigmatismGroupCollator{}}
}
