// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package assoc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

// GroupInfo is the incremental-state record of one existing group product.
type GroupInfo struct {
	GroupPK      int64           `json:"group_pk"`
	GroupType    string          `json:"group_type"`
	CandidateKey string          `json:"candidate_key"`
	NMembers     int             `json:"n_members"`
	Meta         catalog.JSONMap `json:"meta,omitempty"`
}

// StateStats summarizes the loaded association state.
type StateStats struct {
	GroupedObservations int
	Groups              int
}

// State answers "is this observation already in a group" and "does a group
// with this identity already exist" for incremental association runs.
type State interface {
	IsGrouped(pk int64) bool
	GetUngrouped(pks []int64) []int64
	GetExistingGroup(candidateKey string) *GroupInfo
	MarkGrouped(pk int64)
	RegisterGroup(info GroupInfo)
	UpdateGroupMemberCount(candidateKey string, n int)
	// Flush persists pending changes. Called after successful commits only.
	Flush() error
	// Reload rebuilds the state from its backing store.
	Reload(ctx context.Context) error
	Stats() StateStats
}

// memState is the shared in-memory core of both backends.
type memState struct {
	grouped map[int64]bool
	groups  map[string]*GroupInfo
}

func newMemState() memState {
	return memState{grouped: map[int64]bool{}, groups: map[string]*GroupInfo{}}
}

func (m *memState) IsGrouped(pk int64) bool { return m.grouped[pk] }

func (m *memState) GetUngrouped(pks []int64) []int64 {
	out := make([]int64, 0, len(pks))
	for _, pk := range pks {
		if !m.grouped[pk] {
			out = append(out, pk)
		}
	}
	return out
}

func (m *memState) GetExistingGroup(key string) *GroupInfo { return m.groups[key] }

func (m *memState) Stats() StateStats {
	return StateStats{GroupedObservations: len(m.grouped), Groups: len(m.groups)}
}

// DBState reconstructs association state from the catalog itself: grouped
// observations are the distinct association targets, and the group index is
// rebuilt from existing group products. The database is the truth, so Flush
// is a no-op.
type DBState struct {
	memState
	store *catalog.Store
}

// NewDBState builds and loads a database-backed state.
func NewDBState(ctx context.Context, store *catalog.Store) (*DBState, error) {
	s := &DBState{memState: newMemState(), store: store}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DBState) MarkGrouped(pk int64)         { s.grouped[pk] = true }
func (s *DBState) RegisterGroup(info GroupInfo) { s.groups[info.CandidateKey] = &info }

func (s *DBState) UpdateGroupMemberCount(key string, n int) {
	if g := s.groups[key]; g != nil {
		g.NMembers = n
	}
}

func (s *DBState) Flush() error { return nil }

func (s *DBState) Reload(ctx context.Context) error {
	s.memState = newMemState()
	pks, err := s.store.ListAssocDstPKs(ctx)
	if err != nil {
		return fmt.Errorf("assoc: reload state: %w", err)
	}
	for _, pk := range pks {
		s.grouped[pk] = true
	}
	for _, typeLabel := range []string{
		catalog.TypeCalGroup, catalog.TypeDriveFit, catalog.TypeFocusGroup, catalog.TypeAstigGroup,
	} {
		prods, err := s.store.ListDataProdsByType(ctx, typeLabel)
		if err != nil {
			return fmt.Errorf("assoc: reload state: %w", err)
		}
		for i := range prods {
			info, err := groupInfoFromProd(&prods[i])
			if err != nil {
				log.Warnf("assoc: skipping group %d in state reload: %v", prods[i].PK, err)
				continue
			}
			s.groups[info.CandidateKey] = info
		}
	}
	return nil
}

// groupInfoFromProd rebuilds the state record of one group product from its
// typed metadata.
func groupInfoFromProd(prod *catalog.DataProd) (*GroupInfo, error) {
	meta, err := prod.Meta()
	if err != nil {
		return nil, err
	}
	var fields catalog.GroupMetaFields
	switch m := meta.(type) {
	case *catalog.CalGroupMeta:
		fields = m.GroupMetaFields
	case *catalog.DriveFitGroupMeta:
		fields = m.GroupMetaFields
	case *catalog.FocusGroupMeta:
		fields = m.GroupMetaFields
	case *catalog.AstigGroupMeta:
		fields = m.GroupMetaFields
	default:
		return nil, fmt.Errorf("product %d is not a group (%s)", prod.PK, meta.MetaTag())
	}
	return &GroupInfo{
		GroupPK:      prod.PK,
		GroupType:    prod.TypeLabel,
		CandidateKey: candidateKeyFor(prod.TypeLabel, fields.Obsnum, fields.Master),
		NMembers:     fields.NMembers,
		Meta:         catalog.JSONMap{"name": fields.Name},
	}, nil
}

// File names of the filesystem state backend.
const (
	groupedStateFile    = "grouped_observations.json"
	groupIndexStateFile = "group_index.json"
)

// FSState keeps association state in two JSON files under a state
// directory. Flush writes only when dirty.
type FSState struct {
	memState
	dir   string
	dirty bool
}

// NewFSState builds and loads a filesystem-backed state rooted at dir.
func NewFSState(dir string) (*FSState, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("assoc: state dir: %w", err)
	}
	s := &FSState{memState: newMemState(), dir: dir}
	if err := s.Reload(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FSState) MarkGrouped(pk int64) {
	if !s.grouped[pk] {
		s.grouped[pk] = true
		s.dirty = true
	}
}

func (s *FSState) RegisterGroup(info GroupInfo) {
	s.groups[info.CandidateKey] = &info
	s.dirty = true
}

func (s *FSState) UpdateGroupMemberCount(key string, n int) {
	if g := s.groups[key]; g != nil && g.NMembers != n {
		g.NMembers = n
		s.dirty = true
	}
}

func (s *FSState) Flush() error {
	if !s.dirty {
		return nil
	}
	pks := make([]int64, 0, len(s.grouped))
	for pk := range s.grouped {
		pks = append(pks, pk)
	}
	if err := writeStateFile(filepath.Join(s.dir, groupedStateFile), pks); err != nil {
		return err
	}
	if err := writeStateFile(filepath.Join(s.dir, groupIndexStateFile), s.groups); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *FSState) Reload(context.Context) error {
	s.memState = newMemState()
	s.dirty = false

	var pks []int64
	if err := readStateFile(filepath.Join(s.dir, groupedStateFile), &pks); err != nil {
		return err
	}
	for _, pk := range pks {
		s.grouped[pk] = true
	}
	return readStateFile(filepath.Join(s.dir, groupIndexStateFile), &s.groups)
}

// readStateFile loads a JSON state file; a missing file is an empty state,
// a corrupt file is recovered from by starting fresh.
func readStateFile(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("assoc: read state %s: %w", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		log.Errorf("assoc: corrupt state file %s, starting over: %v", path, err)
	}
	return nil
}

// writeStateFile writes atomically: temp file then rename.
func writeStateFile(path string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("assoc: marshal state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.json")
	if err != nil {
		return fmt.Errorf("assoc: write state %s: %w", path, err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("assoc: write state %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("assoc: write state %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("assoc: write state %s: %w", path, err)
	}
	return nil
}
