// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package assoc

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

// AssociationStats is the per-batch association summary.
type AssociationStats struct {
	ObservationsScanned        int
	ObservationsAlreadyGrouped int
	ObservationsProcessed      int
	GroupsCreated              int
	GroupsUpdated              int
	AssociationsCreated        int
	GroupsPerType              map[string]int
}

func (s *AssociationStats) countGroup(typeLabel string) {
	if s.GroupsPerType == nil {
		s.GroupsPerType = map[string]int{}
	}
	s.GroupsPerType[typeLabel]++
}

// Add folds other into s.
func (s *AssociationStats) Add(other AssociationStats) {
	s.ObservationsScanned += other.ObservationsScanned
	s.ObservationsAlreadyGrouped += other.ObservationsAlreadyGrouped
	s.ObservationsProcessed += other.ObservationsProcessed
	s.GroupsCreated += other.GroupsCreated
	s.GroupsUpdated += other.GroupsUpdated
	s.AssociationsCreated += other.AssociationsCreated
	for k, v := range other.GroupsPerType {
		if s.GroupsPerType == nil {
			s.GroupsPerType = map[string]int{}
		}
		s.GroupsPerType[k] += v
	}
}

func (s AssociationStats) String() string {
	return fmt.Sprintf("scanned=%d already_grouped=%d processed=%d groups_created=%d groups_updated=%d associations=%d",
		s.ObservationsScanned, s.ObservationsAlreadyGrouped, s.ObservationsProcessed,
		s.GroupsCreated, s.GroupsUpdated, s.AssociationsCreated)
}

// Generator runs the configured collators over observation batches and
// writes group products and association edges to the catalog. It is
// sequential; the catalog's single-writer discipline covers its writes.
type Generator struct {
	store     *catalog.Store
	collators []Collator
	state     State
}

// NewGenerator builds a generator. state may be nil for purely
// non-incremental use.
func NewGenerator(store *catalog.Store, collators []Collator, state State) *Generator {
	if len(collators) == 0 {
		collators = DefaultCollators()
	}
	return &Generator{store: store, collators: collators, state: state}
}

// GenerateFromBatch collates one batch of raw-observation products inside a
// single transaction. With commit=false the transaction is rolled back and
// the state left unflushed (dry run).
func (g *Generator) GenerateFromBatch(ctx context.Context, prods []catalog.DataProd, commit, incremental bool) (AssociationStats, error) {
	tx, err := g.store.Beginx(ctx)
	if err != nil {
		return AssociationStats{}, err
	}
	stats, err := g.generateBatch(ctx, tx, prods, incremental)
	if err != nil {
		_ = tx.Rollback()
		g.discardState(ctx)
		return stats, err
	}
	if !commit {
		_ = tx.Rollback()
		g.discardState(ctx)
		return stats, nil
	}
	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("assoc: commit: %w", err)
	}
	if g.state != nil {
		if err := g.state.Flush(); err != nil {
			return stats, err
		}
	}
	log.Infof("assoc: batch done: %s", stats)
	return stats, nil
}

// GenerateStreaming consumes products from ch in batches of batchSize,
// committing every commitEvery batches and always committing the final
// partial batch. onBatch, when non-nil, observes each batch's stats.
func (g *Generator) GenerateStreaming(ctx context.Context, ch <-chan catalog.DataProd, batchSize, commitEvery int, incremental bool, onBatch func(AssociationStats)) (AssociationStats, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	if commitEvery <= 0 {
		commitEvery = 1
	}
	var total AssociationStats

	tx, err := g.store.Beginx(ctx)
	if err != nil {
		return total, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	commitNow := func() error {
		if err := tx.Commit(); err != nil {
			tx = nil
			return fmt.Errorf("assoc: commit: %w", err)
		}
		tx = nil
		if g.state != nil {
			if err := g.state.Flush(); err != nil {
				return err
			}
		}
		return nil
	}

	batch := make([]catalog.DataProd, 0, batchSize)
	batches := 0
	flushBatch := func(final bool) error {
		if len(batch) > 0 {
			stats, err := g.generateBatch(ctx, tx, batch, incremental)
			if err != nil {
				return err
			}
			total.Add(stats)
			if onBatch != nil {
				onBatch(stats)
			}
			batch = batch[:0]
			batches++
		}
		if final || batches%commitEvery == 0 {
			if err := commitNow(); err != nil {
				return err
			}
			if final {
				return nil
			}
			tx, err = g.store.Beginx(ctx)
			return err
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case prod, ok := <-ch:
			if !ok {
				if err := flushBatch(true); err != nil {
					return total, err
				}
				log.Infof("assoc: streaming done: %s", total)
				return total, nil
			}
			batch = append(batch, prod)
			if len(batch) >= batchSize {
				if err := flushBatch(false); err != nil {
					return total, err
				}
			}
		}
	}
}

// discardState drops unflushed in-memory state mutations after a rollback
// by reloading from the backing store.
func (g *Generator) discardState(ctx context.Context) {
	if g.state == nil {
		return
	}
	if err := g.state.Reload(ctx); err != nil {
		log.Warnf("assoc: state reload after rollback failed: %v", err)
	}
}

// generateBatch is the collation core. Collators always see the full batch
// so that sequence context (runs, cal boundaries) is preserved; in
// incremental mode the state decides which members actually get new edges.
func (g *Generator) generateBatch(ctx context.Context, tx *sqlx.Tx, prods []catalog.DataProd, incremental bool) (AssociationStats, error) {
	var stats AssociationStats

	pool, err := PoolFromProds(prods)
	if err != nil {
		return stats, err
	}
	obs := pool.Observations()
	stats.ObservationsScanned = len(obs)
	if incremental && g.state != nil {
		for _, o := range obs {
			if g.state.IsGrouped(o.PK) {
				stats.ObservationsAlreadyGrouped++
			}
		}
	}
	stats.ObservationsProcessed = stats.ObservationsScanned - stats.ObservationsAlreadyGrouped

	for _, col := range g.collators {
		for _, group := range col.MakeGroups(obs) {
			if err := g.applyGroup(ctx, tx, col, group, incremental, &stats); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}

func (g *Generator) applyGroup(ctx context.Context, tx *sqlx.Tx, col Collator, group Group, incremental bool, stats *AssociationStats) error {
	if !incremental || g.state == nil {
		return g.createGroup(ctx, tx, col, group, group.Items, stats)
	}

	var newMembers []Observation
	for _, o := range group.Items {
		if !g.state.IsGrouped(o.PK) {
			newMembers = append(newMembers, o)
		}
	}
	if len(newMembers) == 0 {
		return nil
	}

	key := col.CandidateKey(group)
	if existing := g.state.GetExistingGroup(key); existing != nil {
		return g.extendGroup(ctx, tx, col, existing, key, newMembers, stats)
	}
	return g.createGroup(ctx, tx, col, group, newMembers, stats)
}

// createGroup writes a new group product and one edge per member.
func (g *Generator) createGroup(ctx context.Context, tx *sqlx.Tx, col Collator, group Group, members []Observation, stats *AssociationStats) error {
	meta := col.MakeMeta(group)
	prod, err := g.store.CreateGroupProd(ctx, tx, col.DataProdType(), meta)
	if err != nil {
		return err
	}
	if err := g.store.AppendEvent(ctx, tx, catalog.EventProdCreated, "data_prod", prod.PK,
		catalog.JSONMap{"type": col.DataProdType()}); err != nil {
		return err
	}
	stats.GroupsCreated++
	stats.countGroup(col.DataProdType())

	if g.state != nil {
		g.state.RegisterGroup(GroupInfo{
			GroupPK:      prod.PK,
			GroupType:    col.DataProdType(),
			CandidateKey: col.CandidateKey(group),
			NMembers:     len(members),
		})
	}
	return g.link(ctx, tx, col, prod.PK, members, stats)
}

// extendGroup appends new members to an existing group product and bumps
// its member count.
func (g *Generator) extendGroup(ctx context.Context, tx *sqlx.Tx, col Collator, existing *GroupInfo, key string, newMembers []Observation, stats *AssociationStats) error {
	if err := g.link(ctx, tx, col, existing.GroupPK, newMembers, stats); err != nil {
		return err
	}
	n := existing.NMembers + len(newMembers)
	g.state.UpdateGroupMemberCount(key, n)
	if err := g.bumpGroupMemberCount(ctx, tx, existing.GroupPK, n); err != nil {
		return err
	}
	stats.GroupsUpdated++
	return nil
}

// link writes one association edge per member and marks it grouped.
func (g *Generator) link(ctx context.Context, tx *sqlx.Tx, col Collator, groupPK int64, members []Observation, stats *AssociationStats) error {
	for _, o := range members {
		exists, err := g.store.AssocExists(ctx, tx, col.DataProdAssocType(), groupPK, o.PK)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		a, err := g.store.CreateAssoc(ctx, tx, col.DataProdAssocType(), groupPK, o.PK,
			catalog.JSONMap{"collator": col.Name()})
		if err != nil {
			return err
		}
		if err := g.store.AppendEvent(ctx, tx, catalog.EventAssocCreated, "data_prod_assoc", a.PK,
			catalog.JSONMap{"src": groupPK, "dst": o.PK}); err != nil {
			return err
		}
		stats.AssociationsCreated++
		if g.state != nil {
			g.state.MarkGrouped(o.PK)
		}
	}
	return nil
}

// bumpGroupMemberCount rewrites the n_members field of a group product's
// typed metadata.
func (g *Generator) bumpGroupMemberCount(ctx context.Context, tx *sqlx.Tx, groupPK int64, n int) error {
	prod, err := g.store.GetDataProdIn(ctx, tx, groupPK)
	if err != nil {
		return err
	}
	meta, err := prod.Meta()
	if err != nil {
		return err
	}
	switch m := meta.(type) {
	case *catalog.CalGroupMeta:
		m.NMembers = n
	case *catalog.DriveFitGroupMeta:
		m.NMembers = n
	case *catalog.FocusGroupMeta:
		m.NMembers = n
	case *catalog.AstigGroupMeta:
		m.NMembers = n
	default:
		return fmt.Errorf("assoc: product %d is not a group (%s)", groupPK, meta.MetaTag())
	}
	return g.store.UpdateProdMeta(ctx, tx, groupPK, meta)
}
