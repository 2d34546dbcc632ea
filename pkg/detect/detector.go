// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package detect

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

// Completion reasons.
const (
	ReasonAllValid   = "all-valid"
	ReasonTimeout    = "timeout"
	ReasonNewQuartet = "new-quartet-detected"
)

// CompletionEvent declares one quartet ready for catalog ingestion. The
// detector emits at most one per quartet.
type CompletionEvent struct {
	Quartet       catalog.Quartet
	ValidCount    int
	ExpectedCount int
	Reason        string
	ObsDate       string
	ObsTimestamp  string
}

func (e CompletionEvent) String() string {
	return fmt.Sprintf("%s valid=%d/%d reason=%s", e.Quartet, e.ValidCount, e.ExpectedCount, e.Reason)
}

// Config tunes the detector.
type Config struct {
	// MaxInterfaceCount is the number of readout interfaces per quartet.
	MaxInterfaceCount int
	// DisabledInterfaces lists administratively disabled roach indices;
	// their registry rows never count toward completion.
	DisabledInterfaces []int
	// ValidationTimeout is the quiescence window measured from the last
	// valid-row transition.
	ValidationTimeout time.Duration
	// PollInterval is the registry poll period.
	PollInterval time.Duration
	// BatchSize caps completion emissions per tick.
	BatchSize int
	// CursorPath is the persisted-state file. Empty disables persistence.
	CursorPath string
}

// Detector polls the acquisition registry and emits completion events.
// It is single-goroutine; Tick and Run must not be called concurrently.
type Detector struct {
	registry Registry
	store    *catalog.Store
	cfg      Config
	clock    clock.Clock
	disabled map[int]bool
	cur      *cursor
}

// NewDetector builds a detector. store may be nil, which disables the
// catalog duplicate check (tests only). The cursor is recovered from
// cfg.CursorPath when set.
func NewDetector(registry Registry, store *catalog.Store, cfg Config) *Detector {
	return newDetector(registry, store, cfg, clock.New())
}

func newDetector(registry Registry, store *catalog.Store, cfg Config, clk clock.Clock) *Detector {
	if cfg.MaxInterfaceCount <= 0 {
		cfg.MaxInterfaceCount = 13
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	disabled := make(map[int]bool, len(cfg.DisabledInterfaces))
	for _, i := range cfg.DisabledInterfaces {
		disabled[i] = true
	}
	cur := newCursor()
	if cfg.CursorPath != "" {
		cur = loadCursor(cfg.CursorPath)
	}
	return &Detector{registry: registry, store: store, cfg: cfg, clock: clk, disabled: disabled, cur: cur}
}

// ExpectedCount is the number of valid rows that declares a quartet complete
// outright.
func (d *Detector) ExpectedCount() int {
	return d.cfg.MaxInterfaceCount - len(d.disabled)
}

// PendingQuartets returns the quartets currently tracked as incomplete.
func (d *Detector) PendingQuartets() []catalog.Quartet {
	out := make([]catalog.Quartet, 0, len(d.cur.Quartets))
	for _, st := range d.cur.Quartets {
		out = append(out, st.Quartet)
	}
	sortQuartets(out)
	return out
}

// Tick performs one poll-and-evaluate cycle and returns the completion
// events it decided to emit.
func (d *Detector) Tick(ctx context.Context) ([]CompletionEvent, error) {
	rows, err := d.registry.Poll(ctx, d.cur.LastRowID, 0)
	if err != nil {
		return nil, err
	}
	now := d.clock.Now()
	d.cur.pruneEmitted(now, 24*time.Hour)
	for _, row := range rows {
		d.cur.LastRowID = row.ID
		d.absorb(row, now)
	}

	events, err := d.evaluate(ctx, now)
	if err != nil {
		return nil, err
	}

	if d.cfg.CursorPath != "" {
		if err := d.cur.save(d.cfg.CursorPath); err != nil {
			log.Warnf("detect: %v", err)
		}
	}
	return events, nil
}

// absorb folds one registry row into the per-quartet state. Every row
// registers its quartet; only enabled Valid=1 rows advance the counters.
func (d *Detector) absorb(row RegistryRow, now time.Time) {
	q := catalog.Quartet{Master: row.Master, Obsnum: row.Obsnum, Subobsnum: row.Subobsnum, Scannum: row.Scannum}
	key := q.String()
	if _, done := d.cur.Emitted[key]; done {
		return
	}
	st, ok := d.cur.Quartets[key]
	if !ok {
		st = &QuartetState{Quartet: q, ValidRoaches: map[int]bool{}}
		d.cur.Quartets[key] = st
	}
	if st.ObsDate == "" {
		st.ObsDate = row.Date
		st.ObsTimestamp = row.Time
	}
	if row.Valid != 1 || d.disabled[row.RoachIndex] || st.ValidRoaches[row.RoachIndex] {
		return
	}
	st.ValidRoaches[row.RoachIndex] = true
	st.ValidCount++
	st.LastValidTime = now
	if st.FirstValidTime.IsZero() {
		st.FirstValidTime = now
	}
}

// evaluate decides completion for every pending quartet, oldest first, up to
// the per-tick batch cap.
func (d *Detector) evaluate(ctx context.Context, now time.Time) ([]CompletionEvent, error) {
	expected := d.ExpectedCount()

	// Latest quartet per master, for the newer-quartet signal.
	latest := map[string]catalog.Quartet{}
	for _, st := range d.cur.Quartets {
		if cur, ok := latest[st.Quartet.Master]; !ok || st.Quartet.Succeeds(cur) {
			latest[st.Quartet.Master] = st.Quartet
		}
	}

	pending := make([]*QuartetState, 0, len(d.cur.Quartets))
	for _, st := range d.cur.Quartets {
		pending = append(pending, st)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[j].Quartet.Succeeds(pending[i].Quartet) })

	var events []CompletionEvent
	for _, st := range pending {
		if len(events) >= d.cfg.BatchSize {
			break
		}
		reason := ""
		switch {
		case st.ValidCount >= expected:
			reason = ReasonAllValid
		case latest[st.Quartet.Master].Succeeds(st.Quartet):
			reason = ReasonNewQuartet
		case st.ValidCount > 0 && now.Sub(st.LastValidTime) >= d.cfg.ValidationTimeout:
			reason = ReasonTimeout
		default:
			continue
		}

		key := st.Quartet.String()
		delete(d.cur.Quartets, key)
		d.cur.Emitted[key] = now
		if d.store != nil {
			prod, err := d.store.FindRawObsProd(ctx, d.store.DB(), st.Quartet)
			if err != nil {
				return events, err
			}
			if prod != nil {
				log.Debugf("detect: %s already cataloged, suppressing completion", st.Quartet)
				continue
			}
		}
		events = append(events, CompletionEvent{
			Quartet:       st.Quartet,
			ValidCount:    st.ValidCount,
			ExpectedCount: expected,
			Reason:        reason,
			ObsDate:       st.ObsDate,
			ObsTimestamp:  st.ObsTimestamp,
		})
		log.Infof("detect: quartet %s complete: valid=%d/%d reason=%s", st.Quartet, st.ValidCount, expected, reason)
	}
	return events, nil
}

// Run polls until ctx is cancelled, passing each completion event to
// handler. A handler error stops the loop.
func (d *Detector) Run(ctx context.Context, handler func(context.Context, CompletionEvent) error) error {
	ticker := d.clock.Ticker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			events, err := d.Tick(ctx)
			if err != nil {
				log.Errorf("detect: tick failed: %v", err)
				continue
			}
			for _, ev := range events {
				if err := handler(ctx, ev); err != nil {
					return fmt.Errorf("detect: handle %s: %w", ev.Quartet, err)
				}
			}
		}
	}
}

func sortQuartets(qs []catalog.Quartet) {
	sort.Slice(qs, func(i, j int) bool {
		if qs[i].Master != qs[j].Master {
			return qs[i].Master < qs[j].Master
		}
		return qs[j].Succeeds(qs[i])
	})
}
