// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

const cursorVersion = 1

// QuartetState tracks one still-incomplete quartet between polls.
type QuartetState struct {
	Quartet        catalog.Quartet `json:"quartet"`
	FirstValidTime time.Time       `json:"first_valid_time"`
	LastValidTime  time.Time       `json:"last_valid_time"`
	ValidCount     int             `json:"valid_count"`
	// ValidRoaches guards against counting a re-announced interface twice.
	ValidRoaches map[int]bool `json:"valid_roaches"`
	ObsDate      string       `json:"obs_date"`
	ObsTimestamp string       `json:"obs_timestamp"`
}

// cursor is the persisted detector state: the registry high-water mark plus
// the per-quartet state of quartets seen but not yet declared complete.
type cursor struct {
	Version   int                      `json:"version"`
	LastRowID int64                    `json:"last_row_id"`
	Quartets  map[string]*QuartetState `json:"quartets"`
	// Emitted records quartets whose completion event already went out, so
	// straggler registry rows arriving before ingestion cannot re-trigger.
	Emitted map[string]time.Time `json:"emitted"`
}

func newCursor() *cursor {
	return &cursor{
		Version:  cursorVersion,
		Quartets: map[string]*QuartetState{},
		Emitted:  map[string]time.Time{},
	}
}

// pruneEmitted drops emitted markers older than the retention window; by
// then the quartet is in the catalog and the duplicate check covers it.
func (c *cursor) pruneEmitted(now time.Time, retention time.Duration) {
	for key, at := range c.Emitted {
		if now.Sub(at) > retention {
			delete(c.Emitted, key)
		}
	}
}

// loadCursor recovers the cursor from path. A missing, corrupt, or
// version-mismatched file yields a fresh cursor; the detector then re-polls
// from the beginning, which is safe because emission is deduplicated against
// the catalog.
func loadCursor(path string) *cursor {
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("detect: could not read cursor %s: %v", path, err)
		}
		return newCursor()
	}
	c := newCursor()
	if err := json.Unmarshal(b, c); err != nil {
		log.Errorf("detect: corrupt cursor %s, starting over: %v", path, err)
		return newCursor()
	}
	if c.Version != cursorVersion {
		log.Warnf("detect: cursor %s has version %d, want %d; starting over", path, c.Version, cursorVersion)
		return newCursor()
	}
	if c.Quartets == nil {
		c.Quartets = map[string]*QuartetState{}
	}
	if c.Emitted == nil {
		c.Emitted = map[string]time.Time{}
	}
	return c
}

// save writes the cursor atomically: temp file in the same directory, then
// rename over the target.
func (c *cursor) save(path string) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("detect: marshal cursor: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "cursor-*.json")
	if err != nil {
		return fmt.Errorf("detect: write cursor: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("detect: write cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("detect: write cursor: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("detect: write cursor: %w", err)
	}
	return nil
}
