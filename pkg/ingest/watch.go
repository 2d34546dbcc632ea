// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package ingest

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

// WatchCSV re-ingests the telescope-metadata CSV whenever it is rewritten.
// The periodic dump appends rows in place; skip-existing makes each re-run
// idempotent. Blocks until ctx is cancelled.
func (t *TelCSVIngestor) WatchCSV(ctx context.Context, path string, opts TelCSVOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest: watch tel csv: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: dump tools typically replace the file, which
	// drops a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("ingest: watch %s: %w", filepath.Dir(path), err)
	}

	// Initial pass before waiting for changes.
	if stats, err := t.IngestCSV(ctx, path, opts); err != nil {
		log.Warnf("ingest: initial tel csv pass failed: %v", err)
	} else {
		log.Infof("ingest: initial tel csv pass: %s", stats)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			stats, err := t.IngestCSV(ctx, path, opts)
			if err != nil {
				log.Warnf("ingest: tel csv re-ingest failed: %v", err)
				continue
			}
			log.Infof("ingest: tel csv re-ingest: %s", stats)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("ingest: tel csv watcher: %v", err)
		}
	}
}
