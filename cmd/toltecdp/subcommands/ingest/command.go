// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package ingest implements 'toltecdp ingest'.
package ingest

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toltec-astro/toltecdp/cmd/toltecdp/command"
	"github.com/toltec-astro/toltecdp/pkg/config"
	"github.com/toltec-astro/toltecdp/pkg/ingest"
	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

type cliParams struct {
	*command.GlobalParams

	locationLabel  string
	pattern        string
	recursive      bool
	master         string
	obsGoal        string
	sourceName     string
	commitInterval int
	skipExisting   bool
}

// Commands returns a slice of subcommands for the 'toltecdp' command.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	cliParams := &cliParams{GlobalParams: globalParams}
	cmd := &cobra.Command{
		Use:   "ingest <directory>...",
		Short: "Scan directories and catalog the raw observation files found",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cliParams, args)
		},
	}
	cmd.Flags().StringVar(&cliParams.locationLabel, "location", "", "storage location label (defaults to configuration)")
	cmd.Flags().StringVar(&cliParams.pattern, "pattern", "*.nc", "filename glob selecting candidate files")
	cmd.Flags().BoolVarP(&cliParams.recursive, "recursive", "r", false, "descend into subdirectories")
	cmd.Flags().StringVar(&cliParams.master, "master", "", "master assigned to ingested quartets (defaults to tcs)")
	cmd.Flags().StringVar(&cliParams.obsGoal, "obs-goal", "", "observation goal recorded on new products")
	cmd.Flags().StringVar(&cliParams.sourceName, "source-name", "", "astronomical source name recorded on new products")
	cmd.Flags().IntVar(&cliParams.commitInterval, "commit-interval", 0, "files per transaction (defaults to configuration)")
	cmd.Flags().BoolVar(&cliParams.skipExisting, "skip-existing", true, "skip files whose source URI is already cataloged")
	return []*cobra.Command{cmd}
}

func runIngest(ctx context.Context, cliParams *cliParams, dirs []string) error {
	store, err := cliParams.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	label := cliParams.locationLabel
	if label == "" {
		label = config.Toltec.GetString("location_label")
	}
	ing, err := ingest.NewIngestor(ctx, store, label)
	if err != nil {
		return err
	}

	commitInterval := cliParams.commitInterval
	if commitInterval <= 0 {
		commitInterval = config.Toltec.GetInt("commit_interval")
	}
	opts := ingest.DefaultOptions()
	opts.SkipExisting = cliParams.skipExisting
	if cliParams.master != "" {
		opts.Master = cliParams.master
	}
	opts.ObsGoal = cliParams.obsGoal
	opts.SourceName = cliParams.sourceName

	var total ingest.Stats
	for _, dir := range dirs {
		stats, err := ing.IngestDirectory(ctx, dir, cliParams.pattern, cliParams.recursive, commitInterval, opts)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", dir, err)
		}
		log.Infof("ingested %s: %s", dir, stats)
		total.Scanned += stats.Scanned
		total.Ingested += stats.Ingested
		total.Skipped += stats.Skipped
		total.Failed += stats.Failed
		total.ProductsCreated += stats.ProductsCreated
		total.SourcesCreated += stats.SourcesCreated
	}
	fmt.Println(total)
	return nil
}
