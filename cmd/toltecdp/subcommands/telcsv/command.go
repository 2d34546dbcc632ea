// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package telcsv implements 'toltecdp telcsv'.
package telcsv

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

	locationLabel   string
	watch           bool
	createDataProds bool
	commitBatchSize int
}

// Commands returns a slice of subcommands for the 'toltecdp' command.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	cliParams := &cliParams{GlobalParams: globalParams}
	cmd := &cobra.Command{
		Use:   "telcsv <file.csv>",
		Short: "Merge telescope metadata from a tel CSV file into the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTelCSV(cmd.Context(), cliParams, args[0])
		},
	}
	cmd.Flags().StringVar(&cliParams.locationLabel, "location", "", "storage location label (defaults to configuration)")
	cmd.Flags().BoolVarP(&cliParams.watch, "watch", "w", false, "keep watching the file and ingest appended rows")
	cmd.Flags().BoolVar(&cliParams.createDataProds, "create-data-prods", true, "create products for quartets with no raw observation yet")
	cmd.Flags().IntVar(&cliParams.commitBatchSize, "commit-batch-size", 0, "rows per transaction (defaults to configuration)")
	return []*cobra.Command{cmd}
}

func runTelCSV(ctx context.Context, cliParams *cliParams, path string) error {
	store, err := cliParams.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	label := cliParams.locationLabel
	if label == "" {
		label = config.Toltec.GetString("location_label")
	}
	ing, err := ingest.NewTelCSVIngestor(ctx, store, label)
	if err != nil {
		return err
	}

	opts := ingest.DefaultTelCSVOptions()
	opts.CreateDataProds = cliParams.createDataProds
	if cliParams.commitBatchSize > 0 {
		opts.CommitBatchSize = cliParams.commitBatchSize
	} else {
		opts.CommitBatchSize = config.Toltec.GetInt("commit_batch_size")
	}

	if cliParams.watch {
		log.Infof("watching %s", path)
		return ing.WatchCSV(ctx, path, opts)
	}
	stats, err := ing.IngestCSV(ctx, path, opts)
	if err != nil {
		return err
	}
	fmt.Println(stats)
	return nil
}
