// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package assoc implements 'toltecdp assoc'.
package assoc

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toltec-astro/toltecdp/cmd/toltecdp/command"
	"github.com/toltec-astro/toltecdp/pkg/assoc"
	"github.com/toltec-astro/toltecdp/pkg/catalog"
	"github.com/toltec-astro/toltecdp/pkg/config"
	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

type cliParams struct {
	*command.GlobalParams

	stateBackend string
	stateDir     string
	incremental  bool
	dryRun       bool
	batchSize    int
	streaming    bool
}

// Commands returns a slice of subcommands for the 'toltecdp' command.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	cliParams := &cliParams{GlobalParams: globalParams}
	cmd := &cobra.Command{
		Use:   "assoc",
		Short: "Group cataloged raw observations into association products",
		Long:  "Runs the collators over the cataloged raw observations and records group products and membership edges for calibration, drive-fit, focus and astigmatism sequences.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAssoc(cmd.Context(), cliParams)
		},
	}
	cmd.Flags().StringVar(&cliParams.stateBackend, "state-backend", "", "association state backend: database or filesystem (defaults to configuration)")
	cmd.Flags().StringVar(&cliParams.stateDir, "state-dir", "", "state directory for the filesystem backend")
	cmd.Flags().BoolVar(&cliParams.incremental, "incremental", true, "only associate observations not grouped yet")
	cmd.Flags().BoolVarP(&cliParams.dryRun, "dry-run", "n", false, "collate and report without writing to the catalog")
	cmd.Flags().IntVar(&cliParams.batchSize, "batch-size", 0, "observations per batch; 0 runs one batch over everything")
	cmd.Flags().BoolVar(&cliParams.streaming, "streaming", false, "stream observations through batched generation")
	return []*cobra.Command{cmd}
}

func openState(ctx context.Context, cliParams *cliParams, store *catalog.Store) (assoc.State, error) {
	backend := cliParams.stateBackend
	if backend == "" {
		backend = config.Toltec.GetString("state_backend")
	}
	switch backend {
	case "", "database":
		return assoc.NewDBState(ctx, store)
	case "filesystem":
		dir := cliParams.stateDir
		if dir == "" {
			dir = config.Toltec.GetString("state_dir")
		}
		if dir == "" {
			return nil, fmt.Errorf("assoc: filesystem state backend requires --state-dir")
		}
		return assoc.NewFSState(dir)
	default:
		return nil, fmt.Errorf("assoc: unknown state backend %q", backend)
	}
}

func runAssoc(ctx context.Context, cliParams *cliParams) error {
	store, err := cliParams.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	prods, err := store.ListDataProdsByType(ctx, catalog.TypeRawObs)
	if err != nil {
		return err
	}
	if len(prods) == 0 {
		log.Infof("no raw observations cataloged, nothing to associate")
		return nil
	}

	state, err := openState(ctx, cliParams, store)
	if err != nil {
		return err
	}
	gen := assoc.NewGenerator(store, assoc.DefaultCollators(), state)

	var stats assoc.AssociationStats
	if cliParams.streaming && cliParams.batchSize > 0 {
		ch := make(chan catalog.DataProd, cliParams.batchSize)
		go func() {
			defer close(ch)
			for _, prod := range prods {
				ch <- prod
			}
		}()
		stats, err = gen.GenerateStreaming(ctx, ch, cliParams.batchSize, 1, cliParams.incremental, func(batch assoc.AssociationStats) {
			log.Debugf("batch done: %s", batch)
		})
	} else {
		stats, err = gen.GenerateFromBatch(ctx, prods, !cliParams.dryRun, cliParams.incremental)
	}
	if err != nil {
		return err
	}
	fmt.Println(stats)
	return nil
}
