// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package bootstrap implements 'toltecdp bootstrap'.
package bootstrap

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/toltec-astro/toltecdp/cmd/toltecdp/command"
	"github.com/toltec-astro/toltecdp/pkg/catalog"
	"github.com/toltec-astro/toltecdp/pkg/config"
	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

type cliParams struct {
	*command.GlobalParams

	locationLabel string
	locationRoot  string
	lockPath      string
}

// Commands returns a slice of subcommands for the 'toltecdp' command.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	cliParams := &cliParams{GlobalParams: globalParams}
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the catalog schema and seed the registry tables",
		Long:  "Creates all catalog tables if missing and populates the type, association-type and location registries. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBootstrap(cmd.Context(), cliParams)
		},
	}
	cmd.Flags().StringVar(&cliParams.locationLabel, "location-label", "", "label of the default storage location")
	cmd.Flags().StringVar(&cliParams.locationRoot, "location-root", "", "root URI of the default storage location")
	cmd.Flags().StringVar(&cliParams.lockPath, "lock", "", "file lock guarding concurrent bootstrap")
	return []*cobra.Command{cmd}
}

func runBootstrap(ctx context.Context, cliParams *cliParams) error {
	store, err := cliParams.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateTables(ctx); err != nil {
		return err
	}

	label := cliParams.locationLabel
	if label == "" {
		label = config.Toltec.GetString("location_label")
	}
	rootURI := cliParams.locationRoot
	if rootURI == "" {
		rootURI = config.Toltec.GetString("location_root_uri")
	}
	seed := catalog.RegistrySeed{LockPath: cliParams.lockPath}
	if label != "" {
		seed.DefaultLocation = &catalog.Location{
			Label:   label,
			Type:    catalog.LocationFilesystem,
			RootURI: rootURI,
		}
	}
	if err := store.PopulateRegistryTables(ctx, seed); err != nil {
		return err
	}
	log.Infof("catalog bootstrapped at %s", cliParams.CatalogURL())
	return nil
}
