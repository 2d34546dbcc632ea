// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package command holds the shared plumbing of the toltecdp subcommands.
package command

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toltec-astro/toltecdp/pkg/catalog"
	"github.com/toltec-astro/toltecdp/pkg/config"
	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

// GlobalParams are the flags shared by every subcommand.
type GlobalParams struct {
	// ConfFilePath is the optional YAML config file.
	ConfFilePath string
	// DatabaseURL overrides the configured catalog URL when set.
	DatabaseURL string
	// LogLevel overrides the configured log level when set.
	LogLevel string
}

// SubcommandFactory builds the subcommands of one command package.
type SubcommandFactory func(*GlobalParams) []*cobra.Command

// MakeCommand assembles the toltecdp root command.
func MakeCommand(factories []SubcommandFactory) *cobra.Command {
	globalParams := &GlobalParams{}

	cmd := &cobra.Command{
		Use:           "toltecdp",
		Short:         "TolTEC data product catalog",
		Long:          "toltecdp maintains the TolTEC raw data product catalog: ingestion, completion detection, association and queries.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return globalParams.setup()
		},
	}
	cmd.PersistentFlags().StringVarP(&globalParams.ConfFilePath, "cfgpath", "c", "", "path to the configuration file")
	cmd.PersistentFlags().StringVar(&globalParams.DatabaseURL, "db", "", "catalog database URL (overrides configuration)")
	cmd.PersistentFlags().StringVarP(&globalParams.LogLevel, "log-level", "l", "", "log level (overrides configuration)")

	for _, factory := range factories {
		for _, sub := range factory(globalParams) {
			cmd.AddCommand(sub)
		}
	}
	return cmd
}

// setup loads the configuration file and initializes logging.
func (g *GlobalParams) setup() error {
	if g.ConfFilePath != "" {
		if err := config.LoadFile(g.ConfFilePath); err != nil {
			return fmt.Errorf("load config %s: %w", g.ConfFilePath, err)
		}
	}
	level := config.Toltec.GetString("log_level")
	if g.LogLevel != "" {
		level = g.LogLevel
	}
	return log.SetupLogger(level)
}

// CatalogURL resolves the catalog database URL.
func (g *GlobalParams) CatalogURL() string {
	if g.DatabaseURL != "" {
		return g.DatabaseURL
	}
	return config.Toltec.GetString("database_url")
}

// OpenStore opens the catalog for writing.
func (g *GlobalParams) OpenStore(context.Context) (*catalog.Store, error) {
	return catalog.Open(g.CatalogURL())
}

// OpenStoreReadOnly opens the catalog for the analytical/query path.
func (g *GlobalParams) OpenStoreReadOnly(context.Context) (*catalog.Store, error) {
	return catalog.OpenReadOnly(g.CatalogURL())
}
