// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package detect implements 'toltecdp detect'.
package detect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/toltec-astro/toltecdp/cmd/toltecdp/command"
	"github.com/toltec-astro/toltecdp/pkg/catalog"
	"github.com/toltec-astro/toltecdp/pkg/config"
	"github.com/toltec-astro/toltecdp/pkg/detect"
	"github.com/toltec-astro/toltecdp/pkg/util/log"
)

type cliParams struct {
	*command.GlobalParams

	registryPath  string
	registryTable string
	cursorPath    string
	once          bool
}

// Commands returns a slice of subcommands for the 'toltecdp' command.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	cliParams := &cliParams{GlobalParams: globalParams}
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Watch the acquisition registry and emit quartet completion events",
		Long:  "Polls the acquisition registry database, tracks valid interface files per quartet and records a completion event in the catalog when a quartet is done.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDetect(cmd.Context(), cliParams)
		},
	}
	cmd.Flags().StringVar(&cliParams.registryPath, "registry", "", "path of the acquisition registry sqlite database")
	cmd.Flags().StringVar(&cliParams.registryTable, "table", "toltec", "registry table name")
	cmd.Flags().StringVar(&cliParams.cursorPath, "cursor", "", "persisted cursor file (empty disables persistence)")
	cmd.Flags().BoolVar(&cliParams.once, "once", false, "run a single poll cycle and exit")
	_ = cmd.MarkFlagRequired("registry")
	return []*cobra.Command{cmd}
}

func runDetect(ctx context.Context, cliParams *cliParams) error {
	store, err := cliParams.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := detect.OpenSQLRegistry(cliParams.registryPath, cliParams.registryTable)
	if err != nil {
		return err
	}
	defer registry.Close()

	cfg := detect.Config{
		MaxInterfaceCount:  config.Toltec.GetInt("max_interface_count"),
		DisabledInterfaces: config.Toltec.GetIntSlice("disabled_interfaces"),
		ValidationTimeout:  config.ValidationTimeout(),
		PollInterval:       config.PollInterval(),
		BatchSize:          config.Toltec.GetInt("batch_size"),
		CursorPath:         cliParams.cursorPath,
	}
	detector := detect.NewDetector(registry, store, cfg)

	handler := func(ctx context.Context, ev detect.CompletionEvent) error {
		log.Infof("quartet complete: %s", ev)
		fmt.Println(ev)
		return store.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
			return store.AppendEvent(ctx, tx, catalog.EventQuartetDone, "quartet", 0, catalog.JSONMap{
				"master":         ev.Quartet.Master,
				"obsnum":         ev.Quartet.Obsnum,
				"subobsnum":      ev.Quartet.Subobsnum,
				"scannum":        ev.Quartet.Scannum,
				"valid_count":    ev.ValidCount,
				"expected_count": ev.ExpectedCount,
				"reason":         ev.Reason,
			})
		})
	}

	if cliParams.once {
		events, err := detector.Tick(ctx)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := handler(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	}
	return detector.Run(ctx, handler)
}
