// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package query implements 'toltecdp query'.
package query

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/toltec-astro/toltecdp/cmd/toltecdp/command"
	"github.com/toltec-astro/toltecdp/pkg/config"
	"github.com/toltec-astro/toltecdp/pkg/query"
)

type cliParams struct {
	*command.GlobalParams

	locationLabel string
	master        string
	iface         string
	unique        bool
	mustExist     bool
}

// Commands returns a slice of subcommands for the 'toltecdp' command.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	cliParams := &cliParams{GlobalParams: globalParams}
	cmd := &cobra.Command{
		Use:   "query [obs-spec]",
		Short: "Resolve an obs-spec against the catalog and print the file info table",
		Long: `Resolves an obs-spec like "1000-0-0", "1000-{0,1,2}/0" or "tcs-1000" against
the cataloged raw observation files. An empty spec resolves to the latest
observation.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := ""
			if len(args) > 0 {
				spec = args[0]
			}
			return runQuery(cmd.Context(), cliParams, spec)
		},
	}
	cmd.Flags().StringVar(&cliParams.locationLabel, "location", "", "storage location label (defaults to configuration)")
	cmd.Flags().StringVar(&cliParams.master, "master", "", "constrain the master (tcs, ics, clip, simu)")
	cmd.Flags().StringVar(&cliParams.iface, "interface", "", "constrain the interface name")
	cmd.Flags().BoolVar(&cliParams.unique, "unique", false, "fail when the spec resolves to more than one file")
	cmd.Flags().BoolVar(&cliParams.mustExist, "must-exist", false, "fail when the spec resolves to nothing")
	return []*cobra.Command{cmd}
}

func runQuery(ctx context.Context, cliParams *cliParams, spec string) error {
	store, err := cliParams.OpenStoreReadOnly(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	label := cliParams.locationLabel
	if label == "" {
		label = config.Toltec.GetString("location_label")
	}
	q := query.New(store, label)

	rows, err := q.GetRawObsInfoTable(ctx, spec, query.Options{
		Master:          cliParams.master,
		Interface:       cliParams.iface,
		RaiseOnMultiple: cliParams.unique,
		RaiseOnEmpty:    cliParams.mustExist,
	})
	if err != nil {
		return err
	}
	printInfoTable(rows)
	return nil
}

func printInfoTable(rows []query.InfoRow) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "uid\tmaster\tobsnum\tsubobsnum\tscannum\tinterface\tsource")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			row.UIDRawObsFile, row.Master, row.Obsnum, row.Subobsnum, row.Scannum,
			row.Interface, row.Source)
	}
	_ = w.Flush()
}
