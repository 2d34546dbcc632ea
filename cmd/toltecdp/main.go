// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package main is the entrypoint of the toltecdp command.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/toltec-astro/toltecdp/cmd/toltecdp/command"
	"github.com/toltec-astro/toltecdp/cmd/toltecdp/subcommands/assoc"
	"github.com/toltec-astro/toltecdp/cmd/toltecdp/subcommands/bootstrap"
	"github.com/toltec-astro/toltecdp/cmd/toltecdp/subcommands/detect"
	"github.com/toltec-astro/toltecdp/cmd/toltecdp/subcommands/ingest"
	"github.com/toltec-astro/toltecdp/cmd/toltecdp/subcommands/query"
	"github.com/toltec-astro/toltecdp/cmd/toltecdp/subcommands/telcsv"
)

func subcommandFactories() []command.SubcommandFactory {
	return []command.SubcommandFactory{
		assoc.Commands,
		bootstrap.Commands,
		detect.Commands,
		ingest.Commands,
		query.Commands,
		telcsv.Commands,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := command.MakeCommand(subcommandFactories())
	if err := cmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
