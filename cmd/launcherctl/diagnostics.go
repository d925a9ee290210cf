// diagnostics.go: the diagnostics and config commands
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDiagnosticsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Load every plugin and report registry and process state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			host, err := opts.startHost(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer shutdownHost(host)

			d := host.Diagnostics(ctx)
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATUS\tBREAKER\tREASON")
			for _, p := range d.Plugins {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Kind.String(), p.Status.String(), p.Breaker.State.String(), p.Reason)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for _, f := range d.Failures {
				fmt.Fprintf(cmd.OutOrStdout(), "failed: %s [%s] %s\n", f.Path, f.Code, f.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rss %d KiB, goroutines %d, tasks spawned %d, pending correlations %d\n",
				d.Process.RSSBytes/1024, d.Process.Goroutines, d.Scheduler.Spawned, d.PendingCorrelations)
			return nil
		},
	}
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective host configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), cfg)
			}
			data, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
