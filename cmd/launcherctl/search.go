// search.go: the search command
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	launcher "github.com/agilira/go-launcher"
	"github.com/spf13/cobra"
)

const cliRequester launcher.RequesterHandle = 1

func newSearchCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a distributed search across every search-capable plugin",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			events := launcher.NewChannelEventSink(1024)
			host, err := opts.startHost(ctx, cfg, events)
			if err != nil {
				return err
			}
			defer shutdownHost(host)

			query := strings.Join(args, " ")
			corrID, err := host.HandleSearchRequested(launcher.SearchRequested{Query: query, Requester: cliRequester})
			if err != nil {
				return err
			}
			completed, err := awaitSearch(ctx, host, events, corrID, cfg.TickInterval)
			if err != nil {
				return err
			}
			if limit > 0 && len(completed.Results) > limit {
				completed.Results = completed.Results[:limit]
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), completed)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCORE\tTITLE\tPLUGIN\tACTION")
			for _, item := range completed.Results {
				fmt.Fprintf(w, "%.1f\t%s\t%s\t%s %s\n", item.Score, item.Title, item.PluginID, item.Action.Type, item.Action.Target)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d result(s) in %s from %d plugin(s)", len(completed.Results), completed.ExecutionTime.Round(time.Millisecond), len(completed.RespondingPlugins))
			if len(completed.FailedPlugins) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), ", failed: %s", strings.Join(completed.FailedPlugins, ", "))
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of results to print")
	return cmd
}

// awaitSearch drives the update cycle until the query completes.
func awaitSearch(ctx context.Context, host *launcher.Host, events *launcher.ChannelEventSink, corrID string, tick time.Duration) (launcher.SearchCompleted, error) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		host.Update()
		for drained := false; !drained; {
			select {
			case ev := <-events.Events():
				if sc, ok := ev.(launcher.SearchCompleted); ok && sc.CorrelationID == corrID {
					return sc, nil
				}
			default:
				drained = true
			}
		}
		select {
		case <-ctx.Done():
			return launcher.SearchCompleted{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
