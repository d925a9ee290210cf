// discover.go: the discover and validate commands
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

	launcher "github.com/agilira/go-launcher"
	"github.com/spf13/cobra"
)

type discoverOutput struct {
	Plugins  []candidateOutput `json:"plugins"`
	Shadowed []candidateOutput `json:"shadowed,omitempty"`
	Failures []failureOutput   `json:"failures,omitempty"`
}

type candidateOutput struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Kind     string `json:"kind"`
	Source   string `json:"source"`
	Trusted  bool   `json:"trusted"`
	Legacy   bool   `json:"legacy,omitempty"`
	Manifest string `json:"manifest"`
}

type failureOutput struct {
	Path  string `json:"path"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

func toCandidateOutput(c launcher.DiscoveryCandidate) candidateOutput {
	return candidateOutput{
		ID:       c.Manifest.ID,
		Name:     c.Manifest.Name,
		Version:  c.Manifest.Version,
		Kind:     c.Manifest.Kind.String(),
		Source:   c.Source.String(),
		Trusted:  c.Trusted,
		Legacy:   c.Legacy,
		Manifest: c.ManifestPath,
	}
}

func newDiscoverCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List plugins found in the discovery directories",
		Long: `Scan the configured discovery directories in priority order (bundled,
user, system) and list every plugin manifest found. Plugins shadowed by an
earlier directory and manifests that failed to parse are listed separately.
Nothing is loaded or executed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			engine := launcher.NewDiscoveryEngine(cfg.Discovery, opts.logger(cfg.LogLevel))
			report, err := engine.DiscoverPlugins(ctx)
			if err != nil {
				return err
			}
			out := discoverOutput{}
			for _, c := range report.Candidates {
				out.Plugins = append(out.Plugins, toCandidateOutput(c))
			}
			for _, c := range report.Shadowed {
				out.Shadowed = append(out.Shadowed, toCandidateOutput(c))
			}
			for _, f := range report.Failures {
				out.Failures = append(out.Failures, failureOutput{Path: f.Path, Code: launcher.ErrorCodeOf(f.Err), Error: f.Err.Error()})
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), out)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tKIND\tSOURCE\tTRUSTED\tMANIFEST")
			for _, p := range out.Plugins {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", p.ID, p.Version, p.Kind, p.Source, p.Trusted, p.Manifest)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for _, p := range out.Shadowed {
				fmt.Fprintf(cmd.OutOrStdout(), "shadowed: %s at %s\n", p.ID, p.Manifest)
			}
			for _, f := range out.Failures {
				fmt.Fprintf(cmd.OutOrStdout(), "failed: %s: %s\n", f.Path, f.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d plugin(s), %d shadowed, %d failure(s)\n", len(out.Plugins), len(out.Shadowed), len(out.Failures))
			return nil
		},
	}
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plugin-dir>",
		Short: "Validate a single plugin directory",
		Long: `Read the manifest in <plugin-dir> (plugin.json, plugin.yaml, plugin.toml or a
legacy package.json) and run every load-time check that does not execute
plugin code: schema, semver, host compatibility, capability and permission
consistency. The exports the plugin must provide are listed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			candidate, err := launcher.InspectPluginDir(args[0])
			if err != nil {
				return err
			}
			m := candidate.Manifest
			if err := m.ValidateForLoad(launcher.HostVersion); err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"plugin":           toCandidateOutput(*candidate),
					"required_exports": m.RequiredExports(),
					"permissions":      launcher.DerivePermissions(m.Permissions).Names(),
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s (%s) is valid\n", m.ID, m.Version, m.Kind.String())
			fmt.Fprintf(out, "required exports: %s\n", strings.Join(m.RequiredExports(), ", "))
			fmt.Fprintf(out, "permissions: %s\n", strings.Join(launcher.DerivePermissions(m.Permissions).Names(), ", "))
			return nil
		},
	}
}
