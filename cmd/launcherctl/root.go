// root.go: shared flags and host construction for launcherctl
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	launcher "github.com/agilira/go-launcher"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
	pluginDirs []string
	trusted    bool
	jsonOutput bool
	timeout    time.Duration
}

func newRootCommand(version, commit string) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "launcherctl",
		Short: "Inspect and drive the launcher plugin runtime headlessly",
		Long: `launcherctl discovers, validates and exercises launcher plugins without
the graphical shell. It uses the same runtime as the launcher itself, so a
plugin that works here loads the same way in the application.`,
		Version:       fmt.Sprintf("%s (commit: %s, host: %s)", version, commit, launcher.HostVersion),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "host configuration file (json, yaml or toml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error, off")
	flags.StringSliceVarP(&opts.pluginDirs, "plugins-dir", "p", nil, "plugin directory to scan instead of the configured ones (repeatable)")
	flags.BoolVar(&opts.trusted, "trusted", false, "treat --plugins-dir directories as trusted for native plugins")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print machine readable JSON")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall command timeout")

	root.AddCommand(
		newDiscoverCommand(opts),
		newValidateCommand(opts),
		newSearchCommand(opts),
		newDiagnosticsCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

// loadConfig applies flags over the config file, or over the defaults
// when no file is given.
func (o *rootOptions) loadConfig() (launcher.HostConfig, error) {
	cfg := launcher.DefaultHostConfig()
	if o.configPath != "" {
		loaded, err := launcher.LoadHostConfig(o.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	if len(o.pluginDirs) > 0 {
		cfg.Discovery.Directories = nil
		for _, dir := range o.pluginDirs {
			source := launcher.SourceUser
			if o.trusted {
				source = launcher.SourceBundled
			}
			cfg.Discovery.Directories = append(cfg.Discovery.Directories, launcher.DiscoveryDirectory{
				Path:    dir,
				Source:  source,
				Trusted: o.trusted,
			})
		}
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	cfg.ApplyDefaults()
	if err := cfg.ExpandPaths(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (o *rootOptions) logger(level string) launcher.Logger {
	return launcher.NewHclogAdapter(hclog.New(&hclog.LoggerOptions{
		Name:   "launcherctl",
		Level:  hclog.LevelFromString(level),
		Output: os.Stderr,
	}))
}

// startHost loads every plugin and waits for initialization.
func (o *rootOptions) startHost(ctx context.Context, cfg launcher.HostConfig, events launcher.EventSink) (*launcher.Host, error) {
	host, err := launcher.NewHost(ctx, cfg, launcher.HostOptions{
		Events: events,
		Logger: o.logger(cfg.LogLevel),
	})
	if err != nil {
		return nil, err
	}
	if err := host.Start(ctx, o.configPath); err != nil {
		_ = host.Shutdown(context.Background())
		return nil, err
	}
	if err := host.Settle(ctx); err != nil {
		_ = host.Shutdown(context.Background())
		return nil, err
	}
	return host, nil
}

func shutdownHost(host *launcher.Host) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = host.Shutdown(ctx)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
