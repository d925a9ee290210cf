// loader_build.go: building native plugins from source
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// BuildConfig controls source builds of native plugins.
type BuildConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// MaxOutputBytes bounds the build log kept for error reports.
	MaxOutputBytes int `json:"max_output_bytes" yaml:"max_output_bytes"`
}

func DefaultBuildConfig() BuildConfig {
	return BuildConfig{Enabled: true, Timeout: 5 * time.Minute, MaxOutputBytes: 16 << 10}
}

// NeedsRebuild reports whether the artifact at entry is missing or older
// than the manifest or any declared source. Source entries are glob
// patterns relative to root; a directory match is walked.
func NeedsRebuild(root, manifestPath string, m *PluginManifest) (bool, error) {
	artifact := filepath.Join(root, filepath.FromSlash(m.Entry))
	info, err := os.Stat(artifact)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	built := info.ModTime()

	newer := func(path string) (bool, error) {
		st, err := os.Stat(path)
		if err != nil {
			return false, err
		}
		return st.ModTime().After(built), nil
	}
	if manifestPath != "" {
		if n, err := newer(manifestPath); err != nil || n {
			return n, err
		}
	}
	if m.Build == nil {
		return false, nil
	}
	for _, pattern := range m.Build.Sources {
		if err := validateRelativePath(pattern); err != nil {
			return false, NewManifestInvalidError("build.sources", err.Error())
		}
		matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(pattern)))
		if err != nil {
			return false, NewManifestInvalidError("build.sources", err.Error())
		}
		for _, match := range matches {
			stale, err := anyNewerThan(match, built)
			if err != nil || stale {
				return stale, err
			}
		}
	}
	return false, nil
}

func anyNewerThan(path string, t time.Time) (bool, error) {
	stale := false
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(t) {
			stale = true
			return fs.SkipAll
		}
		return nil
	})
	return stale, err
}

// Builder runs a manifest's build command.
type Builder struct {
	config BuildConfig
	logger Logger
}

func NewBuilder(config BuildConfig, logger Logger) *Builder {
	if logger == nil {
		logger = DefaultLogger()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultBuildConfig().Timeout
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = DefaultBuildConfig().MaxOutputBytes
	}
	return &Builder{config: config, logger: logger.With("component", "builder")}
}

// Build runs the command in the plugin root (or its work_dir) and checks
// that the artifact exists afterwards.
func (b *Builder) Build(ctx context.Context, root string, m *PluginManifest) error {
	if !b.config.Enabled {
		return NewBuildFailedError(m.ID, fmt.Errorf("source builds are disabled"))
	}
	if m.Build == nil || len(m.Build.Command) == 0 {
		return NewBuildFailedError(m.ID, fmt.Errorf("artifact %s is missing and no build command is declared", m.Entry))
	}
	dir := root
	if m.Build.WorkDir != "" {
		if err := validateRelativePath(m.Build.WorkDir); err != nil {
			return NewManifestInvalidError("build.work_dir", err.Error())
		}
		dir = filepath.Join(root, filepath.FromSlash(m.Build.WorkDir))
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	start := time.Now()
	b.logger.Info("Building native plugin", "plugin_id", m.ID, "command", m.Build.Command, "path", dir)
	cmd := exec.CommandContext(ctx, m.Build.Command[0], m.Build.Command[1:]...) // #nosec G204 -- command comes from a trusted plugin manifest
	cmd.Dir = dir
	out := &cappedBuffer{limit: b.config.MaxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		b.logger.Error("Native plugin build failed", "plugin_id", m.ID, "error", err.Error(), "output", out.String())
		return NewBuildFailedError(m.ID, err).WithContext("output", out.String())
	}
	artifact := filepath.Join(root, filepath.FromSlash(m.Entry))
	if _, err := os.Stat(artifact); err != nil {
		return NewBuildFailedError(m.ID, fmt.Errorf("build succeeded but %s was not produced", m.Entry))
	}
	b.logger.Info("Native plugin built", "plugin_id", m.ID, "duration", time.Since(start).String())
	return nil
}

// cappedBuffer keeps the tail of a build log.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	c.buf.Write(p)
	if over := c.buf.Len() - c.limit; over > 0 {
		c.buf.Next(over)
	}
	return n, nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }
