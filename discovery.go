// discovery.go: Plugin discovery across bundled, user and system directories
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agilira/argus"
	"github.com/agilira/go-timecache"
)

// DiscoverySource is the directory tier a plugin was found in.
type DiscoverySource int

const (
	SourceBundled DiscoverySource = iota
	SourceUser
	SourceSystem
)

func (s DiscoverySource) String() string {
	switch s {
	case SourceBundled:
		return "bundled"
	case SourceUser:
		return "user"
	case SourceSystem:
		return "system"
	default:
		return "unknown"
	}
}

func (s DiscoverySource) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *DiscoverySource) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "bundled":
		*s = SourceBundled
	case "user":
		*s = SourceUser
	case "system":
		*s = SourceSystem
	default:
		return NewConfigValidationError("unknown discovery source "+string(text), nil)
	}
	return nil
}

// DiscoveryDirectory is one root the engine scans. Directories are scanned
// in list order and the first plugin found for an id wins.
type DiscoveryDirectory struct {
	Path   string          `json:"path" yaml:"path"`
	Source DiscoverySource `json:"source" yaml:"source"`
	// Trusted directories may provide native libraries.
	Trusted bool `json:"trusted" yaml:"trusted"`
}

// DiscoveryConfig controls the directory scan.
type DiscoveryConfig struct {
	Directories    []DiscoveryDirectory `json:"directories" yaml:"directories"`
	MaxDepth       int                  `json:"max_depth" yaml:"max_depth"`
	ExcludePaths   []string             `json:"exclude_paths,omitempty" yaml:"exclude_paths,omitempty"`
	FollowSymlinks bool                 `json:"follow_symlinks" yaml:"follow_symlinks"`
	Timeout        time.Duration        `json:"timeout" yaml:"timeout"`
}

// DefaultDiscoveryConfig scans the standard locations: bundled plugins next
// to the executable, the user's config directory and the system share
// directory. Bundled and system directories are trusted.
func DefaultDiscoveryConfig() DiscoveryConfig {
	var dirs []DiscoveryDirectory
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, DiscoveryDirectory{Path: filepath.Join(filepath.Dir(exe), "plugins"), Source: SourceBundled, Trusted: true})
	}
	if cfg, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, DiscoveryDirectory{Path: filepath.Join(cfg, "launcher", "plugins"), Source: SourceUser})
	}
	dirs = append(dirs, DiscoveryDirectory{Path: "/usr/share/launcher/plugins", Source: SourceSystem, Trusted: true})
	return DiscoveryConfig{
		Directories:  dirs,
		MaxDepth:     4,
		ExcludePaths: []string{"node_modules", ".git", "target", "build"},
		Timeout:      30 * time.Second,
	}
}

// DiscoveryCandidate is a parsed, not yet loaded, plugin.
type DiscoveryCandidate struct {
	Manifest     *PluginManifest `json:"manifest"`
	Root         string          `json:"root"`
	ManifestPath string          `json:"manifest_path"`
	Source       DiscoverySource `json:"source"`
	Trusted      bool            `json:"trusted"`
	Legacy       bool            `json:"legacy"`
	DiscoveredAt time.Time       `json:"discovered_at"`
}

// DiscoveryFailure records one path that could not be turned into a candidate.
type DiscoveryFailure struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

func (f DiscoveryFailure) Error() string { return f.Path + ": " + f.Err.Error() }

// DiscoveryReport is the outcome of one scan.
type DiscoveryReport struct {
	Candidates []DiscoveryCandidate
	Failures   []DiscoveryFailure
	// Shadowed candidates lost to an earlier directory with the same id.
	Shadowed []DiscoveryCandidate
}

// IDs returns the candidate ids in discovery order.
func (r *DiscoveryReport) IDs() []string {
	ids := make([]string, len(r.Candidates))
	for i, c := range r.Candidates {
		ids[i] = c.Manifest.ID
	}
	return ids
}

// DiscoveryEventHandler receives per-candidate notifications.
type DiscoveryEventHandler func(event DiscoveryEvent)

// DiscoveryEvent is emitted for every candidate found and every failure.
type DiscoveryEvent struct {
	Type      string              `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Candidate *DiscoveryCandidate `json:"candidate,omitempty"`
	Path      string              `json:"path,omitempty"`
	Error     error               `json:"-"`
}

// DiscoveryEngine walks the configured directories for plugin manifests.
//
// A directory containing a manifest is a plugin root and is not descended
// into. Symlink cycles are cut by tracking canonical paths. A broken
// candidate is logged and recorded; it never stops the scan.
type DiscoveryEngine struct {
	mu       sync.RWMutex
	config   DiscoveryConfig
	logger   Logger
	last     *DiscoveryReport
	handlers []DiscoveryEventHandler
}

func NewDiscoveryEngine(config DiscoveryConfig, logger Logger) *DiscoveryEngine {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &DiscoveryEngine{
		config: normalizeDiscoveryConfig(config),
		logger: logger.With("component", "discovery"),
	}
}

func normalizeDiscoveryConfig(config DiscoveryConfig) DiscoveryConfig {
	if config.MaxDepth <= 0 {
		config.MaxDepth = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return config
}

// scanState is the per-scan bookkeeping shared by every directory.
type scanState struct {
	visited map[string]bool
	byID    map[string]int
	report  *DiscoveryReport
}

// DiscoverPlugins scans every directory in priority order. A missing
// directory is not an error.
func (d *DiscoveryEngine) DiscoverPlugins(ctx context.Context) (*DiscoveryReport, error) {
	d.mu.RLock()
	config := d.config
	d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	d.logger.Info("Starting plugin discovery", "directories", len(config.Directories))
	state := &scanState{
		visited: make(map[string]bool),
		byID:    make(map[string]int),
		report:  &DiscoveryReport{},
	}
	for _, dir := range config.Directories {
		root, err := expandPath(dir.Path)
		if err != nil {
			d.recordFailure(state, dir.Path, err)
			continue
		}
		info, err := os.Stat(root)
		if err != nil {
			if !os.IsNotExist(err) {
				d.recordFailure(state, root, err)
			}
			continue
		}
		if !info.IsDir() {
			d.recordFailure(state, root, fmt.Errorf("not a directory"))
			continue
		}
		if err := d.scanDirectory(ctx, config, dir, root, 0, state); err != nil {
			return state.report, err
		}
	}

	d.mu.Lock()
	d.last = state.report
	d.mu.Unlock()
	d.logger.Info("Plugin discovery completed",
		"plugins_found", len(state.report.Candidates),
		"failures", len(state.report.Failures),
		"shadowed", len(state.report.Shadowed))
	return state.report, nil
}

// scanDirectory returns an error only when ctx is done.
func (d *DiscoveryEngine) scanDirectory(ctx context.Context, config DiscoveryConfig, dir DiscoveryDirectory, path string, depth int, state *scanState) error {
	if err := ctx.Err(); err != nil {
		return NewLoadFailedError("", fmt.Errorf("discovery interrupted: %w", err))
	}
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		d.recordFailure(state, path, err)
		return nil
	}
	if state.visited[canonical] {
		d.logger.Debug("Skipping already visited directory", "path", path, "canonical", canonical)
		return nil
	}
	state.visited[canonical] = true

	if found, err := d.probePluginRoot(dir, path, state); found || err != nil {
		return nil
	}
	if depth >= config.MaxDepth {
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		d.recordFailure(state, path, err)
		return nil
	}
	for _, entry := range entries {
		full := filepath.Join(path, entry.Name())
		if !d.shouldDescend(config, entry, full) {
			continue
		}
		if err := d.scanDirectory(ctx, config, dir, full, depth+1, state); err != nil {
			return err
		}
	}
	return nil
}

func (d *DiscoveryEngine) shouldDescend(config DiscoveryConfig, entry os.DirEntry, full string) bool {
	name := entry.Name()
	if strings.HasPrefix(name, ".") {
		return false
	}
	for _, exclude := range config.ExcludePaths {
		if name == exclude {
			return false
		}
		if matched, err := filepath.Match(exclude, name); err == nil && matched {
			return false
		}
	}
	if entry.IsDir() {
		return true
	}
	if entry.Type()&os.ModeSymlink != 0 && config.FollowSymlinks {
		info, err := os.Stat(full)
		return err == nil && info.IsDir()
	}
	return false
}

// probePluginRoot reports whether path is a plugin root. A root whose
// manifest cannot be parsed still counts, so its subdirectories are not
// mistaken for plugins.
func (d *DiscoveryEngine) probePluginRoot(dir DiscoveryDirectory, path string, state *scanState) (bool, error) {
	for _, name := range ManifestFileNames {
		manifestPath := filepath.Join(path, name)
		if !isRegularFile(manifestPath) {
			continue
		}
		manifest, err := readManifestFile(manifestPath)
		if err != nil {
			d.recordFailure(state, manifestPath, err)
			return true, err
		}
		d.addCandidate(state, DiscoveryCandidate{
			Manifest:     manifest,
			Root:         path,
			ManifestPath: manifestPath,
			Source:       dir.Source,
			Trusted:      dir.Trusted,
			DiscoveredAt: timecache.CachedTime(),
		})
		return true, nil
	}

	legacyPath := filepath.Join(path, LegacyManifestFileName)
	if !isRegularFile(legacyPath) {
		return false, nil
	}
	data, err := os.ReadFile(legacyPath) // #nosec G304 -- path is built from a scanned directory
	if err != nil {
		d.recordFailure(state, legacyPath, err)
		return true, err
	}
	if !IsLegacyExtension(data) {
		return false, nil
	}
	manifest, err := TranslateLegacyManifest(data)
	if err != nil {
		d.recordFailure(state, legacyPath, err)
		return true, err
	}
	d.addCandidate(state, DiscoveryCandidate{
		Manifest:     manifest,
		Root:         path,
		ManifestPath: legacyPath,
		Source:       dir.Source,
		Trusted:      dir.Trusted,
		Legacy:       true,
		DiscoveredAt: timecache.CachedTime(),
	})
	return true, nil
}

// InspectPluginDir reads the manifest of a single plugin root without
// scanning further.
func InspectPluginDir(dir string) (*DiscoveryCandidate, error) {
	d := NewDiscoveryEngine(DiscoveryConfig{}, NewNoOpLogger())
	state := &scanState{
		visited: make(map[string]bool),
		byID:    make(map[string]int),
		report:  &DiscoveryReport{},
	}
	isRoot, err := d.probePluginRoot(DiscoveryDirectory{Path: dir, Source: SourceUser}, dir, state)
	if err != nil {
		return nil, err
	}
	if len(state.report.Failures) > 0 {
		return nil, state.report.Failures[0].Err
	}
	if !isRoot || len(state.report.Candidates) == 0 {
		return nil, NewManifestInvalidError("manifest", "no plugin manifest in "+dir)
	}
	c := state.report.Candidates[0]
	return &c, nil
}

func (d *DiscoveryEngine) addCandidate(state *scanState, c DiscoveryCandidate) {
	if c.Manifest.ID == "" {
		d.recordFailure(state, c.ManifestPath, NewManifestInvalidError("id", "id is required"))
		return
	}
	if idx, dup := state.byID[c.Manifest.ID]; dup {
		winner := state.report.Candidates[idx]
		d.logger.Warn("Plugin shadowed by an earlier directory",
			"plugin_id", c.Manifest.ID,
			"path", c.Root,
			"winner", winner.Root)
		state.report.Shadowed = append(state.report.Shadowed, c)
		return
	}
	state.byID[c.Manifest.ID] = len(state.report.Candidates)
	state.report.Candidates = append(state.report.Candidates, c)
	d.logger.Debug("Discovered plugin",
		"plugin_id", c.Manifest.ID,
		"version", c.Manifest.Version,
		"kind", c.Manifest.Kind.String(),
		"source", c.Source.String(),
		"path", c.ManifestPath)
	d.emitEvent(DiscoveryEvent{Type: "plugin_discovered", Timestamp: c.DiscoveredAt, Candidate: &c, Path: c.ManifestPath})
}

func (d *DiscoveryEngine) recordFailure(state *scanState, path string, err error) {
	d.logger.Warn("Discovery failure", "path", path, "error", err.Error())
	state.report.Failures = append(state.report.Failures, DiscoveryFailure{Path: path, Err: err})
	d.emitEvent(DiscoveryEvent{Type: "discovery_failed", Timestamp: timecache.CachedTime(), Path: path, Error: err})
}

// readManifestFile parses a manifest, detecting its format from the extension.
func readManifestFile(path string) (*PluginManifest, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is built from a scanned directory
	if err != nil {
		return nil, NewManifestParseError(path, err)
	}
	manifest, err := ParseManifest(data, manifestFormat(path))
	if err != nil {
		return nil, NewManifestParseError(path, err)
	}
	return manifest, nil
}

func manifestFormat(path string) string {
	switch argus.DetectFormat(path) {
	case argus.FormatYAML:
		return "yaml"
	case argus.FormatTOML:
		return "toml"
	default:
		return "json"
	}
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// LastReport returns the most recent scan, or nil before the first one.
func (d *DiscoveryEngine) LastReport() *DiscoveryReport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

// Directories returns the expanded directory paths in priority order.
func (d *DiscoveryEngine) Directories() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.config.Directories))
	for _, dir := range d.config.Directories {
		if p, err := expandPath(dir.Path); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func (d *DiscoveryEngine) AddEventHandler(handler DiscoveryEventHandler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, handler)
	d.mu.Unlock()
}

func (d *DiscoveryEngine) emitEvent(event DiscoveryEvent) {
	d.mu.RLock()
	handlers := append([]DiscoveryEventHandler(nil), d.handlers...)
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("Discovery event handler panicked", "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// UpdateConfig replaces the configuration for subsequent scans.
func (d *DiscoveryEngine) UpdateConfig(config DiscoveryConfig) {
	d.mu.Lock()
	d.config = normalizeDiscoveryConfig(config)
	d.mu.Unlock()
	d.logger.Info("Discovery configuration updated", "directories", len(config.Directories), "max_depth", config.MaxDepth)
}

// DiffReports returns ids present only in next (added) and only in prev
// (removed), both sorted.
func DiffReports(prev, next *DiscoveryReport) (added, removed []string) {
	before := make(map[string]bool)
	if prev != nil {
		for _, id := range prev.IDs() {
			before[id] = true
		}
	}
	after := make(map[string]bool)
	for _, id := range next.IDs() {
		after[id] = true
		if !before[id] {
			added = append(added, id)
		}
	}
	for id := range before {
		if !after[id] {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
