// discovery_test.go: directory scanning, shadowing and symlink handling
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonManifest(id string) string {
	return `{"id":"` + id + `","name":"` + id + `","version":"1.0.0","kind":"scripted","entry":"main.lua","capabilities":{"search":true}}`
}

const legacyPackageJSON = `{
  "name": "Quick Notes",
  "title": "Quick Notes",
  "version": "2.1.0",
  "author": {"name": "Ada"},
  "commands": [{"name": "search-notes", "title": "Search Notes", "mode": "view"}]
}`

func TestDiscoveryEngine_ScanTree(t *testing.T) {
	bundled := t.TempDir()
	user := t.TempDir()
	writeFiles(t, bundled, map[string]string{
		"calc/plugin.json": jsonManifest("com.example.calc"),
	})
	writeFiles(t, user, map[string]string{
		"calc-fork/plugin.yaml":      "id: com.example.calc\nname: Fork\nversion: 9.0.0\nkind: lua\nentry: main.lua\n",
		"notes/plugin.toml":          "id = \"com.example.notes\"\nname = \"Notes\"\nversion = \"1.2.0\"\nkind = \"wasm\"\nentry = \"notes.wasm\"\n",
		"group/deep/plugin.json":     jsonManifest("com.example.deep"),
		"quick-notes/package.json":   legacyPackageJSON,
		"npm-lib/package.json":       `{"name":"left-pad","version":"1.0.0"}`,
		"broken/plugin.json":         `{"id": }`,
		"broken/inner/plugin.json":   jsonManifest("com.example.hidden-by-broken"),
		"node_modules/x/plugin.json": jsonManifest("com.example.excluded"),
		".cache/plugin.json":         jsonManifest("com.example.dotdir"),
		"with-root/plugin.json":      jsonManifest("com.example.outer"),
		"with-root/sub/plugin.json":  jsonManifest("com.example.inner"),
	})

	engine := NewDiscoveryEngine(DiscoveryConfig{
		Directories: []DiscoveryDirectory{
			{Path: bundled, Source: SourceBundled, Trusted: true},
			{Path: user, Source: SourceUser},
			{Path: filepath.Join(user, "does-not-exist"), Source: SourceSystem},
		},
		ExcludePaths: []string{"node_modules"},
	}, NewTestLogger())

	var events []string
	engine.AddEventHandler(func(e DiscoveryEvent) { events = append(events, e.Type) })

	report, err := engine.DiscoverPlugins(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t,
		[]string{"com.example.calc", "com.example.notes", "com.example.deep", "legacy.quick-notes", "com.example.outer"},
		report.IDs())
	assert.Equal(t, "com.example.calc", report.IDs()[0], "bundled directory is scanned first")

	calc := report.Candidates[0]
	assert.Equal(t, SourceBundled, calc.Source)
	assert.True(t, calc.Trusted)
	assert.Equal(t, filepath.Join(bundled, "calc"), calc.Root)

	require.Len(t, report.Shadowed, 1)
	assert.Equal(t, "Fork", report.Shadowed[0].Manifest.Name)
	assert.Equal(t, SourceUser, report.Shadowed[0].Source)

	require.Len(t, report.Failures, 1, "only the unparsable manifest fails; missing directories are skipped")
	assert.Equal(t, filepath.Join(user, "broken", "plugin.json"), report.Failures[0].Path)
	assert.True(t, IsLoadError(report.Failures[0].Err))

	for _, c := range report.Candidates {
		if c.Manifest.ID == "legacy.quick-notes" {
			assert.True(t, c.Legacy)
			assert.Equal(t, KindLegacy, c.Manifest.Kind)
		}
		if c.Manifest.ID == "com.example.notes" {
			assert.Equal(t, KindWasm, c.Manifest.Kind)
		}
	}

	assert.Contains(t, events, "plugin_discovered")
	assert.Contains(t, events, "discovery_failed")
	assert.Same(t, report, engine.LastReport())
}

func TestDiscoveryEngine_MaxDepth(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a/plugin.json":       jsonManifest("com.example.a"),
		"x/y/z/plugin.json":   jsonManifest("com.example.z"),
		"x/y/z/w/plugin.json": jsonManifest("com.example.w"),
	})
	engine := NewDiscoveryEngine(DiscoveryConfig{
		Directories: []DiscoveryDirectory{{Path: root, Source: SourceUser}},
		MaxDepth:    2,
	}, nil)
	report, err := engine.DiscoverPlugins(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.a"}, report.IDs())
}

func TestDiscoveryEngine_SymlinkCycle(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"plugins/real/plugin.json": jsonManifest("com.example.real"),
	})
	if err := os.Symlink(filepath.Join(root, "plugins"), filepath.Join(root, "plugins", "loop")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	require.NoError(t, os.Symlink(filepath.Join(root, "plugins", "real"), filepath.Join(root, "plugins", "alias")))

	engine := NewDiscoveryEngine(DiscoveryConfig{
		Directories:    []DiscoveryDirectory{{Path: filepath.Join(root, "plugins"), Source: SourceUser}},
		FollowSymlinks: true,
		MaxDepth:       16,
	}, nil)
	report, err := engine.DiscoverPlugins(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.real"}, report.IDs())
	assert.Empty(t, report.Shadowed, "an alias of a visited root is not a second plugin")
	assert.Empty(t, report.Failures)
}

func TestDiscoveryEngine_CancelledContext(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a/plugin.json": jsonManifest("com.example.a")})
	engine := NewDiscoveryEngine(DiscoveryConfig{Directories: []DiscoveryDirectory{{Path: root}}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.DiscoverPlugins(ctx)
	assert.Error(t, err)
}

func TestInspectPluginDir(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"plugin.json": jsonManifest("com.example.one")})
	c, err := InspectPluginDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "com.example.one", c.Manifest.ID)
	assert.Equal(t, filepath.Join(dir, "plugin.json"), c.ManifestPath)

	_, err = InspectPluginDir(t.TempDir())
	assert.Equal(t, ErrCodeManifestInvalid, ErrorCodeOf(err))
}

func TestDiffReports(t *testing.T) {
	mk := func(ids ...string) *DiscoveryReport {
		r := &DiscoveryReport{}
		for _, id := range ids {
			r.Candidates = append(r.Candidates, DiscoveryCandidate{Manifest: &PluginManifest{ID: id}})
		}
		return r
	}
	added, removed := DiffReports(mk("a", "b", "c"), mk("c", "d", "a"))
	assert.Equal(t, []string{"d"}, added)
	assert.Equal(t, []string{"b"}, removed)

	added, removed = DiffReports(nil, mk("x"))
	assert.Equal(t, []string{"x"}, added)
	assert.Empty(t, removed)
}

func TestDiscoverySource_Text(t *testing.T) {
	var s DiscoverySource
	require.NoError(t, s.UnmarshalText([]byte("System")))
	assert.Equal(t, SourceSystem, s)
	assert.Error(t, s.UnmarshalText([]byte("cloud")))
	text, _ := SourceBundled.MarshalText()
	assert.Equal(t, "bundled", string(text))
}
