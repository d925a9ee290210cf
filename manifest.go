// manifest.go: plugin manifest, capability model and load-time validation
//
// A manifest is the static description of a plugin: identity, declared
// capabilities, requested permissions, preference schema and the commands
// and actions it contributes. Manifests are immutable once loaded.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ManifestFileNames are probed, in order, inside every candidate directory.
var ManifestFileNames = []string{"plugin.json", "plugin.yaml", "plugin.yml", "plugin.toml"}

// LegacyManifestFileName marks a legacy extension package.
const LegacyManifestFileName = "package.json"

// pluginIDPattern accepts lowercase reverse-DNS style ids: com.example.calc, my-plugin.
var pluginIDPattern = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*$`)

const maxPluginIDLength = 128

// reservedPluginIDs name host modules inside the WebAssembly runtime, where
// guests are instantiated under their plugin id.
var reservedPluginIDs = map[string]bool{
	WasmHostModule:           true,
	"wasi_snapshot_preview1": true,
	"env":                    true,
}

// PluginManifest describes a plugin.
type PluginManifest struct {
	ID             string             `json:"id" yaml:"id"`
	Name           string             `json:"name" yaml:"name"`
	Version        string             `json:"version" yaml:"version"`
	Author         string             `json:"author,omitempty" yaml:"author,omitempty"`
	Description    string             `json:"description,omitempty" yaml:"description,omitempty"`
	Icon           string             `json:"icon,omitempty" yaml:"icon,omitempty"`
	Keywords       []string           `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Kind           PluginKind         `json:"kind" yaml:"kind"`
	Entry          string             `json:"entry" yaml:"entry"`
	ABIVersion     uint32             `json:"abi_version,omitempty" yaml:"abi_version,omitempty"`
	MinHostVersion string             `json:"min_host_version,omitempty" yaml:"min_host_version,omitempty"`
	Capabilities   PluginCapabilities `json:"capabilities" yaml:"capabilities"`
	Permissions    PluginPermissions  `json:"permissions" yaml:"permissions"`
	Preferences    []PreferenceField  `json:"preferences,omitempty" yaml:"preferences,omitempty"`
	Commands       []CommandDecl      `json:"commands,omitempty" yaml:"commands,omitempty"`
	Actions        []ActionDecl       `json:"actions,omitempty" yaml:"actions,omitempty"`
	Build          *BuildSpec         `json:"build,omitempty" yaml:"build,omitempty"`
}

// PluginCapabilities are coarse feature flags.
type PluginCapabilities struct {
	Search            bool `json:"search,omitempty" yaml:"search,omitempty"`
	BackgroundRefresh bool `json:"background_refresh,omitempty" yaml:"background_refresh,omitempty"`
	Notifications     bool `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	ClipboardAccess   bool `json:"clipboard_access,omitempty" yaml:"clipboard_access,omitempty"`
	FileSystemAccess  bool `json:"file_system_access,omitempty" yaml:"file_system_access,omitempty"`
	NetworkAccess     bool `json:"network_access,omitempty" yaml:"network_access,omitempty"`
	QuickActions      bool `json:"quick_actions,omitempty" yaml:"quick_actions,omitempty"`
	Storage           bool `json:"storage,omitempty" yaml:"storage,omitempty"`
	Messaging         bool `json:"messaging,omitempty" yaml:"messaging,omitempty"`
}

// PluginPermissions are fine-grained requested grants.
type PluginPermissions struct {
	ReadPaths      []string `json:"read_paths,omitempty" yaml:"read_paths,omitempty"`
	WritePaths     []string `json:"write_paths,omitempty" yaml:"write_paths,omitempty"`
	NetworkHosts   []string `json:"network_hosts,omitempty" yaml:"network_hosts,omitempty"`
	ReadClipboard  bool     `json:"read_clipboard,omitempty" yaml:"read_clipboard,omitempty"`
	WriteClipboard bool     `json:"write_clipboard,omitempty" yaml:"write_clipboard,omitempty"`
	Notifications  bool     `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	StorageRead    bool     `json:"storage_read,omitempty" yaml:"storage_read,omitempty"`
	StorageWrite   bool     `json:"storage_write,omitempty" yaml:"storage_write,omitempty"`
	Accessibility  bool     `json:"accessibility,omitempty" yaml:"accessibility,omitempty"`
	Camera         bool     `json:"camera,omitempty" yaml:"camera,omitempty"`
	Microphone     bool     `json:"microphone,omitempty" yaml:"microphone,omitempty"`
	Location       bool     `json:"location,omitempty" yaml:"location,omitempty"`
	Messaging      bool     `json:"messaging,omitempty" yaml:"messaging,omitempty"`
	Extensions     []string `json:"extensions,omitempty" yaml:"extensions,omitempty"`
}

// AllowsHost reports whether host is in the network allowlist. A leading
// "*." entry matches any subdomain.
func (p PluginPermissions) AllowsHost(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range p.NetworkHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		switch {
		case allowed == "*":
			return true
		case strings.HasPrefix(allowed, "*."):
			if strings.HasSuffix(host, allowed[1:]) {
				return true
			}
		case allowed == host:
			return true
		}
	}
	return false
}

// PreferenceType enumerates preference field widgets.
type PreferenceType string

const (
	PreferenceText      PreferenceType = "text"
	PreferencePassword  PreferenceType = "password"
	PreferenceCheckbox  PreferenceType = "checkbox"
	PreferenceDropdown  PreferenceType = "dropdown"
	PreferenceNumber    PreferenceType = "number"
	PreferenceFile      PreferenceType = "file"
	PreferenceDirectory PreferenceType = "directory"
)

// PreferenceField is one entry of a plugin's configuration schema.
type PreferenceField struct {
	Name        string         `json:"name" yaml:"name"`
	Title       string         `json:"title,omitempty" yaml:"title,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Type        PreferenceType `json:"type" yaml:"type"`
	Required    bool           `json:"required,omitempty" yaml:"required,omitempty"`
	Default     Value          `json:"default,omitempty" yaml:"default,omitempty"`
	Options     []string       `json:"options,omitempty" yaml:"options,omitempty"`
}

// CommandDecl is a command the plugin contributes to the launcher.
type CommandDecl struct {
	ID          string   `json:"id" yaml:"id"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Mode        string   `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// ActionDecl is a quick action the plugin can execute.
type ActionDecl struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// BuildSpec describes how to produce a native artifact from source.
type BuildSpec struct {
	Command []string `json:"command" yaml:"command"`
	Sources []string `json:"sources,omitempty" yaml:"sources,omitempty"`
	WorkDir string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
}

// ParseManifest decodes a manifest in the given format ("json", "yaml" or
// "toml"). TOML documents are mapped through their JSON form so the json
// field names apply.
func ParseManifest(data []byte, format string) (*PluginManifest, error) {
	var m PluginManifest
	switch strings.ToLower(format) {
	case "json", "":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
	case "toml":
		var doc map[string]any
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if err := remarshal(doc, &m); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", format)
	}
	return &m, nil
}

// MarshalManifest encodes a manifest as indented JSON, the wire form sent
// across plugin boundaries.
func MarshalManifest(m *PluginManifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Validate checks identity, schema and structural rules.
func (m *PluginManifest) Validate() error {
	if m.ID == "" {
		return NewManifestInvalidError("id", "id is required")
	}
	if len(m.ID) > maxPluginIDLength || !pluginIDPattern.MatchString(m.ID) {
		return NewManifestInvalidError("id", fmt.Sprintf("id %q must be lowercase reverse-DNS style", m.ID))
	}
	if reservedPluginIDs[m.ID] {
		return NewManifestInvalidError("id", fmt.Sprintf("id %q is reserved by the host", m.ID))
	}
	if strings.TrimSpace(m.Name) == "" {
		return NewManifestInvalidError("name", "name is required")
	}
	if _, err := ParseVersion(m.Version); err != nil {
		return NewManifestInvalidError("version", err.Error())
	}
	if m.Entry == "" {
		return NewManifestInvalidError("entry", "entry is required")
	}
	if err := validateRelativePath(m.Entry); err != nil {
		return NewManifestInvalidError("entry", err.Error())
	}
	if m.Kind == KindNative && m.ABIVersion == 0 {
		return NewManifestInvalidError("abi_version", "native plugins must declare abi_version")
	}
	if m.Build != nil {
		if m.Kind != KindNative {
			return NewManifestInvalidError("build", "only native plugins can declare a build step")
		}
		if len(m.Build.Command) == 0 {
			return NewManifestInvalidError("build.command", "build command is required")
		}
	}
	if err := m.validatePreferences(); err != nil {
		return err
	}
	if err := validateUniqueIDs("commands", len(m.Commands), func(i int) string { return m.Commands[i].ID }); err != nil {
		return err
	}
	return validateUniqueIDs("actions", len(m.Actions), func(i int) string { return m.Actions[i].ID })
}

func (m *PluginManifest) validatePreferences() error {
	seen := make(map[string]bool, len(m.Preferences))
	for _, p := range m.Preferences {
		if p.Name == "" {
			return NewManifestInvalidError("preferences", "preference name is required")
		}
		if seen[p.Name] {
			return NewManifestInvalidError("preferences", "duplicate preference "+p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case PreferenceText, PreferencePassword, PreferenceCheckbox, PreferenceNumber, PreferenceFile, PreferenceDirectory:
		case PreferenceDropdown:
			if len(p.Options) == 0 {
				return NewManifestInvalidError("preferences", "dropdown "+p.Name+" has no options")
			}
		default:
			return NewManifestInvalidError("preferences", fmt.Sprintf("preference %s has unknown type %q", p.Name, p.Type))
		}
	}
	return nil
}

func validateUniqueIDs(field string, n int, id func(int) string) error {
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		v := id(i)
		if v == "" {
			return NewManifestInvalidError(field, "id is required")
		}
		if strings.Contains(v, "/") {
			return NewManifestInvalidError(field, "id "+v+" must not contain '/'")
		}
		if seen[v] {
			return NewManifestInvalidError(field, "duplicate id "+v)
		}
		seen[v] = true
	}
	return nil
}

// validateRelativePath rejects absolute paths and traversal out of the plugin directory.
func validateRelativePath(p string) error {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q must be relative", p)
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes the plugin directory", p)
	}
	return nil
}

// capabilityRule is a capability that implies at least one permission.
type capabilityRule struct {
	capability string
	permission string
	declared   func(PluginCapabilities) bool
	satisfied  func(PluginPermissions) bool
}

var capabilityRules = []capabilityRule{
	{
		capability: "clipboard_access",
		permission: "read_clipboard|write_clipboard",
		declared:   func(c PluginCapabilities) bool { return c.ClipboardAccess },
		satisfied:  func(p PluginPermissions) bool { return p.ReadClipboard || p.WriteClipboard },
	},
	{
		capability: "file_system_access",
		permission: "read_paths|write_paths",
		declared:   func(c PluginCapabilities) bool { return c.FileSystemAccess },
		satisfied:  func(p PluginPermissions) bool { return len(p.ReadPaths) > 0 || len(p.WritePaths) > 0 },
	},
	{
		capability: "network_access",
		permission: "network_hosts",
		declared:   func(c PluginCapabilities) bool { return c.NetworkAccess },
		satisfied:  func(p PluginPermissions) bool { return len(p.NetworkHosts) > 0 },
	},
	{
		capability: "notifications",
		permission: "notifications",
		declared:   func(c PluginCapabilities) bool { return c.Notifications },
		satisfied:  func(p PluginPermissions) bool { return p.Notifications },
	},
	{
		capability: "storage",
		permission: "storage_read|storage_write",
		declared:   func(c PluginCapabilities) bool { return c.Storage },
		satisfied:  func(p PluginPermissions) bool { return p.StorageRead || p.StorageWrite },
	},
	{
		capability: "messaging",
		permission: "messaging",
		declared:   func(c PluginCapabilities) bool { return c.Messaging },
		satisfied:  func(p PluginPermissions) bool { return p.Messaging },
	},
}

// ValidateCapabilityPermissions rejects capabilities declared without the
// permission they imply.
func (m *PluginManifest) ValidateCapabilityPermissions() error {
	for _, rule := range capabilityRules {
		if rule.declared(m.Capabilities) && !rule.satisfied(m.Permissions) {
			return NewCapabilityPermissionMismatchError(m.ID, rule.capability, rule.permission)
		}
	}
	return nil
}

// RequiredExports returns the entry points a plugin of this manifest's kind
// and capabilities must provide.
func (m *PluginManifest) RequiredExports() []string {
	var required []string
	var prefix string
	switch m.Kind {
	case KindNative:
		return []string{NativeCreateSymbol}
	case KindWasm:
		required = []string{"memory", "alloc", "launcher_manifest", "launcher_initialize"}
		prefix = "launcher_"
	case KindScripted, KindLegacy:
		prefix = ""
	}
	if m.Capabilities.Search {
		required = append(required, prefix+"search")
	}
	if m.Capabilities.BackgroundRefresh {
		required = append(required, prefix+"background_refresh")
	}
	if len(m.Commands) > 0 {
		required = append(required, prefix+"execute_command")
	}
	if len(m.Actions) > 0 || m.Capabilities.QuickActions {
		required = append(required, prefix+"execute_action")
	}
	if m.Capabilities.Messaging {
		required = append(required, prefix+"on_message")
	}
	return required
}

// ValidateExports fails with MissingExport naming the first absent symbol.
func (m *PluginManifest) ValidateExports(has func(symbol string) bool) error {
	for _, symbol := range m.RequiredExports() {
		if !has(symbol) {
			return NewMissingExportError(m.ID, symbol)
		}
	}
	return nil
}

// ValidateForLoad runs every load-time pass in order.
func (m *PluginManifest) ValidateForLoad(hostVersion string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := m.ValidateCapabilityPermissions(); err != nil {
		return err
	}
	return checkHostCompatibility(m, hostVersion)
}

// HasCommand reports whether the manifest declares the command id.
func (m *PluginManifest) HasCommand(id string) bool {
	for _, c := range m.Commands {
		if c.ID == id {
			return true
		}
	}
	return false
}

// HasAction reports whether the manifest declares the action id.
func (m *PluginManifest) HasAction(id string) bool {
	for _, a := range m.Actions {
		if a.ID == id {
			return true
		}
	}
	return false
}

// DefaultPreferences returns the schema defaults keyed by preference name.
func (m *PluginManifest) DefaultPreferences() map[string]Value {
	out := make(map[string]Value, len(m.Preferences))
	for _, p := range m.Preferences {
		if p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}
