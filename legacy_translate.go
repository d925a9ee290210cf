// legacy_translate.go: pure translation of legacy extension packages
//
// Legacy extensions ship a package.json with commands and preferences, and
// return list items in their own shape. Both are mapped onto the launcher's
// manifest and ActionItem types without side effects.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Action types understood by the host.
const (
	ActionOpenURL    = "open-url"
	ActionCopy       = "copy"
	ActionPaste      = "paste"
	ActionRunCommand = "run-command"
	ActionPlugin     = "plugin"
)

type legacyPackage struct {
	Name         string              `json:"name"`
	Title        string              `json:"title"`
	Description  string              `json:"description"`
	Author       any                 `json:"author"`
	Version      string              `json:"version"`
	Icon         string              `json:"icon"`
	Main         string              `json:"main"`
	Keywords     []string            `json:"keywords"`
	Commands     []legacyCommand     `json:"commands"`
	Preferences  []legacyPreference  `json:"preferences"`
	Permissions  []string            `json:"permissions"`
	NetworkHosts []string            `json:"network_hosts"`
	Launcher     *legacyHostSettings `json:"launcher"`
}

type legacyHostSettings struct {
	MinHostVersion string `json:"min_host_version"`
}

type legacyCommand struct {
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Subtitle    string   `json:"subtitle"`
	Description string   `json:"description"`
	Mode        string   `json:"mode"`
	Keywords    []string `json:"keywords"`
}

type legacyPreference struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Default     Value  `json:"default"`
	Data        []struct {
		Title string `json:"title"`
		Value string `json:"value"`
	} `json:"data"`
}

var legacyIDCleaner = regexp.MustCompile(`[^a-z0-9._-]+`)

// IsLegacyExtension reports whether a package.json declares launcher
// commands. Ordinary npm packages do not.
func IsLegacyExtension(data []byte) bool {
	var probe struct {
		Commands []json.RawMessage `json:"commands"`
	}
	return json.Unmarshal(data, &probe) == nil && len(probe.Commands) > 0
}

// TranslateLegacyManifest maps a legacy package.json onto a PluginManifest.
// Without an explicit permission list the extension gets storage,
// clipboard write and notifications, which is what the legacy API exposes.
// Search is enabled when any command renders a list ("view" mode).
func TranslateLegacyManifest(data []byte) (*PluginManifest, error) {
	var pkg legacyPackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, NewManifestInvalidError(LegacyManifestFileName, err.Error())
	}
	if len(pkg.Commands) == 0 {
		return nil, NewManifestInvalidError("commands", "legacy extension declares no commands")
	}

	m := &PluginManifest{
		ID:          legacyID(pkg.Name),
		Name:        firstNonEmpty(pkg.Title, pkg.Name),
		Version:     firstNonEmpty(pkg.Version, "1.0.0"),
		Author:      legacyAuthor(pkg.Author),
		Description: pkg.Description,
		Icon:        pkg.Icon,
		Keywords:    pkg.Keywords,
		Kind:        KindLegacy,
		Entry:       firstNonEmpty(strings.TrimPrefix(pkg.Main, "./"), "index.js"),
	}
	if pkg.Launcher != nil {
		m.MinHostVersion = pkg.Launcher.MinHostVersion
	}

	for _, c := range pkg.Commands {
		mode := strings.ToLower(firstNonEmpty(c.Mode, "view"))
		m.Commands = append(m.Commands, CommandDecl{
			ID:          c.Name,
			Title:       firstNonEmpty(c.Title, c.Name),
			Description: firstNonEmpty(c.Description, c.Subtitle),
			Keywords:    c.Keywords,
			Mode:        mode,
		})
		if mode == "view" {
			m.Capabilities.Search = true
		}
	}

	for _, p := range pkg.Preferences {
		m.Preferences = append(m.Preferences, translateLegacyPreference(p))
	}

	if pkg.Permissions == nil {
		m.Permissions = PluginPermissions{StorageRead: true, StorageWrite: true, WriteClipboard: true, Notifications: true}
	} else if err := applyLegacyPermissions(&m.Permissions, pkg.Permissions); err != nil {
		return nil, err
	}
	m.Permissions.NetworkHosts = pkg.NetworkHosts

	m.Capabilities.Storage = m.Permissions.StorageRead || m.Permissions.StorageWrite
	m.Capabilities.ClipboardAccess = m.Permissions.ReadClipboard || m.Permissions.WriteClipboard
	m.Capabilities.Notifications = m.Permissions.Notifications
	m.Capabilities.NetworkAccess = len(m.Permissions.NetworkHosts) > 0
	m.Capabilities.Messaging = m.Permissions.Messaging
	return m, nil
}

func applyLegacyPermissions(dst *PluginPermissions, names []string) error {
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "storage-read":
			dst.StorageRead = true
		case "storage-write":
			dst.StorageWrite = true
		case "storage":
			dst.StorageRead, dst.StorageWrite = true, true
		case "clipboard-read":
			dst.ReadClipboard = true
		case "clipboard-write":
			dst.WriteClipboard = true
		case "clipboard":
			dst.ReadClipboard, dst.WriteClipboard = true, true
		case "notifications", "notification-send":
			dst.Notifications = true
		case "messaging":
			dst.Messaging = true
		default:
			return NewManifestInvalidError("permissions", fmt.Sprintf("unknown legacy permission %q", name))
		}
	}
	return nil
}

func translateLegacyPreference(p legacyPreference) PreferenceField {
	field := PreferenceField{
		Name:        p.Name,
		Title:       firstNonEmpty(p.Title, p.Label, p.Name),
		Description: p.Description,
		Required:    p.Required,
		Default:     p.Default,
	}
	switch strings.ToLower(p.Type) {
	case "password":
		field.Type = PreferencePassword
	case "checkbox":
		field.Type = PreferenceCheckbox
	case "dropdown":
		field.Type = PreferenceDropdown
		for _, d := range p.Data {
			field.Options = append(field.Options, d.Value)
		}
	case "file":
		field.Type = PreferenceFile
	case "directory":
		field.Type = PreferenceDirectory
	default:
		field.Type = PreferenceText
	}
	return field
}

func legacyID(name string) string {
	id := legacyIDCleaner.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	id = strings.Trim(id, "-._")
	if id == "" {
		return ""
	}
	return "legacy." + id
}

func legacyAuthor(v any) string {
	switch a := v.(type) {
	case string:
		return a
	case map[string]any:
		if name, ok := a["name"].(string); ok {
			return name
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// LegacyItem is a list item as returned by a legacy extension.
type LegacyItem struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Subtitle    string         `json:"subtitle"`
	Icon        any            `json:"icon"`
	Keywords    []string       `json:"keywords"`
	Accessories []any          `json:"accessories"`
	Actions     []LegacyAction `json:"actions"`
	Score       float64        `json:"score"`
}

// LegacyAction is one entry of a legacy item's action panel.
type LegacyAction struct {
	Type      string           `json:"type"`
	Title     string           `json:"title"`
	URL       string           `json:"url"`
	Content   string           `json:"content"`
	Command   string           `json:"command"`
	ID        string           `json:"id"`
	Arguments map[string]Value `json:"arguments"`
}

// ConvertLegacyItems maps legacy list items onto ActionItems. The first
// action becomes the primary action; items without a title are skipped.
func ConvertLegacyItems(items []LegacyItem) []ActionItem {
	out := make([]ActionItem, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.Title) == "" {
			continue
		}
		converted := ActionItem{
			ID:          item.ID,
			Title:       item.Title,
			Description: item.Subtitle,
			Icon:        legacyIcon(item.Icon),
			Keywords:    item.Keywords,
			Score:       item.Score,
		}
		if text := legacyAccessories(item.Accessories); text != "" {
			converted.Metadata = map[string]string{"accessories": text}
		}
		if len(item.Actions) > 0 {
			converted.Action = convertLegacyAction(item.Actions[0])
			if len(item.Actions) > 1 {
				if converted.Metadata == nil {
					converted.Metadata = make(map[string]string)
				}
				converted.Metadata["secondary_actions"] = fmt.Sprint(len(item.Actions) - 1)
			}
		}
		out = append(out, converted)
	}
	return out
}

func convertLegacyAction(a LegacyAction) Action {
	switch strings.ToLower(a.Type) {
	case "open-url", "openinbrowser", "open-in-browser":
		return Action{Type: ActionOpenURL, Target: a.URL}
	case "copy-to-clipboard", "copy":
		return Action{Type: ActionCopy, Target: a.Content}
	case "paste":
		return Action{Type: ActionPaste, Target: a.Content}
	case "run-command", "push":
		return Action{Type: ActionRunCommand, Target: a.Command, Arguments: a.Arguments}
	default:
		return Action{Type: ActionPlugin, Target: firstNonEmpty(a.ID, a.Title), Arguments: a.Arguments}
	}
}

func legacyIcon(v any) string {
	switch icon := v.(type) {
	case string:
		return icon
	case map[string]any:
		if s, ok := icon["source"].(string); ok {
			return s
		}
	}
	return ""
}

// legacyAccessories flattens accessories, either strings or {text: ...}
// objects, into one " · " separated label.
func legacyAccessories(accessories []any) string {
	var parts []string
	for _, a := range accessories {
		switch acc := a.(type) {
		case string:
			parts = append(parts, acc)
		case map[string]any:
			if s, ok := acc["text"].(string); ok && s != "" {
				parts = append(parts, s)
			} else if s, ok := acc["tag"].(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, " · ")
}

// DecodeLegacyItems parses a legacy search reply: either a bare list or an
// object with an "items" list.
func DecodeLegacyItems(data []byte) ([]ActionItem, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var items []LegacyItem
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return nil, err
		}
		return ConvertLegacyItems(items), nil
	}
	var wrapped struct {
		Items []LegacyItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapped); err != nil {
		return nil, err
	}
	return ConvertLegacyItems(wrapped.Items), nil
}
