// permissions.go: permission bitfield and OS permission change handling
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"math/bits"
	"sort"
	"strings"
)

// Permission is one coarse permission bit.
type Permission uint64

const (
	PermClipboardRead Permission = 1 << iota
	PermClipboardWrite
	PermStorageRead
	PermStorageWrite
	PermHTTPRequest
	PermNotificationSend
	PermFileRead
	PermFileWrite
	PermAccessibility
	PermCamera
	PermMicrophone
	PermLocation
	PermMessaging
)

var permissionNames = map[Permission]string{
	PermClipboardRead:    "clipboard-read",
	PermClipboardWrite:   "clipboard-write",
	PermStorageRead:      "storage-read",
	PermStorageWrite:     "storage-write",
	PermHTTPRequest:      "http-request",
	PermNotificationSend: "notification-send",
	PermFileRead:         "file-read",
	PermFileWrite:        "file-write",
	PermAccessibility:    "accessibility",
	PermCamera:           "camera",
	PermMicrophone:       "microphone",
	PermLocation:         "location",
	PermMessaging:        "messaging",
}

func (p Permission) String() string {
	if name, ok := permissionNames[p]; ok {
		return name
	}
	if p == 0 {
		return "none"
	}
	var parts []string
	for bit := Permission(1); bit != 0 && bit <= p; bit <<= 1 {
		if p&bit != 0 {
			if name, ok := permissionNames[bit]; ok {
				parts = append(parts, name)
			}
		}
	}
	return strings.Join(parts, "|")
}

// ParsePermission resolves a permission name to its bit.
func ParsePermission(name string) (Permission, bool) {
	for bit, n := range permissionNames {
		if n == name {
			return bit, true
		}
	}
	return 0, false
}

// PermissionSet is the checked grant held by the service bridge for one plugin.
//
// Fixed-width permissions live in a bitfield; anything else sits in the
// extension map. The zero value grants nothing.
type PermissionSet struct {
	bits       Permission
	extensions map[string]bool
}

// Has reports whether every bit in p is granted.
func (ps PermissionSet) Has(p Permission) bool {
	return p != 0 && ps.bits&p == p
}

// HasExtension reports whether the named extension permission is granted.
func (ps PermissionSet) HasExtension(name string) bool {
	return ps.extensions[name]
}

// Bits returns the raw bitfield.
func (ps PermissionSet) Bits() Permission {
	return ps.bits
}

// Count returns the number of granted permissions, extensions included.
func (ps PermissionSet) Count() int {
	n := bits.OnesCount64(uint64(ps.bits))
	for _, granted := range ps.extensions {
		if granted {
			n++
		}
	}
	return n
}

// Names lists granted permissions sorted by name.
func (ps PermissionSet) Names() []string {
	var names []string
	for bit, name := range permissionNames {
		if ps.bits&bit != 0 {
			names = append(names, name)
		}
	}
	for name, granted := range ps.extensions {
		if granted {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// grant and revoke are only reachable from the registration path inside the
// service bridge; adapters never see a PermissionSet.
func (ps *PermissionSet) grant(p Permission) {
	ps.bits |= p
}

func (ps *PermissionSet) revoke(p Permission) {
	ps.bits &^= p
}

func (ps *PermissionSet) grantExtension(name string) {
	if ps.extensions == nil {
		ps.extensions = make(map[string]bool)
	}
	ps.extensions[name] = true
}

func (ps *PermissionSet) revokeExtension(name string) {
	delete(ps.extensions, name)
}

func (ps PermissionSet) clone() PermissionSet {
	out := PermissionSet{bits: ps.bits}
	if len(ps.extensions) > 0 {
		out.extensions = make(map[string]bool, len(ps.extensions))
		for k, v := range ps.extensions {
			out.extensions[k] = v
		}
	}
	return out
}

// DerivePermissions converts the manifest's declared permissions into a
// checked grant. It is the only way a grant is built.
func DerivePermissions(declared PluginPermissions) PermissionSet {
	var ps PermissionSet
	if declared.ReadClipboard {
		ps.grant(PermClipboardRead)
	}
	if declared.WriteClipboard {
		ps.grant(PermClipboardWrite)
	}
	if declared.StorageRead {
		ps.grant(PermStorageRead)
	}
	if declared.StorageWrite {
		ps.grant(PermStorageWrite)
	}
	if len(declared.NetworkHosts) > 0 {
		ps.grant(PermHTTPRequest)
	}
	if declared.Notifications {
		ps.grant(PermNotificationSend)
	}
	if len(declared.ReadPaths) > 0 {
		ps.grant(PermFileRead)
	}
	if len(declared.WritePaths) > 0 {
		ps.grant(PermFileWrite)
	}
	if declared.Accessibility {
		ps.grant(PermAccessibility)
	}
	if declared.Camera {
		ps.grant(PermCamera)
	}
	if declared.Microphone {
		ps.grant(PermMicrophone)
	}
	if declared.Location {
		ps.grant(PermLocation)
	}
	if declared.Messaging {
		ps.grant(PermMessaging)
	}
	for _, name := range declared.Extensions {
		if name = strings.TrimSpace(name); name != "" {
			ps.grantExtension(name)
		}
	}
	return ps
}

// OSPermissionType names a permission governed by the operating system.
type OSPermissionType string

const (
	OSPermissionAccessibility OSPermissionType = "accessibility"
	OSPermissionCamera        OSPermissionType = "camera"
	OSPermissionMicrophone    OSPermissionType = "microphone"
	OSPermissionLocation      OSPermissionType = "location"
	OSPermissionNotifications OSPermissionType = "notifications"
	OSPermissionFullDisk      OSPermissionType = "full-disk-access"
)

// Bit maps the OS permission onto the bitfield. Unknown types return 0.
func (t OSPermissionType) Bit() Permission {
	switch t {
	case OSPermissionAccessibility:
		return PermAccessibility
	case OSPermissionCamera:
		return PermCamera
	case OSPermissionMicrophone:
		return PermMicrophone
	case OSPermissionLocation:
		return PermLocation
	case OSPermissionNotifications:
		return PermNotificationSend
	case OSPermissionFullDisk:
		return PermFileRead | PermFileWrite
	default:
		return 0
	}
}

// OSPermissionStatus mirrors the status reported by the OS collaborator.
type OSPermissionStatus int

const (
	OSPermissionUnknown OSPermissionStatus = iota
	OSPermissionAuthorized
	OSPermissionDenied
	OSPermissionNotDetermined
	OSPermissionRestricted
)

func (s OSPermissionStatus) String() string {
	switch s {
	case OSPermissionAuthorized:
		return "authorized"
	case OSPermissionDenied:
		return "denied"
	case OSPermissionNotDetermined:
		return "not-determined"
	case OSPermissionRestricted:
		return "restricted"
	default:
		return "unknown"
	}
}

// PermissionChange is a notification from the OS collaborator.
type PermissionChange struct {
	Type   OSPermissionType   `json:"type"`
	Status OSPermissionStatus `json:"status"`
}
