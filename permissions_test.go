// permissions_test.go: permission derivation and OS change handling
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestDerivePermissions_MapsDeclaredFields(t *testing.T) {
	declared := PluginPermissions{
		ReadClipboard: true,
		StorageWrite:  true,
		NetworkHosts:  []string{"api.example.com"},
		ReadPaths:     []string{"~/Documents"},
		Extensions:    []string{"com.example.custom", "  "},
	}
	ps := DerivePermissions(declared)

	assert.True(t, ps.Has(PermClipboardRead))
	assert.True(t, ps.Has(PermStorageWrite))
	assert.True(t, ps.Has(PermHTTPRequest))
	assert.True(t, ps.Has(PermFileRead))
	assert.False(t, ps.Has(PermClipboardWrite))
	assert.False(t, ps.Has(PermStorageRead))
	assert.False(t, ps.Has(PermFileWrite))
	assert.True(t, ps.HasExtension("com.example.custom"))
	assert.Equal(t, 5, ps.Count())
	assert.Equal(t, []string{"clipboard-read", "com.example.custom", "file-read", "http-request", "storage-write"}, ps.Names())
}

func TestPermissionSet_ZeroValueGrantsNothing(t *testing.T) {
	var ps PermissionSet
	for bit := range permissionNames {
		assert.False(t, ps.Has(bit), bit.String())
	}
	assert.False(t, ps.Has(0))
	assert.Zero(t, ps.Count())
	assert.Empty(t, ps.Names())
}

func TestPermission_String(t *testing.T) {
	tests := []struct {
		perm Permission
		want string
	}{
		{PermStorageRead, "storage-read"},
		{0, "none"},
		{PermClipboardRead | PermClipboardWrite, "clipboard-read|clipboard-write"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.perm.String())
		})
	}

	p, ok := ParsePermission("notification-send")
	assert.True(t, ok)
	assert.Equal(t, PermNotificationSend, p)
	_, ok = ParsePermission("teleport")
	assert.False(t, ok)
}

func TestOSPermissionType_Bit(t *testing.T) {
	assert.Equal(t, PermCamera, OSPermissionCamera.Bit())
	assert.Equal(t, PermFileRead|PermFileWrite, OSPermissionFullDisk.Bit())
	assert.Equal(t, Permission(0), OSPermissionType("bluetooth").Bit())
}

// Grants and revokes applied in any order must leave exactly the bits a
// plain bitmask model predicts.
func TestPermissionSet_GrantRevokeProperty(t *testing.T) {
	all := make([]Permission, 0, len(permissionNames))
	for bit := range permissionNames {
		all = append(all, bit)
	}
	rapid.Check(t, func(t *rapid.T) {
		var ps PermissionSet
		var model Permission
		steps := rapid.IntRange(0, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			bit := rapid.SampledFrom(all).Draw(t, "bit")
			if rapid.Bool().Draw(t, "grant") {
				ps.grant(bit)
				model |= bit
			} else {
				ps.revoke(bit)
				model &^= bit
			}
		}
		if ps.Bits() != model {
			t.Fatalf("bits %b, model %b", ps.Bits(), model)
		}
		for _, bit := range all {
			if ps.Has(bit) != (model&bit != 0) {
				t.Fatalf("Has(%s) disagrees with model", bit)
			}
		}
	})
}

// A derived grant never holds a bit the manifest did not ask for.
func TestDerivePermissions_NeverExceedsDeclaration(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		declared := PluginPermissions{
			ReadClipboard:  rapid.Bool().Draw(t, "read_clipboard"),
			WriteClipboard: rapid.Bool().Draw(t, "write_clipboard"),
			StorageRead:    rapid.Bool().Draw(t, "storage_read"),
			StorageWrite:   rapid.Bool().Draw(t, "storage_write"),
			Notifications:  rapid.Bool().Draw(t, "notifications"),
			Messaging:      rapid.Bool().Draw(t, "messaging"),
			Camera:         rapid.Bool().Draw(t, "camera"),
		}
		if rapid.Bool().Draw(t, "network") {
			declared.NetworkHosts = []string{"example.com"}
		}
		ps := DerivePermissions(declared)
		checks := map[Permission]bool{
			PermClipboardRead:    declared.ReadClipboard,
			PermClipboardWrite:   declared.WriteClipboard,
			PermStorageRead:      declared.StorageRead,
			PermStorageWrite:     declared.StorageWrite,
			PermNotificationSend: declared.Notifications,
			PermMessaging:        declared.Messaging,
			PermCamera:           declared.Camera,
			PermHTTPRequest:      len(declared.NetworkHosts) > 0,
			PermFileRead:         false,
			PermFileWrite:        false,
			PermLocation:         false,
		}
		for bit, want := range checks {
			if ps.Has(bit) != want {
				t.Fatalf("%s: got %v want %v", bit, ps.Has(bit), want)
			}
		}
	})
}

func TestPluginPermissions_AllowsHost(t *testing.T) {
	p := PluginPermissions{NetworkHosts: []string{"api.example.com", "*.cdn.example.org"}}
	assert.True(t, p.AllowsHost("api.example.com"))
	assert.True(t, p.AllowsHost("API.Example.com"))
	assert.True(t, p.AllowsHost("img.cdn.example.org"))
	assert.False(t, p.AllowsHost("example.com"))
	assert.False(t, p.AllowsHost("evil.com"))
	assert.True(t, PluginPermissions{NetworkHosts: []string{"*"}}.AllowsHost("anything.test"))
}
