// native_dl_other.go: native plugins are unavailable on this platform
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build !(darwin || linux || freebsd)

package launcher

import "runtime"

func openNativeLibrary(pluginID, path string) (nativeVTable, error) {
	return nil, NewUnsupportedKindError(KindNative.String() + " on " + runtime.GOOS).
		WithContext("plugin_id", pluginID).
		WithContext("path", path)
}
