// native_dl_unix.go: dlopen based native library loading
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build darwin || linux || freebsd

package launcher

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// maxNativeReply bounds how far a reply string is scanned for its NUL.
const maxNativeReply = 64 << 20

// cPlugin mirrors launcher_plugin.
type cPlugin struct {
	data   uintptr
	vtable uintptr
}

type cVTableHeader struct {
	abiVersion uint32
	structSize uint32
}

// cVTableV1 mirrors launcher_vtable at ABI version 1.
type cVTableV1 struct {
	abiVersion uint32
	structSize uint32
	manifest   uintptr
	invoke     uintptr
	freeString uintptr
	destroyFn  uintptr
}

type dlVTable struct {
	handle uintptr
	data   uintptr
	abi    uint32

	manifestFn func(data uintptr) string
	invokeFn   func(data uintptr, op, payload string) uintptr
	freeFn     func(s uintptr)
	destroyFn  func(data uintptr)

	once sync.Once
}

// openNativeLibrary loads path, calls the creation symbol and rebuilds the
// dispatch table. Function pointers are bound only when the header matches
// this host's ABI; otherwise the reported version is kept for the caller's
// mismatch check.
func openNativeLibrary(pluginID, path string) (nativeVTable, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, NewLoadFailedError(pluginID, err)
	}
	sym, err := purego.Dlsym(handle, NativeCreateSymbol)
	if err != nil || sym == 0 {
		_ = purego.Dlclose(handle)
		return nil, NewMissingExportError(pluginID, NativeCreateSymbol)
	}

	var create func(out *cPlugin) int32
	purego.RegisterFunc(&create, sym)
	var out cPlugin
	if rc := create(&out); rc != 0 {
		_ = purego.Dlclose(handle)
		return nil, NewLoadFailedError(pluginID, fmt.Errorf("%s returned %d", NativeCreateSymbol, rc))
	}
	if out.vtable == 0 {
		_ = purego.Dlclose(handle)
		return nil, NewLoadFailedError(pluginID, fmt.Errorf("%s returned a null dispatch table", NativeCreateSymbol))
	}

	header := (*cVTableHeader)(unsafe.Pointer(out.vtable))
	vt := &dlVTable{handle: handle, data: out.data, abi: header.abiVersion}
	if header.abiVersion != NativeABIVersion {
		return vt, nil
	}
	if uintptr(header.structSize) < unsafe.Sizeof(cVTableV1{}) {
		vt.abi = 0
		return vt, nil
	}
	table := (*cVTableV1)(unsafe.Pointer(out.vtable))
	if table.manifest == 0 || table.invoke == 0 || table.freeString == 0 || table.destroyFn == 0 {
		vt.abi = 0
		return vt, nil
	}
	purego.RegisterFunc(&vt.manifestFn, table.manifest)
	purego.RegisterFunc(&vt.invokeFn, table.invoke)
	purego.RegisterFunc(&vt.freeFn, table.freeString)
	purego.RegisterFunc(&vt.destroyFn, table.destroyFn)
	return vt, nil
}

func (v *dlVTable) abiVersion() uint32 { return v.abi }

func (v *dlVTable) manifest() ([]byte, error) {
	if v.manifestFn == nil {
		return nil, fmt.Errorf("dispatch table not bound")
	}
	s := v.manifestFn(v.data)
	if s == "" {
		return nil, fmt.Errorf("library returned an empty manifest")
	}
	return []byte(s), nil
}

func (v *dlVTable) invoke(op string, payload []byte) ([]byte, error) {
	if v.invokeFn == nil {
		return nil, fmt.Errorf("dispatch table not bound")
	}
	p := v.invokeFn(v.data, op, string(payload))
	if p == 0 {
		return nil, nil
	}
	defer v.freeFn(p)
	return copyCString(p)
}

func (v *dlVTable) destroy() {
	if v.destroyFn != nil {
		v.destroyFn(v.data)
	}
	v.release()
}

func (v *dlVTable) release() {
	v.once.Do(func() {
		_ = purego.Dlclose(v.handle)
	})
}

func copyCString(p uintptr) ([]byte, error) {
	base := unsafe.Pointer(p)
	n := 0
	for *(*byte)(unsafe.Add(base, n)) != 0 {
		n++
		if n > maxNativeReply {
			return nil, fmt.Errorf("reply exceeds %d bytes", maxNativeReply)
		}
	}
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(base), n))
	return out, nil
}
