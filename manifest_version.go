// manifest_version.go: semantic versions for manifests and host compatibility
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"fmt"
	"strconv"
	"strings"
)

// HostVersion is the version of this runtime, compared against a manifest's
// min_host_version.
const HostVersion = "1.4.0"

// Version is a parsed semantic version.
//
//	v1, _ := ParseVersion("1.2.3-beta.1+build.7")
//	v2, _ := ParseVersion("1.2.4")
//	v1.Compare(v2) // -1
type Version struct {
	Major      uint64
	Minor      uint64
	Patch      uint64
	Prerelease string
	Build      string
	Original   string
}

// ParseVersion parses "MAJOR.MINOR.PATCH[-prerelease][+build]".
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return Version{}, fmt.Errorf("empty version")
	}
	core, build, _ := strings.Cut(s, "+")
	core, prerelease, _ := strings.Cut(core, "-")

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version %q must have three numeric components", s)
	}
	var nums [3]uint64
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("version %q: component %q is not numeric", s, p)
		}
		nums[i] = n
	}
	if strings.Contains(s, "-") && prerelease == "" {
		return Version{}, fmt.Errorf("version %q: empty prerelease", s)
	}
	return Version{
		Major:      nums[0],
		Minor:      nums[1],
		Patch:      nums[2],
		Prerelease: prerelease,
		Build:      build,
		Original:   s,
	}, nil
}

// Compare returns -1, 0 or 1. Build metadata is ignored and a prerelease
// sorts before its release.
func (v Version) Compare(other Version) int {
	if c := compareUint(v.Major, other.Major); c != 0 {
		return c
	}
	if c := compareUint(v.Minor, other.Minor); c != 0 {
		return c
	}
	if c := compareUint(v.Patch, other.Patch); c != 0 {
		return c
	}
	switch {
	case v.Prerelease == other.Prerelease:
		return 0
	case v.Prerelease == "":
		return 1
	case other.Prerelease == "":
		return -1
	case v.Prerelease < other.Prerelease:
		return -1
	default:
		return 1
	}
}

func (v Version) String() string {
	if v.Original != "" {
		return v.Original
	}
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// checkHostCompatibility fails when the manifest needs a newer host.
func checkHostCompatibility(m *PluginManifest, hostVersion string) error {
	if m.MinHostVersion == "" {
		return nil
	}
	required, err := ParseVersion(m.MinHostVersion)
	if err != nil {
		return NewManifestInvalidError("min_host_version", err.Error())
	}
	actual, err := ParseVersion(hostVersion)
	if err != nil {
		return NewManifestInvalidError("host_version", err.Error())
	}
	if actual.Compare(required) < 0 {
		return NewHostVersionIncompatibleError(m.ID, m.MinHostVersion, hostVersion)
	}
	return nil
}
