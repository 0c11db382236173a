package crossforge

import (
	"fmt"
	"sort"
	"strings"
)

// TargetSpec describes one architecture the pipeline must produce an artifact
// for. Specs are created at matrix-expansion time and never mutated.
type TargetSpec struct {
	Name   string // canonical identifier, e.g. "aarch64"
	ABI    string // packaging ABI name, e.g. "arm64-v8a"
	Triple string // toolchain triple, e.g. "aarch64-linux-android"
	MinAPI int    // minimum platform API level
}

// RustTriple returns the cargo target triple, which differs from the clang
// driver triple for 32-bit ARM.
func (t TargetSpec) RustTriple() string {
	if t.Name == "armv7" {
		return "armv7-linux-androideabi"
	}
	return t.Triple
}

// The supported target enumeration. Order here is only documentation order;
// job order follows the requested list.
var supportedTargets = []TargetSpec{
	{Name: "aarch64", ABI: "arm64-v8a", Triple: "aarch64-linux-android", MinAPI: 24},
	{Name: "armv7", ABI: "armeabi-v7a", Triple: "armv7a-linux-androideabi", MinAPI: 24},
	{Name: "x86_64", ABI: "x86_64", Triple: "x86_64-linux-android", MinAPI: 24},
	{Name: "i686", ABI: "x86", Triple: "i686-linux-android", MinAPI: 24},
}

// common aliases seen in CI target declarations
var targetAliases = map[string]string{
	"arm64":       "aarch64",
	"arm64-v8a":   "aarch64",
	"armeabi-v7a": "armv7",
	"arm":         "armv7",
	"amd64":       "x86_64",
	"x86":         "i686",
	"386":         "i686",
}

// lookupTarget resolves an identifier (or alias) to its TargetSpec.
func lookupTarget(id string) (TargetSpec, bool) {
	name := id
	if canon, ok := targetAliases[name]; ok {
		name = canon
	}
	for _, t := range supportedTargets {
		if t.Name == name {
			return t, true
		}
	}
	return TargetSpec{}, false
}

// ExpandMatrix turns the declared target identifiers into an ordered set of
// TargetSpecs. Duplicates are removed preserving first occurrence. An unknown
// identifier fails the whole pipeline before any job is attempted: a typo
// must not silently shrink release coverage.
func ExpandMatrix(ids []string) ([]TargetSpec, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty target list", errInvalidTarget)
	}

	seen := make(map[string]bool)
	var specs []TargetSpec
	for _, id := range ids {
		spec, ok := lookupTarget(id)
		if !ok {
			return nil, fmt.Errorf("%w: %q (supported: %s)", errInvalidTarget, id, supportedTargetNames())
		}
		if seen[spec.Name] {
			continue
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}
	return specs, nil
}

func supportedTargetNames() string {
	names := make([]string, 0, len(supportedTargets))
	for _, t := range supportedTargets {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
