package crossforge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeClang drops a wrapper script that reports a version, the way the
// NDK clang drivers do as their first output line.
func writeFakeClang(t *testing.T, binDir, name, version string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	path := filepath.Join(binDir, name)
	script := fmt.Sprintf("#!/bin/sh\necho '%s'\n", version)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func prebuiltBin(root string) string {
	return filepath.Join(root, "toolchains", "llvm", "prebuilt", hostTag(), "bin")
}

func TestResolve_PrebuiltLayout(t *testing.T) {
	root := t.TempDir()
	spec, _ := lookupTarget("aarch64")
	bin := prebuiltBin(root)
	cc := writeFakeClang(t, bin, "aarch64-linux-android24-clang", "fake clang 17.0.2")
	writeFakeClang(t, bin, "ld.lld", "LLD 17.0.2")

	cfg := &Config{Values: map[string]string{"CROSSFORGE_NDK_ROOT": root}}
	r := NewToolchainResolver(cfg, nil)

	h, err := r.Resolve(spec)
	require.NoError(t, err)
	assert.Equal(t, root, h.Root)
	assert.Equal(t, cc, h.CC)
	assert.Equal(t, filepath.Join(bin, "ld.lld"), h.Linker)
	assert.Equal(t, "fake clang 17.0.2", h.Version)
	assert.True(t, h.Valid())
}

func TestResolve_OverrideRootWins(t *testing.T) {
	spec, _ := lookupTarget("aarch64")

	ndkRoot := t.TempDir()
	writeFakeClang(t, prebuiltBin(ndkRoot), "aarch64-linux-android24-clang", "ndk clang")

	override := t.TempDir()
	overrideCC := writeFakeClang(t, filepath.Join(override, "bin"),
		"aarch64-linux-android24-clang", "override clang")

	cfg := &Config{
		Values:                map[string]string{"CROSSFORGE_NDK_ROOT": ndkRoot},
		ToolchainRootOverride: override,
	}
	h, err := NewToolchainResolver(cfg, nil).Resolve(spec)
	require.NoError(t, err)
	assert.Equal(t, overrideCC, h.CC)
	assert.Equal(t, "override clang", h.Version)
}

func TestResolve_NoRootsConfigured(t *testing.T) {
	spec, _ := lookupTarget("x86_64")
	cfg := &Config{Values: map[string]string{}}

	_, err := NewToolchainResolver(cfg, nil).Resolve(spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errMissingToolchain))
}

func TestResolve_NonExecutableCandidateIsAbsent(t *testing.T) {
	root := t.TempDir()
	spec, _ := lookupTarget("aarch64")
	bin := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(bin, "aarch64-linux-android24-clang"), []byte("#!/bin/sh\n"), 0o644))

	cfg := &Config{Values: map[string]string{"CROSSFORGE_NDK_ROOT": root}}
	_, err := NewToolchainResolver(cfg, nil).Resolve(spec)
	assert.True(t, errors.Is(err, errMissingToolchain))
}

func TestPickCompiler_ExactAPIPreferred(t *testing.T) {
	root := t.TempDir()
	spec, _ := lookupTarget("aarch64")
	bin := filepath.Join(root, "bin")
	writeFakeClang(t, bin, "aarch64-linux-android21-clang", "v")
	exact := writeFakeClang(t, bin, "aarch64-linux-android24-clang", "v")
	writeFakeClang(t, bin, "aarch64-linux-android30-clang", "v")

	assert.Equal(t, exact, pickCompiler(bin, spec))
}

func TestPickCompiler_LowestAtOrAboveMinAPI(t *testing.T) {
	root := t.TempDir()
	spec, _ := lookupTarget("aarch64")
	bin := filepath.Join(root, "bin")
	writeFakeClang(t, bin, "aarch64-linux-android21-clang", "v")
	want := writeFakeClang(t, bin, "aarch64-linux-android26-clang", "v")
	writeFakeClang(t, bin, "aarch64-linux-android30-clang", "v")

	assert.Equal(t, want, pickCompiler(bin, spec))
}

func TestPickCompiler_PlainWrapperFallback(t *testing.T) {
	root := t.TempDir()
	spec, _ := lookupTarget("aarch64")
	bin := filepath.Join(root, "bin")
	plain := writeFakeClang(t, bin, "aarch64-linux-android-clang", "v")

	assert.Equal(t, plain, pickCompiler(bin, spec))
}

func TestPickCompiler_APILeveledWrapperBeatsPlain(t *testing.T) {
	root := t.TempDir()
	spec, _ := lookupTarget("aarch64")
	bin := filepath.Join(root, "bin")
	writeFakeClang(t, bin, "aarch64-linux-android-clang", "v")
	leveled := writeFakeClang(t, bin, "aarch64-linux-android26-clang", "v")

	assert.Equal(t, leveled, pickCompiler(bin, spec))
}

func TestPickCompiler_OnlyBelowMinAPIMeansNone(t *testing.T) {
	root := t.TempDir()
	spec, _ := lookupTarget("aarch64")
	bin := filepath.Join(root, "bin")
	writeFakeClang(t, bin, "aarch64-linux-android21-clang", "v")

	assert.Equal(t, "", pickCompiler(bin, spec))
}

func TestHandleValid_GoneRoot(t *testing.T) {
	root := t.TempDir()
	h := &ToolchainHandle{Root: filepath.Join(root, "removed")}
	assert.False(t, h.Valid())

	var nilHandle *ToolchainHandle
	assert.False(t, nilHandle.Valid())
}
