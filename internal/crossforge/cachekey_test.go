package crossforge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveCacheKey_Deterministic(t *testing.T) {
	spec, ok := lookupTarget("aarch64")
	require.True(t, ok)

	lock := []byte("[[package]]\nname = \"ring\"\nversion = \"0.17.8\"\n")
	a := DeriveCacheKey(lock, spec, "clang 17.0.2")
	b := DeriveCacheKey(lock, spec, "clang 17.0.2")
	assert.Equal(t, a, b)
	assert.Len(t, string(a), 64)
}

func TestDeriveCacheKey_SensitiveToEveryInput(t *testing.T) {
	arm, _ := lookupTarget("aarch64")
	x64, _ := lookupTarget("x86_64")
	lock := []byte("lock-v1")

	base := DeriveCacheKey(lock, arm, "clang 17.0.2")
	assert.NotEqual(t, base, DeriveCacheKey([]byte("lock-v2"), arm, "clang 17.0.2"))
	assert.NotEqual(t, base, DeriveCacheKey(lock, x64, "clang 17.0.2"))
	assert.NotEqual(t, base, DeriveCacheKey(lock, arm, "clang 18.0.1"))
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lib.so")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	sum1, err := hashFile(path)
	require.NoError(t, err)
	sum2, err := hashFile(path)
	require.NoError(t, err)
	assert.Equal(t, sum1, sum2)
	assert.Len(t, sum1, 64)

	_, err = hashFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
