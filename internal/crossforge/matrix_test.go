package crossforge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandMatrix_DedupPreservesFirstOccurrenceOrder(t *testing.T) {
	specs, err := ExpandMatrix([]string{"x86_64", "aarch64", "x86_64", "aarch64", "armv7"})
	require.NoError(t, err)

	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"x86_64", "aarch64", "armv7"}, names)
}

func TestExpandMatrix_ResolvesAliases(t *testing.T) {
	specs, err := ExpandMatrix([]string{"arm64-v8a", "amd64", "x86"})
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, "aarch64", specs[0].Name)
	assert.Equal(t, "x86_64", specs[1].Name)
	assert.Equal(t, "i686", specs[2].Name)
}

func TestExpandMatrix_AliasAndCanonicalDedupTogether(t *testing.T) {
	specs, err := ExpandMatrix([]string{"aarch64", "arm64"})
	require.NoError(t, err)
	assert.Len(t, specs, 1)
}

func TestExpandMatrix_UnknownTargetIsPipelineFatal(t *testing.T) {
	// A typo must fail the whole matrix, not shrink coverage: no spec may be
	// produced for the valid entries either.
	specs, err := ExpandMatrix([]string{"aarch64", "aarch64", "riscv99"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errInvalidTarget))
	assert.Nil(t, specs)
	assert.Contains(t, err.Error(), "riscv99")
}

func TestExpandMatrix_EmptyListRejected(t *testing.T) {
	_, err := ExpandMatrix(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errInvalidTarget))
}

func TestRustTriple_DivergesForArmv7Only(t *testing.T) {
	for _, spec := range supportedTargets {
		if spec.Name == "armv7" {
			assert.Equal(t, "armv7-linux-androideabi", spec.RustTriple())
		} else {
			assert.Equal(t, spec.Triple, spec.RustTriple())
		}
	}
}
