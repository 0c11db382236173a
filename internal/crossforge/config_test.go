package crossforge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ParsesKeyValueFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crossforge.conf")
	content := `
# build farm defaults
CROSSFORGE_TOOLCHAIN_ROOT="/opt/ndk/27"
CROSSFORGE_MAX_JOBS = 4
malformed line without equals
CROSSFORGE_PIN_TOOLCHAIN='1'
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/ndk/27", cfg.Values["CROSSFORGE_TOOLCHAIN_ROOT"])
	assert.Equal(t, "4", cfg.Values["CROSSFORGE_MAX_JOBS"])
	assert.Equal(t, "1", cfg.Values["CROSSFORGE_PIN_TOOLCHAIN"])
	assert.Equal(t, "/tmp", cfg.Values["TMPDIR"])
}

func TestLoadConfig_MissingFileStillYieldsConfig(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.conf"))
	require.NoError(t, err)
	assert.NotNil(t, cfg.Values)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crossforge.conf")
	require.NoError(t, os.WriteFile(path, []byte("CROSSFORGE_MAX_JOBS=4\n"), 0o644))
	t.Setenv("CROSSFORGE_MAX_JOBS", "8")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "8", cfg.Values["CROSSFORGE_MAX_JOBS"])
}

func TestMergeEnvOverrides_NDKHomeFallback(t *testing.T) {
	t.Setenv("ANDROID_NDK_HOME", "/opt/android-ndk")

	cfg := &Config{Values: map[string]string{}}
	mergeEnvOverrides(cfg)
	assert.Equal(t, "/opt/android-ndk", cfg.Values["CROSSFORGE_TOOLCHAIN_ROOT"])

	// An explicit root is never clobbered by the fallback.
	cfg = &Config{Values: map[string]string{"CROSSFORGE_TOOLCHAIN_ROOT": "/opt/ndk/27"}}
	mergeEnvOverrides(cfg)
	assert.Equal(t, "/opt/ndk/27", cfg.Values["CROSSFORGE_TOOLCHAIN_ROOT"])
}

func TestInitConfig_Defaults(t *testing.T) {
	cfg := &Config{Values: map[string]string{"TMPDIR": t.TempDir()}}
	initConfig(cfg)

	assert.Equal(t, 1, cfg.MaxDependencyRetries)
	assert.Equal(t, 30*time.Minute, cfg.CommandTimeout)
	assert.GreaterOrEqual(t, cfg.MaxJobs, 1)
	assert.False(t, cfg.PinToolchain)
	assert.False(t, cfg.Pregenerate)
	assert.False(t, cfg.IdlePriority)
	assert.Equal(t, ScratchRoot, cfg.DependencyScratchDir)
}

func TestInitConfig_TypedOverrides(t *testing.T) {
	cfg := &Config{Values: map[string]string{
		"TMPDIR":                     t.TempDir(),
		"CROSSFORGE_MAX_DEP_RETRIES": "3",
		"CROSSFORGE_MAX_JOBS":        "2",
		"CROSSFORGE_TIMEOUT":         "5m",
		"CROSSFORGE_PIN_TOOLCHAIN":   "1",
		"CROSSFORGE_PREGEN":          "1",
		"CROSSFORGE_NICE":            "1",
		"CROSSFORGE_SCRATCH_DIR":     "/work/scratch",
	}}
	initConfig(cfg)

	assert.Equal(t, 3, cfg.MaxDependencyRetries)
	assert.Equal(t, 2, cfg.MaxJobs)
	assert.Equal(t, 5*time.Minute, cfg.CommandTimeout)
	assert.True(t, cfg.PinToolchain)
	assert.True(t, cfg.Pregenerate)
	assert.True(t, cfg.IdlePriority)
	assert.Equal(t, "/work/scratch", cfg.DependencyScratchDir)
}

func TestInitConfig_RetriesCanBeDisabled(t *testing.T) {
	cfg := &Config{Values: map[string]string{
		"TMPDIR":                     t.TempDir(),
		"CROSSFORGE_MAX_DEP_RETRIES": "0",
	}}
	initConfig(cfg)
	assert.Equal(t, 0, cfg.MaxDependencyRetries)
}
