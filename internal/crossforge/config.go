package crossforge

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config carries the full orchestrator configuration. Values holds the raw
// key=value pairs from the conf file plus CROSSFORGE_* environment overrides;
// the typed fields below are resolved once by initConfig and are what the
// resolver and dependency coordinator consume.
type Config struct {
	Values map[string]string

	// Explicit knobs (replacing the ad-hoc env vars of the old workflows).
	ToolchainRootOverride string        // use instead of auto-discovery when set
	MaxDependencyRetries  int           // bound on transient-failure retries
	DependencyScratchDir  string        // cleared between retries
	MaxJobs               int           // concurrent targets
	CommandTimeout        time.Duration // per toolchain invocation
	PinToolchain          bool          // apply the pin mitigation up front
	Pregenerate           bool          // apply the prefab mitigation up front
	KeepLogs              bool          // keep logs of successful jobs too
	IdlePriority          bool          // run toolchain commands under nice -n 19
}

// Load /etc/crossforge.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge CROSSFORGE_* env overrides
	mergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// Merge CROSSFORGE_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "CROSSFORGE_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}

	// Also import ANDROID_NDK_HOME from the environment if present, without
	// overwriting an explicit config file value
	if ndk := os.Getenv("ANDROID_NDK_HOME"); ndk != "" {
		if _, exists := cfg.Values["CROSSFORGE_TOOLCHAIN_ROOT"]; !exists {
			cfg.Values["CROSSFORGE_TOOLCHAIN_ROOT"] = ndk
		}
	}
}

func initConfig(cfg *Config) {
	WorkDir = cfg.Values["CROSSFORGE_WORK_DIR"]
	if WorkDir == "" {
		WorkDir = "."
	}

	stateDir := cfg.Values["CROSSFORGE_STATE_DIR"]
	if stateDir == "" {
		stateDir = filepath.Join(cfg.Values["TMPDIR"], "crossforge")
	}
	ScratchRoot = filepath.Join(stateDir, "scratch")
	LogDir = filepath.Join(stateDir, "logs")
	ManifestDir = filepath.Join(stateDir, "out")

	LocalCacheDir = cfg.Values["CROSSFORGE_CACHE_DIR"]
	if LocalCacheDir == "" {
		LocalCacheDir = "/var/cache/crossforge"
	}

	WantDebug = cfg.Values["CROSSFORGE_DEBUG"]
	Debug = WantDebug == "1"

	cfg.ToolchainRootOverride = cfg.Values["CROSSFORGE_TOOLCHAIN_ROOT"]

	cfg.MaxDependencyRetries = 1
	if v := cfg.Values["CROSSFORGE_MAX_DEP_RETRIES"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxDependencyRetries = n
		}
	}

	cfg.DependencyScratchDir = cfg.Values["CROSSFORGE_SCRATCH_DIR"]
	if cfg.DependencyScratchDir == "" {
		cfg.DependencyScratchDir = ScratchRoot
	}

	cfg.MaxJobs = runtime.NumCPU()
	if v := cfg.Values["CROSSFORGE_MAX_JOBS"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxJobs = n
		}
	}

	cfg.CommandTimeout = 30 * time.Minute
	if v := cfg.Values["CROSSFORGE_TIMEOUT"]; v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CommandTimeout = d
		}
	}

	cfg.PinToolchain = cfg.Values["CROSSFORGE_PIN_TOOLCHAIN"] == "1"
	cfg.Pregenerate = cfg.Values["CROSSFORGE_PREGEN"] == "1"
	cfg.KeepLogs = cfg.Values["CROSSFORGE_KEEP_LOGS"] == "1"
	cfg.IdlePriority = cfg.Values["CROSSFORGE_NICE"] == "1"
}
