package crossforge

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// DependencyCoordinator compiles the flagged native dependency in isolation
// before the rest of a target's build proceeds. Its failure modes are
// specific and recurring, so it gets a prevention strategy and a classified
// retry policy of its own; the rest of the build is comparatively reliable.
type DependencyCoordinator struct {
	Cfg  *Config
	Exec *Executor
}

func NewDependencyCoordinator(cfg *Config, execCtx *Executor) *DependencyCoordinator {
	return &DependencyCoordinator{Cfg: cfg, Exec: execCtx}
}

// NativeDep returns the name of the flagged dependency.
func (c *DependencyCoordinator) NativeDep() string {
	if dep := c.Cfg.Values["CROSSFORGE_NATIVE_DEP"]; dep != "" {
		return dep
	}
	return "ring"
}

// ScratchDir is the per-target build scratch directory. Targets never share
// scratch: their object files are architecture-specific and must not collide.
func (c *DependencyCoordinator) ScratchDir(spec TargetSpec) string {
	return filepath.Join(c.Cfg.DependencyScratchDir, spec.Name)
}

// prefabDir holds pre-materialized intermediates beside the scratch dir, not
// inside it: a collision retry clears the scratch, and the prefab must survive
// that clear or the mitigation would vanish exactly when it is needed.
func (c *DependencyCoordinator) prefabDir(spec TargetSpec) string {
	return c.ScratchDir(spec) + "-prefab"
}

// A mitigation is one remedy the coordinator can apply while preparing the
// dependency build. Each maps to the failure class it is most likely to fix;
// mitigations with no class are prevention-only and fire when the matching
// config flag asks for them.
type mitigation struct {
	name      string
	fixes     FailureClass
	proactive func(cfg *Config) bool
	apply     func(c *DependencyCoordinator, job *BuildJob) error
}

// Ordered list. clear-scratch runs first so the retry starts from a clean
// scratch before anything else is laid down.
var mitigations = []mitigation{
	{
		name:  "clear-scratch",
		fixes: FailureConcurrentFileCollision,
		apply: func(c *DependencyCoordinator, job *BuildJob) error {
			return c.clearScratch(job.Target)
		},
	},
	{
		name:      "pin-toolchain",
		fixes:     FailureNone,
		proactive: func(cfg *Config) bool { return cfg.PinToolchain },
		apply: func(c *DependencyCoordinator, job *BuildJob) error {
			pinned := c.Cfg.Values["CROSSFORGE_PINNED_RUST"]
			if pinned == "" {
				pinned = "1.77.2"
			}
			job.mitigationEnv = append(job.mitigationEnv, "RUSTUP_TOOLCHAIN="+pinned)
			debugf("pinned dependency toolchain to %s for %s\n", pinned, job.Target.Name)
			return nil
		},
	},
	{
		name:      "prefab-intermediates",
		fixes:     FailureNone,
		proactive: func(cfg *Config) bool { return cfg.Pregenerate },
		apply: func(c *DependencyCoordinator, job *BuildJob) error {
			archive := c.Cfg.Values["CROSSFORGE_PREFAB_ARCHIVE"]
			if archive == "" {
				return fmt.Errorf("CROSSFORGE_PREGEN=1 but CROSSFORGE_PREFAB_ARCHIVE is not set")
			}
			dest := c.prefabDir(job.Target)
			if err := extractTarXz(archive, dest); err != nil {
				return fmt.Errorf("failed to materialize prefab intermediates: %w", err)
			}
			job.mitigationEnv = append(job.mitigationEnv, "RING_PREGENERATE_ASM="+dest)
			return nil
		},
	},
}

// Prepare runs the PreparingDependency phase: it makes sure the scratch
// directory exists and applies, in order, every mitigation the job has not
// yet tried that either matches the job's recorded failure or is enabled as
// prevention.
func (c *DependencyCoordinator) Prepare(job *BuildJob) error {
	if err := os.MkdirAll(c.ScratchDir(job.Target), 0o755); err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}

	for _, m := range mitigations {
		if job.applied[m.name] {
			continue
		}
		wanted := job.Failure != FailureNone && m.fixes == job.Failure
		if !wanted && m.proactive != nil && m.proactive(c.Cfg) {
			wanted = true
		}
		if !wanted {
			continue
		}
		debugf("applying mitigation %q for %s\n", m.name, job.Target.Name)
		if err := m.apply(c, job); err != nil {
			return err
		}
		job.applied[m.name] = true
	}
	return nil
}

// Compile builds the native dependency for the job's target, holding an
// exclusive lock on the scratch directory for the whole invocation so no
// second attempt can interleave file creation with this one. The returned
// failure class is FailureNone on success.
func (c *DependencyCoordinator) Compile(job *BuildJob, logw io.Writer) (FailureClass, error) {
	handle := job.Toolchain
	if handle == nil || !handle.Valid() {
		return FailureMissingToolchain, fmt.Errorf("%w: toolchain handle is stale for %s", errMissingToolchain, job.Target.Name)
	}
	// The linker mapping is checked up front: a toolchain whose per-target
	// linker cannot be invoked carries a different remediation than a missing
	// toolchain, and there is no point starting the compile.
	if handle.Linker == "" || !isExecutable(handle.Linker) {
		return FailureLinkerNotFound, fmt.Errorf("linker for %s cannot be invoked (looked in %s)", job.Target.Triple, handle.Root)
	}

	cmdline := c.Cfg.Values["CROSSFORGE_DEP_BUILD_CMD"]
	if cmdline == "" {
		cmdline = "cargo build --release --locked -p {dep} --target {rust_triple}"
	}
	cmdline = expandCommand(cmdline, job.Target, c.NativeDep())

	var class FailureClass
	err := c.withScratchLock(job.Target, func() error {
		var runErr error
		class, runErr = runClassified(c.Exec, cmdline, WorkDir, buildEnv(job, c.ScratchDir(job.Target)), logw, true)
		return runErr
	})
	if err != nil && class == FailureNone {
		class = FailureUnknown
	}
	return class, err
}

// CompileMain builds the rest of the target after the dependency is in
// place. Dependency-specific classes do not apply here; a failed main build
// is a linker mapping problem or unknown.
func (c *DependencyCoordinator) CompileMain(job *BuildJob, logw io.Writer) (FailureClass, error) {
	cmdline := c.Cfg.Values["CROSSFORGE_MAIN_BUILD_CMD"]
	if cmdline == "" {
		cmdline = "cargo build --release --locked --target {rust_triple}"
	}
	cmdline = expandCommand(cmdline, job.Target, c.NativeDep())
	return runClassified(c.Exec, cmdline, WorkDir, buildEnv(job, c.ScratchDir(job.Target)), logw, false)
}

// withScratchLock serializes access to the target's scratch directory via an
// exclusive advisory lock, the cross-attempt interference remedy for the
// dependency's concurrent-file-creation race.
func (c *DependencyCoordinator) withScratchLock(spec TargetSpec, fn func() error) error {
	lockPath := c.ScratchDir(spec) + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

// clearScratch removes and recreates the scratch directory, under the lock.
// A prior partial build can leave a file the next attempt tries to recreate;
// starting clean is the remediation for that collision.
func (c *DependencyCoordinator) clearScratch(spec TargetSpec) error {
	return c.withScratchLock(spec, func() error {
		dir := c.ScratchDir(spec)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to clear scratch dir %s: %w", dir, err)
		}
		return os.MkdirAll(dir, 0o755)
	})
}

// buildEnv assembles the environment for a compile step: the inherited
// environment, the cross-toolchain bindings, then any mitigation additions.
func buildEnv(job *BuildJob, scratchDir string) []string {
	handle := job.Toolchain
	env := append([]string{}, os.Environ()...)
	if handle != nil {
		upper := strings.ToUpper(strings.ReplaceAll(job.Target.RustTriple(), "-", "_"))
		env = append(env,
			"CC="+handle.CC,
			"CARGO_BUILD_TARGET="+job.Target.RustTriple(),
			fmt.Sprintf("CARGO_TARGET_%s_LINKER=%s", upper, handle.CC),
			"CARGO_TARGET_DIR="+scratchDir,
		)
	}
	env = append(env, job.mitigationEnv...)
	return env
}

// expandCommand substitutes the target placeholders in a configured command.
func expandCommand(cmdline string, spec TargetSpec, dep string) string {
	r := strings.NewReplacer(
		"{dep}", dep,
		"{triple}", spec.Triple,
		"{rust_triple}", spec.RustTriple(),
		"{target}", spec.Name,
		"{abi}", spec.ABI,
		"{api}", fmt.Sprintf("%d", spec.MinAPI),
	)
	return r.Replace(cmdline)
}

// runClassified executes a build command, teeing its output to the job log
// while keeping a copy for failure classification.
func runClassified(execCtx *Executor, cmdline, dir string, env []string, logw io.Writer, dependency bool) (FailureClass, error) {
	if logw == nil {
		logw = io.Discard
	}
	var capture bytes.Buffer
	out := io.MultiWriter(logw, &capture)

	cmd := exec.Command("sh", "-c", cmdline)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out

	err := execCtx.Run(cmd)
	if err == nil {
		return FailureNone, nil
	}
	return classifyBuildFailure(capture.String(), err, dependency), err
}

// Output patterns for the known failure modes. The collision shows up as the
// dependency's build script racing itself on generated files; the linker
// patterns come from both cargo and clang driver diagnostics.
var (
	collisionPatterns = []string{
		"File exists",
		"file exists (os error 17)",
		"failed to create file",
		"failed to hard link",
		"EEXIST",
	}
	linkerPatterns = []string{
		"linker `",
		"unable to find linker",
		"cannot find linker",
		"ld.lld: not found",
		"error: linker",
	}
	compilePatterns = []string{
		"error[E",
		"error: could not compile",
		"undefined reference",
		"fatal error:",
	}
)

// classifyBuildFailure maps a failed invocation onto the closed failure
// enumeration. Timeouts and cancellations are unknown on purpose: they carry
// no evidence for any of the specific classes and are never auto-retried.
func classifyBuildFailure(output string, err error, dependency bool) FailureClass {
	if errors.Is(err, errCommandTimeout) {
		return FailureUnknown
	}
	if strings.Contains(err.Error(), "command aborted") {
		return FailureUnknown
	}

	for _, p := range linkerPatterns {
		if strings.Contains(output, p) {
			return FailureLinkerNotFound
		}
	}
	for _, p := range collisionPatterns {
		if strings.Contains(output, p) {
			return FailureConcurrentFileCollision
		}
	}
	if dependency {
		for _, p := range compilePatterns {
			if strings.Contains(output, p) {
				return FailureDependencyCompileError
			}
		}
	}
	return FailureUnknown
}

// extractTarXz unpacks a .tar.xz prefab archive into dest. Only regular
// files, directories and symlinks are materialized.
func extractTarXz(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	xzr, err := xz.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to create xz reader for %s: %w", archive, err)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(xzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", archive, err)
		}

		targetPath := filepath.Join(dest, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(targetPath, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("illegal path in archive: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return err
			}
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return err
			}
			outFile.Close()
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return err
			}
		default:
			debugf("skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}
	return nil
}
