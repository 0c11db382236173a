package crossforge

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// ToolchainHandle holds the resolved compiler/linker for one target. It is
// owned by the job that resolved it and must be re-resolved if the underlying
// installation disappears.
type ToolchainHandle struct {
	Target  TargetSpec
	Root    string // toolchain installation root
	CC      string // compiler driver path
	Linker  string // linker path; may be empty, checked at compile time
	Version string // first line of `CC --version`
}

// Valid reports whether the handle still points at an existing installation.
func (h *ToolchainHandle) Valid() bool {
	if h == nil || h.Root == "" {
		return false
	}
	_, err := os.Stat(h.Root)
	return err == nil
}

// ToolchainResolver locates the cross compiler for a target. It only probes
// the filesystem; installing toolchains is the hosting platform's job.
type ToolchainResolver struct {
	Cfg  *Config
	Exec *Executor
}

func NewToolchainResolver(cfg *Config, execCtx *Executor) *ToolchainResolver {
	return &ToolchainResolver{Cfg: cfg, Exec: execCtx}
}

// Resolve finds a usable toolchain for the target. Preference order is fixed:
// the explicit override root wins, then the well-known LLVM prebuilt layout
// under the configured root. A candidate that exists but is not executable,
// or does not report a version, counts as absent.
func (r *ToolchainResolver) Resolve(spec TargetSpec) (*ToolchainHandle, error) {
	var roots []string
	if r.Cfg.ToolchainRootOverride != "" {
		roots = append(roots, r.Cfg.ToolchainRootOverride)
	}
	if root := r.Cfg.Values["CROSSFORGE_NDK_ROOT"]; root != "" && root != r.Cfg.ToolchainRootOverride {
		roots = append(roots, root)
	}

	for _, root := range roots {
		handle, ok := r.probeRoot(root, spec)
		if ok {
			return handle, nil
		}
	}

	return nil, fmt.Errorf("%w: no usable compiler for %s under %v", errMissingToolchain, spec.Name, roots)
}

// probeRoot checks one installation root for a compiler matching the target.
func (r *ToolchainResolver) probeRoot(root string, spec TargetSpec) (*ToolchainHandle, bool) {
	binDir := filepath.Join(root, "toolchains", "llvm", "prebuilt", hostTag(), "bin")
	if _, err := os.Stat(binDir); err != nil {
		// Bare layout: clang wrappers directly under <root>/bin.
		binDir = filepath.Join(root, "bin")
		if _, err := os.Stat(binDir); err != nil {
			return nil, false
		}
	}

	cc := pickCompiler(binDir, spec)
	if cc == "" {
		return nil, false
	}
	if !isExecutable(cc) {
		debugf("candidate %s exists but is not executable, treating as absent\n", cc)
		return nil, false
	}

	ver, err := r.probeVersion(cc)
	if err != nil || ver == "" {
		debugf("candidate %s did not report a version: %v\n", cc, err)
		return nil, false
	}

	return &ToolchainHandle{
		Target:  spec,
		Root:    root,
		CC:      cc,
		Linker:  pickLinker(binDir, spec),
		Version: ver,
	}, true
}

// pickCompiler finds the API-leveled clang wrapper for the triple. The exact
// MinAPI wrapper is preferred; otherwise the lowest wrapper at or above it.
func pickCompiler(binDir string, spec TargetSpec) string {
	exact := filepath.Join(binDir, fmt.Sprintf("%s%d-clang", spec.Triple, spec.MinAPI))
	if _, err := os.Stat(exact); err == nil {
		return exact
	}

	matches, _ := filepath.Glob(filepath.Join(binDir, spec.Triple+"*-clang"))
	apiRe := regexp.MustCompile(regexp.QuoteMeta(spec.Triple) + `(\d+)-clang$`)
	type cand struct {
		path string
		api  int
	}
	var cands []cand
	for _, m := range matches {
		sub := apiRe.FindStringSubmatch(m)
		if sub == nil {
			continue
		}
		api, err := strconv.Atoi(sub[1])
		if err != nil || api < spec.MinAPI {
			continue
		}
		cands = append(cands, cand{path: m, api: api})
	}
	if len(cands) > 0 {
		sort.Slice(cands, func(i, j int) bool { return cands[i].api < cands[j].api })
		return cands[0].path
	}

	// Plain triple-prefixed compiler without an API level. The glob above
	// matches it too, so this check must come after the API filter, not only
	// when the glob finds nothing.
	plain := filepath.Join(binDir, spec.Triple+"-clang")
	if _, err := os.Stat(plain); err == nil {
		return plain
	}
	return ""
}

// pickLinker returns the per-target linker path, or "" when none is present.
// Absence here is not an error: the compile step reports linker-not-found,
// which carries a different remediation than a missing toolchain.
func pickLinker(binDir string, spec TargetSpec) string {
	for _, name := range []string{"ld.lld", spec.Triple + "-ld", "lld"} {
		p := filepath.Join(binDir, name)
		if isExecutable(p) {
			return p
		}
	}
	return ""
}

// probeVersion runs `cc --version` and returns the first output line.
func (r *ToolchainResolver) probeVersion(cc string) (string, error) {
	var out bytes.Buffer
	cmd := exec.Command(cc, "--version")
	cmd.Stdout = &out
	cmd.Stderr = &out

	var err error
	if r.Exec != nil {
		err = r.Exec.Run(cmd)
	} else {
		err = cmd.Run()
	}
	if err != nil {
		return "", err
	}

	line, _, _ := strings.Cut(strings.TrimSpace(out.String()), "\n")
	return strings.TrimSpace(line), nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// hostTag mirrors the prebuilt directory naming of LLVM toolchain bundles.
func hostTag() string {
	switch runtime.GOOS {
	case "darwin":
		return "darwin-x86_64"
	case "windows":
		return "windows-x86_64"
	default:
		return "linux-x86_64"
	}
}
