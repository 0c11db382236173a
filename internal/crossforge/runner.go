package crossforge

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Runner drives the build jobs for an expanded target matrix. Jobs for
// distinct targets are fully independent and run concurrently; within one
// job the steps are strictly sequential.
type Runner struct {
	Cfg         *Config
	Context     context.Context
	Resolver    *ToolchainResolver
	Coordinator *DependencyCoordinator
	Store       CacheStore // may be nil when caching is disabled
	RunID       string
	LockPath    string // dependency lock file fingerprinted into cache keys

	// Step functions, overridable in tests.
	ResolveFn     func(TargetSpec) (*ToolchainHandle, error)
	PrepareFn     func(*BuildJob) error
	DepCompileFn  func(*BuildJob, io.Writer) (FailureClass, error)
	MainCompileFn func(*BuildJob, io.Writer) (FailureClass, error)

	// State
	mu        sync.Mutex
	Running   map[string]time.Time
	Completed map[string]bool
	Failed    map[string]error
	LogFiles  map[string]*os.File

	resultChan chan jobResult
}

type jobResult struct {
	job      *BuildJob
	duration time.Duration
}

func NewRunner(ctx context.Context, cfg *Config, resolver *ToolchainResolver, coord *DependencyCoordinator, store CacheStore, runID string) *Runner {
	r := &Runner{
		Cfg:         cfg,
		Context:     ctx,
		Resolver:    resolver,
		Coordinator: coord,
		Store:       store,
		RunID:       runID,
		LockPath:    filepath.Join(WorkDir, "Cargo.lock"),
		Running:     make(map[string]time.Time),
		Completed:   make(map[string]bool),
		Failed:      make(map[string]error),
		LogFiles:    make(map[string]*os.File),
	}
	if lock := cfg.Values["CROSSFORGE_LOCK_FILE"]; lock != "" {
		r.LockPath = lock
	}
	r.ResolveFn = resolver.Resolve
	r.PrepareFn = coord.Prepare
	r.DepCompileFn = coord.Compile
	r.MainCompileFn = coord.CompileMain
	return r
}

// RunAll executes one job per target spec, at most Cfg.MaxJobs at a time,
// and returns every job in input order once all have reached a terminal
// state. Per-target failures never abort sibling targets.
func (r *Runner) RunAll(specs []TargetSpec) []*BuildJob {
	jobs := make([]*BuildJob, len(specs))
	for i, spec := range specs {
		jobs[i] = NewBuildJob(spec)
	}

	maxJobs := r.Cfg.MaxJobs
	if maxJobs < 1 {
		maxJobs = 1
	}
	r.resultChan = make(chan jobResult, maxJobs)

	// Status line only on a real terminal; CI logs get plain output.
	uiDone := make(chan struct{})
	if isTTY() {
		go r.uiLoop(uiDone)
	}

	pending := append([]*BuildJob{}, jobs...)
	inFlight := 0
	for len(pending) > 0 || inFlight > 0 {
		for len(pending) > 0 && inFlight < maxJobs {
			job := pending[0]
			pending = pending[1:]
			r.startJob(job)
			inFlight++
		}

		res := <-r.resultChan
		inFlight--

		r.mu.Lock()
		name := res.job.Target.Name
		res.job.Duration = res.duration
		if res.job.Succeeded() {
			r.Completed[name] = true
		} else {
			r.Failed[name] = res.job.Err
		}
		if f, ok := r.LogFiles[name]; ok {
			f.Close()
			// Keep logs of failed jobs for debugging.
			if res.job.Succeeded() && !r.Cfg.KeepLogs {
				os.Remove(f.Name())
			} else {
				res.job.LogPath = f.Name()
			}
			delete(r.LogFiles, name)
		}
		delete(r.Running, name)
		r.mu.Unlock()
	}

	close(uiDone)
	if isTTY() {
		fmt.Print("\r\033[K")
	}

	return jobs
}

func (r *Runner) startJob(job *BuildJob) {
	name := job.Target.Name

	var logWriter io.Writer = io.Discard
	r.mu.Lock()
	r.Running[name] = time.Now()
	if err := os.MkdirAll(LogDir, 0o755); err == nil {
		if f, err := os.CreateTemp(LogDir, fmt.Sprintf("build-%s-%s-*.log", r.RunID, name)); err == nil {
			r.LogFiles[name] = f
			logWriter = f
		}
	}
	r.mu.Unlock()

	go func() {
		start := time.Now()
		r.runJob(job, logWriter)
		r.resultChan <- jobResult{job: job, duration: time.Since(start)}
	}()
}

// runJob drives one job through its full state sequence. All mutation of the
// job happens here, on this goroutine.
func (r *Runner) runJob(job *BuildJob, logw io.Writer) {
	if err := r.Context.Err(); err != nil {
		job.fail(FailureUnknown, fmt.Errorf("cancelled before start: %w", err))
		return
	}

	// Toolchain resolution
	job.setState(StateResolvingToolchain)
	handle, err := r.ResolveFn(job.Target)
	if err != nil {
		job.fail(FailureMissingToolchain, err)
		return
	}
	job.Toolchain = handle

	// Cache lookup short-circuits both compile phases on a hit.
	if r.tryCache(job) {
		return
	}

	// Dependency build with classified retry
	for {
		job.setState(StatePreparingDependency)
		if err := r.PrepareFn(job); err != nil {
			job.fail(FailureUnknown, fmt.Errorf("dependency preparation failed: %w", err))
			return
		}

		job.setState(StateCompilingDependency)
		class, err := r.DepCompileFn(job, logw)
		if err == nil {
			break
		}
		job.fail(class, err)
		if !class.Retryable() || job.Retries >= r.Cfg.MaxDependencyRetries {
			return
		}
		if r.Context.Err() != nil {
			return
		}
		job.Retries++
		colArrow.Print("-> ")
		colWarn.Printf("Transient %s on %s, retrying (%d/%d)\n", class, job.Target.Name, job.Retries, r.Cfg.MaxDependencyRetries)
	}

	// Main build
	job.setState(StateCompilingMain)
	if class, err := r.MainCompileFn(job, logw); err != nil {
		job.fail(class, err)
		return
	}

	if r.Context.Err() != nil {
		// A cancelled job must not publish whatever it half-produced.
		job.fail(FailureUnknown, fmt.Errorf("cancelled: %w", r.Context.Err()))
		return
	}

	job.ArtifactPath = r.artifactPath(job.Target)
	job.Failure = FailureNone
	job.Err = nil
	job.setState(StateSucceeded)

	r.storeCache(job)
}

// artifactPath is where the target's build drops its output binary.
func (r *Runner) artifactPath(spec TargetSpec) string {
	tmpl := r.Cfg.Values["CROSSFORGE_ARTIFACT"]
	if tmpl == "" {
		tmpl = "{rust_triple}/release/libapp.so"
	}
	rel := expandCommand(tmpl, spec, r.Coordinator.NativeDep())
	return filepath.Join(r.Coordinator.ScratchDir(spec), rel)
}

// tryCache checks the external store and, on a hit, materializes the cached
// artifact and jumps straight to the terminal state. Failures here are a
// cache miss, never a job failure.
func (r *Runner) tryCache(job *BuildJob) bool {
	if r.Store == nil {
		return false
	}
	lockContents, err := os.ReadFile(r.LockPath)
	if err != nil {
		debugf("no dependency lock at %s, skipping cache: %v\n", r.LockPath, err)
		return false
	}
	job.CacheKey = DeriveCacheKey(lockContents, job.Target, job.Toolchain.Version)

	data, ok, err := r.Store.Get(r.Context, job.CacheKey)
	if err != nil {
		debugf("cache get failed for %s: %v\n", job.CacheKey, err)
		return false
	}
	if !ok {
		return false
	}

	path := r.artifactPath(job.Target)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		debugf("failed to materialize cached artifact for %s: %v\n", job.Target.Name, err)
		return false
	}

	job.CacheHit = true
	job.ArtifactPath = path
	job.setState(StateSucceeded)
	colArrow.Print("-> ")
	colSuccess.Printf("Cache hit for %s (%s)\n", job.Target.Name, shortKey(job.CacheKey))
	return true
}

// storeCache publishes a freshly built artifact under the derived key. Puts
// are idempotent per key, so losing a race with a concurrent pipeline is
// harmless.
func (r *Runner) storeCache(job *BuildJob) {
	if r.Store == nil || job.CacheKey == "" {
		return
	}
	data, err := os.ReadFile(job.ArtifactPath)
	if err != nil {
		debugf("cannot read artifact for cache store: %v\n", err)
		return
	}
	if err := r.Store.Put(r.Context, job.CacheKey, data); err != nil {
		debugf("cache put failed for %s: %v\n", job.CacheKey, err)
	}
}

func (r *Runner) uiLoop(done chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	lastStatus := ""
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			newStatus := r.getStatusString()
			if newStatus != lastStatus {
				fmt.Print("\r\033[K" + newStatus)
				lastStatus = newStatus
			}
		}
	}
}

func (r *Runner) getStatusString() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var building []string
	for t := range r.Running {
		building = append(building, t)
	}
	sort.Strings(building)

	prefix := colArrow.Sprint("->")
	listStr := strings.Join(building, ", ")
	if len(listStr) > 60 {
		listStr = listStr[:57] + "..."
	}

	return fmt.Sprintf("%s %s %s | %s",
		prefix,
		colSuccess.Sprintf("Building [%d]:", len(building)),
		colNote.Sprint(listStr),
		colSuccess.Sprintf("Done: %d Failed: %d", len(r.Completed), len(r.Failed)))
}

func shortKey(key CacheKey) string {
	if len(key) > 12 {
		return string(key[:12])
	}
	return string(key)
}
