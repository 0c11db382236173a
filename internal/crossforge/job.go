package crossforge

import (
	"time"
)

// JobState tracks one build job through its lifecycle.
type JobState string

const (
	StatePending             JobState = "pending"
	StateResolvingToolchain  JobState = "resolving-toolchain"
	StatePreparingDependency JobState = "preparing-dependency"
	StateCompilingDependency JobState = "compiling-dependency"
	StateCompilingMain       JobState = "compiling-main"
	StateSucceeded           JobState = "succeeded"
	StateFailed              JobState = "failed"
)

// Terminal reports whether the state is an end state.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// FailureClass is the closed enumeration routing retry and remediation
// decisions. It is attached to a job only in the failed state.
type FailureClass string

const (
	FailureNone                    FailureClass = ""
	FailureMissingToolchain        FailureClass = "missing-toolchain"
	FailureConcurrentFileCollision FailureClass = "concurrent-file-collision"
	FailureLinkerNotFound          FailureClass = "linker-not-found"
	FailureDependencyCompileError  FailureClass = "dependency-compile-error"
	FailureUnknown                 FailureClass = "unknown"
)

// Retryable reports whether the class is eligible for automatic retry.
// Only the transient collision qualifies; missing toolchains and broken
// linker mappings are configuration errors that retrying cannot fix, and a
// genuine compile error in the dependency source will not go away either.
func (f FailureClass) Retryable() bool {
	return f == FailureConcurrentFileCollision
}

// BuildJob is the orchestrator-owned record for one target. Jobs are never
// shared across targets; all mutation happens on the single goroutine driving
// the job.
type BuildJob struct {
	Target    TargetSpec
	State     JobState
	Failure   FailureClass
	Err       error
	Toolchain *ToolchainHandle
	CacheKey  CacheKey
	CacheHit  bool

	ArtifactPath string
	LogPath      string
	Retries      int
	Duration     time.Duration

	// mitigations already applied during PreparingDependency passes
	applied map[string]bool
	// environment added by mitigations, consumed by the compile steps
	mitigationEnv []string
}

func NewBuildJob(spec TargetSpec) *BuildJob {
	return &BuildJob{
		Target:  spec,
		State:   StatePending,
		applied: make(map[string]bool),
	}
}

func (j *BuildJob) setState(s JobState) {
	debugf("job %s: %s -> %s\n", j.Target.Name, j.State, s)
	j.State = s
}

// fail moves the job into the failed state with its classified cause.
func (j *BuildJob) fail(class FailureClass, err error) {
	j.Failure = class
	j.Err = err
	j.setState(StateFailed)
}

// Succeeded reports whether the job reached its success end state.
func (j *BuildJob) Succeeded() bool {
	return j.State == StateSucceeded
}
