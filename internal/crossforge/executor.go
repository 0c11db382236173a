package crossforge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// errCommandTimeout marks an invocation that exceeded its configured timeout.
// Callers classify it as an unknown failure, never as one of the specific
// build failure classes.
var errCommandTimeout = errors.New("command timed out")

// Executor provides a consistent interface for executing toolchain commands.
// It wires up stdio, isolates the child in its own process group so that
// cancelling the pipeline kills the whole toolchain process tree, and applies
// a per-invocation timeout.
type Executor struct {
	Context           context.Context // The context to use for cancellation
	Timeout           time.Duration   // Per-invocation limit; 0 means no limit
	ApplyIdlePriority bool            // Apply nice -n 19 to this specific command
}

func NewExecutor(ctx context.Context, timeout time.Duration) *Executor {
	return &Executor{Context: ctx, Timeout: timeout}
}

// Run executes the given command under the executor's context and timeout.
func (e *Executor) Run(cmd *exec.Cmd) error {
	// --- Phase 0: wire up stdio ---
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	// --- Phase 1: derive the invocation context ---
	parent := e.Context
	if parent == nil {
		parent = context.Background()
	}
	runCtx := parent
	var cancel context.CancelFunc
	if e.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, e.Timeout)
		defer cancel()
	}

	// --- Phase 2: build the final command ---
	basePath := cmd.Path
	baseArgs := cmd.Args[1:]

	if e.ApplyIdlePriority {
		baseArgs = append([]string{"-n", "19", basePath}, baseArgs...)
		basePath = "nice"
	}

	finalCmd := exec.CommandContext(runCtx, basePath, baseArgs...)
	finalCmd.Dir = cmd.Dir

	// preserve or inherit the environment
	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}

	// carry over stdio
	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	// --- Phase 3: isolate process group for context-based cleanup ---
	finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// --- Phase 4: start and watch for cancel ---
	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	pgid := finalCmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	// --- Phase 5: wait and return ---
	if waitErr := finalCmd.Wait(); waitErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			return fmt.Errorf("%w after %s", errCommandTimeout, e.Timeout)
		}
		if parent.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %w", parent.Err())
		}
		return waitErr
	}
	return nil
}
