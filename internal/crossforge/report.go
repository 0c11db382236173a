package crossforge

import (
	"fmt"
	"sort"
	"time"
)

// remediationHints is the fixed lookup from failure class to operator
// guidance. The classes are a closed enumeration, so the mapping is a table,
// never inferred from raw output.
var remediationHints = map[FailureClass]string{
	FailureMissingToolchain:        "no toolchain found for this target; install one or set CROSSFORGE_TOOLCHAIN_ROOT to its installation root",
	FailureConcurrentFileCollision: "the dependency build raced itself on a generated file; the scratch directory was cleared, rerun if the retry budget was exhausted",
	FailureLinkerNotFound:          "the toolchain is present but its per-target linker cannot be invoked; fix the linker mapping for this triple instead of reinstalling",
	FailureDependencyCompileError:  "the native dependency itself fails to compile; check its pinned version against the toolchain, retrying will not help",
	FailureUnknown:                 "unclassified failure (timeout, unexpected exit, or invalid artifact); inspect the build log bundle",
}

// RemediationHint returns the fixed hint for a failure class.
func RemediationHint(class FailureClass) string {
	if hint, ok := remediationHints[class]; ok {
		return hint
	}
	return remediationHints[FailureUnknown]
}

// Report is the aggregated pipeline outcome.
type Report struct {
	Jobs    []*BuildJob
	Overall bool // true only when every requested target succeeded
}

// Summarize aggregates terminal job states. A release must cover its whole
// declared target set, so any failed target makes the overall result a
// failure even when siblings succeeded.
func Summarize(jobs []*BuildJob) *Report {
	overall := len(jobs) > 0
	for _, job := range jobs {
		if !job.Succeeded() {
			overall = false
		}
	}
	return &Report{Jobs: jobs, Overall: overall}
}

// Print renders the per-target breakdown plus the overall verdict in a form
// usable as CI annotations or plain log lines.
func (r *Report) Print() {
	var succeeded, failed []*BuildJob
	for _, job := range r.Jobs {
		if job.Succeeded() {
			succeeded = append(succeeded, job)
		} else {
			failed = append(failed, job)
		}
	}
	sort.Slice(succeeded, func(i, j int) bool { return succeeded[i].Target.Name < succeeded[j].Target.Name })
	sort.Slice(failed, func(i, j int) bool { return failed[i].Target.Name < failed[j].Target.Name })

	if len(succeeded) > 0 {
		colArrow.Print("-> ")
		colSuccess.Println("Built targets:")
		for _, job := range succeeded {
			note := ""
			if job.CacheHit {
				note = " (cached)"
			} else if job.Retries > 0 {
				note = fmt.Sprintf(" (after %d retry)", job.Retries)
			}
			fmt.Printf("  - %-10s %s%s\n", colNote.Sprint(job.Target.Name), job.Duration.Round(time.Second), note)
		}
	}

	if len(failed) > 0 {
		colArrow.Print("-> ")
		colError.Println("Failed targets:")
		for _, job := range failed {
			fmt.Printf("  - %-10s [%s] %v\n", job.Target.Name, job.Failure, job.Err)
			fmt.Printf("    %s\n", colWarn.Sprintf("hint: %s", RemediationHint(job.Failure)))
			if job.LogPath != "" {
				fmt.Printf("    log: %s\n", job.LogPath)
			}
		}
	}

	colArrow.Print("-> ")
	if r.Overall {
		colSuccess.Printf("Pipeline succeeded: %d/%d targets\n", len(succeeded), len(r.Jobs))
	} else {
		colError.Printf("Pipeline failed: %d/%d targets built\n", len(succeeded), len(r.Jobs))
	}
}

// PrintHints dumps the full remediation table.
func PrintHints() {
	classes := make([]string, 0, len(remediationHints))
	for class := range remediationHints {
		classes = append(classes, string(class))
	}
	sort.Strings(classes)
	for _, class := range classes {
		colArrow.Print("-> ")
		colInfo.Println(class)
		fmt.Printf("   %s\n", remediationHints[FailureClass(class)])
	}
}
