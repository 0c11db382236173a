package crossforge

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: crossforge <command> [arguments]")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"build, b", "[options] [target...]", "Run the cross-target build pipeline"},
		{"targets", "", "List the supported target enumeration"},
		{"hints", "", "Show the remediation hint table per failure class"},
		{"logs", "", "TUI viewer over kept build logs"},
		{"version, --version", "", "Version information"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	colWidth := maxLen + 3

	for _, c := range cmds {
		usage := c.Cmd
		if c.Args != "" {
			usage += " " + c.Args
		}
		fmt.Printf("  %-*s %s\n", colWidth, usage, c.Desc)
	}
}

// Main is the CLI entry point. The context is cancelled by the signal
// handler in package main.
func Main(ctx context.Context) int {
	if len(os.Args) < 2 {
		printHelp()
		return 1
	}

	if cf := os.Getenv("CROSSFORGE_CONF"); cf != "" {
		ConfigFile = cf
	}
	cfg, err := loadConfig(ConfigFile)
	if err != nil {
		colArrow.Print("-> ")
		colWarn.Printf("Failed to read %s: %v (continuing with env only)\n", ConfigFile, err)
	}
	initConfig(cfg)

	BuildExec = NewExecutor(ctx, cfg.CommandTimeout)
	BuildExec.ApplyIdlePriority = cfg.IdlePriority

	switch os.Args[1] {
	case "version", "--version":
		fmt.Printf("crossforge %s (built %s)\n", version, buildDate)
		return 0
	case "targets":
		for _, t := range supportedTargets {
			fmt.Printf("  %-10s abi=%-12s triple=%-26s api=%d\n", t.Name, t.ABI, t.Triple, t.MinAPI)
		}
		return 0
	case "hints":
		PrintHints()
		return 0
	case "logs":
		return runLogView()
	case "build", "b":
		return runBuild(ctx, cfg, os.Args[2:])
	default:
		colArrow.Print("-> ")
		colError.Printf("Unknown command: %s\n", os.Args[1])
		printHelp()
		return 1
	}
}

func runBuild(ctx context.Context, cfg *Config, args []string) int {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	jobsFlag := fs.Int("j", cfg.MaxJobs, "maximum concurrent target builds")
	noCache := fs.Bool("no-cache", false, "skip the build cache entirely")
	bundle := fs.Bool("bundle", false, "pack collected artifacts into one .tar.zst")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg.MaxJobs = *jobsFlag

	ids := fs.Args()
	if len(ids) == 0 {
		if declared := cfg.Values["CROSSFORGE_TARGETS"]; declared != "" {
			ids = strings.Fields(declared)
		}
	}
	if len(ids) == 0 {
		for _, t := range supportedTargets {
			ids = append(ids, t.Name)
		}
	}

	// Matrix expansion is the one pipeline-fatal gate: an unknown target
	// fails everything before any job starts.
	specs, err := ExpandMatrix(ids)
	if err != nil {
		colArrow.Print("-> ")
		colError.Printf("Target matrix rejected: %v\n", err)
		return 1
	}

	runID := uuid.NewString()[:8]
	colArrow.Print("-> ")
	colSuccess.Printf("Run %s: %d target(s)\n", runID, len(specs))

	var store CacheStore
	if !*noCache {
		remote, err := NewRemoteStore(cfg)
		if err != nil {
			colArrow.Print("-> ")
			colWarn.Printf("Remote cache disabled: %v\n", err)
		}
		tiered := &TieredStore{Local: NewLocalStore(LocalCacheDir)}
		if remote != nil {
			tiered.Remote = remote
		}
		store = tiered
	}

	resolver := NewToolchainResolver(cfg, BuildExec)
	coord := NewDependencyCoordinator(cfg, BuildExec)
	runner := NewRunner(ctx, cfg, resolver, coord, store, runID)

	jobs := runner.RunAll(specs)

	// Publishing must not be torn apart by a first Ctrl+C.
	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	collector := NewArtifactCollector(cfg, runID)
	manifest := collector.Collect(jobs)

	manifestPath := filepath.Join(ManifestDir, fmt.Sprintf("manifest-%s.json", runID))
	if err := collector.WriteManifest(manifest, manifestPath); err != nil {
		colArrow.Print("-> ")
		colError.Printf("Failed to write manifest: %v\n", err)
	} else {
		colArrow.Print("-> ")
		colSuccess.Printf("Manifest published: %s\n", manifestPath)
	}

	report := Summarize(jobs)

	if *bundle && report.Overall {
		bundlePath := filepath.Join(ManifestDir, fmt.Sprintf("artifacts-%s.tar.zst", runID))
		if err := collector.PackArtifacts(manifest, bundlePath); err != nil {
			colArrow.Print("-> ")
			colError.Printf("Failed to pack artifacts: %v\n", err)
		} else {
			colArrow.Print("-> ")
			colSuccess.Printf("Artifact bundle: %s\n", bundlePath)
		}
	}

	logBundle := filepath.Join(ManifestDir, fmt.Sprintf("logs-%s.log.gz", runID))
	if err := collector.BundleLogs(jobs, logBundle); err != nil {
		debugf("log bundling failed: %v\n", err)
	}

	report.Print()
	if !report.Overall {
		return 1
	}
	return 0
}
