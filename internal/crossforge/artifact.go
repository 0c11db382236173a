package crossforge

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// ManifestEntry describes one collected artifact.
type ManifestEntry struct {
	Target   string `json:"target"`
	ABI      string `json:"abi"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"` // BLAKE3 hex
	CacheHit bool   `json:"cache_hit"`
}

// ArtifactManifest maps targets to their collected artifacts. It is built
// once after every job is terminal and is read-only from then on; the
// packaging collaborator consumes it as published.
type ArtifactManifest struct {
	RunID     string                   `json:"run_id"`
	CreatedAt time.Time                `json:"created_at"`
	Entries   map[string]ManifestEntry `json:"entries"`
}

// ArtifactCollector validates and gathers the output binaries after all jobs
// reach a terminal state.
type ArtifactCollector struct {
	Cfg   *Config
	RunID string
}

func NewArtifactCollector(cfg *Config, runID string) *ArtifactCollector {
	return &ArtifactCollector{Cfg: cfg, RunID: runID}
}

// Collect verifies every success actually produced a non-empty artifact and
// builds the manifest. A job whose artifact is missing or zero bytes is
// downgraded to a failure: reporting success with nothing to ship must not
// survive past this point.
func (c *ArtifactCollector) Collect(jobs []*BuildJob) *ArtifactManifest {
	manifest := &ArtifactManifest{
		RunID:     c.RunID,
		CreatedAt: time.Now().UTC(),
		Entries:   make(map[string]ManifestEntry),
	}

	for _, job := range jobs {
		if !job.Succeeded() {
			continue
		}

		info, err := os.Stat(job.ArtifactPath)
		if err != nil {
			job.fail(FailureUnknown, fmt.Errorf("artifact missing for %s: %w", job.Target.Name, err))
			continue
		}
		if info.Size() == 0 {
			job.fail(FailureUnknown, fmt.Errorf("artifact for %s is empty: %s", job.Target.Name, job.ArtifactPath))
			continue
		}

		sum, err := hashFile(job.ArtifactPath)
		if err != nil {
			job.fail(FailureUnknown, fmt.Errorf("cannot checksum artifact for %s: %w", job.Target.Name, err))
			continue
		}

		manifest.Entries[job.Target.Name] = ManifestEntry{
			Target:   job.Target.Name,
			ABI:      job.Target.ABI,
			Path:     job.ArtifactPath,
			Size:     info.Size(),
			Checksum: sum,
			CacheHit: job.CacheHit,
		}
	}

	return manifest
}

// WriteManifest publishes the manifest as JSON.
func (c *ArtifactCollector) WriteManifest(manifest *ArtifactManifest, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// PackArtifacts bundles the collected binaries into one .tar.zst for the
// packaging collaborator, entries named <target>/<basename>.
func (c *ArtifactCollector) PackArtifacts(manifest *ArtifactManifest, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	outFile, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create artifact bundle: %w", err)
	}
	defer outFile.Close()

	zw, err := zstd.NewWriter(outFile)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	for _, entry := range manifest.Entries {
		info, err := os.Stat(entry.Path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.Join(entry.Target, filepath.Base(entry.Path))
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "root", "root"
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(entry.Path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	return nil
}

// BundleLogs concatenates the kept per-job build logs into one gzip stream,
// the raw secondary artifact backing the classified failure report.
func (c *ArtifactCollector) BundleLogs(jobs []*BuildJob, outPath string) error {
	var withLogs []*BuildJob
	for _, job := range jobs {
		if job.LogPath != "" {
			withLogs = append(withLogs, job)
		}
	}
	if len(withLogs) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	outFile, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gz := pgzip.NewWriter(outFile)
	defer gz.Close()

	for _, job := range withLogs {
		fmt.Fprintf(gz, "==== %s (%s) ====\n", job.Target.Name, job.State)
		f, err := os.Open(job.LogPath)
		if err != nil {
			fmt.Fprintf(gz, "log unavailable: %v\n", err)
			continue
		}
		if _, err := io.Copy(gz, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
		fmt.Fprintln(gz)
	}
	return nil
}
