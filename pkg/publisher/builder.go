// Package publisher builds the static site from rendered markdown and
// atomically replaces the live web root, keeping a backup of the old site.
package publisher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"
)

// SiteBuilder turns a prepared site directory into static output. Build
// returns the output directory and the captured build log.
type SiteBuilder interface {
	Build(ctx context.Context, siteDir string) (outputDir string, buildLog string, err error)
}

// HugoBuilder runs the hugo binary as a subprocess.
type HugoBuilder struct {
	binary  string
	timeout time.Duration
}

// NewHugoBuilder creates a builder for the given binary path.
func NewHugoBuilder(binary string, timeout time.Duration) *HugoBuilder {
	return &HugoBuilder{binary: binary, timeout: timeout}
}

// Build implements SiteBuilder. The build log (stdout and stderr combined) is
// returned even on failure so it can be surfaced.
func (b *HugoBuilder) Build(ctx context.Context, siteDir string) (string, string, error) {
	outputDir := filepath.Join(siteDir, "public")

	buildCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(buildCtx, b.binary,
		"--source", siteDir,
		"--destination", outputDir,
		"--quiet")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)

	if err != nil {
		if buildCtx.Err() == context.DeadlineExceeded {
			return "", out.String(), fmt.Errorf("site build timed out after %s", b.timeout)
		}
		return "", out.String(), fmt.Errorf("site build failed: %w", err)
	}

	slog.Info("Site built", "duration", elapsed, "output", outputDir)
	return outputDir, out.String(), nil
}
