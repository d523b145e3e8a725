package extractor

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"nyaser-maps-downloader/internal/logger"
)

// SevenZip wraps the 7-Zip command line tool. The pipeline treats it as an
// opaque subprocess: exit code zero means success, stderr carries the
// diagnostics on failure.
type SevenZip struct {
	log     *slog.Logger
	binPath string
}

func New(log *slog.Logger, binPath string) *SevenZip {
	if binPath == "" {
		binPath = defaultBinaryPath()
	}
	return &SevenZip{log: log, binPath: binPath}
}

// Verify lists the archive contents to confirm the file is a readable
// archive. 7z exits non-zero on corrupt or unsupported files.
func (z *SevenZip) Verify(filePath string) error {
	cmd := exec.Command(z.binPath, "l", "-sccUTF-8", filePath)
	hideWindow(cmd)

	out, err := cmd.CombinedOutput()
	if err != nil {
		z.log.Error("archive verification failed", "file", filePath, "output", strings.TrimSpace(string(out)))
		return fmt.Errorf("not a valid archive or file is damaged: %s", firstLines(string(out), 5))
	}
	return nil
}

// Extract unpacks the archive into workDir. 7z extracts into its working
// directory, so workDir must already be the prepared target folder.
func (z *SevenZip) Extract(filePath, workDir, tag string) error {
	cmd := exec.Command(z.binPath, "x", "-y", "-sccUTF-8", filePath)
	cmd.Dir = workDir
	hideWindow(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe 7z stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe 7z stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start 7z: %w", err)
	}
	logger.RedirectProcessOutput(stdout, stderr, "7z["+tag+"]", z.log)

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}
	return nil
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
