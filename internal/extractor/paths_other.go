//go:build !windows

package extractor

import (
	"os/exec"
)

// defaultBinaryPath prefers the standalone 7zz, falling back to 7z from the
// package manager.
func defaultBinaryPath() string {
	if path, err := exec.LookPath("7zz"); err == nil {
		return path
	}
	return "7z"
}

func hideWindow(cmd *exec.Cmd) {}
