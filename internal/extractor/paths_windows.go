//go:build windows

package extractor

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/windows"
)

// defaultBinaryPath resolves the bundled 7z.exe next to the executable.
func defaultBinaryPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "7z.exe"
	}
	return filepath.Join(filepath.Dir(exe), "bin", "7z.exe")
}

func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}
