//go:build windows

package aria2

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/windows"
)

// defaultBinaryPath resolves the bundled aria2c.exe next to the executable.
func defaultBinaryPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "aria2c.exe"
	}
	return filepath.Join(filepath.Dir(exe), "bin", "aria2c.exe")
}

// hideWindow keeps the aria2c console window from flashing up.
func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}

// forceKill terminates the pid with taskkill, the most reliable way to take
// down a detached aria2c on Windows.
func forceKill(pid int32) error {
	cmd := exec.Command("taskkill", "/F", "/PID", fmt.Sprintf("%d", pid))
	hideWindow(cmd)
	return cmd.Run()
}
