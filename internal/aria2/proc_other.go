//go:build !windows

package aria2

import (
	"os/exec"

	"github.com/shirou/gopsutil/v3/process"
)

// defaultBinaryPath relies on aria2c being on PATH outside Windows.
func defaultBinaryPath() string {
	return "aria2c"
}

func hideWindow(cmd *exec.Cmd) {}

func forceKill(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
