package main

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
)

// openFolder opens the file explorer at the given path.
func openFolder(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("explorer", absPath)
	case "darwin":
		cmd = exec.Command("open", absPath)
	case "linux":
		cmd = exec.Command("xdg-open", absPath)
	default:
		return fmt.Errorf("unsupported platform")
	}

	return cmd.Start()
}
