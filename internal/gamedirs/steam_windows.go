//go:build windows

package gamedirs

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/sys/windows/registry"
)

var vdfPathPattern = regexp.MustCompile(`"path"\s+"([^"]+)"`)

// findAddonsDir resolves <steam library>/steamapps/common/Left 4 Dead 2/left4dead2/addons.
func findAddonsDir() (string, error) {
	key, err := registry.OpenKey(registry.CURRENT_USER, `Software\Valve\Steam`, registry.QUERY_VALUE)
	if err != nil {
		return "", fmt.Errorf("Steam installation not found in registry: %w", err)
	}
	defer key.Close()

	steamPath, _, err := key.GetStringValue("SteamPath")
	if err != nil {
		return "", fmt.Errorf("could not read Steam install path: %w", err)
	}

	libraries := []string{steamPath}
	vdf := filepath.Join(steamPath, "steamapps", "libraryfolders.vdf")
	if data, err := os.ReadFile(vdf); err == nil {
		for _, m := range vdfPathPattern.FindAllStringSubmatch(string(data), -1) {
			libraries = append(libraries, filepath.FromSlash(m[1]))
		}
	}

	for _, lib := range libraries {
		gameDir := filepath.Join(lib, "steamapps", "common", "Left 4 Dead 2")
		addons := filepath.Join(gameDir, "left4dead2", "addons")
		if fi, err := os.Stat(addons); err == nil && fi.IsDir() {
			return addons, nil
		}
	}

	return "", fmt.Errorf("Left 4 Dead 2 addons directory not found in any Steam library")
}
