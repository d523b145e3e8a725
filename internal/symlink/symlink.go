package symlink

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Info describes one symlink inside the addons directory.
type Info struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	TargetPath   string `json:"target_path"`
	TargetExists bool   `json:"target_exists"`
}

// ListDir returns every file symlink directly inside dir.
func ListDir(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("could not read directory %s: %w", dir, err)
	}

	var links []Info
	for _, entry := range entries {
		if entry.Type()&fs.ModeSymlink == 0 {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		target, err := os.Readlink(path)
		if err != nil {
			continue
		}
		if resolved, err := filepath.EvalSymlinks(path); err == nil {
			target = resolved
		}
		_, statErr := os.Stat(path)
		links = append(links, Info{
			Name:         entry.Name(),
			Path:         path,
			TargetPath:   target,
			TargetExists: statErr == nil,
		})
	}
	return links, nil
}

// MountGroup links every .vpk under groupDir into addonsDir, replacing
// existing links of the same name. Returns the number of links created.
func MountGroup(groupDir, addonsDir string) (int, error) {
	if fi, err := os.Stat(groupDir); err != nil || !fi.IsDir() {
		return 0, fmt.Errorf("group directory does not exist: %s", groupDir)
	}
	if fi, err := os.Stat(addonsDir); err != nil || !fi.IsDir() {
		return 0, fmt.Errorf("addons directory does not exist: %s", addonsDir)
	}

	created := 0
	err := filepath.WalkDir(groupDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !strings.EqualFold(filepath.Ext(d.Name()), ".vpk") {
			return nil
		}
		linkPath := filepath.Join(addonsDir, d.Name())
		if _, lerr := os.Lstat(linkPath); lerr == nil {
			if rerr := os.Remove(linkPath); rerr != nil {
				return fmt.Errorf("could not replace existing link %s: %w", linkPath, rerr)
			}
		}
		if serr := os.Symlink(path, linkPath); serr != nil {
			return fmt.Errorf("could not create link %s: %w", linkPath, serr)
		}
		created++
		return nil
	})
	if err != nil {
		return created, err
	}
	if created == 0 {
		return 0, fmt.Errorf("no .vpk files found under %s", groupDir)
	}
	return created, nil
}

// UnmountGroup removes the symlinks in addonsDir that point into groupDir.
// Returns the number of links removed.
func UnmountGroup(groupDir, addonsDir string) (int, error) {
	links, err := ListDir(addonsDir)
	if err != nil {
		return 0, err
	}

	groupAbs, err := filepath.Abs(groupDir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, link := range links {
		targetAbs, err := filepath.Abs(link.TargetPath)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(groupAbs, targetAbs)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if err := os.Remove(link.Path); err != nil {
			return removed, fmt.Errorf("could not remove link %s: %w", link.Path, err)
		}
		removed++
	}
	return removed, nil
}
