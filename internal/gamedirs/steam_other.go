//go:build !windows

package gamedirs

import "errors"

func findAddonsDir() (string, error) {
	return "", errors.New("automatic game directory discovery is only supported on Windows; set the extract directory in settings")
}
