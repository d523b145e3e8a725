package gamedirs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Manager owns the per-run cache directory downloads land in, and the
// extraction directory archives are unpacked into. The cache directory is
// created under the system temp dir and removed on exit.
type Manager struct {
	mu         sync.Mutex
	tempDir    string
	extractDir string
	log        *slog.Logger
}

func NewManager(log *slog.Logger) (*Manager, error) {
	tempDir := filepath.Join(os.TempDir(), "nmd_"+uuid.New().String())
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &Manager{tempDir: tempDir, log: log}, nil
}

// TempDir is where aria2c writes in-flight and completed archives.
func (m *Manager) TempDir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tempDir
}

func (m *Manager) ExtractDir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extractDir
}

func (m *Manager) SetExtractDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extractDir = dir
}

// Cleanup removes the cache directory and anything aria2c left in it.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	dir := m.tempDir
	m.mu.Unlock()

	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.log.Warn("failed to remove temp dir", "dir", dir, "error", err)
	}
}

// FindAddonsDir locates the game's addons folder. On Windows this walks the
// Steam registry entry and library folders; elsewhere the user must
// configure the directory explicitly.
func FindAddonsDir() (string, error) {
	return findAddonsDir()
}
