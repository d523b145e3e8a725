package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"nyaser-maps-downloader/internal/config"
	"nyaser-maps-downloader/internal/gamedirs"
	"nyaser-maps-downloader/internal/netdiag"
	"nyaser-maps-downloader/internal/pipeline"
	"nyaser-maps-downloader/internal/storage"
	"nyaser-maps-downloader/internal/symlink"
)

// App is the Wails frontend bridge.
type App struct {
	ctx        context.Context
	logger     *slog.Logger
	pipe       *pipeline.Pipeline
	store      *storage.Storage
	cfg        *config.Manager
	dirs       *gamedirs.Manager
	onStartup  func(ctx context.Context)
	onShutdown func()
	isQuitting bool
}

func NewApp(logger *slog.Logger, pipe *pipeline.Pipeline, store *storage.Storage, cfg *config.Manager, dirs *gamedirs.Manager) *App {
	return &App{
		logger: logger,
		pipe:   pipe,
		store:  store,
		cfg:    cfg,
		dirs:   dirs,
	}
}

// startup is called when the app starts. The context is saved so the runtime
// methods and event emission work.
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	if a.onStartup != nil {
		a.onStartup(ctx)
	}

	// Resolve the game addons directory: explicit setting first, then the
	// Steam registry.
	extractDir := a.cfg.GetExtractDir()
	if extractDir == "" {
		found, err := gamedirs.FindAddonsDir()
		if err != nil {
			a.logger.Error("could not locate game addons directory", "error", err)
			runtime.EventsEmit(ctx, "extract-dir-changed", map[string]interface{}{
				"newDir":  "",
				"success": false,
				"error":   err.Error(),
			})
			return
		}
		extractDir = found
	}
	a.dirs.SetExtractDir(extractDir)
	runtime.EventsEmit(ctx, "extract-dir-changed", map[string]interface{}{
		"newDir":  extractDir,
		"success": true,
	})
	runtime.WindowSetTitle(ctx, "Nyaser Maps Downloader: "+extractDir)

	// Replay any queue persisted by the previous run and start the
	// persistence timer.
	a.pipe.Start()
	a.logger.Info("app started", "extractDir", extractDir)
}

// beforeClose hides to tray instead of closing, unless QuitApp was used.
func (a *App) beforeClose(ctx context.Context) (prevent bool) {
	if a.isQuitting {
		return false
	}
	a.logger.Info("window close requested, minimizing to tray")
	runtime.WindowHide(ctx)
	return true
}

// QuitApp is called from the tray menu to truly exit.
func (a *App) QuitApp() {
	a.isQuitting = true
	if a.onShutdown != nil {
		a.onShutdown()
	}
	if a.ctx != nil {
		runtime.Quit(a.ctx)
	}
}

// ShowApp restores the window from the tray.
func (a *App) ShowApp() {
	if a.ctx == nil {
		return
	}
	runtime.WindowShow(a.ctx)
	runtime.WindowSetAlwaysOnTop(a.ctx, true)
	runtime.WindowSetAlwaysOnTop(a.ctx, false)
}

// Download enqueues a map download. Exposed to the frontend.
func (a *App) Download(url string) string {
	a.logger.Info("frontend_request", "method", "Download", "url", url)

	extractDir := a.dirs.ExtractDir()
	if extractDir == "" {
		a.logger.Error("extract directory not set")
		return "ERROR: extract directory is not configured"
	}

	id, err := a.pipe.Enqueue(url, extractDir)
	if err != nil {
		a.logger.Error("failed to enqueue download", "error", err)
		return "ERROR: " + err.Error()
	}
	return id
}

// CancelDownload requests cancellation of an active download.
func (a *App) CancelDownload(taskID string) {
	a.logger.Info("frontend_request", "method", "CancelDownload", "id", taskID)
	a.pipe.Cancel(taskID, pipeline.CancelReasonUser)
}

// GetQueueSnapshot returns the current download queue state.
func (a *App) GetQueueSnapshot() map[string]interface{} {
	return a.pipe.QueueSnapshot()
}

// GetHistory returns finished downloads, newest first.
func (a *App) GetHistory() []storage.DownloadRecord {
	records, err := a.store.GetRecords()
	if err != nil {
		a.logger.Error("failed to load history", "error", err)
		return []storage.DownloadRecord{}
	}
	return records
}

// GetSymlinks lists the map links currently mounted in the addons directory.
func (a *App) GetSymlinks() []symlink.Info {
	links, err := symlink.ListDir(a.dirs.ExtractDir())
	if err != nil {
		a.logger.Error("failed to list symlinks", "error", err)
		return []symlink.Info{}
	}
	return links
}

// MountGroup links an extracted map group into the addons directory.
func (a *App) MountGroup(group string) string {
	created, err := symlink.MountGroup(filepath.Join(a.dirs.ExtractDir(), group), a.dirs.ExtractDir())
	if err != nil {
		a.logger.Error("mount failed", "group", group, "error", err)
		return "ERROR: " + err.Error()
	}
	a.logger.Info("group mounted", "group", group, "links", created)
	return "OK"
}

// UnmountGroup removes a group's links from the addons directory.
func (a *App) UnmountGroup(group string) string {
	removed, err := symlink.UnmountGroup(filepath.Join(a.dirs.ExtractDir(), group), a.dirs.ExtractDir())
	if err != nil {
		a.logger.Error("unmount failed", "group", group, "error", err)
		return "ERROR: " + err.Error()
	}
	a.logger.Info("group unmounted", "group", group, "links", removed)
	return "OK"
}

// GetExtractDir returns the current extraction directory.
func (a *App) GetExtractDir() string {
	return a.dirs.ExtractDir()
}

// SetExtractDir overrides the extraction directory.
func (a *App) SetExtractDir(dir string) string {
	if err := a.cfg.SetExtractDir(dir); err != nil {
		return "ERROR: " + err.Error()
	}
	a.dirs.SetExtractDir(dir)
	if a.ctx != nil {
		runtime.EventsEmit(a.ctx, "extract-dir-changed", map[string]interface{}{
			"newDir":  dir,
			"success": true,
		})
	}
	return "OK"
}

// RunNetworkSpeedTest lets users triage stalled downloads.
func (a *App) RunNetworkSpeedTest() *netdiag.SpeedTestResult {
	res, err := netdiag.RunSpeedTest()
	if err != nil {
		a.logger.Error("speed test failed", "error", err)
		return nil
	}
	return res
}

// OpenFolder opens the file explorer at the given path.
func (a *App) OpenFolder(path string) {
	if err := openFolder(path); err != nil {
		a.logger.Error("failed to open folder", "path", path, "error", err)
	}
}
