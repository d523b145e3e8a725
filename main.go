package main

import (
	"context"
	"embed"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/getlantern/systray"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/menu"
	"github.com/wailsapp/wails/v2/pkg/menu/keys"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"nyaser-maps-downloader/internal/api"
	"nyaser-maps-downloader/internal/aria2"
	"nyaser-maps-downloader/internal/config"
	"nyaser-maps-downloader/internal/events"
	"nyaser-maps-downloader/internal/extractor"
	"nyaser-maps-downloader/internal/gamedirs"
	"nyaser-maps-downloader/internal/logger"
	"nyaser-maps-downloader/internal/pipeline"
	"nyaser-maps-downloader/internal/storage"
	"nyaser-maps-downloader/internal/symlink"
)

//go:embed all:frontend/dist
var assets embed.FS

//go:embed build/appicon.png
var appIcon []byte

func main() {
	log, wailsHandler, err := logger.New(os.Stdout)
	if err != nil {
		println("Error initializing logger:", err.Error())
		return
	}

	store, err := storage.NewStorage()
	if err != nil {
		log.Error("Error initializing storage", "error", err)
		return
	}
	defer store.Close()

	cfg := config.NewManager(store)

	dirs, err := gamedirs.NewManager(log)
	if err != nil {
		log.Error("Error initializing directories", "error", err)
		return
	}

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.CacheDir = dirs.TempDir()
	if appData, derr := os.UserConfigDir(); derr == nil {
		pipeCfg.QueueFile = filepath.Join(appData, "NyaserMapsDownloader", "download_queue.json")
	}

	sink := events.NewWailsSink()

	// The supervisor's bounded lock waits observe the pipeline's
	// shutting-down flag; the closure late-binds it.
	var pipe *pipeline.Pipeline
	supervisor := aria2.NewSupervisor(log, cfg.GetAria2BinaryPath(), func() bool {
		return pipe != nil && pipe.ShuttingDown()
	})
	supervisor.SetUserAgent(cfg.GetUserAgent())

	sevenZip := extractor.New(log, cfg.GetSevenZipPath())

	pipe = pipeline.New(pipeCfg, log, sink, supervisor, sevenZip)
	pipe.SetMountFunc(func(group string) error {
		extractDir := dirs.ExtractDir()
		_, merr := symlink.MountGroup(filepath.Join(extractDir, group), extractDir)
		return merr
	})
	pipe.SetHistoryFunc(func(rec storage.DownloadRecord) {
		if herr := store.SaveRecord(rec); herr != nil {
			log.Warn("failed to record history", "id", rec.ID, "error", herr)
		}
	})

	app := NewApp(log, pipe, store, cfg, dirs)
	app.onStartup = func(ctx context.Context) {
		wailsHandler.SetContext(ctx)
		sink.SetContext(ctx)
	}
	app.onShutdown = func() {
		log.Info("shutting down...")
		pipe.BeginShutdown()
		supervisor.Cleanup()
		dirs.Cleanup()
	}

	// Control API: the companion map website posts download URLs here.
	controlServer := api.NewControlServer(log, pipe, cfg, dirs.ExtractDir)
	controlServer.Start(cfg.GetControlPort())

	// Handle OS signals (Ctrl+C) for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("OS signal received, initiating shutdown")
		app.QuitApp()
	}()

	startHidden := false
	for _, arg := range os.Args {
		if arg == "--minimized" {
			startHidden = true
		}
	}

	// System tray (run in goroutine for Windows).
	go systray.Run(func() {
		systray.SetIcon(appIcon)
		systray.SetTitle("Nyaser Maps Downloader")
		systray.SetTooltip("Nyaser Maps Downloader")

		mOpen := systray.AddMenuItem("Open", "Restore the window")
		systray.AddSeparator()
		mQuit := systray.AddMenuItem("Quit", "Quit the application")

		go func() {
			for {
				select {
				case <-mOpen.ClickedCh:
					app.ShowApp()
				case <-mQuit.ClickedCh:
					app.QuitApp()
				}
			}
		}()
	}, func() {})

	appMenu := menu.NewMenu()
	fileMenu := appMenu.AddSubmenu("File")
	fileMenu.AddText("Open", keys.CmdOrCtrl("o"), func(_ *menu.CallbackData) {
		app.ShowApp()
	})
	fileMenu.AddSeparator()
	fileMenu.AddText("Quit", keys.CmdOrCtrl("q"), func(_ *menu.CallbackData) {
		app.QuitApp()
	})

	err = wails.Run(&options.App{
		Title:  "Nyaser Maps Downloader",
		Width:  1024,
		Height: 768,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 27, G: 38, B: 54, A: 1},
		OnStartup:        app.startup,
		OnBeforeClose:    app.beforeClose,
		StartHidden:      startHidden,
		Menu:             appMenu,
		Bind: []interface{}{
			app,
		},
	})
	if err != nil {
		println("Error:", err.Error())
	}
}
