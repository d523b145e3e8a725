package pipeline

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/time/rate"

	"nyaser-maps-downloader/internal/aria2"
	"nyaser-maps-downloader/internal/events"
	"nyaser-maps-downloader/internal/storage"
	"nyaser-maps-downloader/internal/taskqueue"
)

// Engine is the downloader-process supervisor surface the pipeline drives.
// *aria2.Supervisor implements it; tests use a scripted fake.
type Engine interface {
	Ensure() (aria2.Caller, error)
	IncrementActive()
	DecrementActive()
	Reset()
}

// Extractor is the archive tool surface. *extractor.SevenZip implements it.
type Extractor interface {
	Verify(path string) error
	Extract(path, workDir, tag string) error
}

// Pipeline wires the two task stages together: a download queue whose worker
// drives aria2c, and an extraction queue whose worker unpacks finished
// archives. Everything that used to be a module-level global in the original
// app (queues, cancel map, shutting-down flag) lives here so tests can spin
// up isolated instances.
type Pipeline struct {
	cfg  Config
	log  *slog.Logger
	sink events.Sink

	engine    Engine
	extractor Extractor

	// mount links extracted content into the game directory; optional.
	mount func(group string) error
	// history records terminal download outcomes; optional.
	history func(rec storage.DownloadRecord)

	downloads *taskqueue.Queue[DownloadTask]
	extracts  *taskqueue.Queue[ExtractTask]

	cancelMu sync.Mutex
	cancels  map[string]string

	shutdown atomic.Bool

	queueEvents *rate.Limiter
}

func New(cfg Config, log *slog.Logger, sink events.Sink, engine Engine, ex Extractor) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		log:         log,
		sink:        sink,
		engine:      engine,
		extractor:   ex,
		downloads:   taskqueue.New[DownloadTask](cfg.MaxConcurrentDownloads),
		extracts:    taskqueue.New[ExtractTask](cfg.MaxConcurrentExtracts),
		cancels:     make(map[string]string),
		queueEvents: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
	}
}

// SetMountFunc installs the post-extraction link step.
func (p *Pipeline) SetMountFunc(fn func(group string) error) {
	p.mount = fn
}

// SetHistoryFunc installs the download-history recorder.
func (p *Pipeline) SetHistoryFunc(fn func(rec storage.DownloadRecord)) {
	p.history = fn
}

// ShuttingDown reports the global teardown flag.
func (p *Pipeline) ShuttingDown() bool {
	return p.shutdown.Load()
}

// BeginShutdown sets the teardown flag; worker loops drain out on their next
// check, and the queue is persisted for replay on the next start.
func (p *Pipeline) BeginShutdown() {
	p.shutdown.Store(true)
	if err := p.SaveQueue(); err != nil {
		p.log.Error("failed to persist queue during shutdown", "error", err)
	}
}

// minFreeBytes is the disk headroom required before accepting a download.
const minFreeBytes = 200 * 1024 * 1024

// Enqueue creates a download task for the URL and adds it to the queue.
// Enqueueing is refused when the cache disk is nearly full.
func (p *Pipeline) Enqueue(url, extractDir string) (string, error) {
	if usage, err := disk.Usage(p.cfg.CacheDir); err == nil && usage.Free < minFreeBytes {
		p.log.Error("not enough disk space for download", "free", usage.Free)
		return "", fmt.Errorf("not enough disk space: %d bytes free", usage.Free)
	}

	task := DownloadTask{
		ID:         uuid.New().String(),
		URL:        url,
		ExtractDir: extractDir,
		Filename:   filenameFromURL(url),
	}
	p.EnqueueTask(task)
	return task.ID, nil
}

// EnqueueTask adds a pre-built task (Enqueue builds one from a URL) and
// makes sure the download loop is running.
func (p *Pipeline) EnqueueTask(task DownloadTask) {
	p.downloads.Add(task.ID, task)
	p.log.Info("download task queued", "id", task.ID, "url", task.URL)

	p.sink.Emit("download-task-add", map[string]interface{}{
		"taskId":   task.ID,
		"url":      task.URL,
		"filename": task.Filename,
	})
	p.emitQueueUpdate(true)

	p.startDownloadLoop()

	if err := p.SaveQueue(); err != nil {
		p.log.Warn("failed to persist queue", "error", err)
	}
}

// Cancel requests cancellation of an active download. The reason is either
// CancelReasonUser or CancelReasonStalled; the owning worker drains the
// entry on its next poll, within about one poll interval.
func (p *Pipeline) Cancel(taskID, reason string) {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	p.cancels[taskID] = reason
	p.log.Info("cancel requested", "id", taskID, "reason", reason)
}

// takeCancel consumes a pending cancel request for the task, if any.
func (p *Pipeline) takeCancel(taskID string) (string, bool) {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	reason, ok := p.cancels[taskID]
	if ok {
		delete(p.cancels, taskID)
	}
	return reason, ok
}

// Start loads the persisted queue and starts periodic persistence. The
// processing loops themselves start lazily with the first task.
func (p *Pipeline) Start() {
	if err := p.LoadQueue(); err != nil {
		p.log.Warn("failed to load persisted queue", "error", err)
	}

	go func() {
		for !p.ShuttingDown() {
			time.Sleep(p.cfg.PersistInterval)
			if err := p.SaveQueue(); err != nil {
				p.log.Warn("periodic queue persist failed", "error", err)
			}
		}
	}()
}

func (p *Pipeline) startDownloadLoop() {
	if p.downloads.MarkProcessingStarted() {
		return
	}
	go taskqueue.ProcessLoop(p.downloads, p.cfg.QueuePollInterval,
		func() bool { return !p.ShuttingDown() },
		p.handleDownload,
	)
}

func (p *Pipeline) startExtractLoop() {
	if p.extracts.MarkProcessingStarted() {
		return
	}
	go taskqueue.ProcessLoop(p.extracts, p.cfg.ExtractPollInterval,
		func() bool { return !p.ShuttingDown() },
		p.handleExtract,
	)
}

// handleDownload runs one dequeued download task to its terminal event.
func (p *Pipeline) handleDownload(id string, task DownloadTask) {
	go func() {
		p.log.Info("processing download task", "id", id, "url", task.URL)

		p.sink.Emit("download-task-start", map[string]interface{}{
			"taskId":   task.ID,
			"url":      task.URL,
			"filename": task.Filename,
		})

		filePath, err := p.downloadViaAria2(task)
		if err == nil {
			extractTask := ExtractTask{
				ID:             uuid.New().String(),
				FilePath:       filePath,
				ExtractDir:     task.ExtractDir,
				ArchiveName:    archiveName(task, filePath),
				DownloadTaskID: task.ID,
			}
			p.log.Info("download finished, queueing extraction",
				"id", task.ID, "extractTask", extractTask.ID, "file", filePath)
			p.extracts.Add(extractTask.ID, extractTask)
			p.startExtractLoop()
		} else {
			p.log.Error("download task failed", "id", id, "error", err)
		}

		p.downloads.RemoveActive(id)
		p.emitQueueUpdate(true)
		if err := p.SaveQueue(); err != nil {
			p.log.Warn("failed to persist queue", "error", err)
		}

		// Breathe between tasks so terminal events land before the next start.
		time.Sleep(p.cfg.TaskGapDelay)
	}()
}

// handleExtract runs one dequeued extraction task.
func (p *Pipeline) handleExtract(id string, task ExtractTask) {
	go func() {
		p.processExtractTask(task)
		p.extracts.RemoveActive(id)
	}()
}

// queueSnapshot builds the download-queue-update payload.
func (p *Pipeline) queueSnapshot() map[string]interface{} {
	waiting := p.downloads.Waiting()
	_, active := p.downloads.Counts()

	waitingTasks := make([]map[string]interface{}, 0, len(waiting))
	for _, t := range waiting {
		waitingTasks = append(waitingTasks, map[string]interface{}{
			"id":       t.ID,
			"url":      t.URL,
			"filename": t.Filename,
		})
	}

	return map[string]interface{}{
		"queue": map[string]interface{}{
			"waiting_tasks": waitingTasks,
			"total_tasks":   len(waiting) + active,
			"active_tasks":  active,
		},
	}
}

// QueueSnapshot exposes the queue state to the frontend bridge and the
// control API.
func (p *Pipeline) QueueSnapshot() map[string]interface{} {
	return p.queueSnapshot()
}

// emitQueueUpdate pushes a queue snapshot to the UI. Unforced updates are
// throttled so failure-retry loops don't flood the frontend.
func (p *Pipeline) emitQueueUpdate(force bool) {
	if !force && !p.queueEvents.Allow() {
		return
	}
	p.sink.Emit("download-queue-update", p.queueSnapshot())
}

func (p *Pipeline) recordHistory(rec storage.DownloadRecord) {
	if p.history != nil {
		p.history(rec)
	}
}

func filenameFromURL(url string) string {
	trimmed := strings.TrimSuffix(url, "/")
	if i := strings.Index(trimmed, "?"); i >= 0 {
		trimmed = trimmed[:i]
	}
	name := trimmed[strings.LastIndex(trimmed, "/")+1:]
	if name == "" {
		return "unknown"
	}
	return name
}

// archiveName picks the extraction subfolder: the task's display name
// without its archive extension, falling back to the downloaded file's stem.
func archiveName(task DownloadTask, filePath string) string {
	name := task.Filename
	if name == "" || name == "unknown" {
		name = filepath.Base(filePath)
	}
	ext := filepath.Ext(name)
	if ext != "" {
		name = strings.TrimSuffix(name, ext)
	}
	if name == "" {
		name = task.ID
	}
	return name
}
