package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// processExtractTask runs one extraction task to completion: wait out the
// downloader's sidecar file, verify and unpack the archive, link the result
// into the game directory, and emit extract events keyed by the originating
// download task id.
func (p *Pipeline) processExtractTask(task ExtractTask) {
	filename := filepath.Base(task.FilePath)

	p.waitForSidecar(task)

	p.sink.Emit("extract-start", map[string]interface{}{
		"taskId":     task.DownloadTaskID,
		"filename":   filename,
		"extractDir": task.ExtractDir,
	})
	p.log.Info("starting extraction", "extractTask", task.ID, "downloadTask", task.DownloadTaskID, "file", task.FilePath)

	var err error
	for attempt := 1; attempt <= p.cfg.MaxExtractAttempts; attempt++ {
		if attempt > 1 {
			p.log.Warn("extraction retry", "extractTask", task.ID, "attempt", attempt, "error", err)
			time.Sleep(time.Duration(attempt-1) * p.cfg.ExtractRetryUnit)
		}
		err = p.extractArchive(task)
		if err == nil {
			break
		}
	}

	success := err == nil
	var message string
	if success {
		message = fmt.Sprintf("extracted to %s", filepath.Join(task.ExtractDir, task.ArchiveName))
		// The temp archive is only needed for diagnosis on failure.
		if rerr := os.Remove(task.FilePath); rerr != nil {
			p.log.Warn("could not delete temp archive", "file", task.FilePath, "error", rerr)
		}
		p.log.Info("extraction complete", "extractTask", task.ID, "target", message)
	} else {
		message = fmt.Sprintf("extraction failed after %d attempts: %v", p.cfg.MaxExtractAttempts, err)
		p.log.Error("extraction failed", "extractTask", task.ID, "error", err)
	}

	p.sink.Emit("extract-complete", map[string]interface{}{
		"taskId":   task.DownloadTaskID,
		"success":  success,
		"message":  message,
		"filename": filename,
	})
}

// waitForSidecar blocks until the .aria2 sidecar next to the downloaded file
// disappears. If the timeout expires the originating download is re-submitted
// through aria2c (the continue flag resumes the transfer) and extraction
// proceeds anyway.
func (p *Pipeline) waitForSidecar(task ExtractTask) {
	sidecar := task.FilePath + ".aria2"
	if !fileExists(sidecar) {
		return
	}

	p.log.Info("waiting for sidecar file to disappear", "extractTask", task.ID, "sidecar", sidecar)
	deadline := time.Now().Add(p.cfg.SidecarWaitTimeout)

	for fileExists(sidecar) {
		if time.Now().After(deadline) {
			p.log.Warn("sidecar wait timed out", "extractTask", task.ID)
			p.resumeOriginatingDownload(task)
			return
		}
		time.Sleep(p.cfg.SidecarCheckInterval)
	}
	p.log.Info("sidecar file gone", "extractTask", task.ID)
}

// resumeOriginatingDownload re-submits the download that produced this
// archive so aria2c can finish the transfer while extraction proceeds.
func (p *Pipeline) resumeOriginatingDownload(task ExtractTask) {
	dtask, ok := p.downloads.Find(task.DownloadTaskID)
	if !ok {
		p.log.Warn("originating download not found", "downloadTask", task.DownloadTaskID)
		return
	}

	rpc, err := p.engine.Ensure()
	if err != nil {
		p.log.Error("could not start engine to resume download", "downloadTask", task.DownloadTaskID, "error", err)
		return
	}

	gid, err := rpc.AddURI(context.Background(), dtask.URL, filepath.Dir(task.FilePath), filepath.Base(task.FilePath))
	if err != nil {
		p.log.Error("failed to resume download", "downloadTask", task.DownloadTaskID, "error", err)
		return
	}

	p.log.Info("download resumed", "downloadTask", task.DownloadTaskID, "gid", gid)
	p.sink.Emit("download-resumed", map[string]interface{}{
		"taskId":   task.DownloadTaskID,
		"filename": filepath.Base(task.FilePath),
		"message":  "download resumed",
	})
}

// extractArchive performs one verify-and-unpack attempt.
func (p *Pipeline) extractArchive(task ExtractTask) error {
	fi, err := os.Stat(task.FilePath)
	if err != nil {
		return fmt.Errorf("file does not exist: %s", task.FilePath)
	}
	if fi.Size() < 1 {
		return fmt.Errorf("file is too small (%d bytes), likely damaged", fi.Size())
	}

	// Let the filesystem settle before 7z grabs the file.
	time.Sleep(100 * time.Millisecond)

	if err := p.extractor.Verify(task.FilePath); err != nil {
		return fmt.Errorf("archive verification failed: %w", err)
	}

	if err := os.MkdirAll(task.ExtractDir, 0755); err != nil {
		return fmt.Errorf("could not create extract dir: %w", err)
	}

	targetDir := filepath.Join(task.ExtractDir, task.ArchiveName)
	if fileExists(targetDir) {
		if err := os.RemoveAll(targetDir); err != nil {
			return fmt.Errorf("could not remove existing target dir: %w", err)
		}
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("could not create target dir: %w", err)
	}

	if err := p.extractor.Extract(task.FilePath, targetDir, task.DownloadTaskID); err != nil {
		_ = os.RemoveAll(targetDir)
		return err
	}

	entries, err := os.ReadDir(targetDir)
	if err != nil {
		return fmt.Errorf("could not read target dir: %w", err)
	}
	if len(entries) == 0 {
		_ = os.RemoveAll(targetDir)
		return fmt.Errorf("extraction produced an empty directory, unsupported or damaged archive")
	}

	if p.mount != nil {
		if err := p.mount(task.ArchiveName); err != nil {
			p.log.Warn("auto mount failed", "group", task.ArchiveName, "error", err)
		}
	}

	return nil
}
