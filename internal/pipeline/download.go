package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"nyaser-maps-downloader/internal/aria2"
	"nyaser-maps-downloader/internal/storage"
)

// downloadViaAria2 drives one task through aria2c to a confirmed completion
// and returns the downloaded file's path. Every exit path emits exactly one
// terminal event for the task id. The supervisor refcount is incremented once
// the engine is up, and every exit after that point decrements it exactly
// once; an engine-start failure touches the refcount not at all.
func (p *Pipeline) downloadViaAria2(task DownloadTask) (string, error) {
	ctx := context.Background()
	displayName := displayFilename(task)

	rpc, err := p.engine.Ensure()
	if err != nil {
		p.log.Error("failed to start download engine", "id", task.ID, "error", err)
		p.failDownload(task, displayName, fmt.Sprintf("启动下载引擎失败: %v", err))
		return "", err
	}

	p.engine.IncrementActive()
	decremented := false
	decrement := func() {
		if !decremented {
			decremented = true
			p.engine.DecrementActive()
		}
	}

	outName := randomOutputName(task.URL)
	filePath := filepath.Join(p.cfg.CacheDir, outName)

	gid, err := rpc.AddURI(ctx, task.URL, p.cfg.CacheDir, outName)
	if err != nil {
		p.failDownload(task, displayName, fmt.Sprintf("failed to submit download: %v", err))
		decrement()
		return "", err
	}
	p.log.Info("monitoring download", "id", task.ID, "gid", gid, "file", filePath)

	var (
		consecutiveFailures int
		lastProgress        = -1.0
		zeroSpeedSince      time.Time
		retryCount          int
		startTime           = time.Now()
	)

monitor:
	for {
		if p.ShuttingDown() {
			p.log.Info("app shutting down, aborting download", "id", task.ID)
			p.sink.Emit("download-canceled", map[string]interface{}{
				"taskId":   task.ID,
				"filename": displayName,
				"reason":   "app shutting down",
			})
			_ = rpc.Remove(ctx, gid)
			decrement()
			return "", errShuttingDown
		}

		if reason, ok := p.takeCancel(task.ID); ok {
			p.log.Info("cancel request received", "id", task.ID, "reason", reason)
			var terminalErr error
			if reason == CancelReasonStalled {
				terminalErr = errStalled
				p.failDownload(task, displayName, "download stalled and could not continue: "+displayName)
			} else {
				terminalErr = errCanceled
				p.sink.Emit("download-canceled", map[string]interface{}{
					"taskId":   task.ID,
					"filename": displayName,
				})
				p.recordHistory(storage.DownloadRecord{
					ID: task.ID, URL: task.URL, Filename: displayName, Status: "canceled",
				})
			}
			_ = rpc.Remove(ctx, gid)
			p.emitQueueUpdate(true)
			decrement()
			return "", terminalErr
		}

		time.Sleep(p.cfg.PollInterval)

		status, err := rpc.TellStatus(ctx, gid)
		switch {
		case err == nil && status != nil:
			consecutiveFailures = 0

			progress := status.Progress()
			elapsed := int64(time.Since(startTime).Seconds())
			p.emitProgress(task, displayName, gid, status, progress, elapsed, &lastProgress)

			// Stall detection: a contiguous zero-speed streak below 100%
			// triggers a soft restart, bounded by MaxStallRetries.
			if status.DownloadSpeed == 0 {
				if zeroSpeedSince.IsZero() {
					zeroSpeedSince = time.Now()
					p.log.Warn("download speed hit zero", "id", task.ID)
				}
				if progress < 100.0 && time.Since(zeroSpeedSince) >= p.cfg.StallAfter {
					retryCount++
					p.log.Warn("download stalled", "id", task.ID, "retry", retryCount, "max", p.cfg.MaxStallRetries)

					if retryCount <= p.cfg.MaxStallRetries {
						_ = rpc.Remove(ctx, gid)
						p.sink.Emit("download-canceled", map[string]interface{}{
							"taskId":   task.ID,
							"filename": displayName,
							"reason":   "restarting (zero speed)",
						})
						time.Sleep(p.cfg.StallRestartDelay)
						zeroSpeedSince = time.Time{}
						continue
					}

					p.failDownload(task, displayName, "download stalled and could not continue: "+displayName)
					decrement()
					return "", errStalled
				}
			} else {
				zeroSpeedSince = time.Time{}
			}

			if progress >= 100.0 {
				// The reported 100% must hold across ConfirmSamples polls
				// before the file is treated as finished.
				p.log.Info("progress reached 100%, confirming", "id", task.ID)
				confirmed := true
				for i := 0; i < p.cfg.ConfirmSamples; i++ {
					time.Sleep(p.cfg.ConfirmInterval)
					st, serr := rpc.TellStatus(ctx, gid)
					if serr != nil || st == nil || st.Progress() < 100.0 {
						confirmed = false
						break
					}
				}
				if confirmed {
					break monitor
				}
				p.log.Warn("100% progress not stable yet, continuing", "id", task.ID)
			}

		case err == nil && status == nil:
			// aria2 no longer reports the task. Either it finished and was
			// dropped from memory, or the connection went sideways. Probe
			// the filesystem before declaring anything.
			p.log.Warn("status query returned no task, probing file", "id", task.ID, "gid", gid)

			if _, eerr := p.engine.Ensure(); eerr != nil {
				p.failDownload(task, displayName, fmt.Sprintf("启动下载引擎失败: %v", eerr))
				decrement()
				return "", eerr
			}

			fi, serr := os.Stat(filePath)
			switch {
			case serr == nil && fi.Size() > 0:
				if p.fileStable(filePath, p.cfg.AbsentStableChecks, p.cfg.AbsentStableInterval) && !fileExists(filePath+".aria2") {
					p.log.Info("file stable and sidecar gone, accepting completion", "id", task.ID)
					break monitor
				}
				p.sink.Emit("download-progress", map[string]interface{}{
					"taskId":   task.ID,
					"filename": displayName,
					"progress": 99.0,
					"message":  "downloading, status temporarily unavailable",
				})
			case serr == nil:
				p.failDownload(task, displayName, "download failed: file is empty")
				decrement()
				return "", errors.New("downloaded file is empty")
			default:
				time.Sleep(p.cfg.AbsentStableInterval)
				if !fileExists(filePath) {
					p.failDownload(task, displayName, "download failed: file is not accessible")
					decrement()
					return "", fmt.Errorf("downloaded file not accessible: %w", serr)
				}
			}

		default:
			consecutiveFailures++
			p.log.Error("status poll failed", "id", task.ID, "failures", consecutiveFailures, "error", err)

			if errors.Is(err, aria2.ErrGidNotFound) {
				// aria2 forgot the task; re-add the original URI and keep
				// monitoring under the new gid.
				p.log.Info("gid lost, re-adding original uri", "id", task.ID)
				if c, eerr := p.engine.Ensure(); eerr == nil {
					rpc = c
					if newGid, aerr := rpc.AddURI(ctx, task.URL, p.cfg.CacheDir, outName); aerr == nil {
						p.log.Info("task re-added", "id", task.ID, "gid", newGid)
						gid = newGid
						consecutiveFailures = 0
						continue
					}
					p.log.Error("failed to re-add task", "id", task.ID)
				}
			} else if errors.Is(err, aria2.ErrProcessDead) {
				if c, eerr := p.engine.Ensure(); eerr == nil {
					rpc = c
				}
			}

			if consecutiveFailures%p.cfg.SupervisorRestartEvery == 0 {
				p.log.Info("repeated status failures, restarting download engine", "id", task.ID)
				p.engine.Reset()
				if c, eerr := p.engine.Ensure(); eerr == nil {
					rpc = c
				}
				p.emitQueueUpdate(false)
			}

			// Keep the frontend's task entry alive while retrying.
			p.sink.Emit("download-progress", map[string]interface{}{
				"taskId":   task.ID,
				"filename": displayName,
				"progress": maxFloat(lastProgress, 0.0),
				"message":  fmt.Sprintf("retrying... (%d)", consecutiveFailures),
			})

			if consecutiveFailures >= p.cfg.MaxConsecutiveFailures {
				// Final filesystem fallback before giving up.
				if fi, serr := os.Stat(filePath); serr == nil && fi.Size() > 0 && !fileExists(filePath+".aria2") {
					p.log.Info("status polling failed but file looks complete, accepting", "id", task.ID)
					break monitor
				}
				p.failDownload(task, displayName, fmt.Sprintf("download failed: repeated status errors, last: %v", err))
				decrement()
				return "", fmt.Errorf("status polling failed %d times: %w", consecutiveFailures, err)
			}
		}
	}

	return p.finishDownload(task, displayName, filePath, decrement)
}

// finishDownload validates and stabilizes the completed file, then emits
// download-complete.
func (p *Pipeline) finishDownload(task DownloadTask, displayName, filePath string, decrement func()) (string, error) {
	finalSize := int64(0)
	if fi, err := os.Stat(filePath); err == nil {
		finalSize = fi.Size()
	}
	p.log.Info("download loop finished", "id", task.ID, "size", finalSize)

	if finalSize == 0 {
		p.failDownload(task, displayName, "download failed: file size is 0")
		decrement()
		return "", errors.New("downloaded file is empty")
	}

	if !p.checkArchiveMagic(filePath) {
		p.failDownload(task, displayName, "download finished but the file does not look like a valid archive")
		decrement()
		return "", errors.New("magic number check failed")
	}

	p.waitForFileRelease(task.ID, filePath)

	p.sink.Emit("download-complete", map[string]interface{}{
		"taskId":   task.ID,
		"success":  true,
		"message":  "download complete, preparing extraction",
		"filename": displayName,
		"fileSize": finalSize,
	})
	p.recordHistory(storage.DownloadRecord{
		ID: task.ID, URL: task.URL, Filename: displayName,
		Status: "completed", FileSize: finalSize,
	})

	decrement()
	return filePath, nil
}

// waitForFileRelease waits for aria2c to fully release the file: the .aria2
// sidecar disappears, or the file size holds still for ReleaseStableSamples
// consecutive checks, bounded by ReleaseWaitTimeout. A still-present sidecar
// gets a final constant-size override.
func (p *Pipeline) waitForFileRelease(taskID, filePath string) {
	sidecar := filePath + ".aria2"
	deadline := time.Now().Add(p.cfg.ReleaseWaitTimeout)

	stableCount := 0
	lastSize := int64(-1)

	for fileExists(sidecar) && stableCount < p.cfg.ReleaseStableSamples && time.Now().Before(deadline) {
		time.Sleep(p.cfg.ReleaseCheckInterval)

		if fi, err := os.Stat(filePath); err == nil {
			if fi.Size() == lastSize {
				stableCount++
			} else {
				stableCount = 0
				lastSize = fi.Size()
			}
		}
	}

	if !fileExists(sidecar) {
		p.log.Info("sidecar file gone, file released", "id", taskID)
		return
	}

	p.log.Warn("sidecar still present after release wait", "id", taskID, "sidecar", sidecar)
	if p.fileStable(filePath, p.cfg.ConfirmSamples, p.cfg.ConfirmInterval) {
		p.log.Info("file size constant despite sidecar, accepting", "id", taskID)
		return
	}
	p.log.Warn("file size still changing, giving it a few more seconds", "id", taskID)
	time.Sleep(5 * p.cfg.ConfirmInterval)
}

// fileStable samples the file size checks times, interval apart, and reports
// whether it never changed.
func (p *Pipeline) fileStable(filePath string, checks int, interval time.Duration) bool {
	fi, err := os.Stat(filePath)
	if err != nil {
		return false
	}
	initial := fi.Size()

	for i := 0; i < checks; i++ {
		time.Sleep(interval)
		fi, err := os.Stat(filePath)
		if err != nil || fi.Size() != initial {
			return false
		}
	}
	return true
}

// emitProgress computes the derived metrics for one status sample and emits
// a download-progress event when progress moved at least 0.1% (or hit 100%).
func (p *Pipeline) emitProgress(task DownloadTask, displayName, gid string, status *aria2.Status, progress float64, elapsed int64, lastProgress *float64) {
	if progress-*lastProgress < 0.1 && progress < 100.0 {
		return
	}
	*lastProgress = progress

	speedStr := formatSpeed(status.DownloadSpeed)

	avgSpeed := uint64(0)
	if elapsed > 0 {
		avgSpeed = status.CompletedLength / uint64(elapsed)
	}
	avgSpeedStr := formatSpeed(avgSpeed)
	if elapsed == 0 {
		avgSpeedStr = speedStr
	}

	etaSecs := uint64(0)
	if status.DownloadSpeed > 0 && progress < 100.0 {
		etaSecs = (status.TotalLength - status.CompletedLength) / status.DownloadSpeed
	}

	shortID := gid
	if len(shortID) > 6 {
		shortID = shortID[:6]
	}

	rawOutput := fmt.Sprintf("[#%s %.1fMiB/%.1fMiB(%.1f%%) CN:%d DL:%s AVG:%s ETA:%s TIME:%s]",
		shortID, status.CompletedMB(), status.TotalSizeMB(), progress,
		status.Connections, speedStr, avgSpeedStr,
		formatSeconds(etaSecs), formatSeconds(uint64(elapsed)))

	p.sink.Emit("download-progress", map[string]interface{}{
		"taskId":           task.ID,
		"filename":         displayName,
		"progress":         progress,
		"totalSize":        status.TotalSizeMB(),
		"completedSize":    status.CompletedMB(),
		"gid":              gid,
		"rawOutput":        rawOutput,
		"downloadSpeed":    status.DownloadSpeed,
		"avgDownloadSpeed": avgSpeed,
		"connections":      status.Connections,
		"elapsedTime":      elapsed,
		"eta":              etaSecs,
	})
}

// failDownload emits the terminal failure event and records history.
func (p *Pipeline) failDownload(task DownloadTask, displayName, message string) {
	p.log.Error("download failed", "id", task.ID, "error", message)
	p.sink.Emit("download-failed", map[string]interface{}{
		"taskId":   task.ID,
		"filename": displayName,
		"error":    message,
	})
	p.recordHistory(storage.DownloadRecord{
		ID: task.ID, URL: task.URL, Filename: displayName,
		Status: "failed", Message: message,
	})
}

func displayFilename(task DownloadTask) string {
	if task.Filename != "" {
		return task.Filename
	}
	return "unknown"
}

// randomOutputName builds a collision-free cache filename, keeping a short
// extension from the URL when one is present.
func randomOutputName(url string) string {
	name := uuid.New().String()
	base := filenameFromURL(url)
	if i := strings.LastIndex(base, "."); i >= 0 {
		ext := base[i+1:]
		if len(ext) > 0 && len(ext) <= 6 {
			name += "." + ext
		}
	}
	return name
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func formatSpeed(bytesPerSec uint64) string {
	switch {
	case bytesPerSec > 1024*1024:
		return fmt.Sprintf("%.1fMiB/s", float64(bytesPerSec)/(1024.0*1024.0))
	case bytesPerSec > 1024:
		return fmt.Sprintf("%.1fKiB/s", float64(bytesPerSec)/1024.0)
	default:
		return fmt.Sprintf("%dB/s", bytesPerSec)
	}
}

func formatSeconds(secs uint64) string {
	switch {
	case secs >= 3600:
		return fmt.Sprintf("%dh", secs/3600)
	case secs >= 60:
		return fmt.Sprintf("%dm", secs/60)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
