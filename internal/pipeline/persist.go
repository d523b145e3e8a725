package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"nyaser-maps-downloader/internal/taskqueue"
)

// savedQueue is the on-disk format of download_queue.json.
type savedQueue struct {
	Tasks []DownloadTask `json:"tasks"`
}

// opURLPattern matches the redirector form of map URLs. Persisted tasks are
// rewritten to the direct download host so a replayed queue does not bounce
// through the redirector again.
var opURLPattern = regexp.MustCompile(`^https://op\.([^/]+)/(.+?)(\?.*)?$`)

func rewriteURL(url string) string {
	m := opURLPattern.FindStringSubmatch(url)
	if m == nil {
		return url
	}
	return fmt.Sprintf("https://maps.%s/d/%s", m[1], m[2])
}

// SaveQueue serializes the download queue, active tasks first so they
// re-enter processing ahead of waiting ones on the next startup. An empty
// queue deletes the file instead.
func (p *Pipeline) SaveQueue() error {
	if p.cfg.QueueFile == "" {
		return nil
	}

	tasks := append(p.downloads.Active(), p.downloads.Waiting()...)
	for i := range tasks {
		tasks[i].URL = rewriteURL(tasks[i].URL)
	}

	if len(tasks) == 0 {
		if fileExists(p.cfg.QueueFile) {
			if err := os.Remove(p.cfg.QueueFile); err != nil {
				p.log.Warn("could not delete empty queue file", "error", err)
			}
		}
		return nil
	}

	data, err := json.MarshalIndent(savedQueue{Tasks: tasks}, "", "  ")
	if err != nil {
		return fmt.Errorf("could not serialize queue: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.cfg.QueueFile), 0755); err != nil {
		return fmt.Errorf("could not create queue dir: %w", err)
	}
	if err := os.WriteFile(p.cfg.QueueFile, data, 0644); err != nil {
		return fmt.Errorf("could not write queue file: %w", err)
	}

	p.log.Info("queue persisted", "file", p.cfg.QueueFile, "tasks", len(tasks))
	return nil
}

// LoadQueue replays a persisted queue. Tasks re-enter as waiting in the
// saved order (actives were saved first) and processing starts.
func (p *Pipeline) LoadQueue() error {
	if p.cfg.QueueFile == "" || !fileExists(p.cfg.QueueFile) {
		return nil
	}

	data, err := os.ReadFile(p.cfg.QueueFile)
	if err != nil {
		return fmt.Errorf("could not read queue file: %w", err)
	}

	var saved savedQueue
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("could not parse queue file: %w", err)
	}
	if len(saved.Tasks) == 0 {
		return nil
	}

	entries := make([]taskqueue.Entry[DownloadTask], 0, len(saved.Tasks))
	for _, task := range saved.Tasks {
		entries = append(entries, taskqueue.Entry[DownloadTask]{ID: task.ID, Task: task})
	}
	p.downloads.Replace(entries)

	p.log.Info("queue loaded", "tasks", len(saved.Tasks))
	p.emitQueueUpdate(true)
	p.startDownloadLoop()
	return nil
}
