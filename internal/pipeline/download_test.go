package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyaser-maps-downloader/internal/aria2"
	"nyaser-maps-downloader/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig shrinks the intervals so scenarios run in milliseconds.
func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.CacheDir = t.TempDir()
	cfg.QueueFile = filepath.Join(t.TempDir(), "download_queue.json")

	cfg.PollInterval = 10 * time.Millisecond
	cfg.StallAfter = 30 * time.Millisecond
	cfg.StallRestartDelay = 1 * time.Millisecond
	cfg.ConfirmInterval = 2 * time.Millisecond
	cfg.AbsentStableChecks = 2
	cfg.AbsentStableInterval = 2 * time.Millisecond
	cfg.ReleaseWaitTimeout = 300 * time.Millisecond
	cfg.ReleaseCheckInterval = 2 * time.Millisecond
	cfg.ReleaseStableSamples = 2
	cfg.MagicRetryInterval = 2 * time.Millisecond
	cfg.SidecarWaitTimeout = 100 * time.Millisecond
	cfg.SidecarCheckInterval = 5 * time.Millisecond
	cfg.ExtractRetryUnit = 2 * time.Millisecond
	cfg.QueuePollInterval = 5 * time.Millisecond
	cfg.ExtractPollInterval = 5 * time.Millisecond
	cfg.TaskGapDelay = 1 * time.Millisecond
	cfg.PersistInterval = 1 * time.Hour
	return cfg
}

func mkStatus(total, completed, speed uint64) *aria2.Status {
	return &aria2.Status{
		TotalLength:     total,
		CompletedLength: completed,
		DownloadSpeed:   speed,
		Connections:     4,
	}
}

// fakeRPC scripts aria2's answers. statusFn receives the 1-based count of
// TellStatus calls made so far and the current gid.
type fakeRPC struct {
	mu          sync.Mutex
	addCalls    int
	statusCalls int
	removed     []string
	statusFn    func(call int, gid string) (*aria2.Status, error)
	onAdd       func(dir, out string)
}

func (f *fakeRPC) AddURI(ctx context.Context, uri, dir, out string) (string, error) {
	f.mu.Lock()
	f.addCalls++
	n := f.addCalls
	onAdd := f.onAdd
	f.mu.Unlock()
	if onAdd != nil {
		onAdd(dir, out)
	}
	return fmt.Sprintf("gid%d", n), nil
}

func (f *fakeRPC) TellStatus(ctx context.Context, gid string) (*aria2.Status, error) {
	f.mu.Lock()
	f.statusCalls++
	call := f.statusCalls
	fn := f.statusFn
	f.mu.Unlock()
	return fn(call, gid)
}

func (f *fakeRPC) Remove(ctx context.Context, gid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, gid)
	return nil
}

func (f *fakeRPC) AddCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addCalls
}

func (f *fakeRPC) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.removed))
	copy(out, f.removed)
	return out
}

// fakeEngine stands in for the aria2 supervisor.
type fakeEngine struct {
	mu      sync.Mutex
	rpc     *fakeRPC
	active  int
	ensures int
	resets  int
}

func (e *fakeEngine) Ensure() (aria2.Caller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensures++
	return e.rpc, nil
}

func (e *fakeEngine) IncrementActive() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active++
}

func (e *fakeEngine) DecrementActive() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active--
}

func (e *fakeEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets++
}

func (e *fakeEngine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// fakeExtractor unpacks by writing a placeholder vpk into the work dir.
type fakeExtractor struct {
	mu         sync.Mutex
	verifyErr  error
	extractErr error
	produce    bool
	calls      int
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{produce: true}
}

func (f *fakeExtractor) Verify(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyErr
}

func (f *fakeExtractor) Extract(path, workDir, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.extractErr != nil {
		return f.extractErr
	}
	if f.produce {
		return os.WriteFile(filepath.Join(workDir, "pak01_dir.vpk"), []byte("vpk"), 0644)
	}
	return nil
}

func (f *fakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var zipHeader = append([]byte{0x50, 0x4B, 0x03, 0x04}, make([]byte, 96)...)

// writeArchive makes the fake AddURI produce a plausible downloaded file.
func writeArchive(t *testing.T) func(dir, out string) {
	return func(dir, out string) {
		if err := os.WriteFile(filepath.Join(dir, out), zipHeader, 0644); err != nil {
			t.Errorf("failed to write fake archive: %v", err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestPipeline(t *testing.T, rpc *fakeRPC) (*Pipeline, *fakeEngine, *events.Recorder, *fakeExtractor) {
	engine := &fakeEngine{rpc: rpc}
	rec := events.NewRecorder()
	ex := newFakeExtractor()
	p := New(testConfig(t), testLogger(), rec, engine, ex)
	return p, engine, rec, ex
}

func progressValues(rec *events.Recorder, taskID string) []float64 {
	var out []float64
	for _, e := range rec.Named("download-progress") {
		payload := e.Payload.(map[string]interface{})
		if payload["taskId"] != taskID {
			continue
		}
		if v, ok := payload["progress"].(float64); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestDownloadHappyPath(t *testing.T) {
	rpc := &fakeRPC{onAdd: writeArchive(t)}
	rpc.statusFn = func(call int, gid string) (*aria2.Status, error) {
		switch call {
		case 1:
			return mkStatus(100, 0, 1000), nil
		case 2:
			return mkStatus(100, 50, 1000), nil
		default:
			return mkStatus(100, 100, 0), nil
		}
	}

	p, engine, rec, ex := newTestPipeline(t, rpc)
	extractDir := t.TempDir()

	p.EnqueueTask(DownloadTask{ID: "t1", URL: "https://example.com/a.zip", ExtractDir: extractDir, Filename: "a.zip"})

	waitFor(t, "extract-complete", func() bool { return len(rec.Named("extract-complete")) == 1 })

	// Event sequence for the happy path.
	require.Len(t, rec.Named("download-task-add"), 1)
	require.Len(t, rec.Named("download-task-start"), 1)
	require.Len(t, rec.Named("download-complete"), 1)
	require.Len(t, rec.Named("extract-start"), 1)
	assert.Empty(t, rec.Named("download-failed"))
	assert.Empty(t, rec.Named("download-canceled"))

	complete := rec.Named("download-complete")[0].Payload.(map[string]interface{})
	assert.Equal(t, "t1", complete["taskId"])
	assert.Equal(t, true, complete["success"])
	assert.Greater(t, complete["fileSize"].(int64), int64(0))

	// Progress events are monotone and end at 100%.
	values := progressValues(rec, "t1")
	require.NotEmpty(t, values)
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress must be monotone")
	}
	assert.Equal(t, 100.0, values[len(values)-1])

	// Extraction ran and the archive landed in the right subfolder.
	extractComplete := rec.Named("extract-complete")[0].Payload.(map[string]interface{})
	assert.Equal(t, true, extractComplete["success"])
	assert.Equal(t, "t1", extractComplete["taskId"])
	assert.FileExists(t, filepath.Join(extractDir, "a", "pak01_dir.vpk"))
	assert.Equal(t, 1, ex.Calls())

	// Refcount drained; temp archive cleaned up.
	waitFor(t, "refcount drain", func() bool { return engine.Active() == 0 })
	entries, err := os.ReadDir(p.cfg.CacheDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp archive must be deleted on successful extraction")
}

func TestSecondTaskStartsAfterFirstCompletes(t *testing.T) {
	rpc := &fakeRPC{onAdd: writeArchive(t)}
	rpc.statusFn = func(call int, gid string) (*aria2.Status, error) {
		return mkStatus(100, 100, 0), nil
	}

	p, _, rec, _ := newTestPipeline(t, rpc)
	extractDir := t.TempDir()

	p.EnqueueTask(DownloadTask{ID: "t1", URL: "https://example.com/a.zip", ExtractDir: extractDir, Filename: "a.zip"})
	p.EnqueueTask(DownloadTask{ID: "t2", URL: "https://example.com/b.zip", ExtractDir: extractDir, Filename: "b.zip"})

	waitFor(t, "both downloads complete", func() bool { return len(rec.Named("download-complete")) == 2 })

	all := rec.All()
	idx := func(name, taskID string) int {
		for i, e := range all {
			if e.Name != name {
				continue
			}
			if payload, ok := e.Payload.(map[string]interface{}); ok && payload["taskId"] == taskID {
				return i
			}
		}
		return -1
	}

	firstComplete := idx("download-complete", "t1")
	secondStart := idx("download-task-start", "t2")
	require.GreaterOrEqual(t, firstComplete, 0)
	require.GreaterOrEqual(t, secondStart, 0)
	assert.Greater(t, secondStart, firstComplete,
		"with max_concurrent=1 the second task must start only after the first completes")
}

func TestStallRetriesThenFails(t *testing.T) {
	rpc := &fakeRPC{onAdd: writeArchive(t)}
	rpc.statusFn = func(call int, gid string) (*aria2.Status, error) {
		return mkStatus(100, 37, 0), nil // stuck at 37%, zero speed
	}

	cfg := testConfig(t)
	cfg.MaxStallRetries = 2
	engine := &fakeEngine{rpc: rpc}
	rec := events.NewRecorder()
	p := New(cfg, testLogger(), rec, engine, newFakeExtractor())

	p.EnqueueTask(DownloadTask{ID: "t1", URL: "https://example.com/a.zip", ExtractDir: t.TempDir(), Filename: "a.zip"})

	waitFor(t, "download-failed", func() bool { return len(rec.Named("download-failed")) == 1 })

	// Each stall window up to and including the retry cap emits a
	// "restarting" cancel.
	restarts := 0
	for _, e := range rec.Named("download-canceled") {
		payload := e.Payload.(map[string]interface{})
		if payload["reason"] == "restarting (zero speed)" {
			restarts++
		}
	}
	assert.Equal(t, cfg.MaxStallRetries, restarts)

	failed := rec.Named("download-failed")[0].Payload.(map[string]interface{})
	assert.Contains(t, failed["error"], "stalled")

	// The failure is the last event for the task id.
	all := rec.All()
	last := all[len(all)-1]
	for i := len(all) - 1; i >= 0; i-- {
		if payload, ok := all[i].Payload.(map[string]interface{}); ok && payload["taskId"] == "t1" {
			last = all[i]
			break
		}
	}
	assert.Equal(t, "download-failed", last.Name)

	waitFor(t, "refcount drain", func() bool { return engine.Active() == 0 })
}

func TestGidLostReAddsAndCompletes(t *testing.T) {
	rpc := &fakeRPC{onAdd: writeArchive(t)}
	rpc.statusFn = func(call int, gid string) (*aria2.Status, error) {
		switch {
		case call == 1:
			return mkStatus(100, 30, 1000), nil
		case call == 2:
			return nil, aria2.ErrGidNotFound
		default:
			return mkStatus(100, 100, 0), nil
		}
	}

	p, engine, rec, _ := newTestPipeline(t, rpc)
	p.EnqueueTask(DownloadTask{ID: "t1", URL: "https://example.com/a.zip", ExtractDir: t.TempDir(), Filename: "a.zip"})

	waitFor(t, "download-complete", func() bool { return len(rec.Named("download-complete")) == 1 })

	assert.Equal(t, 2, rpc.AddCalls(), "the original URI must be re-added after GID loss")
	assert.Empty(t, rec.Named("download-failed"))
	waitFor(t, "refcount drain", func() bool { return engine.Active() == 0 })
}

func TestCancelEmitsWithinOnePollInterval(t *testing.T) {
	rpc := &fakeRPC{onAdd: writeArchive(t)}
	rpc.statusFn = func(call int, gid string) (*aria2.Status, error) {
		return mkStatus(100, 20, 1000), nil
	}

	p, engine, rec, _ := newTestPipeline(t, rpc)
	p.EnqueueTask(DownloadTask{ID: "t1", URL: "https://example.com/a.zip", ExtractDir: t.TempDir(), Filename: "a.zip"})

	waitFor(t, "first progress", func() bool { return len(rec.Named("download-progress")) > 0 })

	p.Cancel("t1", CancelReasonUser)
	start := time.Now()
	waitFor(t, "download-canceled", func() bool { return len(rec.Named("download-canceled")) == 1 })
	assert.Less(t, time.Since(start), 1*time.Second, "cancellation is bounded by one poll interval")

	assert.Empty(t, rec.Named("download-complete"))
	assert.Empty(t, rec.Named("download-failed"))
	assert.NotEmpty(t, rpc.Removed(), "cancel must remove the gid from aria2")

	waitFor(t, "refcount drain", func() bool { return engine.Active() == 0 })
}

func TestCancelWithStalledReasonFails(t *testing.T) {
	rpc := &fakeRPC{onAdd: writeArchive(t)}
	rpc.statusFn = func(call int, gid string) (*aria2.Status, error) {
		return mkStatus(100, 20, 1000), nil
	}

	p, _, rec, _ := newTestPipeline(t, rpc)
	p.EnqueueTask(DownloadTask{ID: "t1", URL: "https://example.com/a.zip", ExtractDir: t.TempDir(), Filename: "a.zip"})

	waitFor(t, "first progress", func() bool { return len(rec.Named("download-progress")) > 0 })
	p.Cancel("t1", CancelReasonStalled)

	waitFor(t, "download-failed", func() bool { return len(rec.Named("download-failed")) == 1 })
	assert.Empty(t, rec.Named("download-complete"))
}

func TestZeroByteFileFails(t *testing.T) {
	rpc := &fakeRPC{}
	rpc.onAdd = func(dir, out string) {
		_ = os.WriteFile(filepath.Join(dir, out), nil, 0644) // 0-byte artifact
	}
	rpc.statusFn = func(call int, gid string) (*aria2.Status, error) {
		return mkStatus(100, 100, 0), nil
	}

	p, _, rec, _ := newTestPipeline(t, rpc)
	p.EnqueueTask(DownloadTask{ID: "t1", URL: "https://example.com/a.zip", ExtractDir: t.TempDir(), Filename: "a.zip"})

	waitFor(t, "download-failed", func() bool { return len(rec.Named("download-failed")) == 1 })
	assert.Empty(t, rec.Named("download-complete"), "a 0-byte file must fail, not succeed")
}

func TestConsecutiveFailuresFallBackToFilesystem(t *testing.T) {
	rpc := &fakeRPC{onAdd: writeArchive(t)}
	rpc.statusFn = func(call int, gid string) (*aria2.Status, error) {
		return nil, aria2.ErrTransport
	}

	cfg := testConfig(t)
	cfg.MaxConsecutiveFailures = 4
	engine := &fakeEngine{rpc: rpc}
	rec := events.NewRecorder()
	p := New(cfg, testLogger(), rec, engine, newFakeExtractor())

	// The archive exists with no sidecar, so the filesystem fallback accepts it.
	p.EnqueueTask(DownloadTask{ID: "t1", URL: "https://example.com/a.zip", ExtractDir: t.TempDir(), Filename: "a.zip"})

	waitFor(t, "download-complete", func() bool { return len(rec.Named("download-complete")) == 1 })
	assert.Empty(t, rec.Named("download-failed"))
}
