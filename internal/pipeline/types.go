package pipeline

import "errors"

// DownloadTask is one queued map download. Immutable after creation; the
// JSON tags define the persisted queue format.
type DownloadTask struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	ExtractDir string `json:"extract_dir"`
	Filename   string `json:"filename"`
}

// ExtractTask is the hand-off from a confirmed download to the extraction
// stage.
type ExtractTask struct {
	ID             string
	FilePath       string
	ExtractDir     string
	ArchiveName    string
	DownloadTaskID string
}

// Cancel reasons deposited into the cancel map.
const (
	CancelReasonUser    = "user"
	CancelReasonStalled = "stalled"
)

var (
	errCanceled     = errors.New("download canceled by user")
	errStalled      = errors.New("download stalled")
	errShuttingDown = errors.New("application is shutting down")
)
