package pipeline

import "time"

// Config carries the pipeline's directories and timing knobs. The defaults
// match the shipped desktop app; tests shrink the intervals.
type Config struct {
	// CacheDir is where aria2c writes archives before extraction.
	CacheDir string
	// QueueFile is the persisted queue path (download_queue.json).
	QueueFile string

	MaxConcurrentDownloads int
	MaxConcurrentExtracts  int

	// Download monitor loop.
	PollInterval           time.Duration
	StallAfter             time.Duration
	MaxStallRetries        int
	StallRestartDelay      time.Duration
	MaxConsecutiveFailures int
	SupervisorRestartEvery int

	// Post-100% confirmation.
	ConfirmSamples  int
	ConfirmInterval time.Duration

	// Status-absent filesystem probing.
	AbsentStableChecks   int
	AbsentStableInterval time.Duration

	// Completion stabilization (waiting for aria2c to release the file).
	ReleaseWaitTimeout   time.Duration
	ReleaseCheckInterval time.Duration
	ReleaseStableSamples int

	// Magic-number probe.
	MagicRetries       int
	MagicRetryInterval time.Duration

	// Extraction stage.
	SidecarWaitTimeout   time.Duration
	SidecarCheckInterval time.Duration
	MaxExtractAttempts   int
	ExtractRetryUnit     time.Duration

	// Queue processing loops.
	QueuePollInterval   time.Duration
	ExtractPollInterval time.Duration
	TaskGapDelay        time.Duration

	// Periodic queue persistence.
	PersistInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentDownloads: 1,
		MaxConcurrentExtracts:  1,

		PollInterval:           800 * time.Millisecond,
		StallAfter:             10 * time.Second,
		MaxStallRetries:        5,
		StallRestartDelay:      2 * time.Second,
		MaxConsecutiveFailures: 8,
		SupervisorRestartEvery: 3,

		ConfirmSamples:  3,
		ConfirmInterval: 1 * time.Second,

		AbsentStableChecks:   3,
		AbsentStableInterval: 2 * time.Second,

		ReleaseWaitTimeout:   60 * time.Second,
		ReleaseCheckInterval: 500 * time.Millisecond,
		ReleaseStableSamples: 10,

		MagicRetries:       5,
		MagicRetryInterval: 500 * time.Millisecond,

		SidecarWaitTimeout:   180 * time.Second,
		SidecarCheckInterval: 500 * time.Millisecond,
		MaxExtractAttempts:   3,
		ExtractRetryUnit:     2 * time.Second,

		QueuePollInterval:   100 * time.Millisecond,
		ExtractPollInterval: 1 * time.Second,
		TaskGapDelay:        1 * time.Second,

		PersistInterval: 30 * time.Second,
	}
}
