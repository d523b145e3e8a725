package aria2

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"nyaser-maps-downloader/internal/logger"
)

const (
	slotLockTimeout  = 1 * time.Second
	slotLockInterval = 10 * time.Millisecond
	spawnInitWait    = 200 * time.Millisecond
)

// instance is a running aria2c RPC server.
type instance struct {
	url    string
	secret string
	pid    int32
	cmd    *exec.Cmd
}

// Supervisor owns the on-demand aria2c subprocess. At most one instance runs
// at a time; many download tasks multiplex onto its RPC endpoint. A refcount
// of accepted-but-not-finished downloads governs its lifetime: the first
// accepted download starts it, the last terminal event shuts it down.
type Supervisor struct {
	log          *slog.Logger
	binaryPath   string
	userAgent    string
	shuttingDown func() bool

	mu   sync.Mutex // guards slot
	slot *instance

	pidsMu sync.Mutex
	pids   map[int32]struct{}

	activeMu sync.Mutex
	active   int
}

func NewSupervisor(log *slog.Logger, binaryPath string, shuttingDown func() bool) *Supervisor {
	if binaryPath == "" {
		binaryPath = defaultBinaryPath()
	}
	if shuttingDown == nil {
		shuttingDown = func() bool { return false }
	}
	return &Supervisor{
		log:          log,
		binaryPath:   binaryPath,
		userAgent:    "pan.baidu.com",
		shuttingDown: shuttingDown,
		pids:         make(map[int32]struct{}),
	}
}

// SetUserAgent overrides the user agent passed to downloads.
func (s *Supervisor) SetUserAgent(ua string) {
	if ua != "" {
		s.userAgent = ua
	}
}

// lockSlot acquires the slot mutex with a bounded wait, polling every 10 ms.
// It bails out when the application is shutting down so no worker blocks
// forever on a contested slot during teardown.
func (s *Supervisor) lockSlot(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if s.shuttingDown() {
			s.log.Debug("app shutting down, skipping supervisor lock")
			return false
		}
		if s.mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			s.log.Warn("supervisor lock timed out", "timeout", timeout)
			return false
		}
		time.Sleep(slotLockInterval)
	}
}

// Ensure returns a client for the running aria2c instance, starting one on
// demand.
func (s *Supervisor) Ensure() (Caller, error) {
	if !s.lockSlot(slotLockTimeout) {
		return nil, errors.New("supervisor slot unavailable")
	}
	defer s.mu.Unlock()

	if s.slot == nil {
		inst, err := s.start()
		if err != nil {
			return nil, err
		}
		s.slot = inst
	}
	return s.clientFor(s.slot), nil
}

func (s *Supervisor) clientFor(inst *instance) *Client {
	c := NewClient(inst.url, inst.secret, inst.pid, s.log)
	c.SetUserAgent(s.userAgent)
	c.SetOnProcessDead(s.Reset)
	return c
}

// start binds an ephemeral loopback port, generates the RPC secret and
// spawns aria2c with RPC enabled on that port.
func (s *Supervisor) start() (*instance, error) {
	port, err := findAvailablePort()
	if err != nil {
		return nil, fmt.Errorf("failed to pick rpc port: %w", err)
	}

	secret := randomSecret()
	if secret == "" {
		return nil, errors.New("failed to generate rpc secret")
	}

	args := []string{
		"--enable-rpc",
		fmt.Sprintf("--rpc-listen-port=%d", port),
		"--rpc-listen-all=false",
		"--rpc-secret=" + secret,
		"--rpc-allow-origin-all",
		"--continue=true",
		"--max-concurrent-downloads=1",
		"--max-connection-per-server=16",
		"--min-split-size=1M",
		"--split=16",
		"--console-log-level=warn",
	}

	cmd := exec.Command(s.binaryPath, args...)
	hideWindow(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe aria2c stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe aria2c stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start aria2c: %w", err)
	}

	pid := int32(cmd.Process.Pid)
	logger.RedirectProcessOutput(stdout, stderr, fmt.Sprintf("aria2c[%d]", pid), s.log)

	// Give the RPC server a moment to come up before the first call.
	time.Sleep(spawnInitWait)

	s.trackPid(pid)
	s.log.Info("aria2c rpc server started", "pid", pid, "port", port)

	return &instance{
		url:    fmt.Sprintf("http://localhost:%d/jsonrpc", port),
		secret: secret,
		pid:    pid,
		cmd:    cmd,
	}, nil
}

// Reset clears the supervisor slot after the process was observed dead. The
// next Ensure re-enters start-on-demand.
func (s *Supervisor) Reset() {
	if !s.lockSlot(slotLockTimeout) {
		s.log.Warn("could not lock supervisor slot for reset")
		return
	}
	defer s.mu.Unlock()

	if s.slot != nil {
		s.log.Info("resetting aria2c supervisor slot", "pid", s.slot.pid)
		s.slot = nil
	}
}

// IncrementActive records one accepted download.
func (s *Supervisor) IncrementActive() {
	s.activeMu.Lock()
	s.active++
	count := s.active
	s.activeMu.Unlock()
	s.log.Info("active download count", "count", count)
}

// DecrementActive records one terminal download outcome. Reaching zero shuts
// the aria2c process down.
func (s *Supervisor) DecrementActive() {
	s.activeMu.Lock()
	if s.active > 0 {
		s.active--
	}
	count := s.active
	s.activeMu.Unlock()
	s.log.Info("active download count", "count", count)

	if count == 0 {
		s.log.Info("no active downloads, shutting down aria2c")
		s.Shutdown()
	}
}

// ActiveCount returns the current refcount.
func (s *Supervisor) ActiveCount() int {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.active
}

// Shutdown kills the running instance, if any, and drops the slot.
func (s *Supervisor) Shutdown() {
	if !s.mu.TryLock() {
		s.log.Warn("could not lock supervisor slot for shutdown, skipping")
		return
	}
	defer s.mu.Unlock()

	if s.slot == nil {
		return
	}
	inst := s.slot
	s.slot = nil

	s.log.Info("stopping aria2c rpc server", "pid", inst.pid)
	if inst.cmd != nil && inst.cmd.Process != nil {
		_ = inst.cmd.Process.Kill()
		// Reap the child so it doesn't linger as a zombie.
		go func() { _ = inst.cmd.Wait() }()
	}
}

// Cleanup is the application-exit path: stop the instance and force-kill
// every pid ever tracked, best effort. Uses plain try-locks because the
// shutting-down flag is already set at this point.
func (s *Supervisor) Cleanup() {
	locked := s.mu.TryLock()
	if !locked {
		time.Sleep(1 * time.Second)
		locked = s.mu.TryLock()
	}
	if locked {
		if inst := s.slot; inst != nil {
			s.slot = nil
			if inst.cmd != nil && inst.cmd.Process != nil {
				_ = inst.cmd.Process.Kill()
			}
		}
		s.mu.Unlock()
	} else {
		s.log.Error("could not lock supervisor slot during cleanup")
	}

	// Give the process a moment to exit before the sweep.
	time.Sleep(500 * time.Millisecond)

	s.pidsMu.Lock()
	pids := make([]int32, 0, len(s.pids))
	for pid := range s.pids {
		pids = append(pids, pid)
	}
	s.pids = make(map[int32]struct{})
	s.pidsMu.Unlock()

	for _, pid := range pids {
		if alive, err := process.PidExists(pid); err != nil || !alive {
			continue
		}
		s.log.Info("force killing leftover aria2c process", "pid", pid)
		if err := forceKill(pid); err != nil {
			s.log.Warn("failed to kill aria2c process", "pid", pid, "error", err)
		}
	}
}

func (s *Supervisor) trackPid(pid int32) {
	s.pidsMu.Lock()
	defer s.pidsMu.Unlock()
	s.pids[pid] = struct{}{}
}

// findAvailablePort binds an ephemeral loopback port, records it and
// releases the listener.
func findAvailablePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}

// randomSecret returns a random 128-bit hex token for --rpc-secret.
func randomSecret() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
