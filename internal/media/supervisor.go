package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/logging"
)

// ProgressLine is one key=value pair from the encoder's machine-readable
// progress stream (-progress pipe:1).
type ProgressLine struct {
	Key   string
	Value string
}

// Supervisor runs external encoder processes: start with an argument vector,
// stream structured progress from stdout, capture stderr, kill, and await
// exit with a bounded drain of the output readers.
type Supervisor struct {
	drainTimeout time.Duration
	log          *logging.Logger
}

// NewSupervisor creates a process supervisor. drainTimeout bounds how long
// Wait blocks on the output readers after the process exits.
func NewSupervisor(drainTimeout time.Duration, log *logging.Logger) *Supervisor {
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	return &Supervisor{drainTimeout: drainTimeout, log: log}
}

// Handle tracks one live process. It is valid from Start until Wait returns.
type Handle struct {
	cmd     *exec.Cmd
	killed  atomic.Bool
	readers sync.WaitGroup
	drain   time.Duration

	mu     sync.Mutex
	stderr bytes.Buffer
}

// Start launches the process and begins draining its output on dedicated
// reader goroutines. onProgress receives each key=value progress pair as it
// arrives; it may be nil.
func (s *Supervisor) Start(ctx context.Context, name string, args []string, onProgress func(ProgressLine)) (*Handle, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	h := &Handle{cmd: cmd, drain: s.drainTimeout}

	h.readers.Add(2)
	go func() {
		defer h.readers.Done()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			if onProgress == nil {
				continue
			}
			if key, value, ok := strings.Cut(line, "="); ok {
				onProgress(ProgressLine{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
			}
		}
	}()
	go func() {
		defer h.readers.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			h.mu.Lock()
			// Keep stderr bounded; the interesting failure lines are recent.
			if h.stderr.Len() > 64*1024 {
				h.stderr.Reset()
			}
			h.stderr.WriteString(scanner.Text())
			h.stderr.WriteByte('\n')
			h.mu.Unlock()
		}
	}()

	return h, nil
}

// Kill force-terminates the process. The resulting exit must be treated as a
// cancellation, not an encoding error.
func (h *Handle) Kill() {
	h.killed.Store(true)
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

// Killed reports whether Kill was called.
func (h *Handle) Killed() bool {
	return h.killed.Load()
}

// Wait blocks until the process exits, then awaits the output readers for at
// most the drain timeout before giving up on them.
func (h *Handle) Wait() error {
	err := h.cmd.Wait()

	done := make(chan struct{})
	go func() {
		h.readers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(h.drain):
	}

	return err
}

// ExitCode returns the process exit code, or -1 before exit or after a kill.
func (h *Handle) ExitCode() int {
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// Stderr returns the captured diagnostic output.
func (h *Handle) Stderr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stderr.String()
}
