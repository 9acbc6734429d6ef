// Package supervisor starts the inference daemon as a child process and stops
// it on shutdown. It does not restart a crashed daemon.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/af-corp/ollama-gateway/internal/config"
)

var ErrAlreadyStarted = errors.New("backend process already started")

// Supervisor owns one backend child process.
type Supervisor struct {
	cfg    config.SupervisorConfig
	logger *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func New(cfg config.SupervisorConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// Start launches the configured command. The child outlives ctx; use Stop to
// end it.
func (s *Supervisor) Start(ctx context.Context) error {
	if len(s.cfg.Command) == 0 {
		return fmt.Errorf("start backend: empty command")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Env = mergeEnv(os.Environ(), s.cfg.Env)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("backend stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("backend stderr pipe: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start backend %q: %w", s.cfg.Command[0], err)
	}

	var pipes sync.WaitGroup
	pipes.Add(2)
	go s.forward(&pipes, stdout, slog.LevelInfo)
	go s.forward(&pipes, stderr, slog.LevelWarn)

	s.cmd = cmd
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		pipes.Wait()
		err := cmd.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.logger.Info("backend process exited", "pid", cmd.Process.Pid, "error", err)
		close(done)
	}(s.done)

	s.logger.Info("backend process started", "command", s.cfg.Command, "pid", cmd.Process.Pid)
	return nil
}

// Running reports whether the child process is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Stop sends SIGTERM and waits up to the configured stop timeout (or until
// ctx is done) before killing the process. Stopping a process that was never
// started is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("failed to signal backend process", "pid", cmd.Process.Pid, "error", err)
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.logger.Warn("backend process did not exit, killing", "pid", cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill backend process: %w", err)
	}
	<-done
	return nil
}

func (s *Supervisor) forward(wg *sync.WaitGroup, r io.Reader, level slog.Level) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Log(context.Background(), level, "backend", "line", scanner.Text())
	}
	// Keep draining after an oversized line so the child never blocks on a full pipe.
	io.Copy(io.Discard, r)
}

// mergeEnv overlays extra onto base, replacing existing keys.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
