// Package overlay supervises the optional mesh-VPN child process (C7):
// it spawns the process, watches it for exit, and restarts it with
// bounded exponential backoff.
package overlay

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
	"github.com/cuemby/nnoe-agent/pkg/agenterr"
	"github.com/cuemby/nnoe-agent/pkg/log"
)

const (
	maxRestarts = 5
	maxBackoffS = 60
	loggingTick = 5 * time.Second
)

// Supervisor owns the overlay child process's lifecycle.
type Supervisor struct {
	cfg     agentcfg.OverlayConfig
	binary  string
	running atomic.Bool

	mu          sync.Mutex
	cmd         *exec.Cmd
	restarts    int
	monitorDone chan struct{}
}

// New constructs a supervisor bound to cfg. cfg.BinaryPath defaults to
// "nebula" when unset.
func New(cfg agentcfg.OverlayConfig) *Supervisor {
	bin := cfg.BinaryPath
	if bin == "" {
		bin = "nebula"
	}
	return &Supervisor{cfg: cfg, binary: bin}
}

// Start spawns the child process and launches its monitor goroutine. A
// second Start call on an already-running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		log.WithComponent("overlay").Warn().Msg("overlay process already running")
		return nil
	}
	if s.cfg.ConfigPath == "" {
		return agenterr.New(agenterr.ConfigInvalid, "overlay.Start", fmt.Errorf("overlay config_path is required when enabled"))
	}

	cmd, err := s.spawn()
	if err != nil {
		return err
	}
	s.cmd = cmd
	s.restarts = 0
	s.running.Store(true)
	s.monitorDone = make(chan struct{})

	go s.monitor(ctx, s.monitorDone)
	return nil
}

func (s *Supervisor) spawn() (*exec.Cmd, error) {
	cmd := exec.Command(s.binary, "-config", s.cfg.ConfigPath)
	if err := cmd.Start(); err != nil {
		return nil, agenterr.New(agenterr.ExternalProcess, "overlay.spawn", err)
	}
	log.WithComponent("overlay").Info().Int("pid", cmd.Process.Pid).Msg("overlay process started")
	return cmd, nil
}

// IsRunning reports whether the supervisor believes its child is alive.
func (s *Supervisor) IsRunning() bool { return s.running.Load() }

// Stop kills the child process (giving it 5 seconds to exit after
// signaling) and stops the monitor goroutine. Cleanup is explicit; it is
// not driven by a finalizer.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.monitorDone
	s.cmd = nil
	s.running.Store(false)
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	logger := log.WithComponent("overlay")
	_ = cmd.Process.Kill()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-waitErr:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("overlay process did not exit within timeout")
	}

	if done != nil {
		<-done
	}
	logger.Info().Msg("overlay process stopped")
	return nil
}

// monitor blocks on the child's exit via a single cmd.Wait() goroutine,
// woken also by a periodic ticker for liveness logging. On an
// unrequested exit it restarts the process with exponential backoff,
// capped at maxRestarts total attempts; the counter resets whenever a
// restart succeeds and stays up through the next tick.
func (s *Supervisor) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)
	logger := log.WithComponent("overlay")

	for {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()
		if cmd == nil {
			return
		}

		exitCh := make(chan error, 1)
		go func() { exitCh <- cmd.Wait() }()

		ticker := time.NewTicker(loggingTick)
		var exitErr error
		var exited bool

	waitLoop:
		for {
			select {
			case exitErr = <-exitCh:
				exited = true
				break waitLoop
			case <-ticker.C:
				logger.Debug().Msg("overlay process alive")
				s.mu.Lock()
				s.restarts = 0
				s.mu.Unlock()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
		ticker.Stop()

		if !s.running.Load() {
			// Stop() already took ownership of shutdown; nothing to restart.
			return
		}
		if !exited {
			continue
		}

		logger.Error().Err(exitErr).Msg("overlay process exited unexpectedly")
		s.running.Store(false)

		s.mu.Lock()
		s.restarts++
		attempt := s.restarts
		s.mu.Unlock()

		if attempt > maxRestarts {
			logger.Error().Int("attempts", maxRestarts).Msg("overlay process failed repeatedly, giving up")
			return
		}

		delay := time.Duration(minInt(1<<uint(attempt), maxBackoffS)) * time.Second
		logger.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("restarting overlay process")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		newCmd, err := s.spawn()
		if err != nil {
			logger.Error().Err(err).Msg("failed to restart overlay process")
			continue
		}

		s.mu.Lock()
		s.cmd = newCmd
		s.mu.Unlock()
		s.running.Store(true)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
