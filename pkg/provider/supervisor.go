package provider

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	defaultProbeInterval = time.Second
	defaultGracePeriod   = 5 * time.Second
)

// Process is a handle to one supervised server. Owned reports whether this
// orchestrator started the process; Shutdown never signals a server it did
// not start.
type Process struct {
	Name  string
	PID   int
	Owned bool

	cmd      *exec.Cmd
	output   bytes.Buffer
	waitDone chan struct{}
	waitErr  error

	stopOnce sync.Once
	signaled atomic.Bool
}

// Alive reports whether the process is still running. Handles for reused
// servers are always considered alive; their lifecycle belongs to whoever
// started them.
func (p *Process) Alive() bool {
	if p == nil {
		return false
	}
	if !p.Owned {
		return true
	}
	select {
	case <-p.waitDone:
		return false
	default:
		return true
	}
}

// Signaled reports whether Shutdown ever sent a signal to this process.
func (p *Process) Signaled() bool {
	return p != nil && p.signaled.Load()
}

// Output returns the combined stdout/stderr captured from an owned process,
// for diagnostics after a failed start.
func (p *Process) Output() string {
	if p == nil || !p.Owned {
		return ""
	}
	return p.output.String()
}

// Supervisor starts server-style providers on demand, waits for them to
// answer their readiness probe, and tears down at shutdown exactly the
// processes it started.
type Supervisor struct {
	log           *slog.Logger
	probe         *http.Client
	probeInterval time.Duration
	gracePeriod   time.Duration
}

// SupervisorOption tunes a Supervisor.
type SupervisorOption func(*Supervisor)

// WithProbeInterval overrides the readiness polling interval.
func WithProbeInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.probeInterval = d
		}
	}
}

// WithGracePeriod overrides how long Shutdown waits after SIGTERM before
// escalating to SIGKILL.
func WithGracePeriod(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// NewSupervisor builds a Supervisor logging through the given logger.
func NewSupervisor(log *slog.Logger, opts ...SupervisorOption) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		log:           log,
		probe:         &http.Client{Timeout: 2 * time.Second},
		probeInterval: defaultProbeInterval,
		gracePeriod:   defaultGracePeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureRunning makes sure the configured server answers its readiness
// probe. A server already answering is reused and the returned handle is
// marked not owned. Otherwise the command is spawned, its combined output is
// captured, and readiness is awaited up to the configured start timeout; a
// server that never becomes ready is torn down before the error is returned.
func (s *Supervisor) EnsureRunning(ctx context.Context, name string, cfg *ServerConfig) (*Process, error) {
	if cfg == nil {
		return nil, fmt.Errorf("provider %s: no server configured", name)
	}

	if s.probeOnce(ctx, cfg.ReadyURL) {
		s.log.Info("reusing running provider server", "provider", name, "url", cfg.ReadyURL)
		return &Process{Name: name, Owned: false}, nil
	}

	if cfg.Dir != "" {
		if _, err := os.Stat(cfg.Dir); err != nil {
			return nil, fmt.Errorf("provider %s: server directory %s is missing (clone and build the provider first): %w", name, cfg.Dir, err)
		}
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("provider %s: command %q not found on PATH (install it or fix the provider config): %w", name, cfg.Command, err)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	// Unconditional so the timezone default lands even with no overlay.
	cmd.Env = append(os.Environ(), EnvSlice(cfg.Env, "")...)

	proc := &Process{Name: name, Owned: true, cmd: cmd, waitDone: make(chan struct{})}
	cmd.Stdout = &proc.output
	cmd.Stderr = &proc.output

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("provider %s: start %s: %w", name, cfg.Command, err)
	}
	proc.PID = cmd.Process.Pid
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.waitDone)
	}()

	s.log.Info("started provider server", "provider", name, "pid", proc.PID, "command", cfg.Command)

	if !s.WaitReady(ctx, cfg.ReadyURL, cfg.StartTimeoutOrDefault()) {
		out := proc.Output()
		s.Shutdown(proc)
		return nil, fmt.Errorf("provider %s: server did not become ready within %s: %s", name, cfg.StartTimeoutOrDefault(), out)
	}
	return proc, nil
}

// WaitReady polls the readiness URL once per interval until it answers with
// a 2xx status or the timeout elapses. The first probe fires immediately.
// Each probe is bounded by the time remaining, so a target that accepts
// connections and then stalls cannot push the wait past the timeout.
func (s *Supervisor) WaitReady(ctx context.Context, url string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		pctx, cancel := context.WithTimeout(ctx, remaining)
		ok := s.probeOnce(pctx, url)
		cancel()
		if ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) probeOnce(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Shutdown terminates an owned process: SIGTERM, a bounded wait for exit,
// then SIGKILL. Handles for reused servers are left untouched. Shutdown is
// idempotent.
func (s *Supervisor) Shutdown(p *Process) {
	if p == nil || !p.Owned || p.cmd == nil || p.cmd.Process == nil {
		return
	}
	p.stopOnce.Do(func() {
		p.signaled.Store(true)
		s.log.Info("stopping provider server", "provider", p.Name, "pid", p.PID)

		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return
		}
		select {
		case <-p.waitDone:
			return
		case <-time.After(s.gracePeriod):
		}

		s.log.Warn("provider server ignored SIGTERM, killing", "provider", p.Name, "pid", p.PID)
		_ = p.cmd.Process.Kill()
		<-p.waitDone
	})
}
