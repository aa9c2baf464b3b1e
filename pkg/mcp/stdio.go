package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// StdioConfig describes how to spawn a provider that speaks the protocol
// over its own stdin/stdout.
type StdioConfig struct {
	Command string
	Args    []string
	Dir     string

	// Env entries are appended to the current environment, so an overlay of
	// KEY=VALUE pairs (timezone, credential paths) is enough.
	Env []string

	// Stderr receives the provider's standard error stream; defaults to
	// os.Stderr so provider diagnostics stay visible.
	Stderr io.Writer

	Options Options
}

// ConnectStdio spawns the configured command, binds its pipes to a framed
// transport, and performs the handshake. The returned client owns the process:
// closing the client closes the pipes, and the process exiting closes the
// transport to unblock any pending read. On handshake failure the process is
// killed and reaped before the error is returned.
func ConnectStdio(ctx context.Context, cfg StdioConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("mcp: stdio command is required")
	}

	// Deliberately not CommandContext: the process must outlive the connect
	// call. Its lifetime is the client's; closing the client closes stdin
	// and the provider exits on EOF.
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	if cfg.Stderr != nil {
		cmd.Stderr = cfg.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", cfg.Command, err)
	}

	transport := NewFrameTransport(stdout, stdin, stdin, stdout)
	client, err := Connect(ctx, transport, cfg.Options)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	// Reap the process when it exits and close the transport so a pending
	// Receive fails instead of blocking forever.
	var once sync.Once
	go func() {
		_ = cmd.Wait()
		once.Do(func() { _ = transport.Close() })
	}()

	return client, nil
}
