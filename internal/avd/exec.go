// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Runner is the boundary to the SDK command-line tools.
type Runner interface {
	// Run waits for the command and returns its combined output. A non-zero
	// exit is reported as *ToolError.
	Run(ctx context.Context, bin string, args ...string) ([]byte, error)
	// Start launches a long-running command (the emulator) and returns its
	// pid without waiting for it.
	Start(ctx context.Context, bin string, args ...string) (int, error)
}

// ExecRunner runs tools as child processes.
type ExecRunner struct {
	Env Env
	// LogDir receives one log file per started process; defaults to the
	// temp dir.
	LogDir string
}

func NewExecRunner(env Env) *ExecRunner {
	return &ExecRunner{Env: env, LogDir: os.TempDir()}
}

func (r *ExecRunner) Run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var buf lockedBuffer
	stderr := newCommandLogWriter(r.Env, bin, args)
	cmd.Stdout = &buf
	cmd.Stderr = io.MultiWriter(&buf, stderr)
	if err := cmd.Run(); err != nil {
		return buf.Bytes(), &ToolError{Command: bin, Args: args, Output: string(buf.Bytes()), Err: err}
	}
	return buf.Bytes(), nil
}

// lockedBuffer collects stdout and stderr, which exec copies from separate
// goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

func (r *ExecRunner) Start(ctx context.Context, bin string, args ...string) (int, error) {
	logDir := r.LogDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", filepath.Base(bin), logSuffix(args)))
	logFile, err := os.Create(logPath)
	if err != nil {
		return 0, fmt.Errorf("open log: %w", err)
	}
	logWriter := newLineLogWriter(r.Env, "command", bin, "log_path", logPath)

	// The emulator must outlive the caller's context.
	cmd := exec.Command(bin, args...)
	out := io.MultiWriter(logFile, logWriter)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), "QEMU_FILE_LOCKING=off")
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return 0, &ToolError{Command: bin, Args: args, Err: err}
	}
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
	}()
	logEvent(r.Env, "process started", "command", bin, "pid", cmd.Process.Pid, "log_path", logPath)
	return cmd.Process.Pid, nil
}

// logSuffix names a log file after the -avd and -port arguments, if any.
func logSuffix(args []string) string {
	var parts []string
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-avd" || args[i] == "-port" {
			parts = append(parts, args[i+1])
		}
	}
	if len(parts) == 0 {
		return "run"
	}
	return strings.Join(parts, "-")
}
