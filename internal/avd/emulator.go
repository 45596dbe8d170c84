// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// LaunchEmulator starts avdID on the given console port in the background.
func LaunchEmulator(ctx context.Context, env Env, runner Runner, avdID string, port int, extraArgs ...string) error {
	env = env.WithDefaults()
	ctx, span := startSpan(ctx, env, "avd.LaunchEmulator",
		attribute.String("name", avdID),
		attribute.Int("port", port),
	)
	defer span.End()
	logEvent(env, "emulator start requested", "name", avdID, "port", port)

	// emulator uses a pair: <port> and <port+1>; must be even
	if port%2 != 0 {
		err := fmt.Errorf("port %d is odd; emulator requires even port numbers (uses port and port+1)", port)
		recordSpanError(span, err)
		return err
	}

	args := []string{"-avd", avdID, "-port", strconv.Itoa(port), "-no-snapshot-load"}
	args = append(args, extraArgs...)
	pid, err := runner.Start(ctx, env.Emulator, args...)
	if err != nil {
		recordSpanError(span, err)
		logEvent(env, "emulator start failed", "name", avdID, "port", port, "error", err.Error())
		return err
	}
	span.SetAttributes(attribute.Int("pid", pid))
	logEvent(env, "emulator started", "name", avdID, "port", port, "serial", SerialForPort(port), "pid", pid)
	return nil
}

// WaitForBoot blocks until the emulator reports boot completion or timeout
// elapses. progress, if set, receives waiting_adb, checking_boot_completed,
// checking_bootanim and boot_complete as the wait advances.
func WaitForBoot(ctx context.Context, env Env, runner Runner, serial string, timeout time.Duration, progress func(status string, elapsed time.Duration)) error {
	env = env.WithDefaults()
	ctx, span := startSpan(ctx, env, "avd.WaitForBoot",
		attribute.String("serial", serial),
		attribute.String("timeout", timeout.String()),
	)
	defer span.End()

	start := time.Now()
	report := func(status string) {
		if progress != nil {
			progress(status, time.Since(start))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report("waiting_adb")
	_, _ = runner.Run(ctx, env.ADB, "-s", serial, "wait-for-device")

	lastError := ""
	poll := func(prop, want, status string) bool {
		report(status)
		for {
			out, err := runner.Run(ctx, env.ADB, "-s", serial, "shell", "getprop", prop)
			if err == nil && strings.TrimSpace(string(out)) == want {
				return true
			}
			if err != nil {
				lastError = err.Error()
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(env.PollInterval):
			}
		}
	}

	if poll("sys.boot_completed", "1", "checking_boot_completed") &&
		poll("init.svc.bootanim", "stopped", "checking_bootanim") {
		if env.BootSettle > 0 {
			time.Sleep(env.BootSettle)
		}
		span.SetAttributes(attribute.Bool("boot_completed", true))
		report("boot_complete")
		return nil
	}

	logEvent(env, "wait for boot timeout",
		"serial", serial,
		"timeout", timeout.String(),
		"adb_error", strings.TrimSpace(lastError),
	)
	err := fmt.Errorf("%w: %s not ready after %s", ErrBootTimeout, serial, timeout)
	if lastError != "" {
		err = fmt.Errorf("%w\nLast ADB error: %s", err, strings.TrimSpace(lastError))
	}
	recordSpanError(span, err)
	return err
}

// waitForShutdown polls until serial stops reporting a completed boot, so
// that a following WaitForBoot does not see the state from before a reboot.
func waitForShutdown(ctx context.Context, env Env, runner Runner, serial string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		out, err := runner.Run(ctx, env.ADB, "-s", serial, "shell", "getprop", "sys.boot_completed")
		if err != nil || strings.TrimSpace(string(out)) != "1" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s did not go down within %s", ErrBootTimeout, serial, timeout)
		case <-time.After(env.PollInterval):
		}
	}
}

// StopEmulator asks the console to exit and falls back to signalling the
// emulator process found by its -port argument.
func StopEmulator(ctx context.Context, env Env, runner Runner, port int) error {
	env = env.WithDefaults()
	serial := SerialForPort(port)
	ctx, span := startSpan(ctx, env, "avd.StopEmulator",
		attribute.String("serial", serial),
		attribute.Int("port", port),
	)
	defer span.End()
	logEvent(env, "emulator stop requested", "serial", serial, "port", port)

	_, adbErr := runner.Run(ctx, env.ADB, "-s", serial, "emu", "kill")

	// Without /proc the console's answer is the only evidence of exit.
	if !procAvailable() {
		if adbErr != nil {
			recordSpanError(span, adbErr)
			logEvent(env, "emulator stop failed", "serial", serial, "port", port, "error", adbErr.Error())
			return fmt.Errorf("stop %s: %w", serial, adbErr)
		}
		span.SetAttributes(attribute.Bool("stopped", true))
		logEvent(env, "emulator stopped", "serial", serial, "port", port)
		return nil
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if findEmulatorPID(port) == 0 {
			span.SetAttributes(attribute.Bool("stopped", true))
			logEvent(env, "emulator stopped", "serial", serial, "port", port)
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}

	pid := findEmulatorPID(port)
	if pid == 0 {
		logEvent(env, "emulator stopped", "serial", serial, "port", port)
		return nil
	}
	if proc, err := os.FindProcess(pid); err == nil {
		if killErr := proc.Signal(os.Interrupt); killErr == nil {
			time.Sleep(2 * time.Second)
			if findEmulatorPID(port) > 0 {
				_ = proc.Kill()
			}
			span.SetAttributes(attribute.Bool("stopped", true))
			logEvent(env, "emulator stopped", "serial", serial, "port", port, "pid", pid)
			return nil
		}
	}

	if adbErr == nil {
		adbErr = errors.New("emulator process did not exit")
	}
	recordSpanError(span, adbErr)
	logEvent(env, "emulator stop failed", "serial", serial, "port", port, "pid", pid, "error", adbErr.Error())
	return fmt.Errorf("stop %s (pid %d): %w", serial, pid, adbErr)
}

// procRoot is the process table scanned for emulator pids.
var procRoot = "/proc"

func procAvailable() bool {
	st, err := os.Stat(filepath.Join(procRoot, "self"))
	return err == nil && st.IsDir()
}

// findEmulatorPID looks through /proc for an emulator or qemu process
// started with "-port <port>". Returns 0 when none is found or /proc is
// unavailable.
func findEmulatorPID(port int) int {
	entries, _ := filepath.Glob(filepath.Join(procRoot, "[0-9]*", "cmdline"))
	needle := []byte(fmt.Sprintf("-port%c%d%c", 0, port, 0))
	for _, p := range entries {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if !bytes.Contains(append(b, 0), needle) {
			continue
		}
		if !bytes.Contains(b, []byte("qemu-system")) && !bytes.Contains(b, []byte("emulator")) {
			continue
		}
		base := filepath.Base(filepath.Dir(p))
		if n, err := strconv.Atoi(base); err == nil {
			if _, statErr := os.Stat(filepath.Join(procRoot, base, "stat")); statErr == nil {
				return n
			}
		}
	}
	return 0
}
