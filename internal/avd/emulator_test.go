// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForBootReportsStages(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as adb")
	}
	tempDir := t.TempDir()
	adbPath := filepath.Join(tempDir, "adb")
	adbScript := "#!/bin/sh\n" +
		"case \"$*\" in\n" +
		"  *wait-for-device) exit 0 ;;\n" +
		"  *sys.boot_completed) echo 1 ;;\n" +
		"  *init.svc.bootanim) echo stopped ;;\n" +
		"esac\n" +
		"exit 0\n"
	require.NoError(t, os.WriteFile(adbPath, []byte(adbScript), 0o755))

	env := testEnv()
	env.ADB = adbPath

	var statuses []string
	err := WaitForBoot(context.Background(), env, NewExecRunner(env), "emulator-5572", 5*time.Second,
		func(status string, _ time.Duration) {
			statuses = append(statuses, status)
		},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"waiting_adb", "checking_boot_completed", "checking_bootanim", "boot_complete"}, statuses)
}

func TestWaitForBootTimeout(t *testing.T) {
	runner := &fakeRunner{respond: func(cmd string) (string, error) {
		if strings.HasSuffix(cmd, "getprop sys.boot_completed") {
			return "", errors.New("adb: device offline")
		}
		return "", nil
	}}

	start := time.Now()
	err := WaitForBoot(context.Background(), testEnv(), runner, "emulator-5572", 50*time.Millisecond, nil)
	require.ErrorIs(t, err, ErrBootTimeout)
	assert.True(t, errdefs.IsUnavailable(err))
	assert.Contains(t, err.Error(), "device offline")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitForBootHonoursCancel(t *testing.T) {
	runner := &fakeRunner{respond: func(string) (string, error) { return "0", nil }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitForBoot(ctx, testEnv(), runner, "emulator-5572", time.Minute, nil)
	require.ErrorIs(t, err, ErrBootTimeout)
}

func TestLaunchEmulator(t *testing.T) {
	runner := &fakeRunner{}
	require.NoError(t, LaunchEmulator(context.Background(), testEnv(), runner, "Pixel", 5574, "-no-window"))
	assert.Equal(t, []string{"emulator -avd Pixel -port 5574 -no-snapshot-load -no-window"}, runner.started)

	err := LaunchEmulator(context.Background(), testEnv(), runner, "Pixel", 5575)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "odd")
	assert.Len(t, runner.started, 1)
}

func TestStopEmulatorIdempotent(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	runner := &fakeRunner{respond: func(string) (string, error) {
		return "", errors.New("error: device 'emulator-5798' not found")
	}}
	env := testEnv()

	require.NoError(t, StopEmulator(context.Background(), env, runner, 5798))
	require.NoError(t, StopEmulator(context.Background(), env, runner, 5798))
	assert.Equal(t, 2, runner.count("adb -s emulator-5798 emu kill"))
}

func TestConcurrentStopIdempotent(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	runner := &fakeRunner{}
	env := testEnv()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- StopEmulator(context.Background(), env, runner, 5796)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestStopEmulatorWithoutProcReportsConsoleFailure(t *testing.T) {
	saved := procRoot
	procRoot = filepath.Join(t.TempDir(), "no-proc")
	t.Cleanup(func() { procRoot = saved })

	failing := &fakeRunner{respond: func(cmd string) (string, error) {
		return "", &ToolError{Command: "adb", Args: []string{"-s", "emulator-5572", "emu", "kill"}, Err: errors.New("exit status 1")}
	}}
	err := StopEmulator(context.Background(), testEnv(), failing, 5572)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Contains(t, err.Error(), "emulator-5572")

	accepted := &fakeRunner{}
	require.NoError(t, StopEmulator(context.Background(), testEnv(), accepted, 5572))
	assert.Equal(t, 1, accepted.count("adb -s emulator-5572 emu kill"))
}

func TestWaitForShutdownWaitsForStaleBoot(t *testing.T) {
	polls := 0
	runner := &fakeRunner{respond: func(cmd string) (string, error) {
		polls++
		if polls < 3 {
			return "1", nil
		}
		return "", nil
	}}
	require.NoError(t, waitForShutdown(context.Background(), testEnv(), runner, "emulator-5572", time.Second))
	assert.Equal(t, 3, polls)

	stuck := &fakeRunner{respond: func(string) (string, error) { return "1", nil }}
	err := waitForShutdown(context.Background(), testEnv(), stuck, "emulator-5572", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrBootTimeout)
}
