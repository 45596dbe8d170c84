// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fakeRunner records tool invocations as "<bin> <args...>" with the binary
// reduced to its base name, and answers them through respond.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	started []string
	respond func(cmd string) (string, error)
}

func cmdLine(bin string, args []string) string {
	return strings.TrimSpace(filepath.Base(bin) + " " + strings.Join(args, " "))
}

func (f *fakeRunner) Run(_ context.Context, bin string, args ...string) ([]byte, error) {
	line := cmdLine(bin, args)
	f.mu.Lock()
	f.calls = append(f.calls, line)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return nil, nil
	}
	out, err := respond(line)
	return []byte(out), err
}

func (f *fakeRunner) Start(_ context.Context, bin string, args ...string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, cmdLine(bin, args))
	return 4242, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRunner) count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// bootedDevice answers the getprop polls of WaitForBoot as a fully booted
// emulator would.
func bootedDevice(cmd string) (string, bool) {
	switch {
	case strings.HasSuffix(cmd, "getprop sys.boot_completed"):
		return "1\n", true
	case strings.HasSuffix(cmd, "getprop init.svc.bootanim"):
		return "stopped\n", true
	case strings.HasSuffix(cmd, "wait-for-device"):
		return "", true
	}
	return "", false
}

func testEnv() Env {
	return Env{
		SDKRoot:       "/sdk",
		AVDHome:       "/avd",
		CorrelationID: "test",
		PollInterval:  time.Millisecond,
		BootTimeout:   2 * time.Second,
	}.WithDefaults()
}
