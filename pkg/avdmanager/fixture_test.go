// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avdmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRunner records tool invocations as "<bin> <args...>" with the binary
// reduced to its base name.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	started []string
	respond func(cmd string) (string, error)
	onStart func(cmd string)
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
	line := cmdLine(bin, args)
	f.mu.Lock()
	f.started = append(f.started, line)
	onStart := f.onStart
	f.mu.Unlock()
	if onStart != nil {
		onStart(line)
	}
	return 4242, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRunner) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
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

// fixture is a fake SDK: an AVD home on disk, an avdmanager listing built
// from it and an adb that knows which AVDs are running on which port.
type fixture struct {
	t       *testing.T
	home    string
	runner  *fakeRunner
	m       *Manager
	listing strings.Builder
	sdkList string

	mu        sync.Mutex
	running   map[int]string
	rebooting map[int]bool
	// respond overrides the fixture for matching commands.
	respond func(cmd string) (string, bool, error)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	home := t.TempDir()
	fx := &fixture{t: t, home: home, running: map[int]string{}, rebooting: map[int]bool{}}
	fx.listing.WriteString("Available Android Virtual Devices:\n")
	fx.runner = &fakeRunner{respond: fx.answer, onStart: fx.started}
	fx.m = NewWithEnv(Environment{
		SDKRoot:       filepath.Join(home, "sdk"),
		AVDHome:       home,
		PollInterval:  time.Millisecond,
		BootTimeout:   2 * time.Second,
		CorrelationID: "test",
	}, fx.runner)
	fx.m.ports.PortFree = func(int) bool { return true }
	return fx
}

func (fx *fixture) addAVD(id, display, tag string, api int, profile string, extra ...string) string {
	fx.t.Helper()
	dir := filepath.Join(fx.home, id+".avd")
	require.NoError(fx.t, os.MkdirAll(dir, 0o755))
	cfg := fmt.Sprintf("AvdId=%s\navd.ini.displayname=%s\ntag.id=%s\nabi.type=x86_64\nhw.device.name=%s\nimage.sysdir.1=system-images/android-%d/%s/x86_64/\n",
		id, display, tag, profile, api, tag)
	cfg += strings.Join(extra, "\n")
	configPath := filepath.Join(dir, "config.ini")
	require.NoError(fx.t, os.WriteFile(configPath, []byte(cfg), 0o644))

	if fx.listing.Len() > len("Available Android Virtual Devices:\n") {
		fx.listing.WriteString("---------\n")
	}
	fmt.Fprintf(&fx.listing, "    Name: %s\n  Device: %s (Google)\n    Path: %s\n  Target: Google APIs (Google Inc.)\n          Based on: Android (API %d) Tag/ABI: %s/x86_64\n",
		id, profile, dir, api, tag)
	return configPath
}

func (fx *fixture) setRunning(port int, id string) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	if id == "" {
		delete(fx.running, port)
		return
	}
	fx.running[port] = id
}

// started marks an emulator launched through the runner as attached.
func (fx *fixture) started(cmd string) {
	f := strings.Fields(cmd)
	var id string
	var port int
	for i := 0; i+1 < len(f); i++ {
		switch f[i] {
		case "-avd":
			id = f[i+1]
		case "-port":
			_, _ = fmt.Sscanf(f[i+1], "%d", &port)
		}
	}
	fx.setRunning(port, id)
}

func (fx *fixture) answer(cmd string) (string, error) {
	if fx.respond != nil {
		if out, ok, err := fx.respond(cmd); ok {
			return out, err
		}
	}
	fx.mu.Lock()
	defer fx.mu.Unlock()

	switch {
	case cmd == "avdmanager list avd":
		return fx.listing.String(), nil
	case strings.HasPrefix(cmd, "sdkmanager --list"):
		return fx.sdkList, nil
	case cmd == "adb devices":
		var b strings.Builder
		b.WriteString("List of devices attached\n")
		for port := range fx.running {
			fmt.Fprintf(&b, "emulator-%d\tdevice\n", port)
		}
		return b.String(), nil
	case strings.HasSuffix(cmd, "emu avd name"):
		for port, id := range fx.running {
			if strings.Contains(cmd, fmt.Sprintf("emulator-%d ", port)) {
				return id + "\nOK\n", nil
			}
		}
		return "", fmt.Errorf("device not found")
	case strings.HasSuffix(cmd, "emu kill"):
		for port := range fx.running {
			if strings.Contains(cmd, fmt.Sprintf("emulator-%d ", port)) {
				delete(fx.running, port)
			}
		}
		return "OK\n", nil
	case strings.HasSuffix(cmd, " reboot"):
		fx.rebooting[serialPort(cmd)] = true
		return "", nil
	case strings.HasSuffix(cmd, "getprop sys.boot_completed"):
		// A rebooting emulator drops off adb once before it boots again.
		if port := serialPort(cmd); fx.rebooting[port] {
			delete(fx.rebooting, port)
			return "", fmt.Errorf("adb: device offline")
		}
		return "1\n", nil
	case strings.HasSuffix(cmd, "getprop init.svc.bootanim"):
		return "stopped\n", nil
	}
	return "", nil
}

// serialPort reads the port from an "adb -s emulator-<port> ..." command.
func serialPort(cmd string) int {
	var port int
	if i := strings.Index(cmd, "emulator-"); i >= 0 {
		_, _ = fmt.Sscanf(cmd[i:], "emulator-%d", &port)
	}
	return port
}
