// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// legacyRemountMaxAPI is the newest API level whose system partition can be
// remounted without disabling verified boot first.
const legacyRemountMaxAPI = 28

// RunningEmulator is an emulator currently attached to adb.
type RunningEmulator struct {
	Serial string `json:"serial"`
	Port   int    `json:"port"`
	AVDID  string `json:"avd_id"`
}

// PortAllocator hands out emulator console ports. It keeps no state: the
// running set is read from adb on every call, so two concurrent boots of
// the same AVD can both see it as stopped.
type PortAllocator struct {
	env    Env
	runner Runner
	// PortFree probes the host; a port is only handed out when both it and
	// port+1 are free.
	PortFree func(port int) bool
}

func NewPortAllocator(env Env, runner Runner) *PortAllocator {
	return &PortAllocator{env: env.WithDefaults(), runner: runner, PortFree: isPortPairFree}
}

// ListRunning asks adb for attached emulator serials and then asks each
// emulator console which AVD it is running.
func (a *PortAllocator) ListRunning(ctx context.Context) ([]RunningEmulator, error) {
	ctx, span := startSpan(ctx, a.env, "avd.ListRunning")
	defer span.End()

	out, err := a.runner.Run(ctx, a.env.ADB, "devices")
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	serials := parseEmulatorSerials(string(out))

	running := make([]RunningEmulator, len(serials))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, s := range serials {
		running[i] = RunningEmulator{Serial: s.serial, Port: s.port}
		g.Go(func() error {
			// An emulator that does not answer still holds its port.
			running[i].AVDID, _ = a.avdName(gctx, s.serial)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(running, func(i, j int) bool { return running[i].Port < running[j].Port })
	span.SetAttributes(attribute.Int("running", len(running)))
	return running, nil
}

type emulatorSerial struct {
	serial string
	port   int
}

// parseEmulatorSerials reads `adb devices` output for emulator-<port>
// serials in any state.
func parseEmulatorSerials(out string) []emulatorSerial {
	var serials []emulatorSerial
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) < 2 || !strings.HasPrefix(f[0], "emulator-") {
			continue
		}
		port, err := strconv.Atoi(strings.TrimPrefix(f[0], "emulator-"))
		if err != nil || port <= 0 {
			continue
		}
		serials = append(serials, emulatorSerial{serial: f[0], port: port})
	}
	return serials
}

// avdName asks the emulator console for the AVD name. The console answers
// with the name followed by "OK".
func (a *PortAllocator) avdName(ctx context.Context, serial string) (string, error) {
	out, err := a.runner.Run(ctx, a.env.ADB, "-s", serial, "emu", "avd", "name")
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(strings.ReplaceAll(string(out), "\r\n", "\n")), "\n")
	if len(lines) > 1 && strings.TrimSpace(lines[len(lines)-1]) == "OK" {
		lines = lines[:len(lines)-1]
	}
	name := strings.TrimSpace(lines[0])
	if name == "OK" {
		return "", nil
	}
	return name, nil
}

// Find returns the running emulator for avdID, if any.
func (a *PortAllocator) Find(ctx context.Context, avdID string) (RunningEmulator, bool, error) {
	running, err := a.ListRunning(ctx)
	if err != nil {
		return RunningEmulator{}, false, err
	}
	for _, r := range running {
		if r.AVDID == avdID {
			return r, true, nil
		}
	}
	return RunningEmulator{}, false, nil
}

// Allocate returns the port avdID is already running on, or the first even
// port from the base port that no emulator holds and the host has free.
func (a *PortAllocator) Allocate(ctx context.Context, avdID string) (int, error) {
	ctx, span := startSpan(ctx, a.env, "avd.AllocatePort", attribute.String("avd", avdID))
	defer span.End()

	running, err := a.ListRunning(ctx)
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}
	used := map[int]bool{}
	for _, r := range running {
		if r.AVDID == avdID {
			span.SetAttributes(attribute.Int("port", r.Port), attribute.Bool("reused", true))
			return r.Port, nil
		}
		used[r.Port] = true
	}

	free := a.PortFree
	if free == nil {
		free = isPortPairFree
	}
	start := a.env.BasePort
	if start%2 != 0 {
		start++
	}
	for p := start; p+1 <= a.env.MaxPort; p += 2 {
		if used[p] || !free(p) {
			continue
		}
		span.SetAttributes(attribute.Int("port", p), attribute.Bool("reused", false))
		logEvent(a.env, "emulator port allocated", "avd", avdID, "port", p)
		return p, nil
	}
	err = fmt.Errorf("%w in %d..%d", ErrNoFreePort, start, a.env.MaxPort)
	recordSpanError(span, err)
	return 0, err
}

// WritableOptions tunes MountWritableSystem.
type WritableOptions struct {
	// Timeout bounds each boot wait; zero means Env.BootTimeout.
	Timeout time.Duration
	// Writable marks a running instance as already launched with
	// -writable-system. Any other running instance is stopped and relaunched.
	Writable bool
}

// MountWritableSystem boots def with a writable system partition and
// remounts /system read-write. Play Store images refuse this.
func (a *PortAllocator) MountWritableSystem(ctx context.Context, def AVDDefinition, opts WritableOptions) (int, error) {
	ctx, span := startSpan(ctx, a.env, "avd.MountWritableSystem", attribute.String("avd", def.ID))
	defer span.End()

	if def.IsPlayStoreEnabled {
		err := &IncompatibleDeviceError{AVD: def.ID, Reason: "Play Store images cannot mount a writable system"}
		recordSpanError(span, err)
		return 0, err
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = a.env.BootTimeout
	}

	current, running, err := a.Find(ctx, def.ID)
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}
	port := current.Port
	if running && !opts.Writable {
		// A read-only instance cannot be remounted; restart it on its port.
		logEvent(a.env, "relaunching emulator with writable system", "avd", def.ID, "port", port)
		if err := StopEmulator(ctx, a.env, a.runner, port); err != nil {
			recordSpanError(span, err)
			return 0, err
		}
		running = false
	}
	if !running {
		if port == 0 {
			if port, err = a.Allocate(ctx, def.ID); err != nil {
				recordSpanError(span, err)
				return 0, err
			}
		}
		if err := LaunchEmulator(ctx, a.env, a.runner, def.ID, port, "-writable-system"); err != nil {
			recordSpanError(span, err)
			return 0, err
		}
	}
	serial := SerialForPort(port)
	if err := WaitForBoot(ctx, a.env, a.runner, serial, timeout, nil); err != nil {
		recordSpanError(span, err)
		return 0, err
	}

	if !def.TargetAPILevel.IsCodename() && compareNumeric(def.TargetAPILevel, Version{Major: legacyRemountMaxAPI}) <= 0 {
		err = a.adbSteps(ctx, serial, [][]string{{"root"}, {"remount"}})
	} else {
		err = a.adbSteps(ctx, serial, [][]string{{"root"}, {"shell", "avbctl", "disable-verification"}, {"reboot"}})
		if err == nil {
			err = waitForShutdown(ctx, a.env, a.runner, serial, timeout)
		}
		if err == nil {
			err = WaitForBoot(ctx, a.env, a.runner, serial, timeout, nil)
		}
		if err == nil {
			err = a.adbSteps(ctx, serial, [][]string{{"root"}, {"remount"}})
		}
	}
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}
	logEvent(a.env, "writable system mounted", "avd", def.ID, "serial", serial)
	return port, nil
}

func (a *PortAllocator) adbSteps(ctx context.Context, serial string, steps [][]string) error {
	for _, step := range steps {
		args := append([]string{"-s", serial}, step...)
		if _, err := a.runner.Run(ctx, a.env.ADB, args...); err != nil {
			return err
		}
	}
	return nil
}

func SerialForPort(port int) string { return fmt.Sprintf("emulator-%d", port) }

// isPortPairFree checks the console port and the adb port after it.
func isPortPairFree(port int) bool {
	return isPortFree(port) && isPortFree(port+1)
}

// isPortFree checks if a TCP port is available
func isPortFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
