// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avdmanager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/emuctl/internal/avd"
)

// Device is the capability set shared by virtual device handles.
type Device interface {
	ID() string
	DisplayName() string
	Platform() string
	Boot(ctx context.Context, opts BootOptions) error
	Reboot(ctx context.Context) error
	Shutdown(ctx context.Context) error
	OpenURL(ctx context.Context, url string) error
	LaunchApp(ctx context.Context, appID string) error
	IsCertInstalled(ctx context.Context, certPath string) bool
	InstallCert(ctx context.Context, certPath string) error
}

var _ Device = (*AndroidDevice)(nil)

type DeviceState int

const (
	StateShutdown DeviceState = iota
	StateBooting
	StateBooted
)

func (s DeviceState) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateBooted:
		return "booted"
	}
	return "shutdown"
}

// BootOptions controls AndroidDevice.Boot. The zero value waits for boot
// completion with the environment's timeout and a read-only system.
type BootOptions struct {
	// SkipWait returns once the emulator is launched. It cannot be combined
	// with WritableSystem, whose remount needs a booted system.
	SkipWait bool
	// WritableSystem relaunches a running read-only instance with
	// -writable-system and remounts /system read-write.
	WritableSystem bool
	// Timeout bounds every boot wait; zero means the environment's timeout.
	Timeout time.Duration
}

// AndroidDevice is a handle for one AVD. Its emulator port is unset until
// the handle boots the device or finds it already running.
type AndroidDevice struct {
	m   *Manager
	def avd.AVDDefinition

	id                 string
	displayName        string
	deviceType         string
	osType             string
	osVersion          Version
	isPlayStoreEnabled bool

	mu       sync.Mutex
	state    DeviceState
	port     int
	writable bool
}

func newAndroidDevice(m *Manager, def avd.AVDDefinition) *AndroidDevice {
	return &AndroidDevice{
		m:                  m,
		def:                def,
		id:                 def.ID,
		displayName:        def.DisplayName,
		deviceType:         def.DeviceProfile,
		osType:             avd.OSTypeForTag(def.TargetType),
		osVersion:          def.TargetAPILevel,
		isPlayStoreEnabled: def.IsPlayStoreEnabled,
	}
}

func (d *AndroidDevice) ID() string { return d.id }
func (d *AndroidDevice) DisplayName() string { return d.displayName }
func (d *AndroidDevice) Platform() string { return "android" }
func (d *AndroidDevice) DeviceType() string { return d.deviceType }
func (d *AndroidDevice) OSType() string { return d.osType }
func (d *AndroidDevice) OSVersion() Version { return d.osVersion }
func (d *AndroidDevice) IsPlayStoreEnabled() bool { return d.isPlayStoreEnabled }
func (d *AndroidDevice) Definition() avd.AVDDefinition { return d.def }

func (d *AndroidDevice) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// EmulatorPort returns the console port assigned by the last boot.
func (d *AndroidDevice) EmulatorPort() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port, d.port != 0
}

// DeviceInfo is a serialisable snapshot of a device handle.
type DeviceInfo struct {
	ID                 string `json:"id"`
	DisplayName        string `json:"display_name"`
	DeviceType         string `json:"device_type"`
	OSType             string `json:"os_type"`
	OSVersion          string `json:"os_version"`
	IsPlayStoreEnabled bool   `json:"play_store"`
	Port               int    `json:"port,omitempty"`
	State              string `json:"state"`
}

func (d *AndroidDevice) Info() DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceInfo{
		ID:                 d.id,
		DisplayName:        d.displayName,
		DeviceType:         d.deviceType,
		OSType:             d.osType,
		OSVersion:          d.osVersion.String(),
		IsPlayStoreEnabled: d.isPlayStoreEnabled,
		Port:               d.port,
		State:              d.state.String(),
	}
}

// Boot starts the emulator, reusing the port of an instance that is
// already running, and by default waits until Android reports boot
// completion.
func (d *AndroidDevice) Boot(ctx context.Context, opts BootOptions) error {
	ctx, span := d.m.startSpan(ctx, "avdmanager.Boot",
		attribute.String("avd_name", d.id),
		attribute.Bool("writable_system", opts.WritableSystem),
	)
	defer span.End()

	if opts.WritableSystem && opts.SkipWait {
		err := fmt.Errorf("%w: a writable system boot always waits for boot completion", errdefs.ErrInvalidArgument)
		span.RecordError(err)
		return err
	}

	d.mu.Lock()
	writable := d.writable && d.state == StateBooted
	d.mu.Unlock()

	d.setState(StateBooting, 0)
	port, err := d.boot(ctx, opts, writable)
	if err != nil {
		span.RecordError(err)
		d.setState(StateShutdown, 0)
		return err
	}
	span.SetAttributes(attribute.Int("port", port))
	d.mu.Lock()
	d.writable = opts.WritableSystem
	d.mu.Unlock()
	d.setState(StateBooted, port)
	return nil
}

func (d *AndroidDevice) boot(ctx context.Context, opts BootOptions, writable bool) (int, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = d.m.env.BootTimeout
	}
	if opts.WritableSystem {
		return d.m.ports.MountWritableSystem(ctx, d.def, avd.WritableOptions{Timeout: timeout, Writable: writable})
	}

	current, running, err := d.m.ports.Find(ctx, d.id)
	if err != nil {
		return 0, err
	}
	port := current.Port
	if !running {
		if port, err = d.m.ports.Allocate(ctx, d.id); err != nil {
			return 0, err
		}
		if err := avd.LaunchEmulator(ctx, d.m.env, d.m.runner, d.id, port); err != nil {
			return 0, err
		}
	}
	d.setState(StateBooting, port)
	if !opts.SkipWait {
		if err := avd.WaitForBoot(ctx, d.m.env, d.m.runner, avd.SerialForPort(port), timeout, nil); err != nil {
			return 0, err
		}
	}
	return port, nil
}

func (d *AndroidDevice) setState(s DeviceState, port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
	d.port = port
}

// Shutdown stops the emulator if it is running. Stopping a device that is
// not running is a no-op.
func (d *AndroidDevice) Shutdown(ctx context.Context) error {
	ctx, span := d.m.startSpan(ctx, "avdmanager.Shutdown", attribute.String("avd_name", d.id))
	defer span.End()

	port, ok := d.EmulatorPort()
	if !ok {
		current, running, err := d.m.ports.Find(ctx, d.id)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if !running {
			d.setState(StateShutdown, 0)
			return nil
		}
		port = current.Port
	}
	if err := avd.StopEmulator(ctx, d.m.env, d.m.runner, port); err != nil {
		span.RecordError(err)
		return err
	}
	d.mu.Lock()
	d.writable = false
	d.mu.Unlock()
	d.setState(StateShutdown, 0)
	return nil
}

// Reboot is a shutdown followed by a boot in the same system mode.
func (d *AndroidDevice) Reboot(ctx context.Context) error {
	d.mu.Lock()
	writable := d.writable
	d.mu.Unlock()
	if err := d.Shutdown(ctx); err != nil {
		return err
	}
	return d.Boot(ctx, BootOptions{WritableSystem: writable})
}

// serial returns the adb serial of the running emulator, adopting the port
// of an instance started elsewhere.
func (d *AndroidDevice) serial(ctx context.Context) (string, error) {
	if port, ok := d.EmulatorPort(); ok {
		return avd.SerialForPort(port), nil
	}
	current, running, err := d.m.ports.Find(ctx, d.id)
	if err != nil {
		return "", err
	}
	if !running {
		return "", fmt.Errorf("%s: %w", d.id, ErrNotRunning)
	}
	d.setState(StateBooted, current.Port)
	return current.Serial, nil
}

func (d *AndroidDevice) adb(ctx context.Context, args ...string) ([]byte, error) {
	serial, err := d.serial(ctx)
	if err != nil {
		return nil, err
	}
	return d.m.runner.Run(ctx, d.m.env.ADB, append([]string{"-s", serial}, args...)...)
}

// OpenURL opens url in the device's default browser.
func (d *AndroidDevice) OpenURL(ctx context.Context, url string) error {
	_, err := d.adb(ctx, "shell", "am", "start", "-a", "android.intent.action.VIEW", "-d", url)
	return err
}

// LaunchApp starts the launcher activity of an installed package.
func (d *AndroidDevice) LaunchApp(ctx context.Context, appID string) error {
	_, err := d.adb(ctx, "shell", "monkey", "-p", appID, "-c", "android.intent.category.LAUNCHER", "1")
	return err
}

// InstallApp installs or replaces an APK.
func (d *AndroidDevice) InstallApp(ctx context.Context, apkPath string) error {
	_, err := d.adb(ctx, "install", "-r", apkPath)
	return err
}

// IsCertInstalled reports whether the certificate is present in the system
// CA store. Any failure along the way counts as not installed.
func (d *AndroidDevice) IsCertInstalled(ctx context.Context, certPath string) bool {
	devicePath, err := avd.DeviceCertPath(certPath)
	if err != nil {
		return false
	}
	out, err := d.adb(ctx, "shell", "ls", devicePath)
	if err != nil {
		return false
	}
	s := string(out)
	return strings.Contains(s, devicePath) && !strings.Contains(s, "No such file")
}

// InstallCert pushes the certificate into the system CA store, rebooting
// into writable-system mode first when needed.
func (d *AndroidDevice) InstallCert(ctx context.Context, certPath string) error {
	ctx, span := d.m.startSpan(ctx, "avdmanager.InstallCert", attribute.String("avd_name", d.id))
	defer span.End()

	if d.isPlayStoreEnabled {
		err := &avd.IncompatibleDeviceError{AVD: d.id, Reason: "Play Store images cannot install system certificates"}
		span.RecordError(err)
		return err
	}
	devicePath, err := avd.DeviceCertPath(certPath)
	if err != nil {
		span.RecordError(err)
		return err
	}

	d.mu.Lock()
	writable := d.writable && d.state == StateBooted
	d.mu.Unlock()
	if !writable {
		if err := d.Boot(ctx, BootOptions{WritableSystem: true}); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if _, err := d.adb(ctx, "push", certPath, devicePath); err != nil {
		span.RecordError(err)
		return err
	}
	if _, err := d.adb(ctx, "shell", "chmod", "644", devicePath); err != nil {
		span.RecordError(err)
		return err
	}
	avd.LogEvent(d.m.env, "certificate installed", "avd", d.id, "device_path", devicePath)
	return nil
}
