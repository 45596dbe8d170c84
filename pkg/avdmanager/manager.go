// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avdmanager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkbombeu/emuctl/internal/avd"
)

var tracer = otel.Tracer("emuctl/avdmanager")

type (
	Version                 = avd.Version
	Package                 = avd.Package
	Catalog                 = avd.Catalog
	MatchOptions            = avd.MatchOptions
	RunningEmulator         = avd.RunningEmulator
	AVDDefinition           = avd.AVDDefinition
	Runner                  = avd.Runner
	ToolError               = avd.ToolError
	NoMatchingPackageError  = avd.NoMatchingPackageError
	IncompatibleDeviceError = avd.IncompatibleDeviceError
	VersionComparisonError  = avd.VersionComparisonError
)

var (
	ErrBootTimeout = avd.ErrBootTimeout
	ErrNoFreePort  = avd.ErrNoFreePort
	ErrNotRunning  = avd.ErrNotRunning
)

// ParseVersion accepts N, N.N and N.N.N.
func ParseVersion(text string) (Version, bool) { return avd.ParseVersion(text) }

// VersionFrom parses text, keeping it as a codename when it is not numeric.
func VersionFrom(text string) Version { return avd.VersionFrom(text) }

func SameVersion(a, b Version) bool { return avd.SameVersion(a, b) }

func SameOrNewer(a, b Version) (bool, error) { return avd.SameOrNewer(a, b) }

// Manager enumerates AVDs into device handles. It owns the package cache;
// the device list itself is read fresh on every call.
type Manager struct {
	env      avd.Env
	runner   avd.Runner
	packages *avd.PackageCache
	ports    *avd.PortAllocator
	config   *avd.ConfigWriter
}

// New creates a Manager with the detected environment.
func New() *Manager {
	return NewWithContextAndCorrelationID(context.Background(), "")
}

// NewWithCorrelationID creates a new Manager with a correlation ID for structured logs.
func NewWithCorrelationID(correlationID string) *Manager {
	return NewWithContextAndCorrelationID(context.Background(), correlationID)
}

// NewWithContext creates a new Manager with a custom context for tracing.
func NewWithContext(ctx context.Context) *Manager {
	return NewWithContextAndCorrelationID(ctx, "")
}

// NewWithContextAndCorrelationID creates a Manager with a custom context and
// correlation ID. An empty ID falls back to the configured one, then to a
// fresh UUID.
func NewWithContextAndCorrelationID(ctx context.Context, correlationID string) *Manager {
	env := avd.Detect()
	if ctx == nil {
		ctx = context.Background()
	}
	env.Context = ctx
	if correlationID != "" {
		env.CorrelationID = correlationID
	}
	return newManager(env, nil)
}

// NewWithEnv creates a Manager from explicit configuration. A nil runner
// executes the real SDK tools.
func NewWithEnv(env Environment, runner Runner) *Manager {
	return newManager(env.internal(), runner)
}

func newManager(env avd.Env, runner avd.Runner) *Manager {
	env = env.WithDefaults()
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	if runner == nil {
		runner = avd.NewExecRunner(env)
	}
	return &Manager{
		env:      env,
		runner:   runner,
		packages: avd.NewPackageCache(env, runner),
		ports:    avd.NewPortAllocator(env, runner),
		config:   avd.NewConfigWriter(env),
	}
}

// Environment holds configuration for SDK tools and paths. Zero values
// take the package defaults.
type Environment struct {
	SDKRoot       string          // ANDROID_SDK_ROOT
	AVDHome       string          // ANDROID_AVD_HOME (default ~/.android/avd)
	EmulatorBin   string          // Path to emulator binary (default: "emulator")
	ADBBin        string          // Path to adb binary (default: "adb")
	AvdManagerBin string          // Path to avdmanager binary (default: "avdmanager")
	SdkManagerBin string          // Path to sdkmanager binary (default: "sdkmanager")
	BasePort      int             // First console port handed out (default 5572)
	MaxPort       int             // Upper bound for console ports (default 5800)
	MinAPILevel   string          // Minimum API level for default filters and image selection
	ABIPreference []string        // System image ABIs, most preferred first
	BootTimeout   time.Duration   // Wait-for-boot budget (default 3m)
	PollInterval  time.Duration   // Boot status poll interval (default 500ms)
	BootSettle    time.Duration   // Extra wait after boot completes
	RAMSize       string          // hw.ramSize for created devices, e.g. "2GB"
	CorrelationID string          // Correlation ID for log enrichment
	Context       context.Context // Context for tracing
}

func (e Environment) internal() avd.Env {
	env := avd.Env{
		SDKRoot:       e.SDKRoot,
		AVDHome:       e.AVDHome,
		Emulator:      e.EmulatorBin,
		ADB:           e.ADBBin,
		AvdMgr:        e.AvdManagerBin,
		SdkManager:    e.SdkManagerBin,
		BasePort:      e.BasePort,
		MaxPort:       e.MaxPort,
		ABIPreference: e.ABIPreference,
		BootTimeout:   e.BootTimeout,
		PollInterval:  e.PollInterval,
		BootSettle:    e.BootSettle,
		RAMSize:       e.RAMSize,
		CorrelationID: e.CorrelationID,
		Context:       e.Context,
	}
	if v, ok := avd.ParseVersion(e.MinAPILevel); ok {
		env.MinAPILevel = v
	} else if e.MinAPILevel != "" {
		avd.LogEvent(env, "invalid minimum API level ignored", "min_api_level", e.MinAPILevel, "default", avd.DefaultMinAPILevel)
	}
	return env.WithDefaults()
}

func (m *Manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m.env.CorrelationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", m.env.CorrelationID))
	}
	if ctx == nil {
		ctx = m.env.Context
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Packages returns the SDK package catalog, listing it on first use.
func (m *Manager) Packages(ctx context.Context) (*Catalog, error) {
	return m.packages.Catalog(ctx)
}

// ClearCaches drops the cached package catalog.
func (m *Manager) ClearCaches() { m.packages.Clear() }

// WatchPackages clears the package cache whenever the SDK's platforms or
// system images change on disk, until ctx is done or stop is called.
func (m *Manager) WatchPackages(ctx context.Context) (stop func() error, err error) {
	w, err := avd.WatchSDK(ctx, m.env, m.packages.Clear)
	if err != nil {
		return nil, err
	}
	return w.Stop, nil
}

// FindSystemImage resolves the best system image, filling unset ABI
// preference and minimum level from the environment.
func (m *Manager) FindSystemImage(ctx context.Context, opts MatchOptions) (Package, error) {
	catalog, err := m.Packages(ctx)
	if err != nil {
		return Package{}, err
	}
	if len(opts.ABIPreference) == 0 {
		opts.ABIPreference = m.env.ABIPreference
	}
	if opts.MinAPILevel.IsZero() {
		opts.MinAPILevel = m.env.MinAPILevel
	}
	return catalog.FindBestMatch(opts)
}

// ListRunning returns the emulators currently attached to adb.
func (m *Manager) ListRunning(ctx context.Context) ([]RunningEmulator, error) {
	return m.ports.ListRunning(ctx)
}

// OSFilter keeps devices of one OS type at or above a minimum version. A
// zero MinVersion accepts every version.
type OSFilter struct {
	OSType     string
	MinVersion Version
}

func (f OSFilter) matches(d *AndroidDevice) bool {
	if d.osType != f.OSType {
		return false
	}
	if f.MinVersion.IsZero() {
		return true
	}
	ok, err := avd.SameOrNewer(d.osVersion, f.MinVersion)
	return err == nil && ok
}

// DefaultFilters keeps phone/tablet Android images at or above the
// configured minimum API level.
func (m *Manager) DefaultFilters() []OSFilter {
	return []OSFilter{{OSType: avd.OSTypeAndroid, MinVersion: m.env.MinAPILevel}}
}

// Devices enumerates devices with DefaultFilters.
func (m *Manager) Devices(ctx context.Context) ([]*AndroidDevice, error) {
	return m.EnumerateDevices(ctx, m.DefaultFilters())
}

// EnumerateDevices lists AVDs as device handles. A device is kept when it
// matches any filter; nil or empty filters keep every parsed device.
func (m *Manager) EnumerateDevices(ctx context.Context, filters []OSFilter) ([]*AndroidDevice, error) {
	ctx, span := m.startSpan(ctx, "avdmanager.EnumerateDevices", attribute.Int("filters", len(filters)))
	defer span.End()

	defs, err := avd.EnumerateAVDs(ctx, m.env, m.runner)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	var out []*AndroidDevice
	for _, def := range defs {
		d := newAndroidDevice(m, def)
		if len(filters) == 0 || anyFilter(filters, d) {
			out = append(out, d)
		}
	}
	span.SetAttributes(attribute.Int("devices", len(out)))
	return out, nil
}

func anyFilter(filters []OSFilter, d *AndroidDevice) bool {
	for _, f := range filters {
		if f.matches(d) {
			return true
		}
	}
	return false
}

// GetDevice finds a device by id, then by display name, across all AVDs.
// A miss returns ok=false and no error.
func (m *Manager) GetDevice(ctx context.Context, idOrName string) (*AndroidDevice, bool, error) {
	devices, err := m.EnumerateDevices(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	for _, d := range devices {
		if d.id == idOrName {
			return d, true, nil
		}
	}
	for _, d := range devices {
		if d.displayName == idOrName {
			return d, true, nil
		}
	}
	return nil, false, nil
}

// CreateOptions describes a new AVD.
type CreateOptions struct {
	Name          string   // AVD id (required)
	DeviceProfile string   // hardware profile, e.g. "pixel_6" (required)
	APILevel      *Version // exact API level; nil picks the newest eligible
	Tag           string   // image flavour, e.g. "google_apis"
	ABIPreference []string // overrides the environment preference
}

// CreateDevice resolves a system image, installs it if needed, creates the
// AVD and tunes its config.
func (m *Manager) CreateDevice(ctx context.Context, opts CreateOptions) (*AndroidDevice, error) {
	if opts.Name == "" {
		return nil, errors.New("empty AVD name")
	}
	if opts.DeviceProfile == "" {
		return nil, errors.New("empty device profile")
	}
	ctx, span := m.startSpan(ctx, "avdmanager.CreateDevice",
		attribute.String("avd_name", opts.Name),
		attribute.String("profile", opts.DeviceProfile),
	)
	defer span.End()

	pkg, err := m.FindSystemImage(ctx, MatchOptions{
		APILevel:      opts.APILevel,
		ABIPreference: opts.ABIPreference,
		Tag:           opts.Tag,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("system_image", pkg.Path))

	if !pkg.Installed {
		if _, err := m.runner.Run(ctx, m.env.SdkManager, "--install", pkg.Path); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("install system image: %w", err)
		}
		m.ClearCaches()
	}

	if _, err := m.runner.Run(ctx, m.env.AvdMgr, "create", "avd",
		"-n", opts.Name, "-k", pkg.Path, "-d", opts.DeviceProfile, "--force"); err != nil {
		span.RecordError(err)
		return nil, err
	}

	configPath := filepath.Join(m.env.AVDHome, opts.Name+".avd", "config.ini")
	if _, err := m.config.ApplySkin(configPath, opts.DeviceProfile); err != nil {
		span.RecordError(err)
		return nil, err
	}

	d, ok, err := m.GetDevice(ctx, opts.Name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("created AVD %s is not listed by %s", opts.Name, m.env.AvdMgr)
	}
	return d, nil
}

// ApplySkin tunes an existing config.ini for the given device profile.
func (m *Manager) ApplySkin(configPath, profile string) (bool, error) {
	return m.config.ApplySkin(configPath, profile)
}

// DeleteDevice removes an AVD with avdmanager, falling back to deleting its
// files under the AVD home. Deleting a missing AVD is not an error.
func (m *Manager) DeleteDevice(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("empty name")
	}
	ctx, span := m.startSpan(ctx, "avdmanager.DeleteDevice", attribute.String("avd_name", id))
	defer span.End()

	_, toolErr := m.runner.Run(ctx, m.env.AvdMgr, "delete", "avd", "-n", id)
	if toolErr == nil {
		return nil
	}
	if strings.Contains(toolErr.Error(), "no Android Virtual Device") {
		toolErr = nil
	} else {
		avd.LogEvent(m.env, "avdmanager delete failed, removing files", "avd", id, "error", toolErr.Error())
	}

	// RemoveAll already treats a missing directory as removed.
	var errs []error
	if err := os.RemoveAll(filepath.Join(m.env.AVDHome, id+".avd")); err != nil {
		errs = append(errs, err)
	}
	if err := os.Remove(filepath.Join(m.env.AVDHome, id+".ini")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		err := errors.Join(append([]error{toolErr}, errs...)...)
		span.RecordError(err)
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}
