// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultBasePort     = 5572
	DefaultMaxPort      = 5800
	DefaultMinAPILevel  = "28"
	DefaultBootTimeout  = 3 * time.Minute
	DefaultPollInterval = 500 * time.Millisecond
	DefaultBootSettle   = 2 * time.Second
)

// DefaultABIPreference ranks 64-bit images ahead of 32-bit ones.
var DefaultABIPreference = []string{"x86_64", "arm64-v8a", "x86", "armeabi-v7a"}

type Env struct {
	SDKRoot    string // ANDROID_SDK_ROOT / ANDROID_HOME
	AVDHome    string // ANDROID_AVD_HOME (default ~/.android/avd)
	Emulator   string // emulator
	ADB        string // adb
	AvdMgr     string // avdmanager
	SdkManager string // sdkmanager

	BasePort      int
	MaxPort       int
	MinAPILevel   Version
	ABIPreference []string
	BootTimeout   time.Duration
	PollInterval  time.Duration
	BootSettle    time.Duration
	// RAMSize is a human size ("2GB", "1536MiB"); empty leaves hw.ramSize alone.
	RAMSize string

	// CorrelationID is used to tie logs to a specific workflow/activity.
	CorrelationID string
	// Context is used to parent OpenTelemetry spans.
	Context context.Context
}

// Detect builds an Env from defaults, an optional emuctl.yaml and the
// process environment, in increasing order of precedence.
func Detect() Env {
	return detect(newViper())
}

func newViper() *viper.Viper {
	home := homeDir()

	v := viper.New()
	v.SetConfigName("emuctl")
	v.SetConfigType("yaml")
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		v.AddConfigPath(filepath.Join(xdg, "emuctl"))
	}
	if home != "" {
		v.AddConfigPath(filepath.Join(home, ".config", "emuctl"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("EMUCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("sdk_root", "ANDROID_SDK_ROOT", "ANDROID_HOME")
	_ = v.BindEnv("avd_home", "ANDROID_AVD_HOME")
	_ = v.BindEnv("correlation_id", "EMUCTL_CORRELATION_ID", "CREDIMI_CORRELATION_ID")

	v.SetDefault("avd_home", filepath.Join(home, ".android", "avd"))
	v.SetDefault("base_port", DefaultBasePort)
	v.SetDefault("max_port", DefaultMaxPort)
	v.SetDefault("min_api_level", DefaultMinAPILevel)
	v.SetDefault("abi_preference", strings.Join(DefaultABIPreference, ","))
	v.SetDefault("boot_timeout", DefaultBootTimeout)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("boot_settle", DefaultBootSettle)
	v.SetDefault("ram_size", "")

	var notFound viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		logEvent(Env{}, "config file ignored", "error", err.Error())
	}
	return v
}

func detect(v *viper.Viper) Env {
	sdk := v.GetString("sdk_root")

	minAPI, ok := ParseVersion(v.GetString("min_api_level"))
	if !ok {
		minAPI, _ = ParseVersion(DefaultMinAPILevel)
	}

	return Env{
		SDKRoot:       sdk,
		AVDHome:       v.GetString("avd_home"),
		Emulator:      toolPath(v, "emulator", sdk, "emulator", "emulator"),
		ADB:           toolPath(v, "adb", sdk, "platform-tools", "adb"),
		AvdMgr:        toolPath(v, "avdmanager", sdk, filepath.Join("cmdline-tools", "latest", "bin"), "avdmanager"),
		SdkManager:    toolPath(v, "sdkmanager", sdk, filepath.Join("cmdline-tools", "latest", "bin"), "sdkmanager"),
		BasePort:      v.GetInt("base_port"),
		MaxPort:       v.GetInt("max_port"),
		MinAPILevel:   minAPI,
		ABIPreference: splitList(v.GetString("abi_preference")),
		BootTimeout:   v.GetDuration("boot_timeout"),
		PollInterval:  v.GetDuration("poll_interval"),
		BootSettle:    v.GetDuration("boot_settle"),
		RAMSize:       v.GetString("ram_size"),
		CorrelationID: v.GetString("correlation_id"),
		Context:       context.Background(),
	}
}

// toolPath prefers an explicit EMUCTL_<KEY> override, then the binary
// inside the SDK, then a bare name resolved on PATH.
func toolPath(v *viper.Viper, key, sdk, dir, bin string) string {
	if p := v.GetString(key); p != "" {
		return p
	}
	if sdk != "" {
		p := filepath.Join(sdk, dir, bin)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return bin
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func homeDir() string {
	if usr, _ := user.Current(); usr != nil && usr.HomeDir != "" {
		return usr.HomeDir
	}
	return os.Getenv("HOME")
}

// WithDefaults fills zero values so hand-built Envs (tests, library
// callers) behave like detected ones.
func (env Env) WithDefaults() Env {
	if env.BasePort == 0 {
		env.BasePort = DefaultBasePort
	}
	if env.MaxPort == 0 {
		env.MaxPort = DefaultMaxPort
	}
	if env.MinAPILevel.IsZero() {
		env.MinAPILevel, _ = ParseVersion(DefaultMinAPILevel)
	}
	if len(env.ABIPreference) == 0 {
		env.ABIPreference = DefaultABIPreference
	}
	if env.BootTimeout == 0 {
		env.BootTimeout = DefaultBootTimeout
	}
	if env.PollInterval == 0 {
		env.PollInterval = DefaultPollInterval
	}
	if env.Emulator == "" {
		env.Emulator = "emulator"
	}
	if env.ADB == "" {
		env.ADB = "adb"
	}
	if env.AvdMgr == "" {
		env.AvdMgr = "avdmanager"
	}
	if env.SdkManager == "" {
		env.SdkManager = "sdkmanager"
	}
	if env.AVDHome == "" {
		env.AVDHome = filepath.Join(homeDir(), ".android", "avd")
	}
	if env.Context == nil {
		env.Context = context.Background()
	}
	return env
}

// SkinsDir is where the SDK keeps emulator skins.
func (env Env) SkinsDir() string {
	if env.SDKRoot == "" {
		return "skins"
	}
	return filepath.Join(env.SDKRoot, "skins")
}
