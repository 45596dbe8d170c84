// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avdmanager

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const caDevicePath = "/system/etc/security/cacerts/83a924f4.0"

func device(t *testing.T, fx *fixture, id string) *AndroidDevice {
	t.Helper()
	d, ok, err := fx.m.GetDevice(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return d
}

func TestBootAllocatesAndWaits(t *testing.T) {
	fx := populated(t)
	fx.setRunning(5572, "TV_API_31")
	d := device(t, fx, "Pixel_6_API_34")

	_, ok := d.EmulatorPort()
	assert.False(t, ok)
	assert.Equal(t, StateShutdown, d.State())

	require.NoError(t, d.Boot(context.Background(), BootOptions{}))
	port, ok := d.EmulatorPort()
	require.True(t, ok)
	assert.Equal(t, 5574, port)
	assert.Equal(t, StateBooted, d.State())
	assert.Equal(t, []string{"emulator -avd Pixel_6_API_34 -port 5574 -no-snapshot-load"}, fx.runner.Started())
	assert.Positive(t, fx.runner.count("adb -s emulator-5574 shell getprop sys.boot_completed"))
}

func TestBootReusesRunningEmulator(t *testing.T) {
	fx := populated(t)
	fx.setRunning(5580, "Pixel_6_API_30")
	d := device(t, fx, "Pixel_6_API_30")

	require.NoError(t, d.Boot(context.Background(), BootOptions{SkipWait: true}))
	port, _ := d.EmulatorPort()
	assert.Equal(t, 5580, port)
	assert.Empty(t, fx.runner.Started())
	assert.Zero(t, fx.runner.count("adb -s emulator-5580 shell getprop"))
}

func TestBootTimeoutResetsState(t *testing.T) {
	fx := populated(t)
	fx.respond = func(cmd string) (string, bool, error) {
		if strings.HasSuffix(cmd, "getprop sys.boot_completed") {
			return "0\n", true, nil
		}
		return "", false, nil
	}
	d := device(t, fx, "Pixel_6_API_34")

	err := d.Boot(context.Background(), BootOptions{Timeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, ErrBootTimeout)
	assert.Equal(t, StateShutdown, d.State())
	_, ok := d.EmulatorPort()
	assert.False(t, ok)
}

func TestShutdown(t *testing.T) {
	fx := populated(t)
	d := device(t, fx, "Pixel_6_API_34")

	require.NoError(t, d.Shutdown(context.Background()), "stopping a stopped device is a no-op")
	assert.Zero(t, fx.runner.count("adb -s emulator-5572 emu kill"))

	require.NoError(t, d.Boot(context.Background(), BootOptions{SkipWait: true}))
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, 1, fx.runner.count("adb -s emulator-5572 emu kill"))
	assert.Equal(t, StateShutdown, d.State())
}

func TestShutdownAdoptsExternalEmulator(t *testing.T) {
	fx := populated(t)
	fx.setRunning(5590, "Pixel_6_API_30")
	d := device(t, fx, "Pixel_6_API_30")

	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, 1, fx.runner.count("adb -s emulator-5590 emu kill"))
}

func TestOpenURLAndLaunchApp(t *testing.T) {
	fx := populated(t)
	d := device(t, fx, "Pixel_6_API_34")

	err := d.OpenURL(context.Background(), "https://example.org")
	require.ErrorIs(t, err, ErrNotRunning)
	assert.True(t, errdefs.IsFailedPrecondition(err))

	fx.setRunning(5572, "Pixel_6_API_34")
	require.NoError(t, d.OpenURL(context.Background(), "https://example.org"))
	require.NoError(t, d.LaunchApp(context.Background(), "org.example.wallet"))
	require.NoError(t, d.InstallApp(context.Background(), "/tmp/app.apk"))

	calls := fx.runner.Calls()
	assert.Contains(t, calls, "adb -s emulator-5572 shell am start -a android.intent.action.VIEW -d https://example.org")
	assert.Contains(t, calls, "adb -s emulator-5572 shell monkey -p org.example.wallet -c android.intent.category.LAUNCHER 1")
	assert.Contains(t, calls, "adb -s emulator-5572 install -r /tmp/app.apk")
	assert.Equal(t, StateBooted, d.State())
}

func TestIsCertInstalled(t *testing.T) {
	fx := populated(t)
	fx.setRunning(5572, "Pixel_6_API_34")
	present := true
	fx.respond = func(cmd string) (string, bool, error) {
		if cmd != "adb -s emulator-5572 shell ls "+caDevicePath {
			return "", false, nil
		}
		if present {
			return caDevicePath + "\n", true, nil
		}
		return "ls: " + caDevicePath + ": No such file or directory\n", true, errors.New("exit status 1")
	}
	d := device(t, fx, "Pixel_6_API_34")
	cert := filepath.Join("testdata", "ca.pem")

	assert.True(t, d.IsCertInstalled(context.Background(), cert))
	present = false
	assert.False(t, d.IsCertInstalled(context.Background(), cert))
	assert.False(t, d.IsCertInstalled(context.Background(), filepath.Join("testdata", "missing.pem")))
}

func TestInstallCertRemountsWritable(t *testing.T) {
	fx := populated(t)
	d := device(t, fx, "Pixel_6_API_34")

	require.NoError(t, d.InstallCert(context.Background(), filepath.Join("testdata", "ca.pem")))

	require.Len(t, fx.runner.Started(), 1)
	assert.Contains(t, fx.runner.Started()[0], "-writable-system")

	calls := fx.runner.Calls()
	assert.Contains(t, calls, "adb -s emulator-5572 shell avbctl disable-verification")
	assert.Contains(t, calls, "adb -s emulator-5572 remount")
	assert.Contains(t, calls, "adb -s emulator-5572 push "+filepath.Join("testdata", "ca.pem")+" "+caDevicePath)
	assert.Contains(t, calls, "adb -s emulator-5572 shell chmod 644 "+caDevicePath)
	assert.Equal(t, StateBooted, d.State())

	// Already writable: no second relaunch.
	require.NoError(t, d.InstallCert(context.Background(), filepath.Join("testdata", "ca.pem")))
	assert.Len(t, fx.runner.Started(), 1)
}

func TestInstallCertPlayStoreImage(t *testing.T) {
	fx := newFixture(t)
	fx.addAVD("Store", "Store", "google_apis_playstore", 34, "pixel_6", "PlayStore.enabled=yes")
	fx.setRunning(5572, "Store")
	d := device(t, fx, "Store")
	require.True(t, d.IsPlayStoreEnabled())

	err := d.InstallCert(context.Background(), filepath.Join("testdata", "ca.pem"))
	var incompatible *IncompatibleDeviceError
	require.True(t, errors.As(err, &incompatible))
	assert.Empty(t, fx.runner.Started())
	assert.Zero(t, fx.runner.count("adb -s emulator-5572 emu kill"), "the running emulator is left alone")

	running, err := fx.m.ListRunning(context.Background())
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "Store", running[0].AVDID)
}

func TestWritableBootRelaunchesReadOnlyEmulator(t *testing.T) {
	fx := populated(t)
	fx.setRunning(5572, "Pixel_6_API_34")
	d := device(t, fx, "Pixel_6_API_34")

	require.NoError(t, d.Boot(context.Background(), BootOptions{WritableSystem: true}))

	calls := fx.runner.Calls()
	kill := indexOf(calls, "adb -s emulator-5572 emu kill")
	remount := indexOf(calls, "adb -s emulator-5572 remount")
	require.GreaterOrEqual(t, kill, 0, "the read-only instance is stopped")
	assert.Greater(t, remount, kill)
	assert.Equal(t, []string{"emulator -avd Pixel_6_API_34 -port 5572 -no-snapshot-load -writable-system"}, fx.runner.Started())
	port, _ := d.EmulatorPort()
	assert.Equal(t, 5572, port)

	// Booting writable again keeps the writable instance.
	require.NoError(t, d.Boot(context.Background(), BootOptions{WritableSystem: true}))
	assert.Len(t, fx.runner.Started(), 1)
	assert.Equal(t, 1, fx.runner.count("adb -s emulator-5572 emu kill"))
}

func TestWritableBootOptions(t *testing.T) {
	fx := populated(t)
	d := device(t, fx, "Pixel_6_API_34")

	before := len(fx.runner.Calls())
	err := d.Boot(context.Background(), BootOptions{WritableSystem: true, SkipWait: true})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
	assert.Len(t, fx.runner.Calls(), before, "rejected before touching any tool")

	fx.respond = func(cmd string) (string, bool, error) {
		if strings.HasSuffix(cmd, "getprop sys.boot_completed") {
			return "0\n", true, nil
		}
		return "", false, nil
	}
	start := time.Now()
	err = d.Boot(context.Background(), BootOptions{WritableSystem: true, Timeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, ErrBootTimeout)
	assert.Contains(t, err.Error(), "after 20ms")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateShutdown, d.State())
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestDeviceInfo(t *testing.T) {
	fx := populated(t)
	info := device(t, fx, "TV_API_31").Info()
	assert.Equal(t, DeviceInfo{
		ID:          "TV_API_31",
		DisplayName: "TV",
		DeviceType:  "tv_1080p",
		OSType:      "android-tv",
		OSVersion:   "31",
		State:       "shutdown",
	}, info)
}
