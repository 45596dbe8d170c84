// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

/*
Package avdmanager discovers Android Virtual Devices and drives emulator
instances so that web content can be previewed on them.

# Overview

A Manager reads the AVDs known to avdmanager, overlays each one with its
own config.ini, and hands them out as AndroidDevice handles. A handle can
boot its emulator, open URLs, launch apps and install CA certificates into
the system store.

# Quick Start

	import "github.com/forkbombeu/emuctl/pkg/avdmanager"

	func main() {
		ctx := context.Background()
		mgr := avdmanager.NewWithContext(ctx)

		// Phone and tablet images at or above the minimum API level.
		devices, _ := mgr.Devices(ctx)

		d := devices[0]
		_ = d.Boot(ctx, avdmanager.BootOptions{})
		_ = d.OpenURL(ctx, "https://example.org")
		_ = d.Shutdown(ctx)
	}

# Ports

Each emulator takes an even console port and the adb port after it. Ports
are handed out from 5572 in steps of two. Booting a device that is already
running reuses its port; the running set is read from adb every time, so
two processes booting the same AVD at once can race.

# System images

Manager.Packages lists SDK platforms and system images once per Manager
and caches the result. Call ClearCaches after installing packages outside
the Manager, or WatchPackages to do it automatically. CreateDevice picks the
best image for an API level and ABI preference, installs it when missing
and creates the AVD.

# Certificates

InstallCert relaunches the emulator with a writable system partition,
remounts /system and pushes the certificate under its OpenSSL
subject_hash_old name. Images with the Play Store cannot be remounted and
return IncompatibleDeviceError without touching a running emulator.

# Environment Configuration

By default, the manager reads emuctl.yaml from $XDG_CONFIG_HOME/emuctl,
~/.config/emuctl or the working directory, then the environment:
  - ANDROID_SDK_ROOT / ANDROID_HOME
  - ANDROID_AVD_HOME
  - EMUCTL_BASE_PORT, EMUCTL_MAX_PORT
  - EMUCTL_MIN_API_LEVEL, EMUCTL_ABI_PREFERENCE
  - EMUCTL_BOOT_TIMEOUT, EMUCTL_RAM_SIZE
  - EMUCTL_CORRELATION_ID

Use NewWithEnv() to pass explicit configuration and a custom Runner.

# Thread Safety

Manager methods are safe for concurrent use. A device handle serialises
its own state, but nothing stops two handles for the same AVD from racing.

# Requirements

  - Android SDK with emulator, adb, avdmanager, sdkmanager
  - KVM for hardware acceleration (Linux)

# License

AGPL-3.0-only

Copyright (C) 2025 Forkbomb B.V.
*/
package avdmanager
