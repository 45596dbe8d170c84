// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

var (
	ErrBootTimeout = fmt.Errorf("boot timeout: %w", errdefs.ErrUnavailable)
	ErrNoFreePort  = fmt.Errorf("no free emulator port: %w", errdefs.ErrResourceExhausted)
	ErrNotRunning  = fmt.Errorf("emulator not running: %w", errdefs.ErrFailedPrecondition)
)

// ToolError wraps a failed external tool invocation with the attempted
// command line and whatever the tool printed.
type ToolError struct {
	Command string
	Args    []string
	Output  string
	Err     error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s %s failed: %v", e.Command, strings.Join(e.Args, " "), e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

type NoMatchingPackageError struct {
	APILevel *Version
	ABIs     []string
	Reason   string
}

func (e *NoMatchingPackageError) Error() string {
	level := "any"
	if e.APILevel != nil {
		level = e.APILevel.String()
	}
	return fmt.Sprintf("no system image for API level %s (abi %s): %s",
		level, strings.Join(e.ABIs, ","), e.Reason)
}

func (e *NoMatchingPackageError) Unwrap() error { return errdefs.ErrNotFound }

// IncompatibleDeviceError reports an operation that cannot work for this
// class of device, e.g. a writable system on a Play Store image.
type IncompatibleDeviceError struct {
	AVD    string
	Reason string
}

func (e *IncompatibleDeviceError) Error() string {
	return fmt.Sprintf("device %s is incompatible: %s", e.AVD, e.Reason)
}

func (e *IncompatibleDeviceError) Unwrap() error { return errdefs.ErrFailedPrecondition }

type VersionComparisonError struct {
	A, B string
}

func (e *VersionComparisonError) Error() string {
	return fmt.Sprintf("cannot order codenames %q and %q", e.A, e.B)
}

func (e *VersionComparisonError) Unwrap() error { return errdefs.ErrInvalidArgument }
