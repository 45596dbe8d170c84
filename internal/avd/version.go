// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"fmt"
	"regexp"
	"strconv"
)

// Version is either a numeric major[.minor[.patch]] triple or an opaque
// codename such as "Tiramisu" for releases without a final API level.
type Version struct {
	Major    int
	Minor    int
	Patch    int
	Codename string
}

var versionPattern = regexp.MustCompile(`^\s*(0|[1-9][0-9]*)(?:[.-](0|[1-9][0-9]*))?(?:[.-](0|[1-9][0-9]*))?\s*$`)

// ParseVersion accepts N, N.N and N.N.N ("." or "-" separated, optional
// surrounding whitespace). Zero-padded components are rejected.
func ParseVersion(text string) (Version, bool) {
	m := versionPattern.FindStringSubmatch(text)
	if m == nil {
		return Version{}, false
	}
	var parts [3]int
	for i, s := range m[1:] {
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return Version{}, false
		}
		parts[i] = n
	}
	return Version{Major: parts[0], Minor: parts[1], Patch: parts[2]}, true
}

// VersionFrom parses text as a numeric version and otherwise keeps it as a
// codename.
func VersionFrom(text string) Version {
	if v, ok := ParseVersion(text); ok {
		return v
	}
	return Version{Codename: text}
}

func (v Version) IsCodename() bool { return v.Codename != "" }

func (v Version) IsZero() bool { return v == Version{} }

func (v Version) String() string {
	if v.IsCodename() {
		return v.Codename
	}
	switch {
	case v.Patch != 0:
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	case v.Minor != 0:
		return fmt.Sprintf("%d.%d", v.Major, v.Minor)
	default:
		return strconv.Itoa(v.Major)
	}
}

func compareNumeric(a, b Version) int {
	switch {
	case a.Major != b.Major:
		return a.Major - b.Major
	case a.Minor != b.Minor:
		return a.Minor - b.Minor
	default:
		return a.Patch - b.Patch
	}
}

// SameVersion compares numeric versions field by field and codenames by
// string equality. A codename never equals a numeric version.
func SameVersion(a, b Version) bool {
	if a.IsCodename() || b.IsCodename() {
		return a.Codename == b.Codename
	}
	return compareNumeric(a, b) == 0
}

// SameOrNewer reports whether a is the same release as b or a later one.
// A codename is newer than every numeric version; two distinct codenames
// cannot be ordered.
func SameOrNewer(a, b Version) (bool, error) {
	switch {
	case a.IsCodename() && b.IsCodename():
		if a.Codename == b.Codename {
			return true, nil
		}
		return false, &VersionComparisonError{A: a.Codename, B: b.Codename}
	case a.IsCodename():
		return true, nil
	case b.IsCodename():
		return false, nil
	default:
		return compareNumeric(a, b) >= 0, nil
	}
}

func SameVersionString(a, b string) bool { return SameVersion(VersionFrom(a), VersionFrom(b)) }

func SameOrNewerString(a, b string) (bool, error) {
	return SameOrNewer(VersionFrom(a), VersionFrom(b))
}

// compareVersions orders versions for sorting; incomparable codenames
// compare equal.
func compareVersions(a, b Version) int {
	if !a.IsCodename() && !b.IsCodename() {
		return compareNumeric(a, b)
	}
	if SameVersion(a, b) {
		return 0
	}
	newer, err := SameOrNewer(a, b)
	if err != nil {
		return 0
	}
	if newer {
		return 1
	}
	return -1
}
