// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"regexp"
	"strings"
)

const (
	platformPrefix    = "platforms;android-"
	systemImagePrefix = "system-images;android-"
)

type PackageKind string

const (
	KindPlatform    PackageKind = "platform"
	KindSystemImage PackageKind = "system-image"
)

// Package is one SDK component from the sdkmanager listing.
type Package struct {
	Path        string      `json:"path"`
	Kind        PackageKind `json:"kind"`
	Description string      `json:"description"`
	APILevel    Version     `json:"api_level"`
	Revision    string      `json:"revision,omitempty"`
	Tag         string      `json:"tag,omitempty"`
	ABI         string      `json:"abi,omitempty"`
	Installed   bool        `json:"installed"`
}

// Catalog is the parsed sdkmanager listing split into platforms and
// system images.
type Catalog struct {
	platforms    []Package
	systemImages []Package
}

func (c *Catalog) IsEmpty() bool {
	return c == nil || (len(c.platforms) == 0 && len(c.systemImages) == 0)
}

func (c *Catalog) Platforms() []Package { return append([]Package(nil), c.platforms...) }

func (c *Catalog) SystemImages() []Package { return append([]Package(nil), c.systemImages...) }

// Installed returns every installed platform and system image.
func (c *Catalog) Installed() []Package {
	var out []Package
	for _, p := range append(c.Platforms(), c.systemImages...) {
		if p.Installed {
			out = append(out, p)
		}
	}
	return out
}

// Lookup finds a package by its exact sdkmanager path.
func (c *Catalog) Lookup(path string) (Package, bool) {
	for _, p := range append(c.Platforms(), c.systemImages...) {
		if p.Path == path {
			return p, true
		}
	}
	return Package{}, false
}

type listingSection int

const (
	sectionUnknown listingSection = iota
	sectionInstalled
	sectionAvailable
	sectionUpdates
)

// rawBlock is one package as it appears in the listing, before
// classification.
type rawBlock struct {
	path      string
	fields    map[string]string
	installed bool
}

var (
	dividerLine     = regexp.MustCompile(`^\s*-+\s*$`)
	extensionSuffix = regexp.MustCompile(`^([0-9]+)-ext[0-9]+$`)
)

// ParseSDKListing reads `sdkmanager --list` output in either the verbose
// block layout or the pipe-table layout. Unparseable input yields an empty
// catalog.
func ParseSDKListing(text string) *Catalog {
	blocks := splitListing(text)

	c := &Catalog{}
	seen := map[string]int{}
	for _, b := range blocks {
		pkg, ok := classify(b)
		if !ok {
			continue
		}
		list := &c.platforms
		if pkg.Kind == KindSystemImage {
			list = &c.systemImages
		}
		// Installed packages are listed again under "Available Packages".
		if i, dup := seen[pkg.Path]; dup {
			(*list)[i].Installed = (*list)[i].Installed || pkg.Installed
			continue
		}
		seen[pkg.Path] = len(*list)
		*list = append(*list, pkg)
	}
	return c
}

func splitListing(text string) []rawBlock {
	var blocks []rawBlock
	section := sectionUnknown
	var cur *rawBlock

	flush := func() {
		if cur != nil {
			blocks = append(blocks, *cur)
			cur = nil
		}
	}

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flush()
			continue
		case dividerLine.MatchString(line):
			continue
		}

		if s, ok := sectionHeader(trimmed); ok {
			flush()
			section = s
			continue
		}
		if section == sectionUpdates {
			continue
		}

		if strings.Contains(line, "|") {
			flush()
			if b, ok := tableRow(line, section); ok {
				blocks = append(blocks, b)
			}
			continue
		}

		indented := line[0] == ' ' || line[0] == '\t'
		if !indented {
			flush()
			cur = &rawBlock{path: trimmed, fields: map[string]string{}, installed: section == sectionInstalled}
			continue
		}
		if cur == nil {
			continue
		}
		if k, v, ok := strings.Cut(trimmed, ":"); ok {
			cur.fields[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
	flush()
	return blocks
}

func sectionHeader(line string) (listingSection, bool) {
	if !strings.HasSuffix(line, ":") {
		return sectionUnknown, false
	}
	lower := strings.ToLower(line)
	switch {
	case strings.HasPrefix(lower, "installed packages"):
		return sectionInstalled, true
	case strings.HasPrefix(lower, "available packages"):
		return sectionAvailable, true
	case strings.HasPrefix(lower, "available updates"):
		return sectionUpdates, true
	}
	return sectionUnknown, false
}

// tableRow reads "path | version | description [| location]".
func tableRow(line string, section listingSection) (rawBlock, bool) {
	cells := strings.Split(line, "|")
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	if len(cells) < 3 || cells[0] == "" || strings.EqualFold(cells[0], "path") {
		return rawBlock{}, false
	}
	b := rawBlock{
		path:      cells[0],
		fields:    map[string]string{"version": cells[1], "description": cells[2]},
		installed: section == sectionInstalled,
	}
	if len(cells) > 3 && cells[3] != "" {
		b.fields["installed location"] = cells[3]
		b.installed = true
	}
	return b, true
}

func classify(b rawBlock) (Package, bool) {
	desc := b.fields["description"]
	if desc == "" {
		return Package{}, false
	}
	pkg := Package{
		Path:        b.path,
		Description: desc,
		Revision:    b.fields["version"],
		Installed:   b.installed || b.fields["installed location"] != "",
	}

	var rest string
	switch {
	case strings.HasPrefix(b.path, platformPrefix):
		pkg.Kind = KindPlatform
		rest = strings.TrimPrefix(b.path, platformPrefix)
	case strings.HasPrefix(b.path, systemImagePrefix):
		pkg.Kind = KindSystemImage
		rest = strings.TrimPrefix(b.path, systemImagePrefix)
	default:
		return Package{}, false
	}

	parts := strings.Split(rest, ";")
	level, ok := apiLevelFromSegment(parts[0])
	if !ok {
		return Package{}, false
	}
	pkg.APILevel = level
	if pkg.Kind == KindSystemImage {
		if len(parts) > 1 {
			pkg.Tag = parts[1]
		}
		if len(parts) > 2 {
			pkg.ABI = parts[2]
		}
	}
	return pkg, true
}

// apiLevelFromSegment reads "30", "33-ext4" or a codename such as
// "UpsideDownCake" from the segment following "android-".
func apiLevelFromSegment(seg string) (Version, bool) {
	seg = strings.TrimSpace(seg)
	if seg == "" {
		return Version{}, false
	}
	if m := extensionSuffix.FindStringSubmatch(seg); m != nil {
		seg = m[1]
	}
	if v, ok := ParseVersion(seg); ok {
		return v, true
	}
	// Codenames are words; a leading digit means a malformed level.
	if strings.ContainsAny(seg, " \t") || (seg[0] >= '0' && seg[0] <= '9') {
		return Version{}, false
	}
	return Version{Codename: seg}, true
}

// MatchOptions constrains FindBestMatch.
type MatchOptions struct {
	// APILevel selects an exact level; nil means the highest numeric level
	// at or above MinAPILevel.
	APILevel      *Version
	MinAPILevel   Version
	ABIPreference []string
	// Tag restricts candidates to one image flavour, e.g. "google_apis".
	Tag string
}

// FindBestMatch picks the system image that best satisfies opts.
func (c *Catalog) FindBestMatch(opts MatchOptions) (Package, error) {
	noMatch := func(reason string) error {
		return &NoMatchingPackageError{APILevel: opts.APILevel, ABIs: opts.ABIPreference, Reason: reason}
	}
	if c.IsEmpty() {
		return Package{}, noMatch("package catalog is empty")
	}

	best := -1
	var bestRank int
	for i, p := range c.systemImages {
		if opts.Tag != "" && p.Tag != opts.Tag {
			continue
		}
		rank := abiRank(p.ABI, opts.ABIPreference)
		if rank < 0 {
			continue
		}
		if opts.APILevel != nil {
			if !SameVersion(p.APILevel, *opts.APILevel) {
				continue
			}
		} else {
			if p.APILevel.IsCodename() {
				continue
			}
			if ok, _ := SameOrNewer(p.APILevel, opts.MinAPILevel); !ok {
				continue
			}
		}
		if best < 0 || better(p, rank, c.systemImages[best], bestRank, opts.APILevel == nil) {
			best, bestRank = i, rank
		}
	}
	if best < 0 {
		return Package{}, noMatch("no candidate satisfies the constraints")
	}
	return c.systemImages[best], nil
}

func better(p Package, rank int, cur Package, curRank int, preferNewer bool) bool {
	if preferNewer {
		if d := compareNumeric(p.APILevel, cur.APILevel); d != 0 {
			return d > 0
		}
	}
	if rank != curRank {
		return rank < curRank
	}
	return p.Installed && !cur.Installed
}

// abiRank is the index of abi in prefs, or -1 when excluded. A preference
// may name the ABI family ("arm64" matches "arm64-v8a"). An empty
// preference list accepts every ABI equally.
func abiRank(abi string, prefs []string) int {
	if len(prefs) == 0 {
		return 0
	}
	for i, p := range prefs {
		if p == abi || strings.HasPrefix(abi, p+"-") {
			return i
		}
	}
	return -1
}
