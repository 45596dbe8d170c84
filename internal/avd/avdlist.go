// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// AVDDefinition is one AVD as reported by `avdmanager list avd`, overlaid
// with the values from its own config.ini and <id>.ini.
type AVDDefinition struct {
	ID                 string  `json:"id"`
	DisplayName        string  `json:"display_name"`
	TargetType         string  `json:"target_type"`
	TargetAPILevel     Version `json:"target_api_level"`
	IsPlayStoreEnabled bool    `json:"play_store"`
	ConfigPath         string  `json:"config_path"`
	DeviceProfile      string  `json:"device_profile,omitempty"`
	ABI                string  `json:"abi,omitempty"`
}

// FileReader reads config files; os.ReadFile in production.
type FileReader func(path string) ([]byte, error)

const (
	failedAVDsHeader = "The following Android Virtual Devices could not be loaded:"
	// failedAVDsMarker replaces the header: a divider, then a tag line that
	// opens the first failed chunk.
	failedAVDsTag    = "#failed"
	failedAVDsMarker = "---------\n" + failedAVDsTag
)

var (
	avdDivider    = regexp.MustCompile(`(?m)^-+\s*$`)
	tagABIPattern = regexp.MustCompile(`Tag/ABI:\s*(\S+)`)
	apiLevelInfo  = regexp.MustCompile(`API level ([^)\s]+)`)
	sysdirLevel   = regexp.MustCompile(`android-([^/\\]+)`)
)

// EnumerateAVDs runs `avdmanager list avd` and parses the result.
func EnumerateAVDs(ctx context.Context, env Env, runner Runner) ([]AVDDefinition, error) {
	env = env.WithDefaults()
	ctx, span := startSpan(ctx, env, "avd.EnumerateAVDs")
	defer span.End()

	out, err := runner.Run(ctx, env.AvdMgr, "list", "avd")
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defs := ParseAVDList(string(out), os.ReadFile)
	span.SetAttributes(attribute.Int("avds", len(defs)))
	return defs, nil
}

// ParseAVDList splits the listing on divider lines, treating the
// "could not be loaded" header as one more divider, and returns the fully
// resolved definitions sorted by display name then newest API level.
// Chunks missing an id, display name, target type or API level are dropped,
// and so is every chunk of the failed section, even when its config.ini
// still resolves.
func ParseAVDList(text string, read FileReader) []AVDDefinition {
	if read == nil {
		read = os.ReadFile
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, failedAVDsHeader, failedAVDsMarker)

	var defs []AVDDefinition
	failed := false
	for _, chunk := range avdDivider.Split(text, -1) {
		if strings.HasPrefix(strings.TrimSpace(chunk), failedAVDsTag) {
			failed = true
		}
		if failed {
			if name := scanAVDChunk(chunk).name; name != "" {
				logEvent(Env{}, "avd could not be loaded", "avd", name)
			}
			continue
		}
		if def, ok := parseAVDChunk(chunk, read); ok {
			defs = append(defs, def)
		}
	}
	SortAVDs(defs)
	return defs
}

// SortAVDs orders by display name and, for equal names, newest API first so
// that a lookup by name prefers the newer OS.
func SortAVDs(defs []AVDDefinition) {
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].DisplayName != defs[j].DisplayName {
			return defs[i].DisplayName < defs[j].DisplayName
		}
		return compareVersions(defs[i].TargetAPILevel, defs[j].TargetAPILevel) > 0
	})
}

type avdChunk struct {
	name, device, path, target, tagABI string
}

func scanAVDChunk(chunk string) avdChunk {
	var c avdChunk
	for _, line := range strings.Split(chunk, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.TrimSpace(k) {
		case "Name":
			c.name = v
		case "Device":
			c.device = v
		case "Path":
			c.path = v
		case "Target":
			c.target = v
		}
	}
	if m := tagABIPattern.FindStringSubmatch(chunk); m != nil {
		c.tagABI = m[1]
	}
	return c
}

func parseAVDChunk(chunk string, read FileReader) (AVDDefinition, bool) {
	c := scanAVDChunk(chunk)
	if c.name == "" {
		return AVDDefinition{}, false
	}

	var cfg map[string]string
	def := AVDDefinition{}
	if c.path != "" {
		def.ConfigPath = filepath.Join(c.path, "config.ini")
		if b, err := read(def.ConfigPath); err == nil {
			cfg = parseINI(b)
		}
	}

	def.ID = firstNonEmpty(cfg["AvdId"], c.name)
	def.DisplayName = firstNonEmpty(cfg["avd.ini.displayname"], strings.ReplaceAll(c.name, "_", " "))

	chunkTag, chunkABI, _ := strings.Cut(c.tagABI, "/")
	def.TargetType = firstNonEmpty(cfg["tag.id"], chunkTag, targetTypeFromDescription(c.target))
	def.ABI = firstNonEmpty(cfg["abi.type"], chunkABI)
	def.DeviceProfile = firstNonEmpty(cfg["hw.device.name"], deviceProfileFromChunk(c.device))

	if v, ok := levelFromSysdir(cfg["image.sysdir.1"]); ok {
		def.TargetAPILevel = v
	} else if v, ok := levelFromAVDIni(c.path, def.ID, read); ok {
		def.TargetAPILevel = v
	} else if m := apiLevelInfo.FindStringSubmatch(c.target); m != nil {
		def.TargetAPILevel, _ = apiLevelFromSegment(m[1])
	}

	if ps, ok := cfg["PlayStore.enabled"]; ok {
		def.IsPlayStoreEnabled = isTrue(ps)
	} else {
		def.IsPlayStoreEnabled = strings.Contains(def.TargetType, "playstore")
	}

	if def.ID == "" || def.DisplayName == "" || def.TargetType == "" || def.TargetAPILevel.IsZero() {
		return AVDDefinition{}, false
	}
	return def, true
}

// levelFromSysdir reads the level from "system-images/android-30/google_apis/x86/".
func levelFromSysdir(sysdir string) (Version, bool) {
	m := sysdirLevel.FindStringSubmatch(sysdir)
	if m == nil {
		return Version{}, false
	}
	return apiLevelFromSegment(m[1])
}

// levelFromAVDIni reads target= from <avd home>/<id>.ini, which is either
// "android-30" or the add-on form "Google Inc.:Google APIs:30".
func levelFromAVDIni(avdPath, id string, read FileReader) (Version, bool) {
	if avdPath == "" {
		return Version{}, false
	}
	b, err := read(filepath.Join(filepath.Dir(avdPath), id+".ini"))
	if err != nil {
		return Version{}, false
	}
	target := parseINI(b)["target"]
	if target == "" {
		return Version{}, false
	}
	if i := strings.LastIndex(target, ":"); i >= 0 {
		target = target[i+1:]
	}
	return apiLevelFromSegment(strings.TrimPrefix(target, "android-"))
}

func targetTypeFromDescription(target string) string {
	switch {
	case target == "":
		return ""
	case strings.HasPrefix(target, "Google Play"):
		return "google_apis_playstore"
	case strings.HasPrefix(target, "Google APIs"):
		return "google_apis"
	case strings.HasPrefix(target, "Default Android System Image"), strings.HasPrefix(target, "Android "):
		return "default"
	}
	return ""
}

// deviceProfileFromChunk turns "pixel_3a (Google)" into "pixel_3a".
func deviceProfileFromChunk(device string) string {
	if i := strings.Index(device, " ("); i >= 0 {
		device = device[:i]
	}
	return strings.TrimSpace(device)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true
	}
	return false
}

// OS types derived from the image tag. Phone/tablet images all map to
// OSTypeAndroid; form-factor images keep their own type.
const (
	OSTypeAndroid    = "android"
	OSTypeTV         = "android-tv"
	OSTypeWear       = "android-wear"
	OSTypeAutomotive = "android-automotive"
	OSTypeDesktop    = "android-desktop"
)

func OSTypeForTag(tag string) string {
	switch {
	case strings.Contains(tag, "tv"):
		return OSTypeTV
	case strings.Contains(tag, "wear"):
		return OSTypeWear
	case strings.Contains(tag, "automotive"):
		return OSTypeAutomotive
	case strings.Contains(tag, "chromeos"), strings.Contains(tag, "desktop"):
		return OSTypeDesktop
	}
	return OSTypeAndroid
}
