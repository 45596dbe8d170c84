// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
)

// parseINI reads the flat key=value files the emulator keeps per AVD.
// Later keys win, matching how the emulator reads them.
func parseINI(b []byte) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// Skin names a directory under the SDK skins dir.
type Skin struct {
	Name string
	Dir  string
}

// skinsByProfile maps hw.device.name to the skin the emulator should
// draw. Profiles without an entry get no skin section.
var skinsByProfile = map[string]Skin{
	// The first Pixel predates per-model skin naming.
	"pixel":   {Name: "pixel_silver", Dir: "pixel_silver"},
	"pixel_2": {Name: "pixel_2", Dir: "pixel_2"},
}

// SkinForProfile looks up the skin table.
func SkinForProfile(profile string) (Skin, bool) {
	s, ok := skinsByProfile[profile]
	return s, ok
}

var hardwareTuning = []string{
	"hw.keyboard=yes",
	"hw.gpu.enabled=yes",
	"hw.gpu.mode=auto",
}

// ConfigWriter rewrites an AVD's config.ini with display and performance
// settings.
type ConfigWriter struct {
	SkinsDir string
	// RAMSize is a human size; empty leaves hw.ramSize untouched.
	RAMSize string

	ReadFile  FileReader
	WriteFile func(path string, data []byte, perm os.FileMode) error
	Env       Env
}

func NewConfigWriter(env Env) *ConfigWriter {
	return &ConfigWriter{
		SkinsDir:  env.SkinsDir(),
		RAMSize:   env.RAMSize,
		ReadFile:  os.ReadFile,
		WriteFile: os.WriteFile,
		Env:       env,
	}
}

// ApplySkin appends the hardware tuning lines, plus a skin for known
// profiles, and overwrites the file. A config that cannot be read or is
// empty is left alone and reported as not written.
func (w *ConfigWriter) ApplySkin(configPath, profile string) (bool, error) {
	read := w.ReadFile
	if read == nil {
		read = os.ReadFile
	}
	write := w.WriteFile
	if write == nil {
		write = os.WriteFile
	}

	b, err := read(configPath)
	if err != nil || strings.TrimSpace(string(b)) == "" {
		return false, nil
	}

	added, err := w.lines(profile)
	if err != nil {
		return false, err
	}
	out := stripKeys(b, added)
	out = append(out, added...)
	if err := write(configPath, []byte(strings.Join(out, "\n")+"\n"), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", configPath, err)
	}
	logEvent(w.Env, "avd config tuned", "config_path", configPath, "profile", profile, "lines", len(added))
	return true, nil
}

func (w *ConfigWriter) lines(profile string) ([]string, error) {
	var out []string
	if skin, ok := SkinForProfile(profile); ok {
		out = append(out,
			"skin.name="+skin.Name,
			"skin.path="+filepath.Join(w.SkinsDir, skin.Dir),
		)
	}
	out = append(out, hardwareTuning...)
	if w.RAMSize != "" {
		n, err := units.RAMInBytes(w.RAMSize)
		if err != nil {
			return nil, fmt.Errorf("ram size %q: %w", w.RAMSize, err)
		}
		out = append(out, fmt.Sprintf("hw.ramSize=%d", n/units.MiB))
	}
	return out, nil
}

// stripKeys drops existing lines for keys about to be appended, and
// trailing blank lines, so repeated runs do not duplicate settings.
func stripKeys(b []byte, added []string) []string {
	keys := map[string]bool{}
	for _, l := range added {
		k, _, _ := strings.Cut(l, "=")
		keys[k] = true
	}
	lines := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		k, _, ok := strings.Cut(l, "=")
		if ok && keys[strings.TrimSpace(k)] {
			continue
		}
		out = append(out, l)
	}
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	return out
}
