// Copyright 2020-2021 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads the engine's static environment (binary paths,
// directories) from env.yaml once at startup, and its runtime-tunable
// settings (default decode queue depth, hwaccel preference, MIDI driver)
// from a JSON file that can be edited and reloaded without restarting.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v2"

	"nvr/pkg/decode"
)

// ConfigEnv stores the engine's static environment.
type ConfigEnv struct {
	FFmpegBin  string `yaml:"ffmpegBin"`
	FFprobeBin string `yaml:"ffprobeBin"`

	MIDIDevice string `yaml:"midiDevice"`

	ConfigDir string `yaml:"-"`
}

// NewConfigEnv parses envYAML and fills in defaults relative to envPath.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("could not unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.FFmpegBin == "" {
		env.FFmpegBin = "/usr/bin/ffmpeg"
	}
	if env.FFprobeBin == "" {
		env.FFprobeBin = "/usr/bin/ffprobe"
	}
	if env.MIDIDevice == "" {
		env.MIDIDevice = "/dev/midi1"
	}

	if !filepath.IsAbs(env.FFmpegBin) {
		return nil, fmt.Errorf("ffmpegBin %q is not an absolute path", env.FFmpegBin)
	}
	if !filepath.IsAbs(env.FFprobeBin) {
		return nil, fmt.Errorf("ffprobeBin %q is not an absolute path", env.FFprobeBin)
	}

	return &env, nil
}

// EngineSettings are the runtime-tunable engine settings, persisted as
// JSON so they can be inspected and edited without a rebuild.
type EngineSettings struct {
	// DefaultQueueDepth is the pre-buffer size new AsyncDecodeQueues are
	// created with when a layer doesn't specify one.
	DefaultQueueDepth int `json:"defaultQueueDepth"`
	// HardwareDecoder selects the decode backend: "auto" tries a
	// hardware decoder and falls back to software, "software" disables
	// hardware decode entirely, or a vendor name from
	// decode.KnownHardwareVendors ("vaapi", "nvdec", "videotoolbox")
	// pins a specific one.
	HardwareDecoder string `json:"hardwareDecoder"`
	// WantNoIndex switches File-Software from its exact frame-accurate
	// seek to the faster keyframe-granularity one; other backends ignore it.
	WantNoIndex bool `json:"wantNoIndex"`
	// FramerateOverride, when non-zero, replaces a source's probed
	// frame rate (useful for containers with an unreliable rate tag).
	FramerateOverride float64 `json:"framerateOverride"`
	// PreferDropFrameDisplay selects drop-frame (;FF) display formatting
	// for 29.97 timecodes via mtc.FormatTimecode; it never affects the
	// internal frame index, only how it's rendered.
	PreferDropFrameDisplay bool `json:"preferDropFrameDisplay"`
	// MIDIDriver names the registered mididriver.Factory backend to
	// open ("auto" picks CreateFirstAvailable, "None" disables MTC).
	MIDIDriver string `json:"midiDriver"`
	// MIDIClockConvert is the syncsrc.MIDIClockConvert mode name
	// ("use_mtc_fps", "force_project_fps", "convert"), per Open
	// Question 4; defaults to "use_mtc_fps".
	MIDIClockConvert string `json:"midiClockConvert"`
	// FFmpegLogLevel is passed through to ffmpeg's -loglevel flag and
	// used to classify subprocess log lines (see log.FFmpegLevel).
	FFmpegLogLevel string `json:"ffmpegLogLevel"`
}

// knownMIDIClockConvert are the midi_clk_convert mode names accepted in
// EngineSettings.MIDIClockConvert, per Open Question 4.
var knownMIDIClockConvert = map[string]bool{
	"":                  true,
	"use_mtc_fps":       true,
	"force_project_fps": true,
	"convert":           true,
}

// Validate reports whether s's named-enum fields hold a value the
// engine actually recognizes, catching a hand-edited engine.json before
// it reaches a component that would otherwise silently ignore it.
func (s EngineSettings) Validate() error {
	if !decode.IsKnownHardwareVendor(s.HardwareDecoder) {
		return fmt.Errorf("hardwareDecoder %q is not auto, software, or a known vendor", s.HardwareDecoder)
	}
	if !knownMIDIClockConvert[s.MIDIClockConvert] {
		return fmt.Errorf("midiClockConvert %q is not a recognized mode", s.MIDIClockConvert)
	}
	return nil
}

// EngineConfig guards EngineSettings with a mutex and persists changes
// to path on every Set.
type EngineConfig struct {
	settings EngineSettings

	path string
	mu   sync.Mutex
}

// NewEngineConfig loads settings from dir/engine.json, generating a
// default file if one doesn't exist yet.
func NewEngineConfig(dir string) (*EngineConfig, error) {
	path := filepath.Join(dir, "engine.json")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeEngineSettings(path, defaultEngineSettings()); err != nil {
			return nil, fmt.Errorf("could not generate engine config: %w", err)
		}
	}

	data, err := ioutil.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, err
	}

	var settings EngineSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	return &EngineConfig{settings: settings, path: path}, nil
}

func defaultEngineSettings() EngineSettings {
	return EngineSettings{
		DefaultQueueDepth: 8,
		HardwareDecoder:   "auto",
		MIDIDriver:        "auto",
		MIDIClockConvert:  "use_mtc_fps",
		FFmpegLogLevel:    "warning",
	}
}

func writeEngineSettings(path string, settings EngineSettings) error {
	data, err := json.MarshalIndent(settings, "", "    ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0600)
}

// Get returns the current settings.
func (c *EngineConfig) Get() EngineSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Set replaces the settings and persists them to disk.
func (c *EngineConfig) Set(settings EngineSettings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeEngineSettings(c.path, settings); err != nil {
		return err
	}
	c.settings = settings
	return nil
}
