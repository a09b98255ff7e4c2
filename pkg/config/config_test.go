package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestNewConfigEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		envYAML, err := yaml.Marshal(ConfigEnv{})
		require.NoError(t, err)

		env, err := NewConfigEnv("/config/env.yaml", envYAML)
		require.NoError(t, err)

		require.Equal(t, "/usr/bin/ffmpeg", env.FFmpegBin)
		require.Equal(t, "/usr/bin/ffprobe", env.FFprobeBin)
		require.Equal(t, "/dev/midi1", env.MIDIDevice)
		require.Equal(t, "/config", env.ConfigDir)
	})

	t.Run("explicit", func(t *testing.T) {
		envYAML, err := yaml.Marshal(ConfigEnv{
			FFmpegBin:  "/opt/ffmpeg",
			FFprobeBin: "/opt/ffprobe",
			MIDIDevice: "/dev/midi2",
		})
		require.NoError(t, err)

		env, err := NewConfigEnv("/config/env.yaml", envYAML)
		require.NoError(t, err)
		require.Equal(t, "/opt/ffmpeg", env.FFmpegBin)
		require.Equal(t, "/opt/ffprobe", env.FFprobeBin)
		require.Equal(t, "/dev/midi2", env.MIDIDevice)
	})

	t.Run("unmarshal error", func(t *testing.T) {
		_, err := NewConfigEnv("", []byte("&"))
		require.Error(t, err)
	})

	t.Run("ffmpegBin not absolute", func(t *testing.T) {
		envYAML, _ := yaml.Marshal(ConfigEnv{FFmpegBin: "ffmpeg"})
		_, err := NewConfigEnv("/config/env.yaml", envYAML)
		require.Error(t, err)
	})

	t.Run("ffprobeBin not absolute", func(t *testing.T) {
		envYAML, _ := yaml.Marshal(ConfigEnv{FFprobeBin: "ffprobe"})
		_, err := NewConfigEnv("/config/env.yaml", envYAML)
		require.Error(t, err)
	})
}

func TestNewEngineConfig(t *testing.T) {
	t.Run("generates default file", func(t *testing.T) {
		dir := t.TempDir()

		cfg, err := NewEngineConfig(dir)
		require.NoError(t, err)
		require.Equal(t, defaultEngineSettings(), cfg.Get())
		require.FileExists(t, filepath.Join(dir, "engine.json"))
	})

	t.Run("loads existing file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, writeEngineSettings(filepath.Join(dir, "engine.json"), EngineSettings{
			DefaultQueueDepth: 16,
			HardwareDecoder:   "vaapi",
			FFmpegLogLevel:    "debug",
		}))

		cfg, err := NewEngineConfig(dir)
		require.NoError(t, err)
		require.Equal(t, 16, cfg.Get().DefaultQueueDepth)
		require.Equal(t, "vaapi", cfg.Get().HardwareDecoder)
	})

	t.Run("malformed file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.json"), []byte("{"), 0600))

		_, err := NewEngineConfig(dir)
		require.Error(t, err)
	})
}

func TestEngineConfigSet(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewEngineConfig(dir)
	require.NoError(t, err)

	require.NoError(t, cfg.Set(EngineSettings{DefaultQueueDepth: 32}))
	require.Equal(t, 32, cfg.Get().DefaultQueueDepth)

	reloaded, err := NewEngineConfig(dir)
	require.NoError(t, err)
	require.Equal(t, 32, reloaded.Get().DefaultQueueDepth)
}

func TestEngineConfigSetRejectsUnknownEnumValues(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewEngineConfig(dir)
	require.NoError(t, err)

	require.Error(t, cfg.Set(EngineSettings{HardwareDecoder: "bogus"}))
	require.Error(t, cfg.Set(EngineSettings{MIDIClockConvert: "bogus"}))
	// A rejected Set must not mutate the in-memory settings.
	require.Equal(t, defaultEngineSettings(), cfg.Get())
}

func TestNewEngineConfigRejectsHandEditedBadEnum(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeEngineSettings(filepath.Join(dir, "engine.json"), EngineSettings{
		HardwareDecoder: "not-a-vendor",
	}))

	_, err := NewEngineConfig(dir)
	require.Error(t, err)
}
