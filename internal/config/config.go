// Package config loads cmd/capture-daemon's settings from a YAML file
// merged with command-line flags, the way doismellburning-samoyed
// configures its daemon (pflag for flags, yaml.v3 for the file) rather
// than the teacher's hand-rolled flag-only cmd/rtmp-server/flags.go. The
// core capture package itself takes no configuration of its own (spec.md
// §9: "no CLI, no environment variables" binds the library, not this
// peripheral demo binary).
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/alxayo/go-capture/internal/events"
)

// PathConfig describes one output path to set up at startup.
type PathConfig struct {
	Name          string `yaml:"name"`
	AudioCodec    string `yaml:"audio_codec"`
	VideoCodec    string `yaml:"video_codec"`
	Width         int    `yaml:"width"`
	Height        int    `yaml:"height"`
	FPS           int    `yaml:"fps"`
	BitrateBPS    int    `yaml:"bitrate_bps"`
	RunOnce       bool   `yaml:"run_once"`
	Mux           bool   `yaml:"mux"`
	ContainerFmt  string `yaml:"container_format"`
	OutputDir     string `yaml:"output_dir"`
	SliceDuration string `yaml:"slice_duration"`
}

// Config is cmd/capture-daemon's full configuration surface.
type Config struct {
	LogLevel string `yaml:"log_level"`

	AudioDevice     string `yaml:"audio_device"`
	AudioSampleRate int    `yaml:"audio_sample_rate"`
	AudioChannels   int    `yaml:"audio_channels"`

	VideoDevice string `yaml:"video_device"`

	SyncMode string `yaml:"sync_mode"` // "none" | "audio_master" | "system_master"

	Paths []PathConfig `yaml:"paths"`

	Hooks events.HookConfig `yaml:"hooks"`
	// HookScripts maps an event type to a shell script path, applied on
	// top of Hooks (event_type: script_path).
	HookScripts map[string]string `yaml:"hook_scripts"`
	// HookWebhooks maps an event type to a webhook URL.
	HookWebhooks map[string]string `yaml:"hook_webhooks"`
}

// Default returns the configuration a freshly-installed daemon starts
// with absent any file or flag overrides.
func Default() Config {
	return Config{
		LogLevel:        "info",
		AudioSampleRate: 48000,
		AudioChannels:   1,
		SyncMode:        "audio_master",
		Hooks:           events.DefaultHookConfig(),
	}
}

// Load merges, in increasing priority: built-in defaults, an optional
// YAML file, then command-line flags. args is normally os.Args[1:].
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("capture-daemon", pflag.ContinueOnError)

	configFile := fs.StringP("config-file", "c", "", "YAML configuration file")
	logLevel := fs.StringP("log-level", "l", "", "Log level: debug|info|warn|error")
	audioDevice := fs.String("audio-device", "", "PortAudio input device name")
	audioSampleRate := fs.Int("audio-sample-rate", 0, "Audio sample rate in Hz")
	audioChannels := fs.Int("audio-channels", 0, "Number of audio channels")
	videoDevice := fs.StringP("video-device", "v", "", "V4L2 device path, e.g. /dev/video0")
	syncMode := fs.String("sync-mode", "", "A/V sync mode: none|audio_master|system_master")
	hookStdioFormat := fs.String("hook-stdio-format", "", "Mirror events to stderr: json|env")
	hookTimeout := fs.String("hook-timeout", "", "Timeout for a single hook execution (e.g. 30s)")
	hookConcurrency := fs.Int("hook-concurrency", 0, "Maximum concurrent hook executions")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *configFile != "" {
		loaded, err := loadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		cfg = mergeFile(cfg, loaded)
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *audioDevice != "" {
		cfg.AudioDevice = *audioDevice
	}
	if *audioSampleRate != 0 {
		cfg.AudioSampleRate = *audioSampleRate
	}
	if *audioChannels != 0 {
		cfg.AudioChannels = *audioChannels
	}
	if *videoDevice != "" {
		cfg.VideoDevice = *videoDevice
	}
	if *syncMode != "" {
		cfg.SyncMode = *syncMode
	}
	if *hookStdioFormat != "" {
		cfg.Hooks.StdioFormat = *hookStdioFormat
	}
	if *hookTimeout != "" {
		cfg.Hooks.Timeout = *hookTimeout
	}
	if *hookConcurrency != 0 {
		cfg.Hooks.Concurrency = *hookConcurrency
	}

	return cfg, validate(cfg)
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return fileCfg, nil
}

// mergeFile layers a file-sourced config's non-zero fields over base.
func mergeFile(base, file Config) Config {
	if file.LogLevel != "" {
		base.LogLevel = file.LogLevel
	}
	if file.AudioDevice != "" {
		base.AudioDevice = file.AudioDevice
	}
	if file.AudioSampleRate != 0 {
		base.AudioSampleRate = file.AudioSampleRate
	}
	if file.AudioChannels != 0 {
		base.AudioChannels = file.AudioChannels
	}
	if file.VideoDevice != "" {
		base.VideoDevice = file.VideoDevice
	}
	if file.SyncMode != "" {
		base.SyncMode = file.SyncMode
	}
	if len(file.Paths) > 0 {
		base.Paths = file.Paths
	}
	if file.Hooks.Timeout != "" {
		base.Hooks.Timeout = file.Hooks.Timeout
	}
	if file.Hooks.Concurrency != 0 {
		base.Hooks.Concurrency = file.Hooks.Concurrency
	}
	if file.Hooks.StdioFormat != "" {
		base.Hooks.StdioFormat = file.Hooks.StdioFormat
	}
	if len(file.HookScripts) > 0 {
		base.HookScripts = file.HookScripts
	}
	if len(file.HookWebhooks) > 0 {
		base.HookWebhooks = file.HookWebhooks
	}
	return base
}

func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level %q", cfg.LogLevel)
	}
	switch cfg.SyncMode {
	case "none", "audio_master", "system_master":
	default:
		return fmt.Errorf("config: invalid sync mode %q", cfg.SyncMode)
	}
	if len(cfg.Paths) == 0 {
		return fmt.Errorf("config: at least one path must be configured")
	}
	for i, p := range cfg.Paths {
		if p.AudioCodec == "" && p.VideoCodec == "" {
			return fmt.Errorf("config: path %d (%s): needs at least one of audio_codec/video_codec", i, p.Name)
		}
	}
	return nil
}
