package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/murmurlink/murmurlink/pkg/audio"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"audio":  {"malgo", "mock"},
	"speech": {"openai-realtime"},
}

// defaults returns a Config pre-populated with default values. YAML decoding
// overwrites only the fields present in the document, so absent fields keep
// these values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Capture: CaptureConfig{
			Platform:         "malgo",
			SampleRate:       audio.DefaultSampleRate,
			BlockSize:        audio.DefaultBlockSize,
			EchoCancellation: true,
			NoiseSuppression: true,
		},
		Sensitivity: SensitivityConfig{
			SuppressSilence: true,
		},
		Relay: RelayConfig{
			Encoding:     EncodingPCM16,
			ClientBuffer: 32,
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Capture
	if cfg.Capture.Platform == "" {
		errs = append(errs, fmt.Errorf("capture.platform is required"))
	}
	validateProviderName("audio", cfg.Capture.Platform)
	if cfg.Capture.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("capture.block_size %d must be positive", cfg.Capture.BlockSize))
	}

	// Sensitivity profiles
	errs = append(errs, validateProfile("sensitivity.profile", cfg.Sensitivity.Profile)...)
	errs = append(errs, validateProfile("sensitivity.voice_focus_profile", cfg.Sensitivity.VoiceFocusProfile)...)

	// Upstream
	validateProviderName("speech", cfg.Upstream.Provider.Name)
	if cfg.Upstream.Provider.Name == "" {
		slog.Warn("upstream.provider is not configured; processed audio will not be forwarded")
	}
	if cfg.Upstream.Reconnect.InitialBackoff < 0 {
		errs = append(errs, fmt.Errorf("upstream.reconnect.initial_backoff must not be negative"))
	}
	if cfg.Upstream.Reconnect.MaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("upstream.reconnect.max_backoff must not be negative"))
	}

	// Relay
	if cfg.Relay.Encoding != "" && !cfg.Relay.Encoding.IsValid() {
		errs = append(errs, fmt.Errorf("relay.encoding %q is invalid; valid values: pcm16, opus", cfg.Relay.Encoding))
	}
	if cfg.Relay.ClientBuffer < 0 {
		errs = append(errs, fmt.Errorf("relay.client_buffer must not be negative"))
	}

	// Archive
	if cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.postgres_dsn is empty; session history will not be stored")
	}

	return errors.Join(errs...)
}

// validateProfile checks the numeric sanity of a detection profile override.
// Zero values are defaults and skip their checks.
func validateProfile(prefix string, p ProfileConfig) []error {
	var errs []error

	if p.StartMultiplier != 0 && p.StopMultiplier != 0 && p.StartMultiplier < p.StopMultiplier {
		errs = append(errs, fmt.Errorf("%s: start_multiplier %.2f must not be below stop_multiplier %.2f (hysteresis)", prefix, p.StartMultiplier, p.StopMultiplier))
	}
	if p.StartOffset != 0 && p.StopOffset != 0 && p.StartOffset < p.StopOffset {
		errs = append(errs, fmt.Errorf("%s: start_offset %.4f must not be below stop_offset %.4f (hysteresis)", prefix, p.StartOffset, p.StopOffset))
	}
	if p.MinGain != 0 && p.MaxGain != 0 && p.MinGain >= p.MaxGain {
		errs = append(errs, fmt.Errorf("%s: min_gain %.2f must be below max_gain %.2f", prefix, p.MinGain, p.MaxGain))
	}
	for name, v := range map[string]float64{
		"attack_alpha":  p.AttackAlpha,
		"release_alpha": p.ReleaseAlpha,
		"floor_decay":   p.FloorDecay,
		"floor_rise":    p.FloorRise,
		"duck_alpha":    p.DuckAlpha,
	} {
		if v != 0 && (v < 0 || v > 1) {
			errs = append(errs, fmt.Errorf("%s.%s %.3f is out of range (0, 1]", prefix, name, v))
		}
	}
	for name, v := range map[string]int{
		"onset_blocks":   p.OnsetBlocks,
		"hold_blocks":    p.HoldBlocks,
		"history_blocks": p.HistoryBlocks,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s.%s must not be negative", prefix, name))
		}
	}
	if p.TargetLevel != 0 && (p.TargetLevel < 0 || p.TargetLevel > 1) {
		errs = append(errs, fmt.Errorf("%s.target_level %.3f is out of range (0, 1]", prefix, p.TargetLevel))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
