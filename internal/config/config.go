// Package config provides the configuration structure for the tts-service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"

	"github.com/book-expert/voice-tts-service/internal/core"
	"github.com/book-expert/voice-tts-service/internal/tts/request"
)

// Defaults applied when the project config leaves a field empty.
const (
	DefaultSynthesizeSubject = "tts.synthesize"
	DefaultQueueGroup        = "tts-workers"
	DefaultObjectStoreBucket = "TTS_AUDIO"
	DefaultModelID           = "pevers/parkiet"
	DefaultDevice            = "auto"
	DefaultVoicesDir         = "/voices"
	DefaultTimeoutSeconds    = 600
	DefaultHTTPAddr          = ":8080"
	DefaultEnvironment       = "development"
)

// Environment variables that override the project config.
const (
	EnvModelID        = "MODEL_ID"
	EnvDevice         = "DEVICE"
	EnvVoicesDir      = "VOICES_DIR"
	EnvModelServerURL = "MODEL_SERVER_URL"
	EnvNATSURL        = "NATS_URL"
	EnvHTTPAddr       = "HTTP_ADDR"
	EnvSentryDSN      = "SENTRY_DSN"
)

var (
	// ErrMissingNATSURL indicates that no NATS server URL was configured.
	ErrMissingNATSURL = errors.New("nats.url is required")
	// ErrMissingModelServerURL indicates that no model server URL was configured.
	ErrMissingModelServerURL = errors.New("tts_service.model_server_url is required")
	// ErrMissingLogsDir indicates that no log directory was configured.
	ErrMissingLogsDir = errors.New("paths.base_logs_dir is required")
	// ErrInvalidTimeout indicates a non-positive timeout.
	ErrInvalidTimeout = errors.New("tts_service.timeout_seconds must be positive")
	// ErrInvalidOutputFormat indicates an output format that is not a plain extension.
	ErrInvalidOutputFormat = errors.New("tts_service.output_format must be a lowercase extension such as 'wav'")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                      string `toml:"url"`
	SynthesizeSubject        string `toml:"synthesize_subject"`
	QueueGroup               string `toml:"queue_group"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
	StoreOutputs             bool   `toml:"store_outputs"`
}

// TTSServiceConfig holds the specific configuration for the TTS service.
type TTSServiceConfig struct {
	ModelID        string  `toml:"model_id"`
	ModelServerURL string  `toml:"model_server_url"`
	Device         string  `toml:"device"`
	VoicesDir      string  `toml:"voices_dir"`
	FFmpegPath     string  `toml:"ffmpeg_path"`
	OutputFormat   string  `toml:"output_format"`
	GuidanceScale  float64 `toml:"guidance_scale"`
	Temperature    float64 `toml:"temperature"`
	TopP           float64 `toml:"top_p"`
	MaxNewTokens   int     `toml:"max_new_tokens"`
	TopK           int     `toml:"top_k"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

// HTTPConfig holds the HTTP listener configuration.
type HTTPConfig struct {
	Addr string `toml:"addr"`
}

// ObservabilityConfig holds error capture settings.
type ObservabilityConfig struct {
	SentryDSN   string `toml:"sentry_dsn"`
	Environment string `toml:"environment"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS          NATSConfig          `toml:"nats"`
	TTS           TTSServiceConfig    `toml:"tts_service"`
	HTTP          HTTPConfig          `toml:"http"`
	Observability ObservabilityConfig `toml:"observability"`
	Paths         PathsConfig         `toml:"paths"`
}

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load loads the configuration for the tts-service, applies environment overrides
// and defaults, and validates the result.
func Load(log *logger.Logger, lookup LookupFunc) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyEnvironment(lookup)
	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyEnvironment overrides fields whose environment variable is set and non-empty.
func (c *Config) ApplyEnvironment(lookup LookupFunc) {
	if lookup == nil {
		return
	}

	overrides := []struct {
		target *string
		key    string
	}{
		{key: EnvModelID, target: &c.TTS.ModelID},
		{key: EnvDevice, target: &c.TTS.Device},
		{key: EnvVoicesDir, target: &c.TTS.VoicesDir},
		{key: EnvModelServerURL, target: &c.TTS.ModelServerURL},
		{key: EnvNATSURL, target: &c.NATS.URL},
		{key: EnvHTTPAddr, target: &c.HTTP.Addr},
		{key: EnvSentryDSN, target: &c.Observability.SentryDSN},
	}

	for _, override := range overrides {
		if value, ok := lookup(override.key); ok && value != "" {
			*override.target = value
		}
	}
}

// ApplyDefaults fills every empty field that has a default.
func (c *Config) ApplyDefaults() {
	setDefault(&c.NATS.SynthesizeSubject, DefaultSynthesizeSubject)
	setDefault(&c.NATS.QueueGroup, DefaultQueueGroup)
	setDefault(&c.NATS.AudioObjectStoreBucket, DefaultObjectStoreBucket)
	setDefault(&c.TTS.ModelID, DefaultModelID)
	setDefault(&c.TTS.Device, DefaultDevice)
	setDefault(&c.TTS.VoicesDir, DefaultVoicesDir)
	setDefault(&c.TTS.OutputFormat, core.DefaultOutputFormat)
	setDefault(&c.HTTP.Addr, DefaultHTTPAddr)
	setDefault(&c.Observability.Environment, DefaultEnvironment)

	c.TTS.OutputFormat = strings.ToLower(c.TTS.OutputFormat)

	if c.TTS.TimeoutSeconds == 0 {
		c.TTS.TimeoutSeconds = DefaultTimeoutSeconds
	}

	if c.TTS.MaxNewTokens == 0 {
		c.TTS.MaxNewTokens = core.DefaultMaxNewTokens
	}

	if c.TTS.GuidanceScale == 0 {
		c.TTS.GuidanceScale = core.DefaultGuidanceScale
	}

	if c.TTS.Temperature == 0 {
		c.TTS.Temperature = core.DefaultTemperature
	}

	if c.TTS.TopP == 0 {
		c.TTS.TopP = core.DefaultTopP
	}

	if c.TTS.TopK == 0 {
		c.TTS.TopK = core.DefaultTopK
	}
}

// Validate reports the first missing or malformed required setting.
func (c *Config) Validate() error {
	switch {
	case c.NATS.URL == "":
		return ErrMissingNATSURL
	case c.TTS.ModelServerURL == "":
		return ErrMissingModelServerURL
	case c.Paths.BaseLogsDir == "":
		return ErrMissingLogsDir
	case c.TTS.TimeoutSeconds <= 0:
		return ErrInvalidTimeout
	case !isExtension(c.TTS.OutputFormat):
		return ErrInvalidOutputFormat
	}

	return nil
}

// Timeout returns the per-request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TTS.TimeoutSeconds) * time.Second
}

// RequestDefaults returns the sampling defaults used by the request parser.
func (c *Config) RequestDefaults() request.Defaults {
	return request.Defaults{
		MaxNewTokens:  c.TTS.MaxNewTokens,
		GuidanceScale: c.TTS.GuidanceScale,
		Temperature:   c.TTS.Temperature,
		TopP:          c.TTS.TopP,
		TopK:          c.TTS.TopK,
		OutputFormat:  c.TTS.OutputFormat,
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func isExtension(format string) bool {
	if format == "" {
		return false
	}

	for _, r := range format {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}

	return true
}
