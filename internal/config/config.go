package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type CaptureConfig struct {
	Mode             string  `yaml:"mode"` // exec, tone
	Command          string  `yaml:"command"`
	SampleRate       int     `yaml:"sample_rate"`
	FrameSamples     int     `yaml:"frame_samples"`
	Gain             float64 `yaml:"gain"`
	EchoCancellation bool    `yaml:"echo_cancellation"`
	NoiseSuppression bool    `yaml:"noise_suppression"`
	AutoGain         bool    `yaml:"auto_gain"`
	LevelIntervalMS  int     `yaml:"level_interval_ms"`
	FrameQueue       int     `yaml:"frame_queue"`
	TapPath          string  `yaml:"tap_path"`
}

type ProviderConfig struct {
	Name             string `yaml:"name"` // deepgram, mock
	APIKey           string `yaml:"api_key"`
	Endpoint         string `yaml:"endpoint"`
	Model            string `yaml:"model"`
	Language         string `yaml:"language"`
	Encoding         string `yaml:"encoding"`
	SampleRate       int    `yaml:"sample_rate"`
	InterimResults   bool   `yaml:"interim_results"`
	EndpointingMS    int    `yaml:"endpointing_ms"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	KeepAliveMS      int    `yaml:"keepalive_ms"`
	AuthOrder        string `yaml:"auth_order"` // header_first, query_first
}

type SessionConfig struct {
	UnfinalizedPolicy string `yaml:"unfinalized_policy"` // promote, discard
}

type SessionStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Capture      CaptureConfig      `yaml:"capture"`
	Provider     ProviderConfig     `yaml:"provider"`
	Session      SessionConfig      `yaml:"session"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
}

func Default() Config {
	return Config{
		RuntimeName: "vox-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Mode:            "tone",
			SampleRate:      48000,
			FrameSamples:    960,
			Gain:            1.0,
			LevelIntervalMS: 16,
			FrameQueue:      32,
		},
		Provider: ProviderConfig{
			Name:             "mock",
			Endpoint:         "wss://api.deepgram.com/v1/listen",
			Model:            "nova-2",
			Language:         "en-US",
			Encoding:         "linear16",
			SampleRate:       48000,
			InterimResults:   true,
			EndpointingMS:    300,
			ConnectTimeoutMS: 5000,
			KeepAliveMS:      5000,
			AuthOrder:        "header_first",
		},
		Session: SessionConfig{
			UnfinalizedPolicy: "promote",
		},
		SessionStore: SessionStoreConfig{
			Path:          "./data/vox-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOX_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOX_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOX_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "VOX_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOX_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOX_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOX_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Mode, "VOX_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "VOX_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.SampleRate, "VOX_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.FrameSamples, "VOX_CAPTURE_FRAME_SAMPLES")
	overrideFloat(&cfg.Capture.Gain, "VOX_CAPTURE_GAIN")
	overrideBool(&cfg.Capture.EchoCancellation, "VOX_CAPTURE_ECHO_CANCELLATION")
	overrideBool(&cfg.Capture.NoiseSuppression, "VOX_CAPTURE_NOISE_SUPPRESSION")
	overrideBool(&cfg.Capture.AutoGain, "VOX_CAPTURE_AUTO_GAIN")
	overrideInt(&cfg.Capture.LevelIntervalMS, "VOX_CAPTURE_LEVEL_INTERVAL_MS")
	overrideInt(&cfg.Capture.FrameQueue, "VOX_CAPTURE_FRAME_QUEUE")
	overrideString(&cfg.Capture.TapPath, "VOX_CAPTURE_TAP_PATH")
	overrideString(&cfg.Provider.Name, "VOX_PROVIDER_NAME")
	overrideString(&cfg.Provider.APIKey, "VOX_PROVIDER_API_KEY")
	overrideString(&cfg.Provider.Endpoint, "VOX_PROVIDER_ENDPOINT")
	overrideString(&cfg.Provider.Model, "VOX_PROVIDER_MODEL")
	overrideString(&cfg.Provider.Language, "VOX_PROVIDER_LANGUAGE")
	overrideString(&cfg.Provider.Encoding, "VOX_PROVIDER_ENCODING")
	overrideInt(&cfg.Provider.SampleRate, "VOX_PROVIDER_SAMPLE_RATE")
	overrideBool(&cfg.Provider.InterimResults, "VOX_PROVIDER_INTERIM_RESULTS")
	overrideInt(&cfg.Provider.EndpointingMS, "VOX_PROVIDER_ENDPOINTING_MS")
	overrideInt(&cfg.Provider.ConnectTimeoutMS, "VOX_PROVIDER_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Provider.KeepAliveMS, "VOX_PROVIDER_KEEPALIVE_MS")
	overrideString(&cfg.Provider.AuthOrder, "VOX_PROVIDER_AUTH_ORDER")
	overrideString(&cfg.Session.UnfinalizedPolicy, "VOX_SESSION_UNFINALIZED_POLICY")
	overrideString(&cfg.SessionStore.Path, "VOX_SESSION_STORE_PATH")
	overrideString(&cfg.SessionStore.RetentionMode, "VOX_SESSION_STORE_RETENTION_MODE")
	overrideInt(&cfg.SessionStore.RetentionDays, "VOX_SESSION_STORE_RETENTION_DAYS")
	overrideInt(&cfg.SessionStore.MaxSessions, "VOX_SESSION_STORE_MAX_SESSIONS")
	overrideBool(&cfg.SessionStore.VacuumOnStart, "VOX_SESSION_STORE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Capture.Mode {
	case "exec", "tone":
	default:
		return errors.New("capture.mode must be one of exec|tone")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.FrameSamples <= 0 {
		return errors.New("capture.frame_samples must be positive")
	}
	if cfg.Capture.Gain < 0 || cfg.Capture.Gain > 2 {
		return errors.New("capture.gain must be within [0, 2]")
	}
	if cfg.Capture.LevelIntervalMS <= 0 {
		return errors.New("capture.level_interval_ms must be positive")
	}
	if cfg.Capture.FrameQueue <= 0 {
		return errors.New("capture.frame_queue must be positive")
	}
	if cfg.Provider.Name == "" {
		return errors.New("provider.name must not be empty")
	}
	if cfg.Provider.Name == "deepgram" {
		if cfg.Provider.APIKey == "" {
			return errors.New("provider.api_key must be set for provider=deepgram")
		}
		if cfg.Provider.Endpoint == "" {
			return errors.New("provider.endpoint must not be empty")
		}
	}
	switch cfg.Provider.AuthOrder {
	case "header_first", "query_first":
	default:
		return errors.New("provider.auth_order must be one of header_first|query_first")
	}
	if cfg.Provider.SampleRate <= 0 {
		return errors.New("provider.sample_rate must be positive")
	}
	if cfg.Provider.ConnectTimeoutMS <= 0 {
		return errors.New("provider.connect_timeout_ms must be positive")
	}
	if cfg.Provider.KeepAliveMS < 0 {
		return errors.New("provider.keepalive_ms must be >= 0")
	}
	if cfg.Provider.EndpointingMS < 0 {
		return errors.New("provider.endpointing_ms must be >= 0")
	}
	switch cfg.Session.UnfinalizedPolicy {
	case "promote", "discard":
	default:
		return errors.New("session.unfinalized_policy must be one of promote|discard")
	}
	switch cfg.SessionStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("session_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.SessionStore.RetentionMode != "ephemeral" && cfg.SessionStore.Path == "" {
		return errors.New("session_store.path must not be empty")
	}
	if cfg.SessionStore.RetentionDays < 0 {
		return errors.New("session_store.retention_days must be >= 0")
	}
	return nil
}
