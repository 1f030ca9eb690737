package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	LanguagePolicyRequireExplicit = "require_explicit"
	LanguagePolicyAutoDetect      = "auto_detect"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Sidecar     SidecarConfig    `yaml:"sidecar"`
	Engine      EngineConfig     `yaml:"engine"`
	Batch       BatchConfig      `yaml:"batch"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

// SidecarConfig controls the line protocol state machine.
type SidecarConfig struct {
	ModelID            string `yaml:"model_id"`
	EagerLoad          bool   `yaml:"eager_load"`
	ReloadOnRepeatLoad bool   `yaml:"reload_on_repeat_load"`
	LanguagePolicy     string `yaml:"language_policy"` // require_explicit, auto_detect
	FallbackLanguage   string `yaml:"fallback_language"`
}

type EngineConfig struct {
	Mode                 string   `yaml:"mode"` // mock, exec, openai
	Command              string   `yaml:"command"`
	BaseURL              string   `yaml:"base_url"`
	APIKey               string   `yaml:"api_key"`
	VerifyModel          bool     `yaml:"verify_model"`
	SupportedLanguages   []string `yaml:"supported_languages"`
	AudioTokensPerSecond float64  `yaml:"audio_tokens_per_second"`
}

type BatchConfig struct {
	DefaultLanguage string `yaml:"default_language"`
	SampleRate      int    `yaml:"sample_rate"`
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
	SubjectPrefix  string   `yaml:"subject_prefix"`

	// HeartbeatInterval is in milliseconds; 0 disables presence heartbeats.
	HeartbeatInterval int `yaml:"heartbeat_interval_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-asr-sidecar",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    8089,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Sidecar: SidecarConfig{
			ModelID:          "mlx-community/Qwen3-ASR-0.6B-8bit",
			LanguagePolicy:   LanguagePolicyRequireExplicit,
			FallbackLanguage: "English",
		},
		Engine: EngineConfig{
			Mode:                 "mock",
			BaseURL:              "http://localhost:8000/v1",
			AudioTokensPerSecond: 13,
			SupportedLanguages: []string{
				"Chinese", "English", "Cantonese", "Japanese", "Korean", "Spanish",
				"French", "German", "Italian", "Portuguese", "Russian", "Arabic",
			},
		},
		Batch: BatchConfig{
			DefaultLanguage: "Chinese",
			SampleRate:      16000,
		},
		Bus: BusConfig{
			Enabled:           false,
			Embedded:          false,
			Port:              4222,
			StoreDir:          "./data/nats",
			Servers:           []string{"nats://localhost:4222"},
			ConnectTimeout:    2000,
			SubjectPrefix:     "asr",
			HeartbeatInterval: 5000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/asr-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxRuns:       1000,
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
	overrideString(&cfg.RuntimeName, "LOQA_ASR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_ASR_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_ASR_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_ASR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_ASR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_ASR_LOG_LEVEL")
	overrideBool(&cfg.Telemetry.TracingEnabled, "LOQA_ASR_TRACING_ENABLED")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_ASR_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_ASR_OTLP_INSECURE")
	overrideString(&cfg.Sidecar.ModelID, "LOQA_ASR_MODEL_ID")
	overrideBool(&cfg.Sidecar.EagerLoad, "LOQA_ASR_EAGER_LOAD")
	overrideBool(&cfg.Sidecar.ReloadOnRepeatLoad, "LOQA_ASR_RELOAD_ON_REPEAT_LOAD")
	overrideString(&cfg.Sidecar.LanguagePolicy, "LOQA_ASR_LANGUAGE_POLICY")
	overrideString(&cfg.Sidecar.FallbackLanguage, "LOQA_ASR_FALLBACK_LANGUAGE")
	overrideString(&cfg.Engine.Mode, "LOQA_ASR_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_ASR_ENGINE_COMMAND")
	overrideString(&cfg.Engine.BaseURL, "LOQA_ASR_ENGINE_BASE_URL")
	overrideString(&cfg.Engine.APIKey, "LOQA_ASR_ENGINE_API_KEY")
	overrideBool(&cfg.Engine.VerifyModel, "LOQA_ASR_ENGINE_VERIFY_MODEL")
	overrideStringSlice(&cfg.Engine.SupportedLanguages, "LOQA_ASR_ENGINE_SUPPORTED_LANGUAGES")
	overrideFloat(&cfg.Engine.AudioTokensPerSecond, "LOQA_ASR_ENGINE_AUDIO_TOKENS_PER_SECOND")
	overrideString(&cfg.Batch.DefaultLanguage, "LOQA_ASR_BATCH_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Batch.SampleRate, "LOQA_ASR_BATCH_SAMPLE_RATE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_ASR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_ASR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_ASR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_ASR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_ASR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_ASR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_ASR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_ASR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_ASR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_ASR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_ASR_BUS_SUBJECT_PREFIX")
	overrideInt(&cfg.Bus.HeartbeatInterval, "LOQA_ASR_BUS_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_ASR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_ASR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_ASR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "LOQA_ASR_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_ASR_EVENT_STORE_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if strings.TrimSpace(cfg.Sidecar.ModelID) == "" {
		return errors.New("sidecar.model_id must not be empty")
	}
	switch cfg.Sidecar.LanguagePolicy {
	case LanguagePolicyRequireExplicit:
		if strings.TrimSpace(cfg.Sidecar.FallbackLanguage) == "" {
			return errors.New("sidecar.fallback_language must be set when language_policy=require_explicit")
		}
	case LanguagePolicyAutoDetect:
	default:
		return errors.New("sidecar.language_policy must be one of require_explicit|auto_detect")
	}
	switch cfg.Engine.Mode {
	case "mock":
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	case "openai":
		if cfg.Engine.BaseURL == "" {
			return errors.New("engine.base_url must be set when mode=openai")
		}
	default:
		return errors.New("engine.mode must be one of mock|exec|openai")
	}
	if cfg.Engine.AudioTokensPerSecond < 0 {
		return errors.New("engine.audio_tokens_per_second must be >= 0")
	}
	if cfg.Batch.SampleRate <= 0 {
		return errors.New("batch.sample_rate must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port == 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
		if cfg.Bus.HeartbeatInterval < 0 {
			return errors.New("bus.heartbeat_interval_ms must be >= 0")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
