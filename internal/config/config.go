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
	LogLevel       string `yaml:"log_level"`
	LogFile        string `yaml:"log_file"`
	LogMaxSizeMB   int    `yaml:"log_max_size_mb"`
	LogMaxBackups  int    `yaml:"log_max_backups"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Auth        AuthConfig       `yaml:"auth"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Answers     AnswersConfig    `yaml:"answers"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	Recorder    RecorderConfig   `yaml:"recorder"`
	Interview   InterviewConfig  `yaml:"interview"`
}

type BusConfig struct {
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

// AuthConfig controls how the caller's user id is established. Tokens are
// issued by an external identity provider; we only verify them.
type AuthConfig struct {
	Mode       string `yaml:"mode"` // jwt, header
	JWTSecret  string `yaml:"jwt_secret"`
	JWTIssuer  string `yaml:"jwt_issuer"`
	UserHeader string `yaml:"user_header"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AnswersConfig struct {
	Backend    string `yaml:"backend"` // memory, sqlite, mongo
	Path       string `yaml:"path"`
	MongoURI   string `yaml:"mongo_uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, openai, exec, wasm
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"` // openai-compatible endpoint override
	Command     string  `yaml:"command"`
	Module      string  `yaml:"module"` // WASI scorer for mode=wasm
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	MockReply   string  `yaml:"mock_reply"`
}

type RecorderConfig struct {
	SilenceTimeoutMS int `yaml:"silence_timeout_ms"`
	MinAnswerChars   int `yaml:"min_answer_chars"`
}

type InterviewConfig struct {
	SessionTTLMinutes int  `yaml:"session_ttl_minutes"`
	MaxSessions       int  `yaml:"max_sessions"`
	WebsocketEvents   bool `yaml:"websocket_events"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-interview",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogMaxSizeMB:   50,
			LogMaxBackups:  3,
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Auth: AuthConfig{
			Mode:       "header",
			UserHeader: "X-User-ID",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/interview-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Answers: AnswersConfig{
			Backend:    "sqlite",
			Path:       "./data/answers.db",
			Database:   "interview",
			Collection: "userAnswers",
		},
		STT: STTConfig{
			Enabled:         false,
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.7,
		},
		Recorder: RecorderConfig{
			SilenceTimeoutMS: 5000,
			MinAnswerChars:   30,
		},
		Interview: InterviewConfig{
			SessionTTLMinutes: 60,
			MaxSessions:       1000,
			WebsocketEvents:   true,
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
	overrideString(&cfg.RuntimeName, "INTERVIEW_RUNTIME_NAME")
	overrideString(&cfg.Environment, "INTERVIEW_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "INTERVIEW_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "INTERVIEW_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "INTERVIEW_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "INTERVIEW_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "INTERVIEW_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "INTERVIEW_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "INTERVIEW_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "INTERVIEW_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "INTERVIEW_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "INTERVIEW_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "INTERVIEW_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "INTERVIEW_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "INTERVIEW_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "INTERVIEW_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "INTERVIEW_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "INTERVIEW_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Auth.Mode, "INTERVIEW_AUTH_MODE")
	overrideString(&cfg.Auth.JWTSecret, "INTERVIEW_AUTH_JWT_SECRET")
	overrideString(&cfg.Auth.JWTIssuer, "INTERVIEW_AUTH_JWT_ISSUER")
	overrideString(&cfg.Auth.UserHeader, "INTERVIEW_AUTH_USER_HEADER")
	overrideString(&cfg.EventStore.Path, "INTERVIEW_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "INTERVIEW_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "INTERVIEW_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "INTERVIEW_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "INTERVIEW_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Answers.Backend, "INTERVIEW_ANSWERS_BACKEND")
	overrideString(&cfg.Answers.Path, "INTERVIEW_ANSWERS_PATH")
	overrideString(&cfg.Answers.MongoURI, "INTERVIEW_ANSWERS_MONGO_URI")
	overrideString(&cfg.Answers.Database, "INTERVIEW_ANSWERS_DATABASE")
	overrideString(&cfg.Answers.Collection, "INTERVIEW_ANSWERS_COLLECTION")
	overrideBool(&cfg.STT.Enabled, "INTERVIEW_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "INTERVIEW_STT_MODE")
	overrideString(&cfg.STT.Command, "INTERVIEW_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "INTERVIEW_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "INTERVIEW_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "INTERVIEW_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "INTERVIEW_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "INTERVIEW_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "INTERVIEW_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "INTERVIEW_STT_PUBLISH_INTERIM")
	overrideString(&cfg.LLM.Mode, "INTERVIEW_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "INTERVIEW_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "INTERVIEW_LLM_API_KEY")
	overrideString(&cfg.LLM.BaseURL, "INTERVIEW_LLM_BASE_URL")
	overrideString(&cfg.LLM.Command, "INTERVIEW_LLM_COMMAND")
	overrideString(&cfg.LLM.Module, "INTERVIEW_LLM_MODULE")
	overrideString(&cfg.LLM.Model, "INTERVIEW_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "INTERVIEW_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "INTERVIEW_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.MockReply, "INTERVIEW_LLM_MOCK_REPLY")
	overrideInt(&cfg.Recorder.SilenceTimeoutMS, "INTERVIEW_RECORDER_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.Recorder.MinAnswerChars, "INTERVIEW_RECORDER_MIN_ANSWER_CHARS")
	overrideInt(&cfg.Interview.SessionTTLMinutes, "INTERVIEW_SESSION_TTL_MINUTES")
	overrideInt(&cfg.Interview.MaxSessions, "INTERVIEW_MAX_SESSIONS")
	overrideBool(&cfg.Interview.WebsocketEvents, "INTERVIEW_WEBSOCKET_EVENTS")
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
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.StoreDir == "" {
			return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Auth.Mode {
	case "jwt":
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret must be set when mode=jwt")
		}
	case "header":
		if cfg.Auth.UserHeader == "" {
			return errors.New("auth.user_header must be set when mode=header")
		}
	default:
		return errors.New("auth.mode must be one of jwt|header")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Answers.Backend {
	case "memory":
	case "sqlite":
		if cfg.Answers.Path == "" {
			return errors.New("answers.path must be set when backend=sqlite")
		}
	case "mongo":
		if cfg.Answers.MongoURI == "" {
			return errors.New("answers.mongo_uri must be set when backend=mongo")
		}
		if cfg.Answers.Database == "" || cfg.Answers.Collection == "" {
			return errors.New("answers.database and answers.collection must be set when backend=mongo")
		}
	default:
		return errors.New("answers.backend must be one of memory|sqlite|mongo")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.STT.Enabled {
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	switch cfg.LLM.Mode {
	case "mock":
	case "ollama":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
	case "openai":
		if cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
		if cfg.LLM.Model == "" {
			return errors.New("llm.model must be set when mode=openai")
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	case "wasm":
		if cfg.LLM.Module == "" {
			return errors.New("llm.module must be set when mode=wasm")
		}
	default:
		return errors.New("llm.mode must be one of mock|ollama|openai|exec|wasm")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.Recorder.SilenceTimeoutMS <= 0 {
		return errors.New("recorder.silence_timeout_ms must be positive")
	}
	if cfg.Recorder.MinAnswerChars < 0 {
		return errors.New("recorder.min_answer_chars must be >= 0")
	}
	if cfg.Interview.SessionTTLMinutes <= 0 {
		return errors.New("interview.session_ttl_minutes must be positive")
	}
	if cfg.Interview.MaxSessions <= 0 {
		return errors.New("interview.max_sessions must be >= 1")
	}
	return nil
}
