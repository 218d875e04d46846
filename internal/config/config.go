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
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	CacheSize      int    `yaml:"cache_size"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	SecretsFile   string              `yaml:"secrets_file"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Intake        IntakeConfig        `yaml:"intake"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Audio         AudioConfig         `yaml:"audio"`
	Budget        BudgetConfig        `yaml:"budget"`
	Segment       SegmentConfig       `yaml:"segment"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Output        OutputConfig        `yaml:"output"`
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
	Stream         string   `yaml:"stream"`
}

// IntakeConfig enables transcription requests over the bus. Requested paths
// must resolve inside Root.
type IntakeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Root      string `yaml:"root"`
	QueueSize int    `yaml:"queue_size"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig selects the codec used for probing, re-encoding and slicing.
type AudioConfig struct {
	Codec          string `yaml:"codec"` // ffmpeg, wav
	FFmpegCommand  string `yaml:"ffmpeg_command"`
	FFprobeCommand string `yaml:"ffprobe_command"`
	Format         string `yaml:"format"`
	TempDir        string `yaml:"temp_dir"`
}

// BudgetConfig bounds the compressor's bitrate walk.
type BudgetConfig struct {
	MaxSizeBytes       int64 `yaml:"max_size_bytes"`
	InitialBitrateKbps int   `yaml:"initial_bitrate_kbps"`
	MinBitrateKbps     int   `yaml:"min_bitrate_kbps"`
	BitrateStepKbps    int   `yaml:"bitrate_step_kbps"`
}

type SegmentConfig struct {
	WindowMS    int `yaml:"window_ms"`
	BitrateKbps int `yaml:"bitrate_kbps"`
}

type TranscriptionConfig struct {
	Mode      string `yaml:"mode"` // mock, openai, exec
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Language  string `yaml:"language"`
	Command   string `yaml:"command"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type OutputConfig struct {
	Directory string `yaml:"directory"`
	Filename  string `yaml:"filename"`
}

const (
	defaultMaxSizeBytes = 25 * 1024 * 1024
	defaultWindowMS     = 5 * 60 * 1000
)

func Default() Config {
	return Config{
		RuntimeName: "loqa-transcribe",
		Environment: "development",
		SecretsFile: ".env",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8080,
			MaxUploadBytes: 512 * 1024 * 1024,
			CacheSize:      64,
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
			Stream:         "TRANSCRIBE",
		},
		Intake: IntakeConfig{
			Enabled:   false,
			Root:      "./data/inbox",
			QueueSize: 16,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-transcribe.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Audio: AudioConfig{
			Codec:          "ffmpeg",
			FFmpegCommand:  "ffmpeg",
			FFprobeCommand: "ffprobe",
			Format:         "mp3",
		},
		Budget: BudgetConfig{
			MaxSizeBytes:       defaultMaxSizeBytes,
			InitialBitrateKbps: 32,
			MinBitrateKbps:     8,
			BitrateStepKbps:    8,
		},
		Segment: SegmentConfig{
			WindowMS:    defaultWindowMS,
			BitrateKbps: 32,
		},
		Transcription: TranscriptionConfig{
			Mode:      "openai",
			BaseURL:   "https://api.groq.com/openai/v1",
			Model:     "whisper-large-v3",
			TimeoutMS: 10 * 60 * 1000,
		},
		Output: OutputConfig{
			Directory: ".",
			Filename:  "transcription.txt",
		},
	}
}

// Load reads the YAML file at path (optional), loads the secrets file into the
// environment, applies LOQA_* overrides and validates the result.
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

	overrideString(&cfg.SecretsFile, "LOQA_SECRETS_FILE")
	if err := LoadSecrets(cfg.SecretsFile); err != nil {
		return cfg, err
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxUploadBytes, "LOQA_HTTP_MAX_UPLOAD_BYTES")
	overrideInt(&cfg.HTTP.CacheSize, "LOQA_HTTP_CACHE_SIZE")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.Stream, "LOQA_BUS_STREAM")
	overrideBool(&cfg.Intake.Enabled, "LOQA_INTAKE_ENABLED")
	overrideString(&cfg.Intake.Root, "LOQA_INTAKE_ROOT")
	overrideInt(&cfg.Intake.QueueSize, "LOQA_INTAKE_QUEUE_SIZE")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "LOQA_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Codec, "LOQA_AUDIO_CODEC")
	overrideString(&cfg.Audio.FFmpegCommand, "LOQA_AUDIO_FFMPEG_COMMAND")
	overrideString(&cfg.Audio.FFprobeCommand, "LOQA_AUDIO_FFPROBE_COMMAND")
	overrideString(&cfg.Audio.Format, "LOQA_AUDIO_FORMAT")
	overrideString(&cfg.Audio.TempDir, "LOQA_AUDIO_TEMP_DIR")
	overrideInt64(&cfg.Budget.MaxSizeBytes, "LOQA_BUDGET_MAX_SIZE_BYTES")
	overrideInt(&cfg.Budget.InitialBitrateKbps, "LOQA_BUDGET_INITIAL_BITRATE_KBPS")
	overrideInt(&cfg.Budget.MinBitrateKbps, "LOQA_BUDGET_MIN_BITRATE_KBPS")
	overrideInt(&cfg.Budget.BitrateStepKbps, "LOQA_BUDGET_BITRATE_STEP_KBPS")
	overrideInt(&cfg.Segment.WindowMS, "LOQA_SEGMENT_WINDOW_MS")
	overrideInt(&cfg.Segment.BitrateKbps, "LOQA_SEGMENT_BITRATE_KBPS")
	overrideString(&cfg.Transcription.Mode, "LOQA_TRANSCRIPTION_MODE")
	overrideString(&cfg.Transcription.BaseURL, "LOQA_TRANSCRIPTION_BASE_URL")
	overrideString(&cfg.Transcription.APIKey, "GROQ_API_KEY")
	overrideString(&cfg.Transcription.APIKey, "LOQA_TRANSCRIPTION_API_KEY")
	overrideString(&cfg.Transcription.Model, "LOQA_TRANSCRIPTION_MODEL")
	overrideString(&cfg.Transcription.Language, "LOQA_TRANSCRIPTION_LANGUAGE")
	overrideString(&cfg.Transcription.Command, "LOQA_TRANSCRIPTION_COMMAND")
	overrideInt(&cfg.Transcription.TimeoutMS, "LOQA_TRANSCRIPTION_TIMEOUT_MS")
	overrideString(&cfg.Output.Directory, "LOQA_OUTPUT_DIRECTORY")
	overrideString(&cfg.Output.Filename, "LOQA_OUTPUT_FILENAME")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

// ErrMissingCredential is returned when a remote transcription mode has no API key.
var ErrMissingCredential = errors.New("transcription.api_key must be set when mode=openai (GROQ_API_KEY or LOQA_TRANSCRIPTION_API_KEY)")

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	if cfg.HTTP.CacheSize <= 0 {
		return errors.New("http.cache_size must be >= 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
				return errors.New("bus.port must be -1 or between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Intake.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("intake.enabled requires bus.enabled")
		}
		if cfg.Intake.Root == "" {
			return errors.New("intake.root must not be empty when intake is enabled")
		}
		if cfg.Intake.QueueSize <= 0 {
			return errors.New("intake.queue_size must be positive")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Audio.Codec {
	case "ffmpeg":
		if cfg.Audio.FFmpegCommand == "" || cfg.Audio.FFprobeCommand == "" {
			return errors.New("audio.ffmpeg_command and audio.ffprobe_command must be set when codec=ffmpeg")
		}
		if cfg.Audio.Format == "" {
			return errors.New("audio.format must not be empty")
		}
	case "wav":
	default:
		return errors.New("audio.codec must be one of ffmpeg|wav")
	}
	if cfg.Budget.MaxSizeBytes <= 0 {
		return errors.New("budget.max_size_bytes must be positive")
	}
	if cfg.Budget.BitrateStepKbps <= 0 {
		return errors.New("budget.bitrate_step_kbps must be positive")
	}
	if cfg.Budget.MinBitrateKbps <= 0 {
		return errors.New("budget.min_bitrate_kbps must be positive")
	}
	if cfg.Budget.InitialBitrateKbps < cfg.Budget.MinBitrateKbps {
		return errors.New("budget.initial_bitrate_kbps must be >= budget.min_bitrate_kbps")
	}
	if cfg.Segment.WindowMS <= 0 {
		return errors.New("segment.window_ms must be positive")
	}
	if cfg.Segment.BitrateKbps <= 0 {
		return errors.New("segment.bitrate_kbps must be positive")
	}
	switch cfg.Transcription.Mode {
	case "mock":
	case "openai":
		if strings.TrimSpace(cfg.Transcription.APIKey) == "" {
			return ErrMissingCredential
		}
		if cfg.Transcription.BaseURL == "" {
			return errors.New("transcription.base_url must be set when mode=openai")
		}
	case "exec":
		if cfg.Transcription.Command == "" {
			return errors.New("transcription.command must be set when mode=exec")
		}
	default:
		return errors.New("transcription.mode must be one of mock|openai|exec")
	}
	if cfg.Transcription.Model == "" {
		return errors.New("transcription.model must not be empty")
	}
	if cfg.Output.Filename == "" {
		return errors.New("output.filename must not be empty")
	}
	return nil
}
