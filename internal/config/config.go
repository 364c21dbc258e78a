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
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
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
	Bus         BusConfig        `yaml:"bus"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint"`
	TTS         TTSConfig        `yaml:"tts"`
	Text        TextConfig       `yaml:"text"`
	Output      OutputConfig     `yaml:"output"`
	Encoder     EncoderConfig    `yaml:"encoder"`
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
}

type CheckpointConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type VoiceConfig struct {
	ID       string `yaml:"id"`
	Language string `yaml:"language"`
	Region   string `yaml:"region"`
	Gender   string `yaml:"gender"`
	Alias    string `yaml:"alias"`
}

type TTSConfig struct {
	Mode           string        `yaml:"mode"` // mock, exec, edge
	Command        string        `yaml:"command"`
	Voice          string        `yaml:"voice"`
	Voices         []VoiceConfig `yaml:"voices"`
	SampleRate     int           `yaml:"sample_rate"`
	Channels       int           `yaml:"channels"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoffMS int           `yaml:"retry_backoff_ms"`
	TimeoutMS      int           `yaml:"timeout_ms"`
	Lookahead      int           `yaml:"lookahead"`
	RateLimit      float64       `yaml:"rate_limit"`
	Burst          int           `yaml:"burst"`
	LatencyMS      int           `yaml:"latency_ms"`
}

type TextConfig struct {
	MaxChunkChars      int     `yaml:"max_chunk_chars"`
	WordsPerMinute     float64 `yaml:"words_per_minute"`
	DeviationTolerance float64 `yaml:"deviation_tolerance"`
}

type OutputConfig struct {
	Dir            string `yaml:"dir"`
	ChapterFormat  string `yaml:"chapter_format"`
	Combine        bool   `yaml:"combine"`
	CombinedFormat string `yaml:"combined_format"`
	ChapterGapMS   int    `yaml:"chapter_gap_ms"`
	OnChunkFailure string `yaml:"on_chunk_failure"` // abort, silence
	Workers        int    `yaml:"workers"`
}

type EncoderConfig struct {
	Command string `yaml:"command"`
	Bitrate string `yaml:"bitrate"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			LogMaxSizeMB:  64,
			LogMaxBackups: 3,
			LogMaxAgeDays: 7,
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "narrator",
		},
		Checkpoint: CheckpointConfig{
			Path:          "./data/narrator.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
		TTS: TTSConfig{
			Mode:           "mock",
			Voice:          "af_heart",
			SampleRate:     24000,
			Channels:       1,
			MaxRetries:     2,
			RetryBackoffMS: 500,
			TimeoutMS:      120000,
			Lookahead:      1,
			Burst:          1,
		},
		Text: TextConfig{
			MaxChunkChars:      500,
			WordsPerMinute:     150,
			DeviationTolerance: 0.5,
		},
		Output: OutputConfig{
			Dir:            "./output",
			ChapterFormat:  "wav",
			Combine:        false,
			CombinedFormat: "mp3",
			ChapterGapMS:   0,
			OnChunkFailure: "abort",
			Workers:        1,
		},
		Encoder: EncoderConfig{
			Command: "ffmpeg",
			Bitrate: "64k",
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
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "NARRATOR_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "NARRATOR_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.LogFile, "NARRATOR_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.TraceExporter, "NARRATOR_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "NARRATOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "NARRATOR_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Checkpoint.Path, "NARRATOR_CHECKPOINT_PATH")
	overrideString(&cfg.Checkpoint.RetentionMode, "NARRATOR_CHECKPOINT_RETENTION_MODE")
	overrideInt(&cfg.Checkpoint.RetentionDays, "NARRATOR_CHECKPOINT_RETENTION_DAYS")
	overrideInt(&cfg.Checkpoint.MaxRuns, "NARRATOR_CHECKPOINT_MAX_RUNS")
	overrideBool(&cfg.Checkpoint.VacuumOnStart, "NARRATOR_CHECKPOINT_VACUUM_ON_START")
	overrideString(&cfg.TTS.Mode, "NARRATOR_TTS_MODE")
	overrideString(&cfg.TTS.Command, "NARRATOR_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "NARRATOR_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "NARRATOR_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "NARRATOR_TTS_CHANNELS")
	overrideInt(&cfg.TTS.MaxRetries, "NARRATOR_TTS_MAX_RETRIES")
	overrideInt(&cfg.TTS.RetryBackoffMS, "NARRATOR_TTS_RETRY_BACKOFF_MS")
	overrideInt(&cfg.TTS.TimeoutMS, "NARRATOR_TTS_TIMEOUT_MS")
	overrideInt(&cfg.TTS.Lookahead, "NARRATOR_TTS_LOOKAHEAD")
	overrideFloat(&cfg.TTS.RateLimit, "NARRATOR_TTS_RATE_LIMIT")
	overrideInt(&cfg.TTS.Burst, "NARRATOR_TTS_BURST")
	overrideInt(&cfg.TTS.LatencyMS, "NARRATOR_TTS_LATENCY_MS")
	overrideInt(&cfg.Text.MaxChunkChars, "NARRATOR_TEXT_MAX_CHUNK_CHARS")
	overrideFloat(&cfg.Text.WordsPerMinute, "NARRATOR_TEXT_WORDS_PER_MINUTE")
	overrideFloat(&cfg.Text.DeviationTolerance, "NARRATOR_TEXT_DEVIATION_TOLERANCE")
	overrideString(&cfg.Output.Dir, "NARRATOR_OUTPUT_DIR")
	overrideString(&cfg.Output.ChapterFormat, "NARRATOR_OUTPUT_CHAPTER_FORMAT")
	overrideBool(&cfg.Output.Combine, "NARRATOR_OUTPUT_COMBINE")
	overrideString(&cfg.Output.CombinedFormat, "NARRATOR_OUTPUT_COMBINED_FORMAT")
	overrideInt(&cfg.Output.ChapterGapMS, "NARRATOR_OUTPUT_CHAPTER_GAP_MS")
	overrideString(&cfg.Output.OnChunkFailure, "NARRATOR_OUTPUT_ON_CHUNK_FAILURE")
	overrideInt(&cfg.Output.Workers, "NARRATOR_OUTPUT_WORKERS")
	overrideString(&cfg.Encoder.Command, "NARRATOR_ENCODER_COMMAND")
	overrideString(&cfg.Encoder.Bitrate, "NARRATOR_ENCODER_BITRATE")
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

// Validate checks the configuration. The CLI calls it again after applying
// flag overrides.
func (cfg Config) Validate() error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port < -1 || cfg.Bus.Port == 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	switch cfg.Checkpoint.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.Checkpoint.Path == "" {
			return errors.New("checkpoint.path must not be empty")
		}
	default:
		return errors.New("checkpoint.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Checkpoint.RetentionDays < 0 {
		return errors.New("checkpoint.retention_days must be >= 0")
	}
	if cfg.Checkpoint.MaxRuns < 0 {
		return errors.New("checkpoint.max_runs must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec", "edge":
	default:
		return errors.New("tts.mode must be one of mock|exec|edge")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Voice == "" {
		return errors.New("tts.voice must not be empty")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.MaxRetries < 0 {
		return errors.New("tts.max_retries must be >= 0")
	}
	if cfg.TTS.Lookahead < 1 {
		return errors.New("tts.lookahead must be >= 1")
	}
	if cfg.TTS.RateLimit < 0 {
		return errors.New("tts.rate_limit must be >= 0")
	}
	if cfg.Text.MaxChunkChars <= 0 {
		return errors.New("text.max_chunk_chars must be positive")
	}
	if cfg.Text.WordsPerMinute <= 0 {
		return errors.New("text.words_per_minute must be positive")
	}
	if cfg.Text.DeviationTolerance < 0 {
		return errors.New("text.deviation_tolerance must be >= 0")
	}
	if cfg.Output.Dir == "" {
		return errors.New("output.dir must not be empty")
	}
	switch cfg.Output.ChapterFormat {
	case "wav", "mp3":
	default:
		return errors.New("output.chapter_format must be one of wav|mp3")
	}
	switch cfg.Output.CombinedFormat {
	case "wav", "mp3", "ogg":
	default:
		return errors.New("output.combined_format must be one of wav|mp3|ogg")
	}
	if cfg.Output.ChapterGapMS < 0 {
		return errors.New("output.chapter_gap_ms must be >= 0")
	}
	switch cfg.Output.OnChunkFailure {
	case "abort", "silence":
	default:
		return errors.New("output.on_chunk_failure must be one of abort|silence")
	}
	if cfg.Output.Workers < 1 {
		return errors.New("output.workers must be >= 1")
	}
	return nil
}
