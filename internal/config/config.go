package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

// Level maps log_level onto a slog level. Unknown values mean info.
func (t TelemetryConfig) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(t.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	History     HistoryConfig   `yaml:"history"`
	Audio       AudioConfig     `yaml:"audio"`
	TTS         TTSConfig       `yaml:"tts"`
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
	AudioBucket    string   `yaml:"audio_bucket"`
	ServeRequests  bool     `yaml:"serve_requests"`
}

// HistoryConfig controls the synthesis metadata table.
type HistoryConfig struct {
	Path          string `yaml:"path"`
	PageSize      int    `yaml:"page_size"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig describes where reference audio lives.
type AudioConfig struct {
	ReferenceDir     string `yaml:"reference_dir"`
	DefaultReference string `yaml:"default_reference"`
	MaxUploadBytes   int64  `yaml:"max_upload_bytes"`
}

type TTSConfig struct {
	OutputDir      string        `yaml:"output_dir"`
	MemoMaxEntries int           `yaml:"memo_max_entries"`
	SingleSpeaker  BackendConfig `yaml:"single_speaker"`
	VoiceCloning   BackendConfig `yaml:"voice_cloning"`
}

// BackendConfig binds one synthesis method to an engine.
type BackendConfig struct {
	Mode       string   `yaml:"mode"` // mock, exec, http
	Model      string   `yaml:"model"`
	Command    string   `yaml:"command"`
	Endpoint   string   `yaml:"endpoint"`
	Speakers   []string `yaml:"speakers"`
	SampleRate int      `yaml:"sample_rate"`
	TimeoutMS  int      `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		ServiceName: "voiceover",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8501,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			ServeRequests:  true,
		},
		History: HistoryConfig{
			Path:     "./data/audio_database.db",
			PageSize: 5,
		},
		Audio: AudioConfig{
			ReferenceDir:     "./Ref_audio",
			DefaultReference: "./Ref_audio/female_speaker_1.wav",
			MaxUploadBytes:   32 << 20,
		},
		TTS: TTSConfig{
			OutputDir:      "./outputs",
			MemoMaxEntries: 0,
			SingleSpeaker: BackendConfig{
				Mode:       "mock",
				Model:      "LJSpeech",
				Speakers:   []string{"Default"},
				SampleRate: 24000,
			},
			VoiceCloning: BackendConfig{
				Mode:       "mock",
				Model:      "LibriTTS",
				SampleRate: 24000,
			},
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
	overrideString(&cfg.ServiceName, "VOICEOVER_SERVICE_NAME")
	overrideString(&cfg.Environment, "VOICEOVER_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEOVER_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEOVER_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEOVER_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEOVER_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEOVER_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICEOVER_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "VOICEOVER_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICEOVER_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICEOVER_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICEOVER_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEOVER_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEOVER_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEOVER_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEOVER_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEOVER_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEOVER_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.AudioBucket, "VOICEOVER_BUS_AUDIO_BUCKET")
	overrideBool(&cfg.Bus.ServeRequests, "VOICEOVER_BUS_SERVE_REQUESTS")
	overrideString(&cfg.History.Path, "VOICEOVER_HISTORY_PATH")
	overrideInt(&cfg.History.PageSize, "VOICEOVER_HISTORY_PAGE_SIZE")
	overrideBool(&cfg.History.VacuumOnStart, "VOICEOVER_HISTORY_VACUUM_ON_START")
	overrideString(&cfg.Audio.ReferenceDir, "VOICEOVER_AUDIO_REFERENCE_DIR")
	overrideString(&cfg.Audio.DefaultReference, "VOICEOVER_AUDIO_DEFAULT_REFERENCE")
	overrideInt64(&cfg.Audio.MaxUploadBytes, "VOICEOVER_AUDIO_MAX_UPLOAD_BYTES")
	overrideString(&cfg.TTS.OutputDir, "VOICEOVER_TTS_OUTPUT_DIR")
	overrideInt(&cfg.TTS.MemoMaxEntries, "VOICEOVER_TTS_MEMO_MAX_ENTRIES")
	overrideBackend(&cfg.TTS.SingleSpeaker, "VOICEOVER_TTS_SINGLE_SPEAKER")
	overrideBackend(&cfg.TTS.VoiceCloning, "VOICEOVER_TTS_VOICE_CLONING")
}

func overrideBackend(target *BackendConfig, prefix string) {
	overrideString(&target.Mode, prefix+"_MODE")
	overrideString(&target.Model, prefix+"_MODEL")
	overrideString(&target.Command, prefix+"_COMMAND")
	overrideString(&target.Endpoint, prefix+"_ENDPOINT")
	overrideStringSlice(&target.Speakers, prefix+"_SPEAKERS")
	overrideInt(&target.SampleRate, prefix+"_SAMPLE_RATE")
	overrideInt(&target.TimeoutMS, prefix+"_TIMEOUT_MS")
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

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			// -1 asks the embedded server for a random port.
			if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.PageSize <= 0 {
		return errors.New("history.page_size must be positive")
	}
	if cfg.Audio.ReferenceDir == "" {
		return errors.New("audio.reference_dir must not be empty")
	}
	if cfg.Audio.DefaultReference == "" {
		return errors.New("audio.default_reference must not be empty")
	}
	if cfg.Audio.MaxUploadBytes <= 0 {
		return errors.New("audio.max_upload_bytes must be positive")
	}
	if cfg.TTS.OutputDir == "" {
		return errors.New("tts.output_dir must not be empty")
	}
	if cfg.TTS.MemoMaxEntries < 0 {
		return errors.New("tts.memo_max_entries must be >= 0")
	}
	if err := validateBackend("tts.single_speaker", cfg.TTS.SingleSpeaker); err != nil {
		return err
	}
	if len(cfg.TTS.SingleSpeaker.Speakers) == 0 {
		return errors.New("tts.single_speaker.speakers must not be empty")
	}
	return validateBackend("tts.voice_cloning", cfg.TTS.VoiceCloning)
}

func validateBackend(name string, cfg BackendConfig) error {
	switch cfg.Mode {
	case "mock", "exec", "http":
	default:
		return fmt.Errorf("%s.mode must be one of mock|exec|http", name)
	}
	if cfg.Mode == "exec" && cfg.Command == "" {
		return fmt.Errorf("%s.command must be set when mode=exec", name)
	}
	if cfg.Mode == "http" && cfg.Endpoint == "" {
		return fmt.Errorf("%s.endpoint must be set when mode=http", name)
	}
	if cfg.Model == "" {
		return fmt.Errorf("%s.model must not be empty", name)
	}
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("%s.sample_rate must be positive", name)
	}
	if cfg.TimeoutMS < 0 {
		return fmt.Errorf("%s.timeout_ms must be >= 0", name)
	}
	return nil
}
