package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-dictate/internal/domain"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"` // text, json
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TracesToStdout bool   `yaml:"traces_to_stdout"`
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
	History     HistoryConfig    `yaml:"history"`
	Audio       AudioConfig      `yaml:"audio"`
	Toggle      ToggleConfig     `yaml:"toggle"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	Grammar     GrammarConfig    `yaml:"grammar"`
	Output      OutputConfig     `yaml:"output"`
	Controller  ControllerConfig `yaml:"controller"`
	Notify      NotifyConfig     `yaml:"notify"`
}

type BusConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Embedded          bool     `yaml:"embedded"`
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	Servers           []string `yaml:"servers"`
	Username          string   `yaml:"username"`
	Password          string   `yaml:"password"`
	Token             string   `yaml:"token"`
	TLSInsecure       bool     `yaml:"tls_insecure"`
	ConnectTimeout    int      `yaml:"connect_timeout_ms"`
	LevelInterval     int      `yaml:"level_interval_ms"`
	HeartbeatInterval int      `yaml:"heartbeat_interval_ms"`
	SubjectPrefix     string   `yaml:"subject_prefix"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AudioConfig struct {
	Backend       string  `yaml:"backend"` // portaudio, ffmpeg
	SampleRate    int     `yaml:"sample_rate"`
	Channels      int     `yaml:"channels"`
	ChunkSize     int     `yaml:"chunk_size"`
	LevelCeiling  float64 `yaml:"level_ceiling"`
	LevelWindow   int     `yaml:"level_window"`
	LevelInterval int     `yaml:"level_interval_ms"`
	FFmpegCommand string  `yaml:"ffmpeg_command"`
	InputFormat   string  `yaml:"input_format"`
	InputDevice   string  `yaml:"input_device"`
	TempDir       string  `yaml:"temp_dir"`
}

type ToggleConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SocketPath  string `yaml:"socket_path"`
	ReadTimeout int    `yaml:"read_timeout_ms"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // exec, openai, mock
	Command   string `yaml:"command"`
	Model     string `yaml:"model"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	ForceCPU  bool   `yaml:"force_cpu"`
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Timeout   int    `yaml:"timeout_ms"`
}

type LLMConfig struct {
	Mode           string   `yaml:"mode"` // ollama, openai, exec, mock, disabled
	Endpoint       string   `yaml:"endpoint"`
	Model          string   `yaml:"model"`
	FallbackModels []string `yaml:"fallback_models"`
	APIKey         string   `yaml:"api_key"`
	Command        string   `yaml:"command"`
	MaxTokens      int      `yaml:"max_tokens"`
	Timeout        int      `yaml:"timeout_ms"`
}

type GrammarConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Language string `yaml:"language"`
	Timeout  int    `yaml:"timeout_ms"`
}

type OutputConfig struct {
	TypeCommand   string `yaml:"type_command"`
	PasteShortcut string `yaml:"paste_shortcut"`
	SettleDelay   int    `yaml:"settle_delay_ms"`
	TrailingSpace bool   `yaml:"trailing_space"`
}

type ControllerConfig struct {
	DefaultTone       string `yaml:"default_tone"`
	ToggleDebounce    int    `yaml:"toggle_debounce_ms"`
	ProcessingTimeout int    `yaml:"processing_timeout_ms"`
	ShutdownTimeout   int    `yaml:"shutdown_timeout_ms"`
}

type NotifyConfig struct {
	Enabled  bool `yaml:"enabled"`
	OnInsert bool `yaml:"on_insert"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "desktop",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8765,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "text",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:           false,
			Embedded:          true,
			Host:              "127.0.0.1",
			Port:              4223,
			Servers:           []string{"nats://127.0.0.1:4223"},
			ConnectTimeout:    2000,
			LevelInterval:     100,
			HeartbeatInterval: 5000,
			SubjectPrefix:     "dictate",
		},
		History: HistoryConfig{
			Path:          defaultDataPath("history.db"),
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxEntries:    5000,
		},
		Audio: AudioConfig{
			Backend:       "portaudio",
			SampleRate:    44100,
			Channels:      1,
			ChunkSize:     1024,
			LevelCeiling:  3000,
			LevelWindow:   5,
			LevelInterval: 50,
			FFmpegCommand: "ffmpeg",
			InputFormat:   "pulse",
			InputDevice:   "default",
		},
		Toggle: ToggleConfig{
			Enabled:     true,
			SocketPath:  "/tmp/loqa-dictate.sock",
			ReadTimeout: 1000,
		},
		STT: STTConfig{
			Mode:    "exec",
			Command: "whisper-json",
			Model:   "large-v3-turbo",
			Timeout: 120000,
		},
		LLM: LLMConfig{
			Mode:           "ollama",
			Endpoint:       "http://localhost:11434",
			Model:          "gemma3:latest",
			FallbackModels: []string{"gemma3:latest", "llama3.2:3b", "gemma2:2b"},
			MaxTokens:      300,
			Timeout:        30000,
		},
		Grammar: GrammarConfig{
			Enabled:  true,
			Endpoint: "http://localhost:8081",
			Language: "en-US",
			Timeout:  5000,
		},
		Output: OutputConfig{
			TypeCommand:   "xdotool type --clearmodifiers --delay 1 --",
			PasteShortcut: "", // platform default
			SettleDelay:   100,
		},
		Controller: ControllerConfig{
			DefaultTone:       "original",
			ToggleDebounce:    200,
			ProcessingTimeout: 180000,
			ShutdownTimeout:   10000,
		},
		Notify: NotifyConfig{
			Enabled: false,
		},
	}
}

// ResolvePath returns path when set, otherwise the per-user config file if it exists.
func ResolvePath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(home, ".config", "loqa-dictate", "config.yaml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
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

	applyLegacyEnv(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyLegacyEnv honours the variables the desktop scripts have always exported.
func applyLegacyEnv(cfg *Config) {
	overrideBool(&cfg.STT.ForceCPU, "FORCE_CPU")
	overrideString(&cfg.LLM.Endpoint, "OLLAMA_HOST")
	overrideString(&cfg.LLM.Model, "OLLAMA_MODEL")
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_DICTATE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_DICTATE_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_DICTATE_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_DICTATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_DICTATE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_DICTATE_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_DICTATE_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_DICTATE_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_DICTATE_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TracesToStdout, "LOQA_DICTATE_TRACES_TO_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "LOQA_DICTATE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_DICTATE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_DICTATE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_DICTATE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_DICTATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_DICTATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_DICTATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_DICTATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_DICTATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_DICTATE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_DICTATE_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.History.Path, "LOQA_DICTATE_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "LOQA_DICTATE_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "LOQA_DICTATE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxEntries, "LOQA_DICTATE_HISTORY_MAX_ENTRIES")
	overrideBool(&cfg.History.VacuumOnStart, "LOQA_DICTATE_HISTORY_VACUUM_ON_START")
	overrideString(&cfg.Audio.Backend, "LOQA_DICTATE_AUDIO_BACKEND")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_DICTATE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_DICTATE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.ChunkSize, "LOQA_DICTATE_AUDIO_CHUNK_SIZE")
	overrideString(&cfg.Audio.FFmpegCommand, "LOQA_DICTATE_AUDIO_FFMPEG_COMMAND")
	overrideString(&cfg.Audio.InputFormat, "LOQA_DICTATE_AUDIO_INPUT_FORMAT")
	overrideString(&cfg.Audio.InputDevice, "LOQA_DICTATE_AUDIO_INPUT_DEVICE")
	overrideString(&cfg.Audio.TempDir, "LOQA_DICTATE_AUDIO_TEMP_DIR")
	overrideBool(&cfg.Toggle.Enabled, "LOQA_DICTATE_TOGGLE_ENABLED")
	overrideString(&cfg.Toggle.SocketPath, "LOQA_DICTATE_TOGGLE_SOCKET")
	overrideString(&cfg.STT.Mode, "LOQA_DICTATE_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_DICTATE_STT_COMMAND")
	overrideString(&cfg.STT.Model, "LOQA_DICTATE_STT_MODEL")
	overrideString(&cfg.STT.ModelPath, "LOQA_DICTATE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_DICTATE_STT_LANGUAGE")
	overrideBool(&cfg.STT.ForceCPU, "LOQA_DICTATE_STT_FORCE_CPU")
	overrideString(&cfg.STT.Endpoint, "LOQA_DICTATE_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "LOQA_DICTATE_STT_API_KEY")
	overrideInt(&cfg.STT.Timeout, "LOQA_DICTATE_STT_TIMEOUT_MS")
	overrideString(&cfg.LLM.Mode, "LOQA_DICTATE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_DICTATE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Model, "LOQA_DICTATE_LLM_MODEL")
	overrideStringSlice(&cfg.LLM.FallbackModels, "LOQA_DICTATE_LLM_FALLBACK_MODELS")
	overrideString(&cfg.LLM.APIKey, "LOQA_DICTATE_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "LOQA_DICTATE_LLM_COMMAND")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_DICTATE_LLM_MAX_TOKENS")
	overrideInt(&cfg.LLM.Timeout, "LOQA_DICTATE_LLM_TIMEOUT_MS")
	overrideBool(&cfg.Grammar.Enabled, "LOQA_DICTATE_GRAMMAR_ENABLED")
	overrideString(&cfg.Grammar.Endpoint, "LOQA_DICTATE_GRAMMAR_ENDPOINT")
	overrideString(&cfg.Grammar.Language, "LOQA_DICTATE_GRAMMAR_LANGUAGE")
	overrideString(&cfg.Output.TypeCommand, "LOQA_DICTATE_OUTPUT_TYPE_COMMAND")
	overrideString(&cfg.Output.PasteShortcut, "LOQA_DICTATE_OUTPUT_PASTE_SHORTCUT")
	overrideInt(&cfg.Output.SettleDelay, "LOQA_DICTATE_OUTPUT_SETTLE_DELAY_MS")
	overrideBool(&cfg.Output.TrailingSpace, "LOQA_DICTATE_OUTPUT_TRAILING_SPACE")
	overrideString(&cfg.Controller.DefaultTone, "LOQA_DICTATE_TONE")
	overrideInt(&cfg.Controller.ToggleDebounce, "LOQA_DICTATE_TOGGLE_DEBOUNCE_MS")
	overrideInt(&cfg.Controller.ProcessingTimeout, "LOQA_DICTATE_PROCESSING_TIMEOUT_MS")
	overrideInt(&cfg.Controller.ShutdownTimeout, "LOQA_DICTATE_SHUTDOWN_TIMEOUT_MS")
	overrideBool(&cfg.Notify.Enabled, "LOQA_DICTATE_NOTIFY_ENABLED")
	overrideBool(&cfg.Notify.OnInsert, "LOQA_DICTATE_NOTIFY_ON_INSERT")
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

func defaultDataPath(name string) string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "loqa-dictate", name)
	}
	return filepath.Join(".", "data", name)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "text", "json":
	default:
		return errors.New("telemetry.log_format must be one of text|json")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionMode != "ephemeral" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	switch cfg.Audio.Backend {
	case "portaudio", "ffmpeg":
	default:
		return errors.New("audio.backend must be one of portaudio|ffmpeg")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.ChunkSize <= 0 {
		return errors.New("audio.chunk_size must be positive")
	}
	if cfg.Audio.LevelCeiling <= 0 {
		return errors.New("audio.level_ceiling must be positive")
	}
	if cfg.Toggle.Enabled && cfg.Toggle.SocketPath == "" {
		return errors.New("toggle.socket_path must be set when the toggle socket is enabled")
	}
	switch cfg.STT.Mode {
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "openai", "mock":
	default:
		return errors.New("stt.mode must be one of exec|openai|mock")
	}
	switch cfg.LLM.Mode {
	case "ollama", "openai":
		if cfg.LLM.Endpoint == "" && cfg.LLM.Mode == "ollama" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	case "mock", "disabled":
	default:
		return errors.New("llm.mode must be one of ollama|openai|exec|mock|disabled")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.Grammar.Enabled && cfg.Grammar.Endpoint == "" {
		return errors.New("grammar.endpoint must be set when grammar is enabled")
	}
	if cfg.Controller.ToggleDebounce < 0 {
		return errors.New("controller.toggle_debounce_ms must be >= 0")
	}
	if _, err := domain.ParseTone(cfg.Controller.DefaultTone); err != nil {
		return fmt.Errorf("controller.default_tone: %w", err)
	}
	return nil
}
