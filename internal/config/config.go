package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sjawhar/click2call/internal/call"
	"github.com/sjawhar/click2call/internal/device"
	"github.com/sjawhar/click2call/internal/llm"
)

// EnvPrefix is the namespace prefix for all click2call environment variables.
const EnvPrefix = "CLICK2CALL_"

// CallSettings is the static part of every call the widget places.
type CallSettings struct {
	Destination   string            `yaml:"destination"`
	SupportsAudio bool              `yaml:"supports_audio"`
	SupportsVideo bool              `yaml:"supports_video"`
	UserVariables map[string]string `yaml:"user_variables"`
	AudioCodecs   []string          `yaml:"audio_codecs"`
}

// Config holds all application configuration. Secrets (tokens and API keys)
// are loaded exclusively from environment variables and never appear in the
// config file.
type Config struct {
	Call                  CallSettings `yaml:"call"`
	RelayURL              string       `yaml:"relay_url"`
	ListenAddr            string       `yaml:"listen_addr"`
	DBPath                string       `yaml:"db_path"`
	TranscriptDir         string       `yaml:"transcript_dir"`
	PreferenceTTL         string       `yaml:"preference_ttl"`
	BeforeDialTimeout     string       `yaml:"before_dial_timeout"`
	ReceiveCalls          bool         `yaml:"receive_calls"`
	AutoAnswer            bool         `yaml:"auto_answer"`
	PurgeSessionKeys      []string     `yaml:"purge_session_keys"`
	LocalCaptions         bool         `yaml:"local_captions"`
	MicSampleRate         int          `yaml:"mic_sample_rate"`
	SummaryModel          string       `yaml:"summary_model"`
	GDriveFolderID        string       `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string       `yaml:"google_credentials_file"`

	// Secrets, env vars only.
	Token           string `yaml:"-"`
	DeepgramAPIKey  string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

func defaults() Config {
	return Config{
		Call: CallSettings{
			SupportsAudio: true,
		},
		RelayURL:              "ws://127.0.0.1:8090/relay",
		ListenAddr:            "127.0.0.1:8080",
		DBPath:                "data/click2call.db",
		TranscriptDir:         "data/transcripts",
		PreferenceTTL:         "720h",
		BeforeDialTimeout:     "30s",
		MicSampleRate:         16000,
		SummaryModel:          "openai/gpt-4o-mini",
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// CallConfig builds the immutable per-call input from the call section and
// the token.
func (c *Config) CallConfig() call.Config {
	vars := make(map[string]string, len(c.Call.UserVariables))
	for k, v := range c.Call.UserVariables {
		vars[k] = v
	}
	return call.Config{
		Destination:   c.Call.Destination,
		SupportsAudio: c.Call.SupportsAudio,
		SupportsVideo: c.Call.SupportsVideo,
		UserVariables: vars,
		AudioCodecs:   append([]string(nil), c.Call.AudioCodecs...),
		Token:         c.Token,
	}
}

// ParsedPreferenceTTL returns PreferenceTTL as a time.Duration, falling back
// to the registry default if the value is invalid.
func (c *Config) ParsedPreferenceTTL() time.Duration {
	d, err := time.ParseDuration(c.PreferenceTTL)
	if err != nil || d <= 0 {
		return device.DefaultPreferenceTTL
	}
	return d
}

// ParsedBeforeDialTimeout returns BeforeDialTimeout as a time.Duration,
// falling back to 30s if the value is invalid.
func (c *Config) ParsedBeforeDialTimeout() time.Duration {
	d, err := time.ParseDuration(c.BeforeDialTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

func (c *Config) LLMKeys() llm.Keys {
	return llm.Keys{OpenAI: c.OpenAIAPIKey, Anthropic: c.AnthropicAPIKey, Gemini: c.GeminiAPIKey}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "DESTINATION"); v != "" {
		cfg.Call.Destination = v
	}
	if v, ok := envBool("SUPPORTS_VIDEO"); ok {
		cfg.Call.SupportsVideo = v
	}
	if v := os.Getenv(EnvPrefix + "AUDIO_CODECS"); v != "" {
		cfg.Call.AudioCodecs = parseList(v)
	}
	if v := os.Getenv(EnvPrefix + "RELAY_URL"); v != "" {
		cfg.RelayURL = v
	}
	if v := os.Getenv(EnvPrefix + "LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvPrefix + "TRANSCRIPT_DIR"); v != "" {
		cfg.TranscriptDir = v
	}
	if v := os.Getenv(EnvPrefix + "PREFERENCE_TTL"); v != "" {
		cfg.PreferenceTTL = v
	}
	if v := os.Getenv(EnvPrefix + "BEFORE_DIAL_TIMEOUT"); v != "" {
		cfg.BeforeDialTimeout = v
	}
	if v, ok := envBool("RECEIVE_CALLS"); ok {
		cfg.ReceiveCalls = v
	}
	if v, ok := envBool("AUTO_ANSWER"); ok {
		cfg.AutoAnswer = v
	}
	if v := os.Getenv(EnvPrefix + "PURGE_SESSION_KEYS"); v != "" {
		cfg.PurgeSessionKeys = parseList(v)
	}
	if v, ok := envBool("LOCAL_CAPTIONS"); ok {
		cfg.LocalCaptions = v
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.MicSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "SUMMARY_MODEL"); v != "" {
		cfg.SummaryModel = v
	}
	if v := os.Getenv(EnvPrefix + "GDRIVE_FOLDER_ID"); v != "" {
		cfg.GDriveFolderID = v
	}
	if v := os.Getenv(EnvPrefix + "GOOGLE_CREDENTIALS_FILE"); v != "" {
		cfg.GoogleCredentialsFile = v
	}
}

func loadSecrets(cfg *Config) {
	cfg.Token = os.Getenv(EnvPrefix + "TOKEN")
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.Token == "" {
		warnings = append(warnings, "Call token not configured, calls cannot be placed. Set "+EnvPrefix+"TOKEN.")
	}
	if cfg.Call.Destination == "" {
		warnings = append(warnings, "call.destination is empty, outbound calls are disabled.")
	}
	if !cfg.Call.SupportsAudio && !cfg.Call.SupportsVideo {
		warnings = append(warnings, "call.supports_audio and call.supports_video are both false, calls will be refused.")
	}
	if cfg.LocalCaptions && cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured, local captions are disabled. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}
	if _, err := time.ParseDuration(cfg.PreferenceTTL); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid preference_ttl %q, using default %s.", cfg.PreferenceTTL, device.DefaultPreferenceTTL))
	}
	if _, err := time.ParseDuration(cfg.BeforeDialTimeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid before_dial_timeout %q, using default 30s.", cfg.BeforeDialTimeout))
	}

	provider, _, err := llm.ParseModel(cfg.SummaryModel)
	switch {
	case err != nil:
		warnings = append(warnings, fmt.Sprintf("Invalid summary_model %q, call summaries are disabled.", cfg.SummaryModel))
	case cfg.LLMKeys().For(provider) == "":
		warnings = append(warnings, fmt.Sprintf("No API key for summary provider %q, call summaries are disabled.", provider))
	}

	return warnings
}

// SummaryEnabled reports whether the configured summary provider has a key.
func (c *Config) SummaryEnabled() bool {
	provider, _, err := llm.ParseModel(c.SummaryModel)
	return err == nil && c.LLMKeys().For(provider) != ""
}

func envBool(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}

	return result
}
