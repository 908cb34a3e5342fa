package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Provider names accepted by STT_PROVIDER, LLM_PROVIDER and TTS_PROVIDER.
const (
	ProviderOpenAI     = "openai"
	ProviderAssemblyAI = "assemblyai"
	ProviderCerebras   = "cerebras"
	ProviderDeepgram   = "deepgram"
)

// LiveKit holds the server coordinates and API credentials.
type LiveKit struct {
	URL       string
	APIKey    string
	APISecret string
	AgentName string
}

// OpenAI configures the default STT, LLM and TTS providers.
type OpenAI struct {
	APIKey   string
	BaseURL  string
	LLMModel string
	STTModel string
	TTSModel string
	TTSVoice string
}

// Supabase configures optional transcript storage.
type Supabase struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Config holds application configuration.
type Config struct {
	LiveKit LiveKit
	OpenAI  OpenAI

	STTProvider string
	LLMProvider string
	TTSProvider string

	AssemblyAIKey    string
	CerebrasKey      string
	CerebrasModelID  string
	DeepgramKey      string
	DeepgramTTSModel string

	Supabase Supabase

	HTTPAddress string
	// AuthPassword protects /api/ routes when set.
	AuthPassword string
	MaxJobs      int
	// GreetingDelay is nil when unset; the assistant then uses its own default.
	GreetingDelay *time.Duration

	LogLevel  string
	LogFormat string
}

// LoadDotEnv loads the given files (".env" when none) into the process
// environment. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load reads .env once and returns the environment configuration.
func Load(files ...string) (Config, error) {
	if err := LoadDotEnv(files...); err != nil {
		return Config{}, err
	}
	return FromEnv()
}

// FromEnv reads environment variables and returns Config with sane defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		LiveKit: LiveKit{
			URL:       os.Getenv("LIVEKIT_URL"),
			APIKey:    os.Getenv("LIVEKIT_API_KEY"),
			APISecret: os.Getenv("LIVEKIT_API_SECRET"),
			AgentName: os.Getenv("AGENT_NAME"),
		},
		OpenAI: OpenAI{
			APIKey:   os.Getenv("OPENAI_API_KEY"),
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			LLMModel: getEnv("OPENAI_LLM_MODEL", "gpt-4o"),
			STTModel: getEnv("OPENAI_STT_MODEL", "gpt-4o-mini-transcribe"),
			TTSModel: getEnv("OPENAI_TTS_MODEL", "gpt-4o-mini-tts"),
			TTSVoice: getEnv("OPENAI_TTS_VOICE", "ash"),
		},
		STTProvider:      strings.ToLower(getEnv("STT_PROVIDER", ProviderOpenAI)),
		LLMProvider:      strings.ToLower(getEnv("LLM_PROVIDER", ProviderOpenAI)),
		TTSProvider:      strings.ToLower(getEnv("TTS_PROVIDER", ProviderOpenAI)),
		AssemblyAIKey:    os.Getenv("ASSEMBLYAI_API_KEY"),
		CerebrasKey:      os.Getenv("CEREBRAS_API_KEY"),
		CerebrasModelID:  getEnv("CEREBRAS_MODEL_ID", "gpt-oss-120b"),
		DeepgramKey:      os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramTTSModel: getEnv("DEEPGRAM_TTS_MODEL", "aura-2-thalia-en"),
		Supabase: Supabase{
			URL:            os.Getenv("SUPABASE_URL"),
			ServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
			Bucket:         getEnv("SUPABASE_BUCKET", "voice-transcripts"),
		},
		HTTPAddress:  getEnv("HTTP_ADDRESS", ":8081"),
		AuthPassword: os.Getenv("AUTH_PASSWORD"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
	}

	var errs []error
	if v := os.Getenv("MAX_JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("MAX_JOBS: invalid value %q", v))
		}
		cfg.MaxJobs = n
	} else {
		cfg.MaxJobs = 8
	}
	if v := os.Getenv("GREETING_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("GREETING_DELAY: invalid duration %q", v))
		} else {
			cfg.GreetingDelay = &d
		}
	}
	return cfg, errors.Join(errs...)
}

// Validate reports missing settings required to run a worker with the
// selected providers.
func (c Config) Validate() error {
	var errs []error
	if c.LiveKit.URL == "" {
		errs = append(errs, errors.New("LIVEKIT_URL is required"))
	}
	if c.LiveKit.APIKey == "" || c.LiveKit.APISecret == "" {
		errs = append(errs, errors.New("LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required"))
	}

	switch c.STTProvider {
	case ProviderOpenAI:
	case ProviderAssemblyAI:
		if c.AssemblyAIKey == "" {
			errs = append(errs, errors.New("ASSEMBLYAI_API_KEY is required for STT_PROVIDER=assemblyai"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STT_PROVIDER %q", c.STTProvider))
	}
	switch c.LLMProvider {
	case ProviderOpenAI:
	case ProviderCerebras:
		if c.CerebrasKey == "" {
			errs = append(errs, errors.New("CEREBRAS_API_KEY is required for LLM_PROVIDER=cerebras"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}
	switch c.TTSProvider {
	case ProviderOpenAI:
	case ProviderDeepgram:
		if c.DeepgramKey == "" {
			errs = append(errs, errors.New("DEEPGRAM_API_KEY is required for TTS_PROVIDER=deepgram"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TTS_PROVIDER %q", c.TTSProvider))
	}
	if c.usesOpenAI() && c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai providers"))
	}
	return errors.Join(errs...)
}

// StorageEnabled reports whether transcripts should be uploaded to Supabase.
func (c Config) StorageEnabled() bool {
	return c.Supabase.URL != "" && c.Supabase.ServiceRoleKey != ""
}

// LogSummary writes the non-secret parts of the configuration.
func (c Config) LogSummary(log *zap.Logger) {
	log.Info("config loaded",
		zap.String("livekit_url", c.LiveKit.URL),
		zap.String("agent_name", c.LiveKit.AgentName),
		zap.String("stt", c.STTProvider),
		zap.String("llm", c.LLMProvider),
		zap.String("tts", c.TTSProvider),
		zap.String("http_address", c.HTTPAddress),
		zap.Int("max_jobs", c.MaxJobs),
		zap.Bool("transcript_storage", c.StorageEnabled()),
		zap.Bool("api_auth", c.AuthPassword != ""),
	)
	if !c.StorageEnabled() {
		log.Warn("SUPABASE_URL or SUPABASE_SERVICE_ROLE_KEY not set - transcripts will not be stored")
	}
}

func (c Config) usesOpenAI() bool {
	return c.STTProvider == ProviderOpenAI || c.LLMProvider == ProviderOpenAI || c.TTSProvider == ProviderOpenAI
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
