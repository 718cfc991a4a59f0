package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress   string `env:"HTTP_ADDRESS" envDefault:":8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	LogFilePath   string `env:"LOG_FILE_PATH"`

	// Provider selection
	STTProvider string `env:"STT_PROVIDER" envDefault:"whisper"`
	LLMProvider string `env:"LLM_PROVIDER" envDefault:"openai"`
	TTSProvider string `env:"TTS_PROVIDER" envDefault:"elevenlabs"`

	// Credentials and models
	OpenAIKey         string `env:"OPENAI_API_KEY"`
	OpenAIModel       string `env:"OPENAI_MODEL" envDefault:"gpt-4"`
	WhisperModel      string `env:"WHISPER_MODEL" envDefault:"whisper-1"`
	AssemblyAIKey     string `env:"ASSEMBLYAI_API_KEY"`
	CerebrasKey       string `env:"CEREBRAS_API_KEY"`
	CerebrasModelID   string `env:"CEREBRAS_MODEL_ID" envDefault:"llama-3.3-70b"`
	GeminiKey         string `env:"GEMINI_API_KEY"`
	GeminiModel       string `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`
	ElevenLabsKey     string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsVoiceID string `env:"ELEVENLABS_VOICE_ID" envDefault:"21m00Tcm4TlvDq8ikWAM"`
	DeepgramKey       string `env:"DEEPGRAM_API_KEY"`
	DeepgramModel     string `env:"DEEPGRAM_MODEL" envDefault:"aura-2-thalia-en"`
	TwilioAuthToken   string `env:"TWILIO_AUTH_TOKEN"`

	// Segmentation
	SilenceThreshold    time.Duration `env:"SILENCE_THRESHOLD" envDefault:"500ms"`
	SilencePollInterval time.Duration `env:"SILENCE_POLL_INTERVAL" envDefault:"100ms"`
	PartialEveryFrames  int           `env:"PARTIAL_EVERY_FRAMES" envDefault:"50"`
	VoiceGate           bool          `env:"VOICE_GATE" envDefault:"true"`

	// Provider timeouts
	RetrievalTimeout  time.Duration `env:"RETRIEVAL_TIMEOUT" envDefault:"5s"`
	RetrievalCacheTTL time.Duration `env:"RETRIEVAL_CACHE_TTL" envDefault:"10m"`
	LLMTimeout        time.Duration `env:"LLM_TIMEOUT" envDefault:"20s"`
	SpeechTimeout     time.Duration `env:"SPEECH_TIMEOUT" envDefault:"30s"`

	InboundFramesPerSecond int    `env:"INBOUND_FRAMES_PER_SECOND" envDefault:"100"`
	ICEServersJSON         string `env:"ICE_SERVERS_JSON" envDefault:"[{\"urls\":[\"stun:stun.l.google.com:19302\"]}]"`

	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
}

var ErrInvalid = errors.New("invalid configuration")

// Load reads .env when present, then the environment, and validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file loaded")
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsProduction reports whether APP_ENV selects production logging.
func (c Config) IsProduction() bool { return c.AppEnv == "production" }

// Validate checks that every selected provider is known and has its credential.
func (c Config) Validate() error {
	var errs []error
	need := func(provider, key, name string) {
		if key == "" {
			errs = append(errs, fmt.Errorf("%w: %s requires %s", ErrInvalid, provider, name))
		}
	}

	switch c.STTProvider {
	case "whisper":
		need("STT_PROVIDER=whisper", c.OpenAIKey, "OPENAI_API_KEY")
	case "assemblyai":
		need("STT_PROVIDER=assemblyai", c.AssemblyAIKey, "ASSEMBLYAI_API_KEY")
	default:
		errs = append(errs, fmt.Errorf("%w: unknown STT_PROVIDER %q", ErrInvalid, c.STTProvider))
	}

	switch c.LLMProvider {
	case "openai":
		need("LLM_PROVIDER=openai", c.OpenAIKey, "OPENAI_API_KEY")
	case "cerebras":
		need("LLM_PROVIDER=cerebras", c.CerebrasKey, "CEREBRAS_API_KEY")
	case "gemini":
		need("LLM_PROVIDER=gemini", c.GeminiKey, "GEMINI_API_KEY")
	default:
		errs = append(errs, fmt.Errorf("%w: unknown LLM_PROVIDER %q", ErrInvalid, c.LLMProvider))
	}

	switch c.TTSProvider {
	case "elevenlabs":
		need("TTS_PROVIDER=elevenlabs", c.ElevenLabsKey, "ELEVENLABS_API_KEY")
	case "deepgram":
		need("TTS_PROVIDER=deepgram", c.DeepgramKey, "DEEPGRAM_API_KEY")
	default:
		errs = append(errs, fmt.Errorf("%w: unknown TTS_PROVIDER %q", ErrInvalid, c.TTSProvider))
	}

	if c.SilenceThreshold <= 0 || c.SilencePollInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: silence threshold and poll interval must be positive", ErrInvalid))
	}
	if c.PartialEveryFrames <= 0 {
		errs = append(errs, fmt.Errorf("%w: PARTIAL_EVERY_FRAMES must be positive", ErrInvalid))
	}
	if c.InboundFramesPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("%w: INBOUND_FRAMES_PER_SECOND must be positive", ErrInvalid))
	}
	return errors.Join(errs...)
}
