package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func setKeys(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk")
	t.Setenv("ELEVENLABS_API_KEY", "el")
}

func TestParse_Defaults(t *testing.T) {
	setKeys(t)
	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.HTTPAddress != ":8080" {
		t.Fatalf("expected default http address, got %q", cfg.HTTPAddress)
	}
	if cfg.ICEServersJSON == "" {
		t.Fatalf("expected default ice servers json")
	}
	if cfg.SilenceThreshold != 500*time.Millisecond || cfg.SilencePollInterval != 100*time.Millisecond {
		t.Fatalf("unexpected silence defaults: %v %v", cfg.SilenceThreshold, cfg.SilencePollInterval)
	}
	if cfg.PartialEveryFrames != 50 || cfg.RetrievalTimeout != 5*time.Second || cfg.SpeechTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.STTProvider != "whisper" || cfg.LLMProvider != "openai" || cfg.TTSProvider != "elevenlabs" {
		t.Fatalf("unexpected providers: %s %s %s", cfg.STTProvider, cfg.LLMProvider, cfg.TTSProvider)
	}
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("STT_PROVIDER", "assemblyai")
	t.Setenv("ASSEMBLYAI_API_KEY", "aai")
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "g")
	t.Setenv("TTS_PROVIDER", "deepgram")
	t.Setenv("DEEPGRAM_API_KEY", "dg")
	t.Setenv("SILENCE_THRESHOLD", "750ms")
	t.Setenv("VOICE_GATE", "false")
	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.SilenceThreshold != 750*time.Millisecond || cfg.VoiceGate {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestParse_MissingCredentialIsFatal(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ELEVENLABS_API_KEY", "el")
	_, err := Parse()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Fatalf("error should name the missing key: %v", err)
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	setKeys(t)
	t.Setenv("TTS_PROVIDER", "festival")
	if _, err := Parse(); err == nil || !strings.Contains(err.Error(), "festival") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}
