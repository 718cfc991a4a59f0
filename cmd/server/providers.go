package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dez2003/bio-for-dummies/internal/agent"
	"github.com/dez2003/bio-for-dummies/internal/answer"
	"github.com/dez2003/bio-for-dummies/internal/config"
	"github.com/dez2003/bio-for-dummies/internal/llm"
	"github.com/dez2003/bio-for-dummies/internal/retrieval"
	"github.com/dez2003/bio-for-dummies/internal/transcript"
	"github.com/dez2003/bio-for-dummies/internal/tts"
)

// newFactory builds the shared providers once and returns a factory that
// adds a fresh transcriber for every session.
func newFactory(ctx context.Context, cfg config.Config, logr *zap.Logger) (agent.Factory, error) {
	retriever := retrieval.NewAggregator(
		retrieval.NewWikipedia(),
		retrieval.NewUniProt(),
		retrieval.NewPubMed(),
		retrieval.Options{Timeout: cfg.RetrievalTimeout, CacheTTL: cfg.RetrievalCacheTTL},
		logr.Named("retrieval"),
	)

	gen, err := newGenerator(ctx, cfg)
	if err != nil {
		return nil, err
	}
	answerer := answer.NewSynthesizer(gen, cfg.LLMTimeout, logr.Named("answer"))

	var speaker agent.Speaker
	switch cfg.TTSProvider {
	case "deepgram":
		speaker = tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel, logr.Named("speech"))
	default:
		speaker = tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, logr.Named("speech"))
	}

	return func(id string) (agent.Deps, error) {
		return agent.Deps{
			Transcriber:   newTranscriber(cfg, logr.Named("transcript").With(zap.String("session", id))),
			Retriever:     retriever,
			Answerer:      answerer,
			Speaker:       speaker,
			Logger:        logr.Named("session"),
			SpeechTimeout: cfg.SpeechTimeout,
		}, nil
	}, nil
}

func newGenerator(ctx context.Context, cfg config.Config) (answer.Generator, error) {
	switch cfg.LLMProvider {
	case "openai":
		return llm.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIModel), nil
	case "cerebras":
		return llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID), nil
	case "gemini":
		g, err := llm.NewGeminiClient(ctx, cfg.GeminiKey, cfg.GeminiModel, "")
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
}

func newTranscriber(cfg config.Config, log *zap.Logger) agent.Transcriber {
	if cfg.STTProvider == "assemblyai" {
		return transcript.NewAssemblyAIService(cfg.AssemblyAIKey, cfg.SilenceThreshold, log)
	}
	segCfg := transcript.SegmenterConfig{
		SilenceThreshold: cfg.SilenceThreshold,
		PollInterval:     cfg.SilencePollInterval,
		PartialEvery:     cfg.PartialEveryFrames,
	}
	if cfg.VoiceGate {
		segCfg.Gate = transcript.NewVoiceGate()
	}
	return transcript.NewSegmenter(transcript.NewWhisperRecognizer(cfg.OpenAIKey, cfg.WhisperModel), segCfg, log)
}
