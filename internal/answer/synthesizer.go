// Package answer turns retrieved context into a spoken-length explanation.
package answer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dez2003/bio-for-dummies/internal/agent"
	"github.com/dez2003/bio-for-dummies/internal/llm"
)

const (
	Temperature = 0.7
	MaxTokens   = 300
	MaxSources  = 4

	EmptyText    = "Unable to generate explanation."
	FallbackText = "I encountered an error while processing your question. Please try again."
)

var tracer = otel.Tracer("github.com/dez2003/bio-for-dummies/internal/answer")

// Generator is a language-generation backend.
type Generator interface {
	Name() string
	Generate(ctx context.Context, p llm.Prompt) (string, error)
}

type Synthesizer struct {
	gen     Generator
	timeout time.Duration
	log     *zap.Logger
}

// NewSynthesizer wraps gen. timeout bounds each generation call; zero means 20s.
func NewSynthesizer(gen Generator, timeout time.Duration, logger *zap.Logger) *Synthesizer {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{gen: gen, timeout: timeout, log: logger}
}

// Answer never fails. A generation error or timeout yields the fallback apology
// in the requested mode without sources.
func (s *Synthesizer) Answer(ctx context.Context, q agent.Query, r agent.RetrievalResult) agent.AnswerMessage {
	ctx, span := tracer.Start(ctx, "answer.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("answer.backend", s.gen.Name()),
		attribute.String("answer.mode", string(q.Preferences.Mode)),
	)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	text, err := s.generate(ctx, llm.Prompt{
		System:      SystemPrompt(q.Preferences.Mode),
		User:        UserPrompt(q, r),
		Temperature: Temperature,
		MaxTokens:   MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		s.log.Warn("answer generation failed", zap.String("backend", s.gen.Name()), zap.Error(err))
		return agent.AnswerMessage{Mode: q.Preferences.Mode, Summary: FallbackText}
	}
	s.log.Debug("answer generated", zap.Duration("elapsed", time.Since(start)), zap.Int("chars", len(text)))

	text = strings.TrimSpace(text)
	if text == "" {
		text = EmptyText
	}
	msg := agent.AnswerMessage{Mode: q.Preferences.Mode, Summary: text}
	if q.Preferences.Detail == agent.DetailSummarySources && len(r.Sources) > 0 {
		n := min(len(r.Sources), MaxSources)
		msg.Sources = append([]agent.SourceResult(nil), r.Sources[:n]...)
	}
	return msg
}

func (s *Synthesizer) generate(ctx context.Context, p llm.Prompt) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("generator panic: %v", rec)
		}
	}()
	return s.gen.Generate(ctx, p)
}
