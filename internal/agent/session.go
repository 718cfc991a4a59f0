package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ErrAlreadyStarted = errors.New("session already started")

var tracer = otel.Tracer("github.com/dez2003/bio-for-dummies/internal/agent")

// Deps are the providers a session drives.
type Deps struct {
	Transcriber Transcriber
	Retriever   Retriever
	Answerer    Answerer
	Speaker     Speaker
	Logger      *zap.Logger

	// SpeechTimeout bounds one speech stream. Zero means 30s.
	SpeechTimeout time.Duration
}

// Session orchestrates STT -> retrieval -> answer -> TTS for one connected client.
// At most one query pipeline runs at a time; finals arriving while one is in
// flight are dropped.
type Session struct {
	id      string
	deps    Deps
	sink    EventSink
	audio   AudioSink
	log     *zap.Logger
	timeout time.Duration

	processing atomic.Bool
	pipelines  sync.WaitGroup

	mu      sync.Mutex
	state   State
	prefs   Preferences
	page    *PageContext
	started bool
	stopped bool
	loop    chan struct{}
}

// NewSession constructs a session. A nil audio sink discards speech.
func NewSession(id string, deps Deps, sink EventSink, audio AudioSink) *Session {
	if audio == nil {
		audio = nopSink{}
	}
	if sink == nil {
		sink = nopEvents{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.SpeechTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Session{
		id:      id,
		deps:    deps,
		sink:    sink,
		audio:   audio,
		log:     logger.With(zap.String("session", id)),
		timeout: timeout,
		prefs:   DefaultPreferences(),
		loop:    make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Start starts the transcriber and begins routing its events.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.deps.Transcriber.Start(ctx); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("start transcriber: %w", err)
	}
	go s.route()
	s.log.Info("session started")
	return nil
}

// route consumes transcript events in order until the transcriber closes its channel.
func (s *Session) route() {
	defer close(s.loop)
	for ev := range s.deps.Transcriber.Events() {
		switch ev.Kind {
		case EventPartial:
			s.emit(CaptionMessage{Type: string(EventPartial), Text: ev.Text})
		case EventFinal:
			s.handleFinal(ev)
		case EventError:
			s.log.Warn("transcriber error", zap.Error(ev.Err))
		}
	}
}

func (s *Session) handleFinal(ev TranscriptEvent) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	if !s.processing.CompareAndSwap(false, true) {
		s.log.Warn("dropping final while a query is in flight", zap.String("text", text))
		return
	}
	s.emit(CaptionMessage{Type: string(EventFinal), Text: text})

	s.mu.Lock()
	q := Query{Text: text, Preferences: s.prefs}
	if s.page != nil {
		page := *s.page
		q.Context = &page
	}
	s.mu.Unlock()

	s.setState(StateProcessing)
	s.pipelines.Add(1)
	go s.runQuery(q)
}

// runQuery is detached from the session lifetime: it is not cancelled by Stop
// and each stage carries its own timeout.
func (s *Session) runQuery(q Query) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("query pipeline panic", zap.Any("panic", r))
		}
		s.finishQuery()
		s.pipelines.Done()
		s.log.Info("query done", zap.Duration("elapsed", time.Since(start)))
	}()

	ctx, span := tracer.Start(context.Background(), "pipeline.query")
	span.SetAttributes(
		attribute.String("session.id", s.id),
		attribute.String("query.mode", string(q.Preferences.Mode)),
	)
	defer span.End()

	s.log.Info("processing query", zap.String("text", q.Text))
	result := s.deps.Retriever.Retrieve(ctx, q.Text)
	answer := s.deps.Answerer.Answer(ctx, q, result)
	answer.Type = "answer"
	s.emit(answer)

	s.setState(StateSpeaking)
	s.speak(ctx, answer.Summary, q.Preferences.VoiceID)
}

func (s *Session) speak(ctx context.Context, text, voiceID string) {
	if s.deps.Speaker == nil || strings.TrimSpace(text) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "speech.stream")
	defer span.End()

	pcmCh, errCh := s.deps.Speaker.SpeakStream(ctx, text, voiceID)
	chunks := 0
	for pcmCh != nil || errCh != nil {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				pcmCh = nil
				continue
			}
			if len(b) > 0 {
				s.audio.WritePCM(b)
				chunks++
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				span.RecordError(err)
				s.log.Warn("speech stream error", zap.Error(err))
			}
		}
	}
	s.audio.FlushTail()
	s.log.Debug("speech stream done", zap.Int("chunks", chunks))
}

func (s *Session) finishQuery() {
	s.mu.Lock()
	next := StateListening
	if s.stopped {
		next = StateIdle
	}
	s.mu.Unlock()
	s.setState(next)
	s.processing.Store(false)
}

// WriteAudio forwards a 16 kHz PCM16LE mono frame to the transcriber.
func (s *Session) WriteAudio(frame []byte) {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	first := s.state == StateIdle
	s.mu.Unlock()
	if first {
		s.setStateIf(StateIdle, StateListening)
	}
	s.deps.Transcriber.Write(frame)
}

// HandleControl applies a preferences or context message. Invalid messages
// are logged and leave the previous values in effect.
func (s *Session) HandleControl(data []byte) error {
	c, err := ParseControl(data)
	if err != nil {
		s.log.Warn("ignoring control message", zap.Error(err))
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch c.Type {
	case ControlPreferences:
		s.prefs = *c.Preferences
		s.log.Info("preferences updated", zap.String("mode", string(s.prefs.Mode)), zap.String("detail", string(s.prefs.Detail)))
	case ControlContext:
		s.page = c.Context
		s.log.Info("page context updated", zap.String("title", s.page.Title))
	}
	return nil
}

// Preferences returns the current preferences.
func (s *Session) Preferences() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// PageContext returns a copy of the current page context, if any.
func (s *Session) PageContext() *PageContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page == nil {
		return nil
	}
	p := *s.page
	return &p
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Processing reports whether a query pipeline is in flight.
func (s *Session) Processing() bool { return s.processing.Load() }

// Stop stops the transcriber, which flushes any buffered utterance. An
// in-flight query keeps running until its own timeouts; use Wait to drain it.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}
	err := s.deps.Transcriber.Stop()
	<-s.loop
	if !s.processing.Load() {
		s.setState(StateIdle)
	}
	s.log.Info("session stopped")
	return err
}

// Wait blocks until in-flight pipelines finish or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pipelines.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.emit(StatusMessage{Type: "status", Status: next.Status()})
}

func (s *Session) setStateIf(from, to State) {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()
	s.emit(StatusMessage{Type: "status", Status: to.Status()})
}

func (s *Session) emit(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sink.Send(ctx, msg); err != nil {
		s.log.Warn("send failed", zap.String("type", msg.MessageType()), zap.Error(err))
	}
}

// Control kinds accepted from clients.
const (
	ControlPreferences = "preferences"
	ControlContext     = "context"
)

// Control is a parsed inbound control message.
type Control struct {
	Type        string       `json:"type"`
	Preferences *Preferences `json:"preferences,omitempty"`
	Context     *PageContext `json:"context,omitempty"`
}

// ParseControl decodes and validates an inbound control message.
func ParseControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("decode control: %w", err)
	}
	switch c.Type {
	case ControlPreferences:
		if c.Preferences == nil {
			return Control{}, errors.New("preferences message without preferences")
		}
		if !c.Preferences.Mode.Valid() {
			return Control{}, fmt.Errorf("unknown mode %q", c.Preferences.Mode)
		}
		if !c.Preferences.Detail.Valid() {
			return Control{}, fmt.Errorf("unknown detail %q", c.Preferences.Detail)
		}
	case ControlContext:
		if c.Context == nil {
			return Control{}, errors.New("context message without context")
		}
		if c.Context.URL == "" && c.Context.Title == "" {
			return Control{}, errors.New("context message without url or title")
		}
	default:
		return Control{}, fmt.Errorf("unknown control type %q", c.Type)
	}
	return c, nil
}

type nopSink struct{}

func (nopSink) WritePCM(_ []byte) {}
func (nopSink) FlushTail()        {}

type nopEvents struct{}

func (nopEvents) Send(context.Context, Message) error { return nil }
