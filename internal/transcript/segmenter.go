// Package transcript turns live PCM audio into partial and final transcript events.
package transcript

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dez2003/bio-for-dummies/internal/agent"
	"github.com/dez2003/bio-for-dummies/internal/pcm"
)

var (
	ErrAlreadyStarted = errors.New("transcriber already started")
	ErrStopped        = errors.New("transcriber stopped")
)

// PartialText is the placeholder caption shown while audio is buffering.
const PartialText = "[Processing audio...]"

// Recognizer transcribes one complete utterance of PCM16LE mono audio.
type Recognizer interface {
	Recognize(ctx context.Context, audio []byte, sampleRate int) (string, error)
}

// SegmenterConfig tunes silence-based finalization.
type SegmenterConfig struct {
	SilenceThreshold time.Duration
	PollInterval     time.Duration
	PartialEvery     int
	RecognizeTimeout time.Duration
	// Gate, when set, decides which frames count as activity.
	Gate *VoiceGate
}

func (c *SegmenterConfig) withDefaults() {
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.PartialEvery <= 0 {
		c.PartialEvery = 50
	}
	if c.RecognizeTimeout <= 0 {
		c.RecognizeTimeout = 15 * time.Second
	}
}

// Segmenter buffers audio and finalizes an utterance once no audio has
// arrived for SilenceThreshold, checking on every PollInterval tick.
type Segmenter struct {
	rec    Recognizer
	cfg    SegmenterConfig
	log    *zap.Logger
	now    func() time.Time
	events chan agent.TranscriptEvent

	mu        sync.Mutex
	running   bool
	stopped   bool
	buf       []byte
	frames    int
	lastAudio time.Time
	startedAt time.Time

	stopCh chan struct{}
	done   chan struct{}
	// serializes finalization between the poll loop and Stop
	finalizeMu sync.Mutex
}

func NewSegmenter(rec Recognizer, cfg SegmenterConfig, logger *zap.Logger) *Segmenter {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Segmenter{
		rec:    rec,
		cfg:    cfg,
		log:    logger,
		now:    time.Now,
		events: make(chan agent.TranscriptEvent, 64),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *Segmenter) Events() <-chan agent.TranscriptEvent { return s.events }

// Start begins the silence polling loop.
func (s *Segmenter) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.running {
		return ErrAlreadyStarted
	}
	s.running = true
	s.startedAt = s.now()
	s.lastAudio = s.startedAt
	s.buf = nil
	s.frames = 0
	go s.poll()
	s.log.Info("transcriber started", zap.Duration("silence", s.cfg.SilenceThreshold))
	return nil
}

// Write appends a PCM16LE 16 kHz frame. It is a no-op when not running.
func (s *Segmenter) Write(frame []byte) {
	if len(frame) == 0 {
		return
	}
	voiced := true
	if s.cfg.Gate != nil {
		voiced = s.cfg.Gate.Voiced(frame)
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if !voiced && len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, frame...)
	s.frames++
	if voiced {
		s.lastAudio = s.now()
	}
	// Sent under mu: Stop clears running under mu before closing events.
	if s.frames%s.cfg.PartialEvery == 0 {
		select {
		case s.events <- agent.TranscriptEvent{Kind: agent.EventPartial, Text: PartialText, At: s.now().Sub(s.startedAt)}:
		default:
		}
	}
	s.mu.Unlock()
}

// Buffered returns the number of buffered audio bytes.
func (s *Segmenter) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Stop flushes any buffered audio as a final event and closes Events.
func (s *Segmenter) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	wasRunning := s.running
	s.stopped = true
	s.running = false
	s.mu.Unlock()

	if wasRunning {
		close(s.stopCh)
		<-s.done
		s.finalize()
	}
	close(s.events)
	s.log.Info("transcriber stopped")
	return nil
}

func (s *Segmenter) poll() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick finalizes the buffer when the silence window has elapsed.
func (s *Segmenter) tick() {
	s.mu.Lock()
	ready := len(s.buf) > 0 && s.now().Sub(s.lastAudio) > s.cfg.SilenceThreshold
	s.mu.Unlock()
	if ready {
		s.finalize()
	}
}

// finalize takes the buffer, clears it and emits at most one final event.
func (s *Segmenter) finalize() {
	s.finalizeMu.Lock()
	defer s.finalizeMu.Unlock()

	s.mu.Lock()
	audio := s.buf
	frames := s.frames
	s.buf = nil
	s.frames = 0
	at := s.now().Sub(s.startedAt)
	s.mu.Unlock()
	if len(audio) == 0 {
		return
	}
	if s.cfg.Gate != nil {
		s.cfg.Gate.Reset()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RecognizeTimeout)
	defer cancel()
	text, err := s.rec.Recognize(ctx, audio, pcm.InputRate)
	if err != nil {
		s.log.Warn("recognition failed", zap.Int("frames", frames), zap.Error(err))
		s.events <- agent.TranscriptEvent{Kind: agent.EventError, At: at, Err: err}
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		s.log.Debug("empty transcription", zap.Int("frames", frames))
		return
	}
	s.log.Info("heard(final)", zap.String("text", text), zap.Int("frames", frames))
	s.events <- agent.TranscriptEvent{Kind: agent.EventFinal, Text: text, At: at}
}
