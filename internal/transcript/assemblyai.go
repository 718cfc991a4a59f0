package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dez2003/bio-for-dummies/internal/agent"
	"github.com/dez2003/bio-for-dummies/internal/pcm"
)

// ContinuationExtension is added to the silence threshold when the last word
// suggests the user is likely to continue (e.g. "and", "or", "if").
const ContinuationExtension = 1200 * time.Millisecond

// StabilizationGrace absorbs late ASR updates after the silence window elapses.
const StabilizationGrace = 250 * time.Millisecond

// AssemblyAIService streams audio to AssemblyAI and finalizes turns with a
// silence timer, emitting the same event contract as the Segmenter.
type AssemblyAIService struct {
	apiKey    string
	endpoint  string
	silence   time.Duration
	log       *zap.Logger
	gate      *VoiceGate
	events    chan agent.TranscriptEvent
	audioData chan []byte
	stopCh    chan struct{}

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	stopped   bool
	startedAt time.Time

	// evMu guards events against close while a timer callback is sending.
	evMu         sync.RWMutex
	eventsClosed bool
	// gorilla connections allow one concurrent writer
	writeMu sync.Mutex

	accMu                   sync.Mutex
	latestFullTranscript    string
	committedFullTranscript string
	lastUpdateTime          time.Time
	lastVoiceTime           time.Time
	silenceTimer            *time.Timer
}

// AssemblyAI message types
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type          string `json:"type"`
	Transcript    string `json:"transcript"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewAssemblyAIService creates a streaming transcriber. silence is the base
// inactivity window before a turn is finalized.
func NewAssemblyAIService(apiKey string, silence time.Duration, logger *zap.Logger) *AssemblyAIService {
	if silence <= 0 {
		silence = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssemblyAIService{
		apiKey:    apiKey,
		endpoint:  "wss://streaming.assemblyai.com/v3/ws",
		silence:   silence,
		log:       logger,
		gate:      NewVoiceGate(),
		events:    make(chan agent.TranscriptEvent, 100),
		audioData: make(chan []byte, 1000),
		stopCh:    make(chan struct{}),
	}
}

func (s *AssemblyAIService) Events() <-chan agent.TranscriptEvent { return s.events }

// Start dials the streaming endpoint.
func (s *AssemblyAIService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.connected {
		return ErrAlreadyStarted
	}
	if s.apiKey == "" {
		return errors.New("assemblyai: api key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", fmt.Sprint(pcm.InputRate))
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := s.endpoint + "?" + params.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, map[string][]string{"Authorization": {s.apiKey}})
	if err != nil {
		if resp != nil {
			s.log.Warn("assemblyai handshake rejected", zap.Int("status", resp.StatusCode))
		}
		return fmt.Errorf("connect assemblyai: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.startedAt = time.Now()
	s.accMu.Lock()
	s.lastUpdateTime = s.startedAt
	s.lastVoiceTime = s.startedAt
	s.accMu.Unlock()

	go s.handleMessages()
	go s.sendAudioData()
	s.log.Info("connected to assemblyai streaming")
	return nil
}

// Write queues audio for the socket. It never blocks; a full queue drops the frame.
func (s *AssemblyAIService) Write(frame []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected || len(frame) == 0 {
		return
	}
	if s.gate.Voiced(frame) {
		s.accMu.Lock()
		s.lastVoiceTime = time.Now()
		s.accMu.Unlock()
	}
	select {
	case s.audioData <- frame:
	default:
		s.log.Warn("audio queue full, dropping frame")
	}
}

// Stop terminates the stream, flushes any pending text as a final event and
// closes Events.
func (s *AssemblyAIService) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	wasConnected := s.connected
	s.connected = false
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if wasConnected {
		close(s.stopCh)
		s.accMu.Lock()
		if s.silenceTimer != nil {
			s.silenceTimer.Stop()
			s.silenceTimer = nil
		}
		s.accMu.Unlock()
		if conn != nil {
			s.writeMu.Lock()
			_ = conn.WriteJSON(map[string]string{"type": "Terminate"})
			s.writeMu.Unlock()
			_ = conn.Close()
		}
		s.flushPendingDelta()
	}
	s.evMu.Lock()
	s.eventsClosed = true
	close(s.events)
	s.evMu.Unlock()
	s.log.Info("assemblyai connection closed")
	return nil
}

func (s *AssemblyAIService) emit(ev agent.TranscriptEvent, block bool) {
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	if s.eventsClosed {
		return
	}
	ev.At = time.Since(s.startedAt)
	if !block {
		select {
		case s.events <- ev:
		default:
		}
		return
	}
	select {
	case s.events <- ev:
	case <-time.After(200 * time.Millisecond):
		s.log.Warn("timed out delivering transcript event", zap.String("kind", string(ev.Kind)))
	}
}

func (s *AssemblyAIService) handleMessages() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered from panic in handleMessages", zap.Any("panic", r))
		}
	}()
	for {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.emit(agent.TranscriptEvent{Kind: agent.EventError, Err: fmt.Errorf("assemblyai read: %w", err)}, true)
			}
			return
		}
		s.processMessage(message)
	}
}

func (s *AssemblyAIService) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		s.log.Warn("unreadable assemblyai message", zap.Error(err))
		return
	}
	switch base.Type {
	case "Begin":
		var msg BeginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.log.Info("assemblyai session began", zap.String("id", msg.ID), zap.Time("expires", time.Unix(msg.ExpiresAt, 0)))
	case "Turn":
		var msg TurnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		if msg.Transcript == "" {
			return
		}
		s.emit(agent.TranscriptEvent{Kind: agent.EventPartial, Text: msg.Transcript}, false)
		s.accMu.Lock()
		s.latestFullTranscript = msg.Transcript
		s.lastUpdateTime = time.Now()
		s.armTimerLocked(s.silence)
		s.accMu.Unlock()
	case "Termination":
		var msg TerminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.log.Info("assemblyai session terminated",
			zap.Float64("audio_seconds", msg.AudioDurationSeconds),
			zap.Float64("session_seconds", msg.SessionDurationSeconds))
		s.flushPendingDelta()
	case "Error":
		var msg ErrorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.emit(agent.TranscriptEvent{Kind: agent.EventError, Err: fmt.Errorf("assemblyai: %s", msg.Error)}, true)
	default:
		s.log.Debug("unknown assemblyai message", zap.String("type", base.Type))
	}
}

// armTimerLocked (re)starts the silence timer. accMu must be held.
func (s *AssemblyAIService) armTimerLocked(wait time.Duration) {
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	if s.silenceTimer == nil {
		s.silenceTimer = time.AfterFunc(wait, s.finalizeDueToSilence)
		return
	}
	s.silenceTimer.Stop()
	s.silenceTimer.Reset(wait)
}

func (s *AssemblyAIService) threshold(text string) time.Duration {
	if isContinuationLikely(text) {
		return s.silence + ContinuationExtension
	}
	return s.silence
}

// finalizeDueToSilence emits the delta since the last committed transcript
// once both text and voice have been quiet for the threshold.
func (s *AssemblyAIService) finalizeDueToSilence() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.accMu.Lock()
	now := time.Now()
	threshold := s.threshold(s.latestFullTranscript)
	sinceText := now.Sub(s.lastUpdateTime)
	sinceVoice := now.Sub(s.lastVoiceTime)
	if sinceText < threshold || sinceVoice < threshold {
		wait := threshold - sinceText
		if rem := threshold - sinceVoice; rem > wait {
			wait = rem
		}
		s.armTimerLocked(wait)
		s.accMu.Unlock()
		return
	}
	lastUpdateAt := s.lastUpdateTime
	s.accMu.Unlock()

	time.Sleep(StabilizationGrace)

	s.accMu.Lock()
	if s.lastUpdateTime.After(lastUpdateAt) {
		s.armTimerLocked(s.threshold(s.latestFullTranscript) - time.Since(s.lastUpdateTime))
		s.accMu.Unlock()
		return
	}
	delta := s.commitLocked()
	s.accMu.Unlock()

	if delta == "" {
		return
	}
	select {
	case <-s.stopCh:
		return
	default:
	}
	s.emit(agent.TranscriptEvent{Kind: agent.EventFinal, Text: delta}, true)
}

// flushPendingDelta sends any uncommitted transcript text as a final event.
func (s *AssemblyAIService) flushPendingDelta() {
	s.accMu.Lock()
	delta := s.commitLocked()
	s.accMu.Unlock()
	if delta == "" {
		return
	}
	s.emit(agent.TranscriptEvent{Kind: agent.EventFinal, Text: delta}, true)
}

// commitLocked marks the latest transcript committed and returns the new text.
func (s *AssemblyAIService) commitLocked() string {
	delta := transcriptDelta(s.committedFullTranscript, s.latestFullTranscript)
	s.committedFullTranscript = s.latestFullTranscript
	return delta
}

func transcriptDelta(base, latest string) string {
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == latest && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	return strings.TrimSpace(delta)
}

// isContinuationLikely returns true if the last meaningful word indicates the
// speaker is likely to continue (conjunctions, prepositions, fillers).
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}

func (s *AssemblyAIService) sendAudioData() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered from panic in sendAudioData", zap.Any("panic", r))
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case frame := <-s.audioData:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			s.writeMu.Lock()
			err := conn.WriteMessage(websocket.BinaryMessage, frame)
			s.writeMu.Unlock()
			if err != nil {
				s.emit(agent.TranscriptEvent{Kind: agent.EventError, Err: fmt.Errorf("assemblyai write: %w", err)}, true)
				return
			}
		}
	}
}
