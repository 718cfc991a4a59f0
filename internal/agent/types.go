package agent

import (
	"context"
	"time"
)

// Mode selects the explanation register of an answer.
type Mode string

const (
	ModeELI5       Mode = "ELI5"
	ModeScientific Mode = "Scientific"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeELI5 || m == ModeScientific }

// Detail selects whether sources are attached to an answer.
type Detail string

const (
	DetailSummary        Detail = "summary"
	DetailSummarySources Detail = "summary+sources"
)

// Valid reports whether d is a known detail level.
func (d Detail) Valid() bool { return d == DetailSummary || d == DetailSummarySources }

// Preferences are the per-session answer settings. VoiceID optionally
// overrides the speech provider's default voice.
type Preferences struct {
	Mode    Mode   `json:"mode"`
	Detail  Detail `json:"detail"`
	VoiceID string `json:"voiceId,omitempty"`
}

// DefaultPreferences is what a session starts with.
func DefaultPreferences() Preferences {
	return Preferences{Mode: ModeELI5, Detail: DetailSummarySources}
}

// PageContext describes the page the user was looking at when asking.
type PageContext struct {
	URL             string `json:"url"`
	Title           string `json:"title"`
	Selection       string `json:"selection,omitempty"`
	SurroundingText string `json:"surroundingText,omitempty"`
}

// Snippet returns the text worth quoting to the model, selection first.
func (p *PageContext) Snippet() string {
	if p == nil {
		return ""
	}
	if p.Selection != "" {
		return p.Selection
	}
	return p.SurroundingText
}

// EventKind tags a transcript event.
type EventKind string

const (
	EventPartial EventKind = "partial"
	EventFinal   EventKind = "final"
	EventError   EventKind = "error"
)

// TranscriptEvent is one item of a transcriber's ordered output. At is the
// offset since the transcriber was started. Err is set only for EventError.
type TranscriptEvent struct {
	Kind EventKind
	Text string
	At   time.Duration
	Err  error
}

// Query is a finalized utterance plus the settings captured when it was accepted.
type Query struct {
	Text        string
	Preferences Preferences
	Context     *PageContext
}

// SourceResult is a single citation produced by one retrieval provider.
// The snippet feeds the summary and prompt but is not sent to clients.
type SourceResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"-"`
}

// RetrievalResult is the fan-in of all retrieval providers.
type RetrievalResult struct {
	Summary string
	Sources []SourceResult
}

// State is the orchestrator's position in the query lifecycle.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Status is the client-facing name of a state.
func (s State) Status() string {
	switch s {
	case StateListening:
		return "recording"
	case StateProcessing:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return "idle"
	}
}

// Message is an outbound JSON message.
type Message interface {
	MessageType() string
}

// CaptionMessage carries partial or final transcript text.
type CaptionMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (m CaptionMessage) MessageType() string { return m.Type }

// AnswerMessage is the synthesized answer. Sources is nil unless requested.
type AnswerMessage struct {
	Type    string         `json:"type"`
	Mode    Mode           `json:"mode"`
	Summary string         `json:"summary"`
	Sources []SourceResult `json:"sources,omitempty"`
}

func (m AnswerMessage) MessageType() string { return "answer" }

// StatusMessage reports state transitions to the client.
type StatusMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

func (m StatusMessage) MessageType() string { return "status" }

// Transcriber turns 16 kHz PCM16LE mono frames into transcript events.
// Write must never block or fail; provider errors surface as EventError.
// Stop flushes buffered audio as a final event and then closes Events.
type Transcriber interface {
	Start(ctx context.Context) error
	Write(frame []byte)
	Stop() error
	Events() <-chan TranscriptEvent
}

// Retriever fans a term out to the source providers. It never fails.
type Retriever interface {
	Retrieve(ctx context.Context, term string) RetrievalResult
}

// Answerer builds the answer for a query. It never fails.
type Answerer interface {
	Answer(ctx context.Context, q Query, r RetrievalResult) AnswerMessage
}

// Speaker streams 48kHz PCM mono audio for the given text. The pcm channel
// is closed when the stream ends; at most one error is delivered.
type Speaker interface {
	SpeakStream(ctx context.Context, text, voiceID string) (<-chan []byte, <-chan error)
}

// EventSink delivers outbound messages in order over a reliable channel.
type EventSink interface {
	Send(ctx context.Context, msg Message) error
}

// AudioSink consumes 48kHz PCM bytes and performs delivery.
type AudioSink interface {
	WritePCM(pcm []byte)
	FlushTail()
}
