package telephony

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dez2003/bio-for-dummies/internal/agent"
	"github.com/dez2003/bio-for-dummies/internal/middleware"
)

func TestStreamURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, VoicePath, nil)
	r.Host = "agent.example.org"
	assert.Equal(t, "wss://agent.example.org/twilio/stream", streamURL(r, ""))
	assert.Equal(t, "wss://public.example.com/twilio/stream", streamURL(r, "https://public.example.com/"))

	r.Header.Set("X-Forwarded-Proto", "http")
	r.Header.Set("X-Forwarded-Host", "tunnel.local")
	assert.Equal(t, "ws://tunnel.local/twilio/stream", streamURL(r, ""))

	local := httptest.NewRequest(http.MethodPost, VoicePath, nil)
	local.Host = "localhost:8080"
	assert.Equal(t, "ws://localhost:8080/twilio/stream", streamURL(local, ""))
}

func TestVoice_ConnectsStream(t *testing.T) {
	h := NewHandler(nil, "", 0, zaptest.NewLogger(t))
	e := echo.New()
	e.POST(VoicePath, h.Voice, middleware.TwilioSignature("", ""))

	req := httptest.NewRequest(http.MethodPost, VoicePath, strings.NewReader("CallSid=CA1&From=%2B15550100"))
	req.Host = "agent.example.org"
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<Connect>")
	assert.Contains(t, body, `url="wss://agent.example.org/twilio/stream"`)
	assert.Contains(t, body, greeting)
}

func TestInboundFrame(t *testing.T) {
	// 20ms of μ-law silence at 8kHz
	payload := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("\xff", 160)))
	frame, err := inboundFrame(payload)
	require.NoError(t, err)
	assert.Len(t, frame, 640, "16kHz PCM16 for 20ms")

	_, err = inboundFrame("%%%")
	assert.Error(t, err)
}

type onceTranscriber struct {
	events chan agent.TranscriptEvent
	fired  sync.Once
	stop   sync.Once
}

func (o *onceTranscriber) Start(context.Context) error { return nil }
func (o *onceTranscriber) Write([]byte) {
	o.fired.Do(func() { o.events <- agent.TranscriptEvent{Kind: agent.EventFinal, Text: "what is DNA"} })
}
func (o *onceTranscriber) Stop() error {
	o.stop.Do(func() { close(o.events) })
	return nil
}
func (o *onceTranscriber) Events() <-chan agent.TranscriptEvent { return o.events }

type nopRetriever struct{}

func (nopRetriever) Retrieve(context.Context, string) agent.RetrievalResult {
	return agent.RetrievalResult{Summary: "DNA"}
}

type plainAnswerer struct{}

func (plainAnswerer) Answer(context.Context, agent.Query, agent.RetrievalResult) agent.AnswerMessage {
	return agent.AnswerMessage{Mode: agent.ModeELI5, Summary: "DNA is a recipe book."}
}

// oddSpeaker splits two resample blocks unevenly across chunks.
type oddSpeaker struct{}

func (oddSpeaker) SpeakStream(context.Context, string, string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 2)
	errCh := make(chan error)
	pcmCh <- make([]byte, 13)
	pcmCh <- make([]byte, 11)
	close(pcmCh)
	close(errCh)
	return pcmCh, errCh
}

func TestStream_CallRoundTrip(t *testing.T) {
	log := zaptest.NewLogger(t)
	m := agent.NewManager(func(string) (agent.Deps, error) {
		return agent.Deps{
			Transcriber: &onceTranscriber{events: make(chan agent.TranscriptEvent, 1)},
			Retriever:   nopRetriever{},
			Answerer:    plainAnswerer{},
			Speaker:     oddSpeaker{},
			Logger:      log,
		}, nil
	}, log)
	e := echo.New()
	e.GET(StreamPath, NewHandler(m, "", 100, log).Stream)
	srv := httptest.NewServer(e)
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+StreamPath, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteJSON(map[string]any{"event": "connected"}))
	require.NoError(t, c.WriteJSON(map[string]any{"event": "start", "start": map[string]any{"streamSid": "MZ1", "callSid": "CA1"}}))
	media := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("\xff", 160)))
	require.NoError(t, c.WriteJSON(map[string]any{"event": "media", "media": map[string]any{"payload": media}}))

	var payloads []string
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg streamMessage
		require.NoError(t, c.ReadJSON(&msg))
		assert.Equal(t, "MZ1", msg.StreamSid)
		if msg.Event == "mark" {
			break
		}
		require.Equal(t, "media", msg.Event)
		payloads = append(payloads, msg.Media.Payload)
	}
	// each 12-byte 48kHz block becomes one μ-law byte
	require.Len(t, payloads, 2)
	for _, p := range payloads {
		b, err := base64.StdEncoding.DecodeString(p)
		require.NoError(t, err)
		assert.Len(t, b, 1)
	}
	_, ok := m.Get("CA1")
	assert.True(t, ok)

	require.NoError(t, c.WriteJSON(map[string]any{"event": "stop"}))
	require.Eventually(t, func() bool { return m.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLogSink(t *testing.T) {
	s := logSink{log: zaptest.NewLogger(t)}
	for _, msg := range []agent.Message{
		agent.CaptionMessage{Type: "final", Text: "hi"},
		agent.AnswerMessage{Summary: "x"},
		agent.StatusMessage{Type: "status", Status: "idle"},
	} {
		assert.NoError(t, s.Send(context.Background(), msg))
	}
}

