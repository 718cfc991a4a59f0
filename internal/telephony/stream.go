package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dez2003/bio-for-dummies/internal/agent"
	"github.com/dez2003/bio-for-dummies/internal/pcm"
)

// streamMessage covers the Twilio media stream events this handler reads and writes.
type streamMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *streamStart  `json:"start,omitempty"`
	Media     *streamMedia  `json:"media,omitempty"`
	Mark      *streamMarker `json:"mark,omitempty"`
}

type streamStart struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type streamMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type streamMarker struct {
	Name string `json:"name"`
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// Handler serves the Twilio webhook and media stream.
type Handler struct {
	manager       *agent.Manager
	publicBaseURL string
	rate          rate.Limit
	log           *zap.Logger
}

func NewHandler(m *agent.Manager, publicBaseURL string, framesPerSecond int, logger *zap.Logger) *Handler {
	if framesPerSecond <= 0 {
		framesPerSecond = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: m, publicBaseURL: publicBaseURL, rate: rate.Limit(framesPerSecond), log: logger}
}

// Stream runs one call's media stream. The session opens on the "start"
// event and closes on "stop" or disconnect.
func (h *Handler) Stream(c echo.Context) error {
	raw, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn("twilio stream upgrade failed", zap.Error(err))
		return nil
	}
	defer raw.Close()

	out := &mediaSink{conn: raw}
	limiter := rate.NewLimiter(h.rate, int(h.rate))
	var (
		sess *agent.Session
		id   string
		log  = h.log
	)
	defer func() {
		if sess != nil {
			if err := h.manager.Close(id); err != nil {
				log.Warn("close session", zap.Error(err))
			}
			log.Info("call ended")
		}
	}()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return nil
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("bad stream message", zap.Error(err))
			continue
		}
		switch msg.Event {
		case "start":
			if sess != nil || msg.Start == nil {
				continue
			}
			id = msg.Start.CallSid
			if id == "" {
				id = msg.Start.StreamSid
			}
			log = h.log.With(zap.String("session", id))
			out.setStream(msg.Start.StreamSid)
			sess, err = h.manager.Open(context.Background(), id, logSink{log: log}, out)
			if err != nil {
				log.Warn("open session failed", zap.Error(err))
				return nil
			}
			log.Info("call stream started")
		case "media":
			if sess == nil || msg.Media == nil || !limiter.Allow() {
				continue
			}
			frame, err := inboundFrame(msg.Media.Payload)
			if err != nil {
				log.Debug("bad media payload", zap.Error(err))
				continue
			}
			sess.WriteAudio(frame)
		case "stop":
			return nil
		}
	}
}

// inboundFrame converts a base64 μ-law 8kHz payload to PCM16LE 16kHz.
func inboundFrame(payload string) ([]byte, error) {
	ulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, err
	}
	return pcm.Bytes(pcm.Resample(pcm.MulawDecode(ulaw), pcm.TelephonyRate, pcm.InputRate)), nil
}

// resampleBlock is the smallest 48kHz byte run that maps to whole 8kHz samples.
const resampleBlock = 2 * pcm.SpeechRate / pcm.TelephonyRate

// mediaSink turns 48kHz speech into μ-law media messages. Partial blocks
// carry over to the next chunk so no samples are lost at chunk edges.
type mediaSink struct {
	conn *websocket.Conn

	mu        sync.Mutex
	streamSid string
	carry     []byte
	marks     int
}

func (m *mediaSink) setStream(sid string) {
	m.mu.Lock()
	m.streamSid = sid
	m.mu.Unlock()
}

func (m *mediaSink) WritePCM(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := append(m.carry, p...)
	n := len(buf) - len(buf)%resampleBlock
	m.carry = append([]byte(nil), buf[n:]...)
	if n == 0 {
		return
	}
	ulaw := pcm.MulawEncode(pcm.Resample(pcm.Samples(buf[:n]), pcm.SpeechRate, pcm.TelephonyRate))
	m.sendLocked(streamMessage{
		Event:     "media",
		StreamSid: m.streamSid,
		Media:     &streamMedia{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	})
}

// FlushTail drops the sub-sample remainder and marks the end of the answer.
func (m *mediaSink) FlushTail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carry = nil
	m.marks++
	m.sendLocked(streamMessage{Event: "mark", StreamSid: m.streamSid, Mark: &streamMarker{Name: "answer-" + strconv.Itoa(m.marks)}})
}

func (m *mediaSink) sendLocked(msg streamMessage) {
	_ = m.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = m.conn.WriteJSON(msg)
}

// logSink records captions and answers; a phone call has no screen to show them on.
type logSink struct{ log *zap.Logger }

func (s logSink) Send(_ context.Context, msg agent.Message) error {
	switch m := msg.(type) {
	case agent.CaptionMessage:
		s.log.Info("caption", zap.String("kind", m.Type), zap.String("text", m.Text))
	case agent.AnswerMessage:
		s.log.Info("answer", zap.String("mode", string(m.Mode)), zap.String("summary", m.Summary), zap.Int("sources", len(m.Sources)))
	case agent.StatusMessage:
		s.log.Debug("status", zap.String("status", m.Status))
	}
	return nil
}
