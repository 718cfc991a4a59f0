// Package rtc carries a session over WebRTC: Opus audio both ways and a
// "control" data channel for JSON messages.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/dez2003/bio-for-dummies/internal/agent"
	"github.com/dez2003/bio-for-dummies/internal/pcm"
)

var (
	ErrInvalidOffer    = errors.New("invalid offer")
	ErrChannelNotReady = errors.New("control channel not open")
)

const controlLabel = "control"

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Handler answers SDP offers and binds each peer connection to a session.
type Handler struct {
	manager    *agent.Manager
	iceServers []webrtc.ICEServer
	log        *zap.Logger
}

func NewHandler(m *agent.Manager, iceServersJSON string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: m, iceServers: parseICEServers(iceServersJSON), log: logger}
}

// HandleOffer accepts an SDP offer and returns an SDP answer once ICE
// gathering completes. The session opens when the remote audio track arrives.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, ErrInvalidOffer
	}
	callID := uuid.NewString()
	log := h.log.With(zap.String("session", callID))

	pc, outTrack, err := h.newPeer()
	if err != nil {
		return SessionDescription{}, err
	}
	call := &call{id: callID, handler: h, pc: pc, outTrack: outTrack, events: &channelSink{}, log: log}
	call.attach()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	log.Info("webrtc answer ready")
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

func (h *Handler) newPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: pcm.SpeechRate, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// call is one peer connection bound to one session.
type call struct {
	id       string
	handler  *Handler
	pc       *webrtc.PeerConnection
	outTrack *webrtc.TrackLocalStaticSample
	events   *channelSink
	log      *zap.Logger

	mu      sync.Mutex
	sess    *agent.Session
	paced   *OpusPacedWriter
	pending [][]byte
	closed  bool
}

func (c *call) attach() {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Info("peer connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			c.teardown()
		}
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != controlLabel {
			return
		}
		dc.OnOpen(func() {
			c.log.Info("control channel open")
			c.events.set(dc)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if !msg.IsString {
				return
			}
			c.control(msg.Data)
		})
	})

	c.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.log.Info("remote audio track", zap.String("codec", remote.Codec().MimeType))
		if err := c.open(); err != nil {
			c.log.Warn("open session failed", zap.Error(err))
			_ = c.pc.Close()
			return
		}
		go c.readMic(remote)
	})
}

func (c *call) open() error {
	paced, err := NewOpusPacedWriter(c.outTrack)
	if err != nil {
		return err
	}
	sess, err := c.handler.manager.Open(context.Background(), c.id, c.events, paced)
	if err != nil {
		paced.Close()
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = c.handler.manager.Close(c.id)
		paced.Close()
		return errors.New("call closed before session start")
	}
	c.sess, c.paced = sess, paced
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	// control that arrived before the audio track
	for _, data := range pending {
		_ = sess.HandleControl(data)
	}
	return nil
}

func (c *call) control(data []byte) {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		c.pending = append(c.pending, append([]byte(nil), data...))
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	_ = sess.HandleControl(data)
}

// readMic decodes inbound Opus at 16kHz and feeds the session one packet at a time.
func (c *call) readMic(remote *webrtc.TrackRemote) {
	dec, err := opus.NewDecoder(pcm.InputRate, 1)
	if err != nil {
		c.log.Error("opus decoder", zap.Error(err))
		return
	}
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	// 120ms is the largest Opus packet
	samples := make([]int16, pcm.InputRate*120/1000)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			c.log.Debug("rtp read ended", zap.Error(err))
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			c.log.Debug("opus decode", zap.Error(err))
			continue
		}
		sess.WriteAudio(pcm.Bytes(samples[:n]))
	}
}

func (c *call) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	paced := c.paced
	c.mu.Unlock()

	if err := c.handler.manager.Close(c.id); err != nil {
		c.log.Warn("close session", zap.Error(err))
	}
	c.events.set(nil)
	if paced != nil {
		// let queued speech drain before stopping the pacer
		time.AfterFunc(400*time.Millisecond, paced.Close)
	}
	_ = c.pc.Close()
}

// channelSink sends JSON messages over the control data channel, which is
// reliable and ordered by default.
type channelSink struct {
	mu sync.Mutex
	dc *webrtc.DataChannel
}

func (s *channelSink) set(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()
}

func (s *channelSink) Send(_ context.Context, m agent.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dc == nil {
		return ErrChannelNotReady
	}
	return s.dc.SendText(string(b))
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
