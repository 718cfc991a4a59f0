package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"go.uber.org/zap"
)

var errProvider = errors.New("deepgram: provider reported an error")

// DeepgramClient streams speech over the Deepgram speak WebSocket. The socket
// has no end-of-audio marker, so a stream ends once audio stops arriving for
// IdleWindow after the first chunk.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
	log        *zap.Logger

	IdleWindow time.Duration
	MaxWait    time.Duration
}

func NewDeepgramClient(apiKey, model string, logger *zap.Logger) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeepgramClient{
		apiKey:     apiKey,
		model:      model,
		sampleRate: 48000,
		encoding:   "linear16",
		log:        logger,
		IdleWindow: 400 * time.Millisecond,
		MaxWait:    12 * time.Second,
	}
}

// SpeakStream synthesizes text. A non-empty voiceID selects the aura model.
func (d *DeepgramClient) SpeakStream(ctx context.Context, text, voiceID string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram: %w", ErrMissingAPIKey)
			return
		}
		if strings.TrimSpace(text) == "" {
			return
		}
		model := d.model
		if voiceID != "" {
			model = voiceID
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var lastRecv atomic.Int64
		var failed atomic.Bool
		cb := &speakCallback{
			onBinary: func(data []byte) error {
				if len(data) == 0 {
					return nil
				}
				b := make([]byte, len(data))
				copy(b, data)
				select {
				case pcmCh <- b:
				case <-ctx.Done():
					return ctx.Err()
				}
				lastRecv.Store(time.Now().UnixNano())
				return nil
			},
			onError: func() {
				failed.Store(true)
				cancel()
			},
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      model,
			Encoding:   d.encoding,
			SampleRate: d.sampleRate,
		}
		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}
		defer dg.Stop()

		if ok := dg.Connect(); !ok {
			errCh <- fmt.Errorf("deepgram: connect failed")
			return
		}
		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			d.log.Warn("deepgram: flush error", zap.Error(err))
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(d.MaxWait)
		for {
			select {
			case <-ctx.Done():
				if failed.Load() {
					errCh <- errProvider
				} else {
					errCh <- ctx.Err()
				}
				return
			case <-ticker.C:
				if last := lastRecv.Load(); last != 0 && time.Since(time.Unix(0, last)) > d.IdleWindow {
					return
				}
				if time.Now().After(deadline) {
					d.log.Warn("deepgram: no audio before deadline", zap.Duration("max_wait", d.MaxWait))
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct {
	onBinary func([]byte) error
	onError  func()
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }

func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error {
	if s.onError != nil {
		s.onError()
	}
	return nil
}

func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
