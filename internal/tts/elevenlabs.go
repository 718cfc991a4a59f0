// Package tts streams synthesized speech as PCM16LE 48 kHz mono chunks.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const DefaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM"

var ErrMissingAPIKey = errors.New("tts: api key missing")

// ElevenLabsClient streams speech over the ElevenLabs HTTP streaming endpoint.
type ElevenLabsClient struct {
	HTTPClient *http.Client
	APIKey     string
	VoiceID    string
	Model      string
	BaseURL    string
	log        *zap.Logger
}

func NewElevenLabsClient(apiKey, voiceID string, logger *zap.Logger) *ElevenLabsClient {
	if voiceID == "" {
		voiceID = DefaultElevenLabsVoice
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ElevenLabsClient{
		// streaming bodies are bounded by the caller's context instead
		HTTPClient: &http.Client{Timeout: 0},
		APIKey:     apiKey,
		VoiceID:    voiceID,
		Model:      "eleven_flash_v2_5",
		BaseURL:    "https://api.elevenlabs.io",
		log:        logger,
	}
}

// SpeakStream synthesizes text with voiceID, or the client default when empty.
// Chunks arrive in order; the pcm channel closes when the stream ends and at
// most one error is delivered.
func (e *ElevenLabsClient) SpeakStream(ctx context.Context, text, voiceID string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if e.APIKey == "" {
			errCh <- fmt.Errorf("elevenlabs: %w", ErrMissingAPIKey)
			return
		}
		if strings.TrimSpace(text) == "" {
			return
		}
		if voiceID == "" {
			voiceID = e.VoiceID
		}
		if err := e.stream(ctx, text, voiceID, pcmCh); err != nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (e *ElevenLabsClient) stream(ctx context.Context, text, voiceID string, pcmCh chan<- []byte) error {
	u, err := url.Parse(strings.TrimRight(e.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream")
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("model_id", e.Model)
	q.Set("output_format", "pcm_48000")
	// 0..4, lower trades quality for latency
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": e.Model,
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs http stream error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(b))
	}

	chunk := make([]byte, 4096)
	total := 0
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			if total == 0 {
				e.log.Debug("elevenlabs: receiving audio stream", zap.Int("first_chunk", n))
			}
			total += n
			out := make([]byte, n)
			copy(out, chunk[:n])
			select {
			case pcmCh <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				e.log.Debug("elevenlabs: stream complete", zap.Int("bytes", total))
				return nil
			}
			return fmt.Errorf("elevenlabs http read error: %w", rerr)
		}
	}
}
