package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/dez2003/bio-for-dummies/internal/pcm"
)

// WhisperRecognizer transcribes utterances with the OpenAI audio transcription API.
type WhisperRecognizer struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	BaseURL    string
	// MinAudio skips clips too short for the API to accept.
	MinAudio time.Duration
}

func NewWhisperRecognizer(apiKey, model string) *WhisperRecognizer {
	if model == "" {
		model = "whisper-1"
	}
	return &WhisperRecognizer{
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		BaseURL:    "https://api.openai.com",
		MinAudio:   100 * time.Millisecond,
	}
}

type whisperResponse struct {
	Text string `json:"text"`
}

func (w *WhisperRecognizer) Recognize(ctx context.Context, audio []byte, sampleRate int) (string, error) {
	if w.APIKey == "" {
		return "", fmt.Errorf("whisper: api key missing")
	}
	if sampleRate <= 0 {
		sampleRate = pcm.InputRate
	}
	if minBytes := int(w.MinAudio.Seconds() * float64(sampleRate) * 2); len(audio) < minBytes {
		return "", nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("model", w.Model)
	_ = mw.WriteField("response_format", "json")
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(pcm.WAV(audio, sampleRate)); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(w.BaseURL, "/") + "/v1/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+w.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("whisper error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var wr whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return "", fmt.Errorf("whisper decode: %w", err)
	}
	return strings.TrimSpace(wr.Text), nil
}
