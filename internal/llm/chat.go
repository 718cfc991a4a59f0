// Package llm holds language-generation backends.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrMissingAPIKey = errors.New("llm: api key missing")

// Prompt is one generation request.
type Prompt struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// ChatClient talks to an OpenAI-compatible chat completions endpoint.
// OpenAI and Cerebras both speak this protocol.
type ChatClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	BaseURL    string
	name       string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func newChatClient(name, baseURL, apiKey, model string) *ChatClient {
	return &ChatClient{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		BaseURL:    baseURL,
		name:       name,
	}
}

func NewOpenAIClient(apiKey, model string) *ChatClient {
	if model == "" {
		model = "gpt-4"
	}
	return newChatClient("openai", "https://api.openai.com/v1", apiKey, model)
}

func NewCerebrasClient(apiKey, model string) *ChatClient {
	if model == "" {
		model = "llama-3.3-70b"
	}
	return newChatClient("cerebras", "https://api.cerebras.ai/v1", apiKey, model)
}

// Name identifies the backend in logs.
func (c *ChatClient) Name() string { return c.name }

func (c *ChatClient) Generate(ctx context.Context, p Prompt) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("%s: %w", c.name, ErrMissingAPIKey)
	}
	var messages []chatMessage
	if p.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: p.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: p.User})

	body := chatCompletionsRequest{Model: c.Model, Messages: messages, MaxTokens: p.MaxTokens}
	if p.Temperature > 0 {
		t := p.Temperature
		body.Temperature = &t
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%s error: status=%d body=%s", c.name, resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("%s: empty choices", c.name)
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}
