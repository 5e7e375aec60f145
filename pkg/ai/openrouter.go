package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterClient calls the OpenRouter chat completions API (or any
// OpenAI-compatible endpoint).
type OpenRouterClient struct {
	baseURL    string
	apiKey     string
	model      string
	referer    string
	title      string
	httpClient *http.Client
}

// NewOpenRouterClient builds an OpenRouter-backed ChatGenerator.
// baseURL may be empty to use the public OpenRouter endpoint. referer and
// title populate the attribution headers OpenRouter asks applications to
// send.
func NewOpenRouterClient(baseURL, apiKey, model, referer, title string) (*OpenRouterClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter api key required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("openrouter model required")
	}
	return &OpenRouterClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   strings.TrimSpace(model),
		referer: strings.TrimSpace(referer),
		title:   strings.TrimSpace(title),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

// GenerateChat implements ChatGenerator using the chat completions API.
func (c *OpenRouterClient) GenerateChat(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("at least one message required")
	}
	reqBody := orChatRequest{
		Model:    c.model,
		Messages: messages,
	}
	if opts.Temperature > 0 {
		reqBody.Temperature = &opts.Temperature
	}
	if opts.JSONResponse {
		reqBody.ResponseFormat = &orResponseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openrouter request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp orErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return "", fmt.Errorf("openrouter api error: %s", errResp.Error.Message)
		}
		return "", fmt.Errorf("openrouter api error: %s", resp.Status)
	}

	var chatResp orChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("openrouter decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openrouter api")
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from openrouter api")
	}
	return text, nil
}

// OpenRouter request/response types.

type orChatRequest struct {
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ResponseFormat *orResponseFormat `json:"response_format,omitempty"`
}

type orResponseFormat struct {
	Type string `json:"type"`
}

type orChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type orErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
