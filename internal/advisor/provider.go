package advisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// ChatProvider talks to an OpenAI-compatible chat-completions endpoint.
// The API key lives only inside the resty client's auth header.
type ChatProvider struct {
	client *resty.Client
	model  string
}

// ChatConfig configures the completion provider.
type ChatConfig struct {
	BaseURL string // default: the DeepSeek v1 API root
	APIKey  string
	Model   string // default: deepseek-chat
	Timeout time.Duration
}

// NewChatProvider builds the provider client.
func NewChatProvider(cfg ChatConfig) *ChatProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepseek.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "deepseek-chat"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = providerTimeout
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.APIKey)

	return &ChatProvider{client: client, model: cfg.Model}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one prompt and returns the first choice's content.
func (p *ChatProvider) Complete(ctx context.Context, prompt string) (string, error) {
	request := chatRequest{
		Model:       p.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.7,
		MaxTokens:   400,
	}

	var result chatResponse
	start := time.Now()
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&result).
		SetError(&result).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	log.Debug().
		Str("model", p.model).
		Int("status", resp.StatusCode()).
		Dur("duration", time.Since(start)).
		Msg("Completion request finished")

	if resp.StatusCode() != http.StatusOK {
		if result.Error != nil && result.Error.Message != "" {
			return "", fmt.Errorf("completion failed (status %d): %s", resp.StatusCode(), result.Error.Message)
		}
		return "", fmt.Errorf("completion failed: status %d", resp.StatusCode())
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}

	return result.Choices[0].Message.Content, nil
}
