package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/storewise-ai/storewise/internal/model"
)

// OpenAIGenerator produces draft content via the OpenAI chat completions
// API. Calls are throttled through a token-bucket limiter shared across the
// whole process so fan-out generation passes stay under the provider's rate
// limits.
type OpenAIGenerator struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// OpenAIConfig configures the OpenAI generator.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // defaults to https://api.openai.com/v1
	Model   string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// NewOpenAIGenerator creates an OpenAI-backed generator.
func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &OpenAIGenerator{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (*OpenAIGenerator) Name() string { return "openai" }

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Generate prompts the model for a JSON payload matching the draft type and
// decodes it through the same boundary as stored payloads. HTTP 429 maps to
// ErrExhausted so callers abort the pass instead of retrying per item.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (model.DraftPayload, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("generator: wait for rate limit: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req.DraftType)},
			{Role: "user", Content: userPrompt(req)},
		},
		ResponseFormat: &struct {
			Type string `json:"type"`
		}{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("generator: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("generator: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generator: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("generator: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", ErrExhausted, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("generator: unmarshal response: %w", err)
	}
	if result.Error != nil {
		if result.Error.Code == "insufficient_quota" {
			return nil, fmt.Errorf("%w: %s", ErrExhausted, result.Error.Message)
		}
		return nil, fmt.Errorf("generator: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generator: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("generator: empty completion")
	}

	payload, err := model.DecodeDraftPayload(req.DraftType, []byte(result.Choices[0].Message.Content))
	if err != nil {
		return nil, fmt.Errorf("generator: decode completion: %w", err)
	}
	return payload, nil
}

func systemPrompt(t model.DraftType) string {
	switch t {
	case model.DraftTypeAnswerBlock:
		return `You write concise FAQ entries for e-commerce product pages. Respond with a JSON object {"question": "...", "answer": "..."}.`
	case model.DraftTypeMetaContent:
		return `You write SEO metadata for e-commerce product pages. Respond with a JSON object {"title": "...", "description": "..."}.`
	case model.DraftTypeSnippet:
		return `You write short marketing snippets for e-commerce product pages. Respond with a JSON object {"text": "..."}.`
	default:
		return `Respond with a JSON object.`
	}
}

func userPrompt(req Request) string {
	rules, _ := json.Marshal(req.Rules)
	return fmt.Sprintf(
		"Product handle: %s\nTitle: %s\nDescription: %s\nStyle rules: %s",
		req.Product.Handle, req.Product.Title, req.Product.Description, rules,
	)
}
