package llm

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const claudeDefaultEndpoint = "https://api.anthropic.com/v1/messages"

// ClaudeAPIClient is a direct HTTP client for the Claude Messages API.
type ClaudeAPIClient struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewClaudeAPIClient creates a new Claude API client. An empty endpoint uses
// the public API.
func NewClaudeAPIClient(apiKey, model, endpoint string) *ClaudeAPIClient {
	if endpoint == "" {
		endpoint = claudeDefaultEndpoint
	}
	return &ClaudeAPIClient{
		apiKey:   apiKey,
		model:    model,
		endpoint: endpoint,
		client:   newHTTPClient(),
	}
}

// Complete sends a completion request to the Claude API.
func (c *ClaudeAPIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	body := map[string]any{
		"model":      model,
		"messages":   claudeMessages(req.Messages),
		"max_tokens": maxTokensOr(req.MaxTokens, 256),
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}

	var result claudeAPIResponse
	err := postJSON(ctx, c.client, c.Name(), c.endpoint, map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": "2023-06-01",
	}, body, &result)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return &CompletionResponse{
		Content:    content.String(),
		StopReason: result.StopReason,
		Usage: Usage{
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
		},
		Model:    result.Model,
		Duration: time.Since(start),
	}, nil
}

// Name returns the provider name.
func (c *ClaudeAPIClient) Name() string {
	return "claude"
}

// claudeMessages converts messages to the Messages API shape. The API wants
// the conversation to open with a user turn, so a leading assistant greeting
// gets a placeholder user turn in front of it.
func claudeMessages(msgs []Message) []map[string]string {
	result := make([]map[string]string, 0, len(msgs)+1)
	if len(msgs) > 0 && msgs[0].Role == RoleAssistant {
		result = append(result, map[string]string{"role": RoleUser, "content": "(call connected)"})
	}
	for _, m := range msgs {
		if m.Role == RoleSystem {
			continue
		}
		result = append(result, map[string]string{
			"role":    m.Role,
			"content": m.Content,
		})
	}
	return result
}

type claudeAPIResponse struct {
	ID         string               `json:"id"`
	Content    []claudeContentBlock `json:"content"`
	Model      string               `json:"model"`
	StopReason string               `json:"stop_reason"`
	Usage      claudeUsage          `json:"usage"`
}

type claudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
