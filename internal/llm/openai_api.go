package llm

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const openAIDefaultEndpoint = "https://api.openai.com/v1"

// OpenAIAPIClient talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, OpenRouter, vLLM and similar).
type OpenAIAPIClient struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewOpenAIAPIClient creates a chat completions client. endpoint is the API
// base such as "https://openrouter.ai/api/v1"; empty means OpenAI.
func NewOpenAIAPIClient(apiKey, model, endpoint string) *OpenAIAPIClient {
	if endpoint == "" {
		endpoint = openAIDefaultEndpoint
	}
	return &OpenAIAPIClient{
		apiKey:   apiKey,
		model:    model,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   newHTTPClient(),
	}
}

// Complete sends a chat completion request.
func (o *OpenAIAPIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	model := o.model
	if req.Model != "" {
		model = req.Model
	}
	messages := make([]map[string]string, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, map[string]string{"role": RoleSystem, "content": req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	body := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}

	var headers map[string]string
	if o.apiKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + o.apiKey}
	}

	var result openAIResponse
	if err := postJSON(ctx, o.client, o.Name(), o.endpoint+"/chat/completions", headers, body, &result); err != nil {
		return nil, err
	}
	if len(result.Choices) == 0 {
		return nil, &ProviderError{Provider: o.Name(), Message: "empty response from LLM"}
	}

	return &CompletionResponse{
		Content:    result.Choices[0].Message.Content,
		StopReason: result.Choices[0].FinishReason,
		Usage: Usage{
			InputTokens:  result.Usage.PromptTokens,
			OutputTokens: result.Usage.CompletionTokens,
		},
		Model:    result.Model,
		Duration: time.Since(start),
	}, nil
}

// Name returns the provider name.
func (o *OpenAIAPIClient) Name() string {
	return "openai"
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}
