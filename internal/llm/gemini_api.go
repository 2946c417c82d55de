package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const geminiDefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// GeminiAPIClient is a direct HTTP client for the Google Gemini API.
type GeminiAPIClient struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewGeminiAPIClient creates a new Gemini API client. An empty endpoint uses
// the public API.
func NewGeminiAPIClient(apiKey, model, endpoint string) *GeminiAPIClient {
	if endpoint == "" {
		endpoint = geminiDefaultEndpoint
	}
	return &GeminiAPIClient{
		apiKey:   apiKey,
		model:    model,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   newHTTPClient(),
	}
}

// Complete sends a generateContent request to the Gemini API.
func (g *GeminiAPIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	model := g.model
	if req.Model != "" {
		model = req.Model
	}

	genConfig := map[string]any{
		"maxOutputTokens": maxTokensOr(req.MaxTokens, 256),
	}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	body := map[string]any{
		"contents": []map[string]any{{
			"role":  "user",
			"parts": []map[string]string{{"text": flattenPrompt(req)}},
		}},
		"generationConfig": genConfig,
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.endpoint, model, url.QueryEscape(g.apiKey))

	var result geminiAPIResponse
	if err := postJSON(ctx, g.client, g.Name(), endpoint, nil, body, &result); err != nil {
		return nil, err
	}

	var content strings.Builder
	var stop string
	if len(result.Candidates) > 0 {
		for _, part := range result.Candidates[0].Content.Parts {
			content.WriteString(part.Text)
		}
		stop = result.Candidates[0].FinishReason
	}
	return &CompletionResponse{
		Content:    content.String(),
		StopReason: stop,
		Usage: Usage{
			InputTokens:  result.UsageMetadata.PromptTokenCount,
			OutputTokens: result.UsageMetadata.CandidatesTokenCount,
		},
		Model:    model,
		Duration: time.Since(start),
	}, nil
}

// Name returns the provider name.
func (g *GeminiAPIClient) Name() string {
	return "gemini"
}

type geminiAPIResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}
