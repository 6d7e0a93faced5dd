package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/groundline/groundline/pkg/lead"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
)

const systemPrompt = `You are a B2B lead-qualification analyst. Score the lead and answer with a single JSON object:
{"fitScore": 0-100, "intent": "LOW_FIT"|"MEDIUM_FIT"|"HIGH_FIT"|"MANUAL_REVIEW", "decision": "ROUTE_TO_SDR"|"NURTURE"|"IGNORE", "reasoning": "...", "evidence": [{"source": "SALESFORCE"|"MARKETO"|"PRODUCT"|"ENRICHMENT"|"COMPUTED", "field_path": "...", "value": ..., "claim_type": "FIRMOGRAPHIC"|"BEHAVIOR"|"PIPELINE"|"SCORE"}]}
Cite only data you were given. Every claim needs an evidence item naming its source.`

// OpenAIProvider calls an OpenAI-compatible chat-completions endpoint and
// parses the model's JSON answer into an AnalysisResult. Malformed answers
// surface as errors; the caller's fallback path handles them.
type OpenAIProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *OpenAIProvider) AnalyzeLead(ctx context.Context, l *lead.Lead, enrichment *lead.CompanyData) (*lead.AnalysisResult, error) {
	userPayload := map[string]any{
		"email":      l.Email,
		"name":       l.Name,
		"campaignId": l.CampaignID,
	}
	if enrichment != nil && !enrichment.Empty() {
		userPayload["enrichment"] = enrichment
	}
	userJSON, err := json.Marshal(userPayload)
	if err != nil {
		return nil, fmt.Errorf("ai: marshal lead context: %w", err)
	}

	reqBody := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(userJSON)},
		},
	}
	reqBody.ResponseFormat.Type = "json_object"

	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("ai: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("ai: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai: openai call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ai: openai status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("ai: decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("ai: empty completion")
	}

	var result lead.AnalysisResult
	content := chat.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("ai: model answer is not the expected JSON: %w", err)
	}
	if result.FitScore < 0 || result.FitScore > 100 {
		return nil, fmt.Errorf("ai: fit score %d out of range", result.FitScore)
	}
	return &result, nil
}
