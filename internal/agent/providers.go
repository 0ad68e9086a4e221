package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/park285/connect4-arena/internal/registry"
)

const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 1024
	anthropicVersion   = "2023-06-01"
)

var defaultBaseURLs = map[registry.Provider]string{
	registry.ProviderOpenAI:    "https://api.openai.com/v1",
	registry.ProviderAnthropic: "https://api.anthropic.com",
	registry.ProviderGoogle:    "https://generativelanguage.googleapis.com",
	registry.ProviderDeepSeek:  "https://api.deepseek.com",
	registry.ProviderMistral:   "https://api.mistral.ai/v1",
}

type usage struct {
	input  int
	output int
}

// codec speaks one provider's wire format.
type codec interface {
	path(model registry.Model) string
	headers(apiKey string) map[string]string
	encode(model registry.Model, system, user string) any
	decode(body []byte) (string, usage, error)
}

func codecFor(p registry.Provider) (codec, bool) {
	switch p {
	case registry.ProviderOpenAI, registry.ProviderDeepSeek, registry.ProviderMistral:
		return chatCompletions{jsonMode: p != registry.ProviderMistral}, true
	case registry.ProviderAnthropic:
		return anthropicMessages{}, true
	case registry.ProviderGoogle:
		return geminiGenerate{}, true
	default:
		return nil, false
	}
}

// httpAgent drives a hosted model through a codec.
type httpAgent struct {
	model  registry.Model
	client *Client
	codec  codec
	apiKey string
}

func (a *httpAgent) ProposeMove(ctx context.Context, req MoveRequest) (*Proposal, error) {
	start := time.Now()
	system, user := buildPrompt(req)
	body, err := a.client.PostJSON(ctx, a.codec.path(a.model), a.codec.headers(a.apiKey), a.codec.encode(a.model, system, user))
	if err != nil {
		return nil, err
	}
	text, u, err := a.codec.decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	d, err := parseDecision(text, req.Legal)
	if err != nil {
		return nil, err
	}
	return &Proposal{
		Column:       *d.Column,
		Reasoning:    strings.TrimSpace(d.Reasoning),
		InputTokens:  u.input,
		OutputTokens: u.output,
		Duration:     time.Since(start),
	}, nil
}

func temperature(m registry.Model) float64 {
	if m.API.Temperature != nil {
		return *m.API.Temperature
	}
	return defaultTemperature
}

func maxTokens(m registry.Model) int {
	if m.API.MaxTokens > 0 {
		return m.API.MaxTokens
	}
	return defaultMaxTokens
}

// chatCompletions covers OpenAI and the OpenAI-compatible providers.
type chatCompletions struct {
	jsonMode bool
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (chatCompletions) path(registry.Model) string { return "/chat/completions" }

func (chatCompletions) headers(apiKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey}
}

func (c chatCompletions) encode(m registry.Model, system, user string) any {
	req := chatRequest{
		Model:       m.APIModel(),
		Temperature: temperature(m),
		MaxTokens:   m.API.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	if c.jsonMode {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}
	return req
}

func (chatCompletions) decode(body []byte) (string, usage, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", usage{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", usage{}, errEmptyCompletion
	}
	return resp.Choices[0].Message.Content, usage{input: resp.Usage.PromptTokens, output: resp.Usage.CompletionTokens}, nil
}

type anthropicMessages struct{}

type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	System      string        `json:"system"`
	Messages    []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (anthropicMessages) path(registry.Model) string { return "/v1/messages" }

func (anthropicMessages) headers(apiKey string) map[string]string {
	return map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	}
}

func (anthropicMessages) encode(m registry.Model, system, user string) any {
	return anthropicRequest{
		Model:       m.APIModel(),
		MaxTokens:   maxTokens(m),
		Temperature: temperature(m),
		System:      system,
		Messages:    []chatMessage{{Role: "user", Content: user}},
	}
}

func (anthropicMessages) decode(body []byte) (string, usage, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", usage{}, fmt.Errorf("decode anthropic response: %w", err)
	}
	var sb strings.Builder
	for _, part := range resp.Content {
		if part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", usage{}, errEmptyCompletion
	}
	return sb.String(), usage{input: resp.Usage.InputTokens, output: resp.Usage.OutputTokens}, nil
}

type geminiGenerate struct{}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction geminiContent   `json:"systemInstruction"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature      float64 `json:"temperature"`
		MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
		ResponseMimeType string  `json:"responseMimeType"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (geminiGenerate) path(m registry.Model) string {
	return "/v1beta/models/" + url.PathEscape(m.APIModel()) + ":generateContent"
}

func (geminiGenerate) headers(apiKey string) map[string]string {
	return map[string]string{"x-goog-api-key": apiKey}
}

func (geminiGenerate) encode(m registry.Model, system, user string) any {
	req := geminiRequest{
		SystemInstruction: geminiContent{Parts: []geminiPart{{Text: system}}},
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: user}}}},
	}
	req.GenerationConfig.Temperature = temperature(m)
	req.GenerationConfig.MaxOutputTokens = m.API.MaxTokens
	req.GenerationConfig.ResponseMimeType = "application/json"
	return req
}

func (geminiGenerate) decode(body []byte) (string, usage, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", usage{}, fmt.Errorf("decode gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", usage{}, errEmptyCompletion
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", usage{}, errEmptyCompletion
	}
	return sb.String(), usage{
		input:  resp.UsageMetadata.PromptTokenCount,
		output: resp.UsageMetadata.CandidatesTokenCount,
	}, nil
}
