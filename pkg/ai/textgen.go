package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"novel-engine/shared/models"

	"github.com/ollama/ollama/api"
	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ChatMessage - сообщение чата для текстовой модели.
type ChatMessage struct {
	Role    string
	Content string
}

const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"
)

// TextGenerator - низкоуровневый клиент текстовой модели.
type TextGenerator interface {
	// GenerateText returns the completion text and usage if the backend reports it.
	GenerateText(ctx context.Context, messages []ChatMessage, jsonMode bool) (string, *models.TokenUsage, error)
	// Ping checks that the endpoint is reachable and the credentials are accepted.
	Ping(ctx context.Context) error
	Model() string
}

// --- OpenAI-compatible Client Implementation ---

type openAIText struct {
	client *openaigo.Client
	model  string
	logger *zap.Logger
}

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultOllamaModel = "llama3.1"
	defaultOllamaURL   = "http://localhost:11434"
	defaultMaxTokens   = 1500
	defaultTemperature = 0.8
	summaryMaxTokens   = 600
	summaryTemperature = 0.3
)

// NewOpenAITextGenerator создает клиента для любого OpenAI-совместимого API (OpenAI, OpenRouter, vLLM).
func NewOpenAITextGenerator(creds models.Credentials, httpClient *http.Client, logger *zap.Logger) (TextGenerator, error) {
	if creds.APIKey == "" && !strings.Contains(creds.BaseURL, "localhost") {
		return nil, fmt.Errorf("%w: api key is required", models.ErrStoryProviderNotConfigured)
	}
	cfg := openaigo.DefaultConfig(creds.APIKey)
	if creds.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(creds.BaseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	model := creds.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openAIText{
		client: openaigo.NewClientWithConfig(cfg),
		model:  model,
		logger: logger.With(zap.String("model", model)),
	}, nil
}

func (c *openAIText) Model() string { return c.model }

func (c *openAIText) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func (c *openAIText) GenerateText(ctx context.Context, messages []ChatMessage, jsonMode bool) (string, *models.TokenUsage, error) {
	req := openaigo.ChatCompletionRequest{
		Model:       c.model,
		Messages:    make([]openaigo.ChatCompletionMessage, 0, len(messages)),
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openaigo.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if jsonMode {
		req.ResponseFormat = &openaigo.ChatCompletionResponseFormat{Type: openaigo.ChatCompletionResponseFormatTypeJSONObject}
	} else {
		req.Temperature = summaryTemperature
		req.MaxTokens = summaryMaxTokens
	}

	startTime := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("AI API error", zap.Duration("duration", duration), zap.Error(err))
		return "", nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		c.logger.Warn("AI API returned empty response", zap.Duration("duration", duration))
		return "", nil, fmt.Errorf("%w: empty response", models.ErrGenerationFailed)
	}

	c.logger.Debug("AI API response received",
		zap.Duration("duration", duration),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	var usage *models.TokenUsage
	if resp.Usage.TotalTokens > 0 {
		usage = &models.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// --- Ollama Client Implementation ---

type ollamaText struct {
	client *api.Client
	model  string
	logger *zap.Logger
}

// NewOllamaTextGenerator создает клиента нативного API Ollama.
func NewOllamaTextGenerator(creds models.Credentials, httpClient *http.Client, logger *zap.Logger) (TextGenerator, error) {
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	baseURL = strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama base URL %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	model := creds.Model
	if model == "" {
		model = defaultOllamaModel
	}
	return &ollamaText{
		client: api.NewClient(parsedURL, httpClient),
		model:  model,
		logger: logger.With(zap.String("model", model)),
	}, nil
}

func (c *ollamaText) Model() string { return c.model }

func (c *ollamaText) Ping(ctx context.Context) error {
	list, err := c.client.List(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range list.Models {
		if m.Name == c.model || m.Model == c.model || strings.TrimSuffix(m.Name, ":latest") == c.model {
			return nil
		}
	}
	return fmt.Errorf("model %q is not pulled on the Ollama server", c.model)
}

func (c *ollamaText) GenerateText(ctx context.Context, messages []ChatMessage, jsonMode bool) (string, *models.TokenUsage, error) {
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: make([]api.Message, 0, len(messages)),
		Stream:   func(b bool) *bool { return &b }(false),
		Options: map[string]interface{}{
			"temperature": defaultTemperature,
			"num_predict": defaultMaxTokens,
		},
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, api.Message{Role: m.Role, Content: m.Content})
	}
	if jsonMode {
		req.Format = json.RawMessage(`"json"`)
	} else {
		req.Options["temperature"] = summaryTemperature
		req.Options["num_predict"] = summaryMaxTokens
	}

	startTime := time.Now()
	var resp api.ChatResponse
	err := c.client.Chat(ctx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	duration := time.Since(startTime)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("Ollama API timeout", zap.Duration("duration", duration))
		} else {
			c.logger.Warn("Ollama API error", zap.Duration("duration", duration), zap.Error(err))
		}
		return "", nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}
	if resp.Message.Content == "" {
		return "", nil, fmt.Errorf("%w: empty response", models.ErrGenerationFailed)
	}

	var usage *models.TokenUsage
	if total := resp.PromptEvalCount + resp.EvalCount; total > 0 {
		usage = &models.TokenUsage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      total,
		}
	}
	c.logger.Debug("Ollama API response received", zap.Duration("duration", duration))
	return resp.Message.Content, usage, nil
}
