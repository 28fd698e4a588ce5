package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	"go.uber.org/zap"
)

// storyProvider реализует StoryProvider поверх TextGenerator.
type storyProvider struct {
	key        models.ProviderKey
	gen        TextGenerator
	prompts    *Prompts
	tokens     interfaces.TokenCounter
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewStoryProvider wraps a text generator into a story provider.
func NewStoryProvider(key models.ProviderKey, gen TextGenerator, prompts *Prompts, tokens interfaces.TokenCounter, logger *zap.Logger) interfaces.StoryProvider {
	if tokens == nil {
		tokens = ApproxCounter{}
	}
	return &storyProvider{
		key:        key,
		gen:        gen,
		prompts:    prompts,
		tokens:     tokens,
		maxRetries: 2,
		retryDelay: time.Second,
		logger:     logger.Named("StoryProvider").With(zap.String("provider", string(key)), zap.String("model", gen.Model())),
	}
}

func (p *storyProvider) Validate(ctx context.Context) models.ValidationResult {
	if err := p.gen.Ping(ctx); err != nil {
		p.logger.Warn("story provider validation failed", zap.Error(err))
		return models.Invalid(err)
	}
	return models.ValidOK
}

func (p *storyProvider) GenerateOutline(ctx context.Context, req models.OutlineRequest) (*models.OutlineResult, error) {
	system, err := p.prompts.Outline(req)
	if err != nil {
		return nil, err
	}
	messages := []ChatMessage{
		{Role: roleSystem, Content: system},
		{Role: roleUser, Content: "Begin the story."},
	}

	var outline *models.Outline
	usage, err := p.generate(ctx, messages, func(raw string) error {
		o, perr := ParseOutlineResponse(raw)
		outline = o
		return perr
	})
	if err != nil {
		return nil, err
	}
	if !req.WantImage {
		outline.ImagePrompt = ""
	}
	return &models.OutlineResult{Outline: *outline, Usage: usage}, nil
}

func (p *storyProvider) GenerateSegment(ctx context.Context, req models.SegmentRequest) (*models.SegmentResult, error) {
	if strings.TrimSpace(req.Action) == "" {
		return nil, fmt.Errorf("%w: empty action", models.ErrInvalidInput)
	}
	system, err := p.prompts.Segment(req)
	if err != nil {
		return nil, err
	}
	messages := make([]ChatMessage, 0, len(req.History)+2)
	messages = append(messages, ChatMessage{Role: roleSystem, Content: system})
	for _, m := range req.History {
		role := roleAssistant
		if m.Role == models.RoleUser {
			role = roleUser
		}
		messages = append(messages, ChatMessage{Role: role, Content: m.Text})
	}
	messages = append(messages, ChatMessage{Role: roleUser, Content: req.Action})

	var result *models.SegmentResult
	usage, err := p.generate(ctx, messages, func(raw string) error {
		r, perr := ParseSegmentResponse(raw)
		result = r
		return perr
	})
	if err != nil {
		return nil, err
	}
	if !req.WantImage {
		result.ImagePrompt = ""
	}
	result.Usage = usage
	return result, nil
}

func (p *storyProvider) Summarize(ctx context.Context, req models.SummaryRequest) (string, error) {
	system, err := p.prompts.Summary(req)
	if err != nil {
		return "", err
	}
	var transcript strings.Builder
	for _, m := range req.Messages {
		if m.Role == models.RoleUser {
			transcript.WriteString("Player: ")
		} else {
			transcript.WriteString("Narrator: ")
		}
		transcript.WriteString(m.Text)
		transcript.WriteString("\n")
	}
	messages := []ChatMessage{
		{Role: roleSystem, Content: system},
		{Role: roleUser, Content: transcript.String()},
	}

	start := time.Now()
	text, _, err := p.gen.GenerateText(ctx, messages, false)
	observe(models.ModalityStory, p.key, start, err)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// generate вызывает модель и парсит ответ, повторяя попытку при ошибке парсинга
// или транспортной ошибке. Context cancellation is never retried.
func (p *storyProvider) generate(ctx context.Context, messages []ChatMessage, parse func(raw string) error) (*models.TokenUsage, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		start := time.Now()
		raw, usage, err := p.gen.GenerateText(ctx, messages, true)
		if err == nil {
			err = parse(raw)
		}
		observe(models.ModalityStory, p.key, start, err)
		if err == nil {
			if usage == nil {
				usage = p.estimateUsage(messages, raw)
			}
			observeUsage(p.key, p.gen.Model(), usage)
			return usage, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, ctx.Err())
		}
		p.logger.Warn("story generation attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < p.maxRetries {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, ctx.Err())
			case <-time.After(time.Duration(attempt) * p.retryDelay):
			}
		}
	}
	if !errors.Is(lastErr, models.ErrGenerationFailed) {
		lastErr = fmt.Errorf("%w: %v", models.ErrGenerationFailed, lastErr)
	}
	return nil, lastErr
}

func (p *storyProvider) estimateUsage(messages []ChatMessage, completion string) *models.TokenUsage {
	prompt := 0
	for _, m := range messages {
		prompt += p.tokens.Count(m.Content)
	}
	out := p.tokens.Count(completion)
	return &models.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
		Estimated:        true,
	}
}

// requestJSON is used by HTTP providers to encode request bodies.
func requestJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}
	return b, nil
}
