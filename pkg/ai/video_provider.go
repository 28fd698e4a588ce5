package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	"go.uber.org/zap"
)

type videoAPIRequest struct {
	Prompt   string `json:"prompt"`
	ImageURL string `json:"imageUrl,omitempty"`
}

type videoAPIResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

type httpVideoProvider struct {
	endpoint *httpEndpoint
	logger   *zap.Logger
}

// NewHTTPVideoProvider создает провайдер видео для HTTP API вида POST /generate -> {"url": ...}.
func NewHTTPVideoProvider(creds models.Credentials, httpClient *http.Client, logger *zap.Logger) (interfaces.VideoProvider, error) {
	if creds.BaseURL == "" {
		return nil, errors.New("video base URL is required")
	}
	l := logger.Named("VideoProvider").With(zap.String("provider", "http"))
	return &httpVideoProvider{
		endpoint: newHTTPEndpoint(creds.BaseURL, creds.APIKey, httpClient, l),
		logger:   l,
	}, nil
}

func (p *httpVideoProvider) Validate(ctx context.Context) models.ValidationResult {
	if err := p.endpoint.ping(ctx); err != nil {
		return models.Invalid(err)
	}
	return models.ValidOK
}

func (p *httpVideoProvider) GenerateVideo(ctx context.Context, req models.VideoRequest) (*models.VideoResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: empty video prompt", models.ErrInvalidInput)
	}
	body, err := requestJSON(videoAPIRequest{Prompt: req.Prompt, ImageURL: req.ImageURL})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	respBody, _, err := p.endpoint.do(ctx, http.MethodPost, "/generate", body, "application/json")
	var parsed videoAPIResponse
	if err == nil {
		if jerr := json.Unmarshal(respBody, &parsed); jerr != nil {
			err = fmt.Errorf("malformed response: %w", jerr)
		} else if parsed.URL == "" {
			err = fmt.Errorf("no video URL in response: %s", parsed.Error)
		}
	}
	observe(models.ModalityVideo, "http", start, err)
	if err != nil {
		p.logger.Warn("video generation failed", zap.String("node_id", req.NodeID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}
	return &models.VideoResult{URL: parsed.URL}, nil
}
