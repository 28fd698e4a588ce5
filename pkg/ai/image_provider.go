package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	defaultImageRatio = "16:9"
	imagePromptSuffix = ", cinematic illustration, soft lighting, detailed background"
)

// --- OpenAI Images ---

type openAIImageProvider struct {
	client *openaigo.Client
	model  string
	media  interfaces.MediaStore
	logger *zap.Logger
}

// NewOpenAIImageProvider создает провайдер изображений на базе OpenAI Images API.
func NewOpenAIImageProvider(creds models.Credentials, media interfaces.MediaStore, httpClient *http.Client, logger *zap.Logger) (interfaces.ImageProvider, error) {
	if creds.APIKey == "" {
		return nil, errors.New("image provider api key is required")
	}
	if media == nil {
		return nil, errors.New("media store is required")
	}
	model := creds.Model
	if model == "" {
		model = openaigo.CreateImageModelDallE3
	}
	return &openAIImageProvider{
		client: newOpenAIClient(creds, httpClient),
		model:  model,
		media:  media,
		logger: logger.Named("ImageProvider").With(zap.String("provider", "openai"), zap.String("model", model)),
	}, nil
}

func newOpenAIClient(creds models.Credentials, httpClient *http.Client) *openaigo.Client {
	cfg := openaigo.DefaultConfig(creds.APIKey)
	if creds.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(creds.BaseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return openaigo.NewClientWithConfig(cfg)
}

func (p *openAIImageProvider) Validate(ctx context.Context) models.ValidationResult {
	if _, err := p.client.ListModels(ctx); err != nil {
		return models.Invalid(fmt.Errorf("list models: %w", err))
	}
	return models.ValidOK
}

func (p *openAIImageProvider) GenerateImage(ctx context.Context, req models.ImageRequest) (*models.ImageResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: empty image prompt", models.ErrInvalidInput)
	}
	start := time.Now()
	resp, err := p.client.CreateImage(ctx, openaigo.ImageRequest{
		Prompt:         req.Prompt + imagePromptSuffix,
		Model:          p.model,
		N:              1,
		Size:           openaigo.CreateImageSize1792x1024,
		ResponseFormat: openaigo.CreateImageResponseFormatB64JSON,
	})
	if err == nil && (len(resp.Data) == 0 || resp.Data[0].B64JSON == "") {
		err = errors.New("API returned empty data")
	}
	var data []byte
	if err == nil {
		data, err = base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	}
	observe(models.ModalityImage, "openai", start, err)
	if err != nil {
		p.logger.Warn("image generation failed", zap.String("node_id", req.NodeID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}

	url, err := p.media.Put(ctx, imageKey(req.NodeID, "png"), "image/png", data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to store image: %v", models.ErrGenerationFailed, err)
	}
	return &models.ImageResult{URL: url}, nil
}

// --- SANA ---

// SanaAPIRequest - тело запроса к SANA серверу.
type SanaAPIRequest struct {
	Prompt string `json:"prompt"`
	Ratio  string `json:"ratio"`
}

type sanaImageProvider struct {
	endpoint *httpEndpoint
	media    interfaces.MediaStore
	logger   *zap.Logger
}

// NewSanaImageProvider создает провайдер для self-hosted SANA сервера (POST /generate -> image bytes).
func NewSanaImageProvider(creds models.Credentials, media interfaces.MediaStore, httpClient *http.Client, logger *zap.Logger) (interfaces.ImageProvider, error) {
	if creds.BaseURL == "" {
		return nil, errors.New("sana base URL is required")
	}
	if media == nil {
		return nil, errors.New("media store is required")
	}
	l := logger.Named("ImageProvider").With(zap.String("provider", "sana"))
	return &sanaImageProvider{
		endpoint: newHTTPEndpoint(creds.BaseURL, creds.APIKey, httpClient, l),
		media:    media,
		logger:   l,
	}, nil
}

func (p *sanaImageProvider) Validate(ctx context.Context) models.ValidationResult {
	if err := p.endpoint.ping(ctx); err != nil {
		return models.Invalid(err)
	}
	return models.ValidOK
}

func (p *sanaImageProvider) GenerateImage(ctx context.Context, req models.ImageRequest) (*models.ImageResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: empty image prompt", models.ErrInvalidInput)
	}
	ratio := req.Ratio
	if ratio == "" {
		ratio = defaultImageRatio
	}
	body, err := requestJSON(SanaAPIRequest{Prompt: req.Prompt + imagePromptSuffix, Ratio: ratio})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	imageData, contentType, err := p.endpoint.do(ctx, http.MethodPost, "/generate", body, "image/*")
	if err == nil && len(imageData) == 0 {
		err = errors.New("API returned empty data")
	}
	observe(models.ModalityImage, "sana", start, err)
	if err != nil {
		p.logger.Warn("image generation failed", zap.String("node_id", req.NodeID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}

	ext := "jpg"
	if strings.HasPrefix(contentType, "image/png") {
		ext, contentType = "png", "image/png"
	} else {
		contentType = "image/jpeg"
	}
	url, err := p.media.Put(ctx, imageKey(req.NodeID, ext), contentType, imageData)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to store image: %v", models.ErrGenerationFailed, err)
	}
	p.logger.Info("image stored", zap.String("node_id", req.NodeID), zap.Int("size_bytes", len(imageData)))
	return &models.ImageResult{URL: url}, nil
}

// imageKey uses a timestamp suffix so a regenerated image never reuses a cached URL.
func imageKey(nodeID, ext string) string {
	return fmt.Sprintf("%s-image-%d.%s", nodeID, time.Now().UnixNano(), ext)
}
