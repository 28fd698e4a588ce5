package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const maxSpeechInput = 4096

type openAIAudioProvider struct {
	client *openaigo.Client
	model  openaigo.SpeechModel
	voice  openaigo.SpeechVoice
	media  interfaces.MediaStore
	logger *zap.Logger
}

// NewOpenAIAudioProvider создает провайдер озвучки на базе OpenAI TTS.
func NewOpenAIAudioProvider(creds models.Credentials, media interfaces.MediaStore, httpClient *http.Client, logger *zap.Logger) (interfaces.AudioProvider, error) {
	if creds.APIKey == "" {
		return nil, errors.New("audio provider api key is required")
	}
	if media == nil {
		return nil, errors.New("media store is required")
	}
	model := openaigo.SpeechModel(creds.Model)
	if model == "" {
		model = openaigo.TTSModel1
	}
	voice := openaigo.SpeechVoice(creds.Voice)
	if voice == "" {
		voice = openaigo.VoiceOnyx
	}
	return &openAIAudioProvider{
		client: newOpenAIClient(creds, httpClient),
		model:  model,
		voice:  voice,
		media:  media,
		logger: logger.Named("AudioProvider").With(zap.String("provider", "openai")),
	}, nil
}

func (p *openAIAudioProvider) Validate(ctx context.Context) models.ValidationResult {
	if _, err := p.client.ListModels(ctx); err != nil {
		return models.Invalid(fmt.Errorf("list models: %w", err))
	}
	return models.ValidOK
}

func (p *openAIAudioProvider) GenerateAudio(ctx context.Context, req models.AudioRequest) (*models.AudioResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty text for speech", models.ErrInvalidInput)
	}
	if r := []rune(text); len(r) > maxSpeechInput {
		text = string(r[:maxSpeechInput])
	}

	start := time.Now()
	resp, err := p.client.CreateSpeech(ctx, openaigo.CreateSpeechRequest{
		Model:          p.model,
		Input:          text,
		Voice:          p.voice,
		ResponseFormat: openaigo.SpeechResponseFormatMp3,
	})
	var data []byte
	if err == nil {
		data, err = io.ReadAll(resp)
		resp.Close()
	}
	if err == nil && len(data) == 0 {
		err = errors.New("API returned empty audio")
	}
	observe(models.ModalityAudio, "openai", start, err)
	if err != nil {
		p.logger.Warn("speech generation failed", zap.String("node_id", req.NodeID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}

	key := fmt.Sprintf("%s-audio-%d.mp3", req.NodeID, time.Now().UnixNano())
	url, err := p.media.Put(ctx, key, "audio/mpeg", data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to store audio: %v", models.ErrGenerationFailed, err)
	}
	return &models.AudioResult{Key: key, URL: url}, nil
}
