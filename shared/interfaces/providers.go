package interfaces

import (
	"context"

	"novel-engine/shared/models"
)

// Validator - общий контракт проверки работоспособности провайдера.
// Validate must not have side effects beyond a single check request.
type Validator interface {
	Validate(ctx context.Context) models.ValidationResult
}

// StoryProvider генерирует текст истории. Обязательная модальность.
type StoryProvider interface {
	Validator
	GenerateOutline(ctx context.Context, req models.OutlineRequest) (*models.OutlineResult, error)
	GenerateSegment(ctx context.Context, req models.SegmentRequest) (*models.SegmentResult, error)
	Summarize(ctx context.Context, req models.SummaryRequest) (string, error)
}

// ImageProvider генерирует иллюстрации к узлам.
type ImageProvider interface {
	Validator
	GenerateImage(ctx context.Context, req models.ImageRequest) (*models.ImageResult, error)
}

// AudioProvider озвучивает текст узлов.
type AudioProvider interface {
	Validator
	GenerateAudio(ctx context.Context, req models.AudioRequest) (*models.AudioResult, error)
}

// VideoProvider генерирует короткие видео к узлам.
type VideoProvider interface {
	Validator
	GenerateVideo(ctx context.Context, req models.VideoRequest) (*models.VideoResult, error)
}

// TokenCounter estimates token counts for context budgeting.
type TokenCounter interface {
	Count(text string) int
}
