package models

// ValidationResult - результат проверки провайдера.
type ValidationResult struct {
	IsValid bool   `json:"isValid"`
	Error   string `json:"error,omitempty"`
}

// ValidOK is the successful validation result.
var ValidOK = ValidationResult{IsValid: true}

// Invalid builds a failed validation result from an error.
func Invalid(err error) ValidationResult {
	if err == nil {
		return ValidationResult{IsValid: false, Error: "unknown validation error"}
	}
	return ValidationResult{IsValid: false, Error: err.Error()}
}

// ContextMessage - одно сообщение контекста, передаваемое story-провайдеру.
type ContextMessage struct {
	Role SegmentRole `json:"role"`
	Text string      `json:"text"`
}

// OutlineRequest - запрос на генерацию плана истории.
type OutlineRequest struct {
	Theme         string `json:"theme"`
	CustomContext string `json:"customContext,omitempty"`
	WantImage     bool   `json:"-"`
}

// OutlineResult - ответ story-провайдера на запрос плана.
type OutlineResult struct {
	Outline Outline
	Usage   *TokenUsage
}

// SegmentRequest - запрос на продолжение истории.
type SegmentRequest struct {
	Theme         string           `json:"theme"`
	Outline       *Outline         `json:"outline,omitempty"`
	CustomContext string           `json:"customContext,omitempty"`
	Summary       string           `json:"summary,omitempty"`
	History       []ContextMessage `json:"history"`
	Action        string           `json:"action"`
	WantImage     bool             `json:"-"`
}

// SegmentResult - сгенерированный сегмент рассказчика.
type SegmentResult struct {
	Text             string
	ImagePrompt      string
	Tone             string
	EnvironmentTheme string
	Usage            *TokenUsage
}

// SummaryRequest - запрос на сжатие истории.
type SummaryRequest struct {
	PreviousSummary string           `json:"previousSummary,omitempty"`
	Messages        []ContextMessage `json:"messages"`
}

// ImageRequest - запрос на генерацию изображения.
type ImageRequest struct {
	NodeID string
	Prompt string
	Ratio  string
}

// ImageResult - результат генерации изображения.
type ImageResult struct {
	URL string
}

// AudioRequest - запрос на озвучку текста.
type AudioRequest struct {
	NodeID string
	Text   string
	Tone   string
}

// AudioResult - результат озвучки; Key указывает на объект в MediaStore.
type AudioResult struct {
	Key string
	URL string
}

// VideoRequest - запрос на генерацию видео.
type VideoRequest struct {
	NodeID   string
	Prompt   string
	ImageURL string
}

// VideoResult - результат генерации видео.
type VideoResult struct {
	URL string
}
