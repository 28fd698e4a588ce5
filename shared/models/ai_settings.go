package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Modality - тип генерации.
type Modality string

const (
	ModalityNone  Modality = ""
	ModalityStory Modality = "story"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
	ModalityVideo Modality = "video"
)

// OptionalModalities are the modalities whose failure never blocks gameplay.
var OptionalModalities = []Modality{ModalityImage, ModalityAudio, ModalityVideo}

// ProviderKey identifies a provider implementation inside the registry.
type ProviderKey string

// Credentials - учетные данные провайдера.
type Credentials struct {
	APIKey  string `json:"apiKey,omitempty" yaml:"api_key" env:"API_KEY"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"base_url" env:"BASE_URL"`
	Model   string `json:"model,omitempty" yaml:"model" env:"MODEL"`
	Voice   string `json:"voice,omitempty" yaml:"voice" env:"VOICE"`
}

// ModalitySettings - настройки одной модальности.
type ModalitySettings struct {
	Provider    ProviderKey `json:"provider" yaml:"provider" env:"PROVIDER"`
	Enabled     bool        `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Credentials Credentials `json:"credentials" yaml:"credentials"`
}

// Identity returns a stable fingerprint of provider key, endpoint and credentials.
// Two modalities with the same identity talk to the same backend account.
func (m ModalitySettings) Identity() string {
	if m.Provider == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(m.Credentials.APIKey))
	return strings.Join([]string{
		string(m.Provider),
		strings.TrimRight(strings.ToLower(m.Credentials.BaseURL), "/"),
		hex.EncodeToString(sum[:8]),
	}, "|")
}

// AISettings - пользовательские настройки генерации.
// Env overrides follow <MODALITY>_<FIELD>, e.g. STORY_API_KEY or IMAGE_PROVIDER.
type AISettings struct {
	Story ModalitySettings `json:"story" yaml:"story" env-prefix:"STORY_"`
	Image ModalitySettings `json:"image" yaml:"image" env-prefix:"IMAGE_"`
	Audio ModalitySettings `json:"audio" yaml:"audio" env-prefix:"AUDIO_"`
	Video ModalitySettings `json:"video" yaml:"video" env-prefix:"VIDEO_"`

	AutoGenerateImages bool    `json:"autoGenerateImages" yaml:"auto_generate_images"`
	AutoGenerateAudio  bool    `json:"autoGenerateAudio" yaml:"auto_generate_audio"`
	AudioVolume        float64 `json:"audioVolume" yaml:"audio_volume"`
	AudioMuted         bool    `json:"audioMuted" yaml:"audio_muted"`
}

// For returns the settings of a modality.
func (s *AISettings) For(m Modality) ModalitySettings {
	switch m {
	case ModalityStory:
		st := s.Story
		st.Enabled = true
		return st
	case ModalityImage:
		return s.Image
	case ModalityAudio:
		return s.Audio
	case ModalityVideo:
		return s.Video
	default:
		return ModalitySettings{}
	}
}

// Sanitized returns a copy without secrets, suitable for sending to the UI.
func (s AISettings) Sanitized() AISettings {
	mask := func(m *ModalitySettings) {
		if m.Credentials.APIKey != "" {
			m.Credentials.APIKey = "***"
		}
	}
	mask(&s.Story)
	mask(&s.Image)
	mask(&s.Audio)
	mask(&s.Video)
	return s
}
