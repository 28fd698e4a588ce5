package ai

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	"go.uber.org/zap"
)

// Provider keys of the built-in implementations.
const (
	ProviderOpenAI models.ProviderKey = "openai"
	ProviderOllama models.ProviderKey = "ollama"
	ProviderSana   models.ProviderKey = "sana"
	ProviderHTTP   models.ProviderKey = "http"
)

// Deps - общие зависимости для фабрик провайдеров.
type Deps struct {
	Logger  *zap.Logger
	Media   interfaces.MediaStore
	Tokens  interfaces.TokenCounter
	Prompts *Prompts
	Timeout time.Duration
}

func (d Deps) httpClient() *http.Client {
	return &http.Client{Timeout: d.Timeout}
}

type (
	StoryFactory func(settings models.ModalitySettings, deps Deps) (interfaces.StoryProvider, error)
	ImageFactory func(settings models.ModalitySettings, deps Deps) (interfaces.ImageProvider, error)
	AudioFactory func(settings models.ModalitySettings, deps Deps) (interfaces.AudioProvider, error)
	VideoFactory func(settings models.ModalitySettings, deps Deps) (interfaces.VideoProvider, error)
)

// Registry - статическая таблица фабрик провайдеров по модальности и ключу.
type Registry struct {
	story map[models.ProviderKey]StoryFactory
	image map[models.ProviderKey]ImageFactory
	audio map[models.ProviderKey]AudioFactory
	video map[models.ProviderKey]VideoFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		story: make(map[models.ProviderKey]StoryFactory),
		image: make(map[models.ProviderKey]ImageFactory),
		audio: make(map[models.ProviderKey]AudioFactory),
		video: make(map[models.ProviderKey]VideoFactory),
	}
}

func (r *Registry) RegisterStory(key models.ProviderKey, f StoryFactory) { r.story[key] = f }
func (r *Registry) RegisterImage(key models.ProviderKey, f ImageFactory) { r.image[key] = f }
func (r *Registry) RegisterAudio(key models.ProviderKey, f AudioFactory) { r.audio[key] = f }
func (r *Registry) RegisterVideo(key models.ProviderKey, f VideoFactory) { r.video[key] = f }

// NewDefaultRegistry регистрирует встроенные провайдеры.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterStory(ProviderOpenAI, func(s models.ModalitySettings, d Deps) (interfaces.StoryProvider, error) {
		gen, err := NewOpenAITextGenerator(s.Credentials, d.httpClient(), d.Logger)
		if err != nil {
			return nil, err
		}
		return NewStoryProvider(ProviderOpenAI, gen, d.Prompts, d.Tokens, d.Logger), nil
	})
	r.RegisterStory(ProviderOllama, func(s models.ModalitySettings, d Deps) (interfaces.StoryProvider, error) {
		gen, err := NewOllamaTextGenerator(s.Credentials, d.httpClient(), d.Logger)
		if err != nil {
			return nil, err
		}
		return NewStoryProvider(ProviderOllama, gen, d.Prompts, d.Tokens, d.Logger), nil
	})
	r.RegisterImage(ProviderOpenAI, func(s models.ModalitySettings, d Deps) (interfaces.ImageProvider, error) {
		return NewOpenAIImageProvider(s.Credentials, d.Media, d.httpClient(), d.Logger)
	})
	r.RegisterImage(ProviderSana, func(s models.ModalitySettings, d Deps) (interfaces.ImageProvider, error) {
		return NewSanaImageProvider(s.Credentials, d.Media, d.httpClient(), d.Logger)
	})
	r.RegisterAudio(ProviderOpenAI, func(s models.ModalitySettings, d Deps) (interfaces.AudioProvider, error) {
		return NewOpenAIAudioProvider(s.Credentials, d.Media, d.httpClient(), d.Logger)
	})
	r.RegisterVideo(ProviderHTTP, func(s models.ModalitySettings, d Deps) (interfaces.VideoProvider, error) {
		return NewHTTPVideoProvider(s.Credentials, d.httpClient(), d.Logger)
	})
	return r
}

// Keys lists registered provider keys for a modality, sorted.
func (r *Registry) Keys(m models.Modality) []models.ProviderKey {
	var keys []models.ProviderKey
	switch m {
	case models.ModalityStory:
		for k := range r.story {
			keys = append(keys, k)
		}
	case models.ModalityImage:
		for k := range r.image {
			keys = append(keys, k)
		}
	case models.ModalityAudio:
		for k := range r.audio {
			keys = append(keys, k)
		}
	case models.ModalityVideo:
		for k := range r.video {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ProviderSet - провайдеры, собранные для одной сессии.
// Optional providers are nil when disabled or when construction failed.
type ProviderSet struct {
	Story interfaces.StoryProvider
	Image interfaces.ImageProvider
	Audio interfaces.AudioProvider
	Video interfaces.VideoProvider

	// Identities holds the credential fingerprint of every built provider.
	Identities map[models.Modality]string
}

// Validator returns the provider of a modality as a Validator, or nil.
func (ps *ProviderSet) Validator(m models.Modality) interfaces.Validator {
	switch m {
	case models.ModalityStory:
		if ps.Story != nil {
			return ps.Story
		}
	case models.ModalityImage:
		if ps.Image != nil {
			return ps.Image
		}
	case models.ModalityAudio:
		if ps.Audio != nil {
			return ps.Audio
		}
	case models.ModalityVideo:
		if ps.Video != nil {
			return ps.Video
		}
	}
	return nil
}

// Build собирает ProviderSet из настроек.
// A missing or unknown story provider is a blocking configuration error; an
// optional modality that cannot be built is returned as a warning.
func (r *Registry) Build(settings *models.AISettings, deps Deps) (*ProviderSet, []models.Warning, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Prompts == nil {
		p, err := LoadPrompts()
		if err != nil {
			return nil, nil, err
		}
		deps.Prompts = p
	}
	set := &ProviderSet{Identities: make(map[models.Modality]string)}

	story := settings.For(models.ModalityStory)
	if story.Provider == "" {
		return nil, nil, models.ErrStoryProviderNotConfigured
	}
	sf, ok := r.story[story.Provider]
	if !ok {
		return nil, nil, fmt.Errorf("%w: story provider %q", models.ErrUnknownProvider, story.Provider)
	}
	sp, err := sf(story, deps)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", models.ErrStoryProviderNotConfigured, err)
	}
	set.Story = sp
	set.Identities[models.ModalityStory] = story.Identity()

	var warnings []models.Warning
	for _, m := range models.OptionalModalities {
		ms := settings.For(m)
		if !ms.Enabled || ms.Provider == "" {
			continue
		}
		if err := r.buildOptional(set, m, ms, deps); err != nil {
			deps.Logger.Warn("optional provider unavailable", zap.String("modality", string(m)), zap.Error(err))
			warnings = append(warnings, models.NewWarning(m, fmt.Errorf("%w: %v", models.ErrModalityUnavailable, err)))
			continue
		}
		set.Identities[m] = ms.Identity()
	}
	return set, warnings, nil
}

func (r *Registry) buildOptional(set *ProviderSet, m models.Modality, ms models.ModalitySettings, deps Deps) error {
	unknown := fmt.Errorf("%w: %s provider %q", models.ErrUnknownProvider, m, ms.Provider)
	var err error
	switch m {
	case models.ModalityImage:
		f, ok := r.image[ms.Provider]
		if !ok {
			return unknown
		}
		set.Image, err = f(ms, deps)
	case models.ModalityAudio:
		f, ok := r.audio[ms.Provider]
		if !ok {
			return unknown
		}
		set.Audio, err = f(ms, deps)
	case models.ModalityVideo:
		f, ok := r.video[ms.Provider]
		if !ok {
			return unknown
		}
		set.Video, err = f(ms, deps)
	}
	return err
}
