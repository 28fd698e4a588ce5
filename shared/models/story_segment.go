package models

import "time"

// SegmentRole определяет автора узла истории.
type SegmentRole string

const (
	RoleNarrator SegmentRole = "narrator"
	RoleUser     SegmentRole = "user"
)

// MediaStatus - статус генерации медиа для узла.
type MediaStatus string

const (
	MediaStatusNone       MediaStatus = ""
	MediaStatusPending    MediaStatus = "pending"
	MediaStatusGenerating MediaStatus = "generating"
	MediaStatusReady      MediaStatus = "ready"
	MediaStatusFailed     MediaStatus = "failed"
)

// TokenUsage содержит информацию об использовании токенов.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
	// Estimated is set when the provider did not report usage and it was counted locally.
	Estimated bool `json:"estimated,omitempty"`
}

// SummarySnapshot condenses every ancestor up to and including the node it is attached to.
type SummarySnapshot struct {
	Text         string    `json:"text"`
	CoveredNodes int       `json:"coveredNodes"`
	CreatedAt    time.Time `json:"createdAt"`
}

// StorySegment - узел графа истории.
type StorySegment struct {
	ID        string      `json:"id"`
	Role      SegmentRole `json:"role"`
	Text      string      `json:"text"`
	ParentID  string      `json:"parentId,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`

	// Image. SkipImage=true means an image was never intended for this node;
	// SkipImage=false with ImageStatus=failed means intended but unavailable.
	ImagePrompt string      `json:"imagePrompt,omitempty"`
	ImageURL    string      `json:"imageUrl,omitempty"`
	SkipImage   bool        `json:"skipImage"`
	ImageStatus MediaStatus `json:"imageStatus,omitempty"`
	ImageError  string      `json:"imageError,omitempty"`

	AudioKey    string      `json:"audioKey,omitempty"`
	AudioStatus MediaStatus `json:"audioStatus,omitempty"`
	AudioError  string      `json:"audioError,omitempty"`

	VideoURL    string      `json:"videoUrl,omitempty"`
	VideoStatus MediaStatus `json:"videoStatus,omitempty"`
	VideoError  string      `json:"videoError,omitempty"`

	Usage            *TokenUsage      `json:"usage,omitempty"`
	Tone             string           `json:"tone,omitempty"`
	EnvironmentTheme string           `json:"environmentTheme,omitempty"`
	Summary          *SummarySnapshot `json:"summary,omitempty"`
}

// IsRoot reports whether the node has no parent.
func (s *StorySegment) IsRoot() bool {
	return s.ParentID == ""
}

// ImageIntendedButUnavailable reports the "failed, but was supposed to have one" state.
func (s *StorySegment) ImageIntendedButUnavailable() bool {
	return !s.SkipImage && s.ImageStatus == MediaStatusFailed
}

// Clone returns a deep copy of the segment.
func (s *StorySegment) Clone() *StorySegment {
	if s == nil {
		return nil
	}
	c := *s
	if s.Usage != nil {
		u := *s.Usage
		c.Usage = &u
	}
	if s.Summary != nil {
		sum := *s.Summary
		c.Summary = &sum
	}
	return &c
}

// GameState хранит параметры текущей игры.
type GameState struct {
	Theme            string   `json:"theme"`
	EnvironmentTheme string   `json:"environmentTheme,omitempty"`
	Outline          *Outline `json:"outline,omitempty"`
	CustomContext    string   `json:"customContext,omitempty"`
}

// Started reports whether gameplay is allowed, i.e. an outline exists.
func (g *GameState) Started() bool {
	return g != nil && g.Outline != nil
}

// Outline - план истории, полученный от story-провайдера при старте игры.
type Outline struct {
	Title            string   `json:"title"`
	Premise          string   `json:"premise"`
	Opening          string   `json:"opening"`
	ImagePrompt      string   `json:"imagePrompt,omitempty"`
	EnvironmentTheme string   `json:"environmentTheme,omitempty"`
	Tone             string   `json:"tone,omitempty"`
	Beats            []string `json:"beats,omitempty"`
}
