package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"novel-engine/shared/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGenerator replays canned responses in order.
type fakeGenerator struct {
	responses []string
	errs      []error
	usage     *models.TokenUsage
	pingErr   error
	calls     [][]ChatMessage
	jsonModes []bool
}

func (f *fakeGenerator) Model() string { return "fake-model" }

func (f *fakeGenerator) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeGenerator) GenerateText(ctx context.Context, messages []ChatMessage, jsonMode bool) (string, *models.TokenUsage, error) {
	i := len(f.calls)
	f.calls = append(f.calls, messages)
	f.jsonModes = append(f.jsonModes, jsonMode)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return "", nil, err
	}
	resp := ""
	if i < len(f.responses) {
		resp = f.responses[i]
	}
	return resp, f.usage, nil
}

func newTestStoryProvider(t *testing.T, gen *fakeGenerator) *storyProvider {
	t.Helper()
	prompts, err := LoadPrompts()
	require.NoError(t, err)
	p := NewStoryProvider("fake", gen, prompts, ApproxCounter{}, zap.NewNop()).(*storyProvider)
	p.retryDelay = time.Millisecond
	return p
}

func TestStoryProvider_GenerateOutline(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		`{"title":"The Door","premise":"p","opening":"You wake in a stone hall.","environmentTheme":"Castle","imagePrompt":"a stone hall"}`,
	}}
	p := newTestStoryProvider(t, gen)

	res, err := p.GenerateOutline(context.Background(), models.OutlineRequest{Theme: "fantasy", WantImage: true})
	require.NoError(t, err)
	assert.Equal(t, "You wake in a stone hall.", res.Outline.Opening)
	assert.Equal(t, "castle", res.Outline.EnvironmentTheme)
	assert.Equal(t, "a stone hall", res.Outline.ImagePrompt)
	require.NotNil(t, res.Usage)
	assert.True(t, res.Usage.Estimated)

	require.Len(t, gen.calls, 1)
	assert.Equal(t, roleSystem, gen.calls[0][0].Role)
	assert.Contains(t, gen.calls[0][0].Content, "Theme: fantasy")
	assert.True(t, gen.jsonModes[0])
}

func TestStoryProvider_GenerateSegment(t *testing.T) {
	t.Run("History mapped to chat roles", func(t *testing.T) {
		gen := &fakeGenerator{
			responses: []string{`{"text":"The door creaks open.","imagePrompt":"open door","tone":"tense"}`},
			usage:     &models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}
		p := newTestStoryProvider(t, gen)

		res, err := p.GenerateSegment(context.Background(), models.SegmentRequest{
			Theme:   "fantasy",
			Summary: "Earlier you found a key.",
			History: []models.ContextMessage{
				{Role: models.RoleNarrator, Text: "You stand before a door."},
			},
			Action: "open the door",
		})
		require.NoError(t, err)
		assert.Equal(t, "The door creaks open.", res.Text)
		assert.Empty(t, res.ImagePrompt, "image prompt dropped when no image is wanted")
		assert.Equal(t, 15, res.Usage.TotalTokens)
		assert.False(t, res.Usage.Estimated)

		msgs := gen.calls[0]
		require.Len(t, msgs, 3)
		assert.Contains(t, msgs[0].Content, "Earlier you found a key.")
		assert.Equal(t, roleAssistant, msgs[1].Role)
		assert.Equal(t, roleUser, msgs[2].Role)
		assert.Equal(t, "open the door", msgs[2].Content)
	})

	t.Run("Retries after malformed reply", func(t *testing.T) {
		gen := &fakeGenerator{responses: []string{`{"text": ""}`, `{"text":"Second try."}`}}
		p := newTestStoryProvider(t, gen)

		res, err := p.GenerateSegment(context.Background(), models.SegmentRequest{Action: "wait"})
		require.NoError(t, err)
		assert.Equal(t, "Second try.", res.Text)
		assert.Len(t, gen.calls, 2)
	})

	t.Run("Fails after retries", func(t *testing.T) {
		gen := &fakeGenerator{errs: []error{errors.New("boom"), errors.New("boom")}}
		p := newTestStoryProvider(t, gen)

		_, err := p.GenerateSegment(context.Background(), models.SegmentRequest{Action: "wait"})
		assert.ErrorIs(t, err, models.ErrGenerationFailed)
		assert.Equal(t, models.ClassBlockingGeneration, models.Classify(err))
	})

	t.Run("Empty action rejected", func(t *testing.T) {
		p := newTestStoryProvider(t, &fakeGenerator{})
		_, err := p.GenerateSegment(context.Background(), models.SegmentRequest{Action: "  "})
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})
}

func TestStoryProvider_SummarizeAndValidate(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"  You found a key and opened the door.  "}}
	p := newTestStoryProvider(t, gen)

	summary, err := p.Summarize(context.Background(), models.SummaryRequest{
		PreviousSummary: "You woke up.",
		Messages: []models.ContextMessage{
			{Role: models.RoleUser, Text: "take the key"},
			{Role: models.RoleNarrator, Text: "You take it."},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "You found a key and opened the door.", summary)
	assert.False(t, gen.jsonModes[0])
	assert.Contains(t, gen.calls[0][1].Content, "Player: take the key")
	assert.Contains(t, gen.calls[0][0].Content, "Earlier summary: You woke up.")

	assert.True(t, p.Validate(context.Background()).IsValid)
	gen.pingErr = errors.New("401 unauthorized")
	res := p.Validate(context.Background())
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Error, "401")
}
