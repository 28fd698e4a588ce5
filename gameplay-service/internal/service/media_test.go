package service

import (
	"context"
	"errors"
	"testing"

	"novel-engine/shared/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func imageFor(url string) *models.ImageResult {
	return &models.ImageResult{URL: url}
}

func TestAutoImageGeneratedAfterCommit(t *testing.T) {
	h := newHarness(t, withImages(storyOnlySettings(), true), testConfig())
	h.storyValid()
	h.image.On("Validate", mock.Anything).Return(models.ValidOK)
	h.image.On("GenerateImage", mock.Anything, mock.MatchedBy(func(req models.ImageRequest) bool {
		return req.Prompt == "a fantasy landscape"
	})).Return(imageFor("/media/root.png"), nil).Once()

	start := h.start(t, "fantasy")
	assert.False(t, start.Root.SkipImage)
	assert.Equal(t, models.MediaStatusPending, start.Root.ImageStatus)

	h.waitTasks(t)
	view := h.ctrl.Snapshot()
	root := view.Graph.Node(start.Root.ID)
	assert.Equal(t, models.MediaStatusReady, root.ImageStatus)
	assert.Equal(t, "/media/root.png", root.ImageURL)

	// the node was committed before its media task ran
	committed := h.events.ofType(models.EventNodeCommitted)
	updated := h.events.ofType(models.EventMediaUpdated)
	require.NotEmpty(t, committed)
	require.Len(t, updated, 2)
	assert.Equal(t, models.MediaStatusGenerating, updated[0].Node.ImageStatus)
	assert.Equal(t, models.MediaStatusReady, updated[1].Node.ImageStatus)

	saved, err := h.store.LoadGameState(context.Background(), start.SlotID)
	require.NoError(t, err)
	assert.Equal(t, "/media/root.png", saved.Graph.Node(start.Root.ID).ImageURL)
	assert.Equal(t, uint64(2), saved.Revision)
	h.image.AssertExpectations(t)
}

func TestManualImage_LatestSuccessWinsAndFailureNeverErases(t *testing.T) {
	h := newHarness(t, withImages(storyOnlySettings(), false), testConfig())
	h.storyValid()
	h.image.On("Validate", mock.Anything).Return(models.ValidOK)
	ctx := context.Background()

	start := h.start(t, "fantasy")
	assert.Equal(t, models.MediaStatusNone, start.Root.ImageStatus, "no automatic image")
	h.waitTasks(t)
	h.image.AssertNotCalled(t, "GenerateImage", mock.Anything, mock.Anything)

	h.image.On("GenerateImage", mock.Anything, mock.Anything).Return(imageFor("/media/one.png"), nil).Once()
	require.NoError(t, h.ctrl.GenerateImageForNode(ctx, start.Root.ID))
	h.waitTasks(t)

	h.image.On("GenerateImage", mock.Anything, mock.Anything).Return(nil, errors.New("gpu busy")).Once()
	require.NoError(t, h.ctrl.GenerateImageForNode(ctx, start.Root.ID))
	h.waitTasks(t)

	root := h.ctrl.Snapshot().Graph.Node(start.Root.ID)
	assert.Equal(t, models.MediaStatusReady, root.ImageStatus)
	assert.Equal(t, "/media/one.png", root.ImageURL)
	assert.NotEmpty(t, h.events.ofType(models.EventWarning))

	h.image.On("GenerateImage", mock.Anything, mock.Anything).Return(imageFor("/media/two.png"), nil).Once()
	require.NoError(t, h.ctrl.GenerateImageForNode(ctx, start.Root.ID))
	h.waitTasks(t)
	assert.Equal(t, "/media/two.png", h.ctrl.Snapshot().Graph.Node(start.Root.ID).ImageURL)
}

func TestImageFailureMarksIntendedButUnavailable(t *testing.T) {
	h := newHarness(t, withImages(storyOnlySettings(), true), testConfig())
	h.storyValid()
	h.image.On("Validate", mock.Anything).Return(models.ValidOK)
	h.image.On("GenerateImage", mock.Anything, mock.Anything).Return(nil, errors.New("nsfw filter")).Once()

	start := h.start(t, "fantasy")
	h.waitTasks(t)

	root := h.ctrl.Snapshot().Graph.Node(start.Root.ID)
	assert.True(t, root.ImageIntendedButUnavailable())
	assert.Contains(t, root.ImageError, "nsfw filter")
	assert.Equal(t, StateReady, h.ctrl.Snapshot().State)
}

func TestGenerateImageForNode_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no game", func(t *testing.T) {
		h := newHarness(t, withImages(storyOnlySettings(), false), testConfig())
		assert.ErrorIs(t, h.ctrl.GenerateImageForNode(ctx, "x"), models.ErrNoActiveGame)
	})

	t.Run("node checks", func(t *testing.T) {
		h := newHarness(t, withImages(storyOnlySettings(), false), testConfig())
		h.storyValid()
		h.image.On("Validate", mock.Anything).Return(models.ValidOK)
		h.start(t, "fantasy")
		turn := h.act(t, "open the door")

		assert.ErrorIs(t, h.ctrl.GenerateImageForNode(ctx, "missing"), models.ErrNodeNotFound)
		assert.ErrorIs(t, h.ctrl.GenerateImageForNode(ctx, turn.Segment.ParentID), models.ErrInvalidInput)
	})

	t.Run("modality disabled", func(t *testing.T) {
		h := newHarness(t, storyOnlySettings(), testConfig())
		h.storyValid()
		start := h.start(t, "fantasy")

		err := h.ctrl.GenerateImageForNode(ctx, start.Root.ID)
		assert.ErrorIs(t, err, models.ErrModalityUnavailable)
		assert.Equal(t, models.ClassDegraded, models.Classify(err))
		assert.ErrorIs(t, h.ctrl.GenerateVideoForNode(ctx, start.Root.ID), models.ErrModalityUnavailable)
	})
}

func TestAutoAudioGeneratedAfterCommit(t *testing.T) {
	settings := storyOnlySettings()
	settings.Audio = models.ModalitySettings{Provider: "openai", Enabled: true, Credentials: models.Credentials{APIKey: "sk-audio"}}
	settings.AutoGenerateAudio = true

	h := newHarness(t, settings, testConfig())
	h.storyValid()
	h.audio.On("Validate", mock.Anything).Return(models.ValidOK)
	h.audio.On("GenerateAudio", mock.Anything, mock.MatchedBy(func(req models.AudioRequest) bool {
		return req.Text == "It begins in a fantasy world."
	})).Return(&models.AudioResult{Key: "root-audio.mp3", URL: "/media/root-audio.mp3"}, nil).Once()

	start := h.start(t, "fantasy")
	assert.Equal(t, models.MediaStatusPending, start.Root.AudioStatus)
	assert.True(t, start.Root.SkipImage)

	h.waitTasks(t)
	root := h.ctrl.Snapshot().Graph.Node(start.Root.ID)
	assert.Equal(t, models.MediaStatusReady, root.AudioStatus)
	assert.Equal(t, "root-audio.mp3", root.AudioKey)
	h.audio.AssertExpectations(t)
}

func TestMediaOfSupersededSessionIsDiscarded(t *testing.T) {
	h := newHarness(t, withImages(storyOnlySettings(), true), testConfig())
	h.storyValid()
	h.image.On("Validate", mock.Anything).Return(models.ValidOK)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.image.On("GenerateImage", mock.Anything, mock.MatchedBy(func(req models.ImageRequest) bool {
		return req.Prompt == "a noir landscape"
	})).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(imageFor("/media/old.png"), nil).Once()
	h.image.On("GenerateImage", mock.Anything, mock.MatchedBy(func(req models.ImageRequest) bool {
		return req.Prompt == "a fantasy landscape"
	})).Return(imageFor("/media/new.png"), nil).Once()

	old := h.start(t, "noir")
	<-entered
	fresh := h.start(t, "fantasy")
	close(release)
	h.waitTasks(t)

	view := h.ctrl.Snapshot()
	require.Len(t, view.Graph.Nodes, 1)
	assert.Equal(t, "/media/new.png", view.Graph.Nodes[0].ImageURL)
	assert.Nil(t, view.Graph.Node(old.Root.ID))

	saved, err := h.store.LoadGameState(context.Background(), old.SlotID)
	require.NoError(t, err)
	assert.Empty(t, saved.Graph.Node(old.Root.ID).ImageURL)
	assert.Equal(t, fresh.SlotID, view.SlotID)
}
