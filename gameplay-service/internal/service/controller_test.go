package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"novel-engine/gameplay-service/internal/persistence"
	"novel-engine/pkg/ai"
	"novel-engine/pkg/taskmanager"
	"novel-engine/shared/database"
	"novel-engine/shared/interfaces/mocks"
	"novel-engine/shared/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test harness ---

type staticSettings struct {
	mu       sync.Mutex
	settings models.AISettings
}

func (s *staticSettings) Load(ctx context.Context) (*models.AISettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.settings
	return &c, nil
}

func (s *staticSettings) Save(ctx context.Context, settings *models.AISettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = *settings
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (r *eventRecorder) Notify(ev models.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(t models.SessionEventType) []models.SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SessionEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	ctrl     *Controller
	story    *mocks.MockStoryProvider
	image    *mocks.MockImageProvider
	audio    *mocks.MockAudioProvider
	store    *database.MemorySaveStore
	saves    *persistence.Manager
	tasks    *taskmanager.TaskManager
	events   *eventRecorder
	settings *staticSettings

	// identities overrides the credential fingerprints reported by the builder.
	identities map[models.Modality]string
}

func storyOnlySettings() models.AISettings {
	return models.AISettings{
		Story: models.ModalitySettings{Provider: "openai", Enabled: true, Credentials: models.Credentials{APIKey: "sk-story"}},
	}
}

func withImages(s models.AISettings, auto bool) models.AISettings {
	s.Image = models.ModalitySettings{Provider: "sana", Enabled: true, Credentials: models.Credentials{BaseURL: "http://sana"}}
	s.AutoGenerateImages = auto
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProviderTimeout = 5 * time.Second
	return cfg
}

func newHarness(t *testing.T, settings models.AISettings, cfg Config) *harness {
	t.Helper()
	h := &harness{
		story:      mocks.NewMockStoryProvider(t),
		image:      &mocks.MockImageProvider{},
		audio:      &mocks.MockAudioProvider{},
		store:      database.NewMemorySaveStore(),
		tasks:      taskmanager.New(taskmanager.Config{MaxTasks: 8}),
		events:     &eventRecorder{},
		settings:   &staticSettings{settings: settings},
		identities: map[models.Modality]string{},
	}
	h.saves = persistence.NewManager(h.store, zap.NewNop())
	h.ctrl = NewController(cfg, h.settings, h.build, h.saves, h.tasks, h.events, ai.ApproxCounter{}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.tasks.Shutdown(ctx)
	})
	return h
}

func (h *harness) identity(m models.Modality) string {
	if id, ok := h.identities[m]; ok {
		return id
	}
	return string(m) + "-account"
}

func (h *harness) build(settings *models.AISettings) (*ai.ProviderSet, []models.Warning, error) {
	if settings.Story.Provider == "" {
		return nil, nil, models.ErrStoryProviderNotConfigured
	}
	set := &ai.ProviderSet{
		Story:      h.story,
		Identities: map[models.Modality]string{models.ModalityStory: h.identity(models.ModalityStory)},
	}
	if settings.Image.Enabled {
		set.Image = h.image
		set.Identities[models.ModalityImage] = h.identity(models.ModalityImage)
	}
	if settings.Audio.Enabled {
		set.Audio = h.audio
		set.Identities[models.ModalityAudio] = h.identity(models.ModalityAudio)
	}
	return set, nil, nil
}

func (h *harness) storyValid() {
	h.story.On("Validate", mock.Anything).Return(models.ValidOK).Maybe()
}

func (h *harness) expectOutline(theme, opening string) {
	h.story.On("GenerateOutline", mock.Anything, mock.MatchedBy(func(req models.OutlineRequest) bool {
		return req.Theme == theme
	})).Return(&models.OutlineResult{Outline: models.Outline{
		Title:            "The " + theme + " tale",
		Opening:          opening,
		ImagePrompt:      "a " + theme + " landscape",
		EnvironmentTheme: "forest",
	}}, nil).Once()
}

func (h *harness) expectSegment(action, reply string) {
	h.story.On("GenerateSegment", mock.Anything, mock.MatchedBy(func(req models.SegmentRequest) bool {
		return req.Action == action
	})).Return(&models.SegmentResult{Text: reply, ImagePrompt: "scene: " + action}, nil).Once()
}

func (h *harness) start(t *testing.T, theme string) *models.StartResult {
	t.Helper()
	h.expectOutline(theme, "It begins in a "+theme+" world.")
	res, err := h.ctrl.StartNewGame(context.Background(), theme, "")
	require.NoError(t, err)
	return res
}

func (h *harness) act(t *testing.T, action string) *models.TurnResult {
	t.Helper()
	h.expectSegment(action, "The world answers: "+action)
	res, err := h.ctrl.HandleAction(context.Background(), action)
	require.NoError(t, err)
	return res
}

func (h *harness) waitTasks(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.tasks.WaitIdle(ctx))
}

// --- StartNewGame ---

func TestStartNewGame_CreatesSingleRootAndNewSlot(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	ctx := context.Background()

	first := h.start(t, "noir")
	h.act(t, "light a cigarette")

	second := h.start(t, "fantasy")
	require.NotEqual(t, first.SlotID, second.SlotID)

	view := h.ctrl.Snapshot()
	assert.Equal(t, StateReady, view.State)
	require.NotNil(t, view.Graph)
	require.Len(t, view.Graph.Nodes, 1)
	root := view.Graph.Nodes[0]
	assert.Equal(t, models.RoleNarrator, root.Role)
	assert.Empty(t, root.ParentID)
	assert.Equal(t, "It begins in a fantasy world.", root.Text)
	assert.True(t, root.SkipImage, "images are disabled")
	assert.Equal(t, root.ID, view.Graph.CurrentID)
	assert.Equal(t, root.ID, view.Graph.ViewedID)
	assert.Equal(t, "fantasy", view.GameState.Theme)
	assert.Equal(t, second.SlotID, view.SlotID)

	// the previous game stays intact in its own slot
	prev, err := h.store.LoadGameState(ctx, first.SlotID)
	require.NoError(t, err)
	assert.Len(t, prev.Graph.Nodes, 3)

	current, err := h.saves.CurrentSlotID(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.SlotID, current)

	assert.Len(t, h.events.ofType(models.EventSessionReset), 2)
}

func TestStartNewGame_Validation(t *testing.T) {
	t.Run("empty theme", func(t *testing.T) {
		h := newHarness(t, storyOnlySettings(), testConfig())
		_, err := h.ctrl.StartNewGame(context.Background(), "   ", "")
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("story provider not configured", func(t *testing.T) {
		h := newHarness(t, models.AISettings{}, testConfig())
		_, err := h.ctrl.StartNewGame(context.Background(), "fantasy", "")
		assert.ErrorIs(t, err, models.ErrStoryProviderNotConfigured)
		assert.Equal(t, models.ClassBlockingConfig, models.Classify(err))
		assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
	})

	t.Run("story validation failure blocks", func(t *testing.T) {
		h := newHarness(t, storyOnlySettings(), testConfig())
		h.story.On("Validate", mock.Anything).Return(models.Invalid(errors.New("401 unauthorized"))).Once()

		_, err := h.ctrl.StartNewGame(context.Background(), "fantasy", "")
		require.ErrorIs(t, err, models.ErrStoryProviderInvalid)
		assert.Equal(t, models.ClassBlockingConfig, models.Classify(err))
		assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
		h.story.AssertNotCalled(t, "GenerateOutline", mock.Anything, mock.Anything)
	})
}

func TestStartNewGame_OutlineFailureRestoresPriorSession(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	first := h.start(t, "noir")

	h.story.On("GenerateOutline", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset")).Once()
	_, err := h.ctrl.StartNewGame(context.Background(), "space", "")
	require.ErrorIs(t, err, models.ErrGenerationFailed)
	assert.Equal(t, models.ClassBlockingGeneration, models.Classify(err))

	view := h.ctrl.Snapshot()
	assert.Equal(t, StateReady, view.State)
	assert.Equal(t, "noir", view.GameState.Theme)
	assert.Equal(t, first.SlotID, view.SlotID)
	assert.Contains(t, view.LastError, "connection reset")

	// the restored session still plays
	h.act(t, "look around")
}

func TestStartNewGame_OutlineFailureKeepsPriorMediaRunning(t *testing.T) {
	h := newHarness(t, withImages(storyOnlySettings(), true), testConfig())
	h.storyValid()
	h.image.On("Validate", mock.Anything).Return(models.ValidOK)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.image.On("GenerateImage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(imageFor("/media/noir.png"), nil).Once()

	first := h.start(t, "noir")
	<-entered

	h.story.On("GenerateOutline", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset")).Once()
	_, err := h.ctrl.StartNewGame(context.Background(), "fantasy", "")
	require.ErrorIs(t, err, models.ErrGenerationFailed)
	assert.Equal(t, StateReady, h.ctrl.Snapshot().State)

	close(release)
	h.waitTasks(t)

	view := h.ctrl.Snapshot()
	assert.Equal(t, "noir", view.GameState.Theme)
	root := view.Graph.Node(first.Root.ID)
	assert.Equal(t, models.MediaStatusReady, root.ImageStatus)
	assert.Equal(t, "/media/noir.png", root.ImageURL)

	saved, err := h.store.LoadGameState(context.Background(), first.SlotID)
	require.NoError(t, err)
	assert.Equal(t, "/media/noir.png", saved.Graph.Node(first.Root.ID).ImageURL)
}

func TestStartNewGame_SupersededWhileOutlinePending(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	h.start(t, "noir")

	entered := make(chan struct{})
	release := make(chan struct{})
	h.story.On("GenerateOutline", mock.Anything, mock.MatchedBy(func(req models.OutlineRequest) bool {
		return req.Theme == "space"
	})).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(&models.OutlineResult{Outline: models.Outline{Opening: "Stars."}}, nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.StartNewGame(context.Background(), "space", "")
		done <- err
	}()
	<-entered
	assert.Equal(t, StateGenerating, h.ctrl.Snapshot().State)

	fresh := h.start(t, "fantasy")
	close(release)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, models.ErrStaleResponse)
	case <-time.After(5 * time.Second):
		t.Fatal("superseded start did not return")
	}

	view := h.ctrl.Snapshot()
	assert.Equal(t, StateReady, view.State)
	assert.Equal(t, "fantasy", view.GameState.Theme)
	assert.Equal(t, fresh.SlotID, view.SlotID)
}

func TestStartNewGame_PassesCustomContext(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	h.story.On("GenerateOutline", mock.Anything, models.OutlineRequest{Theme: "heist", CustomContext: "set in 1920s Paris"}).
		Return(&models.OutlineResult{Outline: models.Outline{Opening: "The vault hums."}}, nil).Once()

	res, err := h.ctrl.StartNewGame(context.Background(), " heist ", " set in 1920s Paris ")
	require.NoError(t, err)
	assert.Equal(t, "The vault hums.", res.Root.Text)
	assert.Equal(t, "set in 1920s Paris", h.ctrl.Snapshot().GameState.CustomContext)
}

// --- Provider readiness ---

func TestImageValidationFailure_DoesNotBlockGameplay(t *testing.T) {
	h := newHarness(t, withImages(storyOnlySettings(), true), testConfig())
	h.storyValid()
	h.image.On("Validate", mock.Anything).Return(models.Invalid(errors.New("sana is down")))

	start := h.start(t, "fantasy")
	require.Len(t, start.Warnings, 1)
	assert.Equal(t, models.ClassDegraded, start.Warnings[0].Class)
	assert.Equal(t, models.ModalityImage, start.Warnings[0].Modality)
	assert.False(t, start.Root.SkipImage)
	assert.Equal(t, models.MediaStatusFailed, start.Root.ImageStatus)
	assert.True(t, start.Root.ImageIntendedButUnavailable())

	turn := h.act(t, "open the door")
	assert.True(t, turn.Segment.ImageIntendedButUnavailable())

	h.waitTasks(t)
	h.image.AssertNotCalled(t, "GenerateImage", mock.Anything, mock.Anything)
	assert.Contains(t, h.ctrl.Snapshot().Degraded, models.ModalityImage)

	err := h.ctrl.GenerateImageForNode(context.Background(), turn.Segment.ID)
	assert.ErrorIs(t, err, models.ErrModalityUnavailable)
}

func TestSharedCredentialsReuseStoryValidation(t *testing.T) {
	h := newHarness(t, withImages(storyOnlySettings(), false), testConfig())
	h.identities[models.ModalityStory] = "openai|https://api.openai.com/v1|abc"
	h.identities[models.ModalityImage] = "openai|https://api.openai.com/v1|abc"
	h.storyValid()

	start := h.start(t, "fantasy")
	assert.Empty(t, start.Warnings)
	h.image.AssertNotCalled(t, "Validate", mock.Anything)
	assert.Empty(t, h.ctrl.Snapshot().Degraded)
}

// --- Continue / switch ---

func TestContinueGame_NoSaves(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	_, err := h.ctrl.ContinueGame(context.Background())
	assert.ErrorIs(t, err, models.ErrNoSaves)
}

func TestContinueGame_ResolvesNewestSlot(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	ctx := context.Background()

	h.start(t, "noir")
	newest := h.start(t, "fantasy")
	h.act(t, "open the door")
	require.NoError(t, h.saves.SetCurrentSlot(ctx, ""))

	// a fresh process over the same store
	next := NewController(testConfig(), h.settings, h.build, h.saves, h.tasks, nil, nil, zap.NewNop())
	res, err := next.ContinueGame(ctx)
	require.NoError(t, err)
	assert.Equal(t, newest.SlotID, res.SlotID)
	assert.Equal(t, "The world answers: open the door", res.Current.Text)

	view := next.Snapshot()
	assert.Equal(t, StateReady, view.State)
	assert.Equal(t, "fantasy", view.GameState.Theme)
	assert.Len(t, view.Graph.Nodes, 3)
}

func TestContinueGame_ProviderFailureKeepsPriorSession(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.story.On("Validate", mock.Anything).Return(models.ValidOK).Twice()
	ctx := context.Background()

	older := h.start(t, "noir")
	active := h.start(t, "fantasy")
	require.NoError(t, h.saves.SetCurrentSlot(ctx, older.SlotID))
	before := h.ctrl.Snapshot()

	t.Run("story validation fails", func(t *testing.T) {
		h.story.On("Validate", mock.Anything).Return(models.Invalid(errors.New("quota exceeded"))).Once()
		_, err := h.ctrl.ContinueGame(ctx)
		require.ErrorIs(t, err, models.ErrStoryProviderInvalid)

		view := h.ctrl.Snapshot()
		assert.Equal(t, active.SlotID, view.SlotID)
		assert.Equal(t, "fantasy", view.GameState.Theme)
		assert.Equal(t, before.Epoch, view.Epoch)
		assert.Equal(t, StateReady, view.State)
	})

	t.Run("story provider not configured", func(t *testing.T) {
		require.NoError(t, h.settings.Save(ctx, &models.AISettings{}))
		_, err := h.ctrl.ContinueGame(ctx)
		require.ErrorIs(t, err, models.ErrStoryProviderNotConfigured)

		view := h.ctrl.Snapshot()
		assert.Equal(t, active.SlotID, view.SlotID)
		assert.Equal(t, "fantasy", view.GameState.Theme)
		assert.Equal(t, before.Epoch, view.Epoch)
	})

	t.Run("fresh process stays idle", func(t *testing.T) {
		next := NewController(testConfig(), h.settings, h.build, h.saves, h.tasks, nil, nil, zap.NewNop())
		_, err := next.ContinueGame(ctx)
		require.ErrorIs(t, err, models.ErrStoryProviderNotConfigured)

		view := next.Snapshot()
		assert.Equal(t, StateIdle, view.State)
		assert.Empty(t, view.SlotID)
		assert.Nil(t, view.Graph)
	})
}

func TestSwitchSlot_TwiceYieldsIdenticalGraphs(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	ctx := context.Background()

	res := h.start(t, "fantasy")
	h.act(t, "open the door")
	h.act(t, "step inside")
	h.start(t, "noir")

	require.NoError(t, h.ctrl.SwitchSlot(ctx, res.SlotID))
	first := h.ctrl.Snapshot()
	require.NoError(t, h.ctrl.SwitchSlot(ctx, res.SlotID))
	second := h.ctrl.Snapshot()

	assert.Equal(t, first.Graph, second.Graph)
	assert.Equal(t, first.GameState, second.GameState)
	assert.Len(t, second.Graph.Nodes, 5)
	assert.Greater(t, second.Epoch, first.Epoch)
	assert.Equal(t, res.SlotID, second.SlotID)
}

func TestSwitchSlot_MissingSlotKeepsSession(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	res := h.start(t, "fantasy")

	err := h.ctrl.SwitchSlot(context.Background(), "no-such-slot")
	require.ErrorIs(t, err, models.ErrSlotNotFound)
	view := h.ctrl.Snapshot()
	assert.Equal(t, res.SlotID, view.SlotID)
	assert.Equal(t, "fantasy", view.GameState.Theme)
}

func TestSwitchSlot_ValidatesLazilyOnNextAction(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.story.On("Validate", mock.Anything).Return(models.ValidOK).Twice()
	res := h.start(t, "fantasy")

	require.NoError(t, h.ctrl.SwitchSlot(context.Background(), res.SlotID))
	h.act(t, "open the door")
	h.act(t, "walk on")

	h.story.AssertNumberOfCalls(t, "Validate", 2)
}

// --- Slot management ---

func TestDeleteActiveSlot_DetachesSession(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	ctx := context.Background()
	res := h.start(t, "fantasy")

	require.NoError(t, h.ctrl.DeleteSlot(ctx, res.SlotID))
	assert.Empty(t, h.ctrl.Snapshot().SlotID)

	h.act(t, "open the door")
	ids, err := h.saves.GetAllSaveIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.NotEqual(t, res.SlotID, ids[0])

	assert.ErrorIs(t, h.ctrl.DeleteSlot(ctx, res.SlotID), models.ErrSlotNotFound)
}

func TestClearAllSaves(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	ctx := context.Background()
	h.start(t, "noir")
	h.start(t, "fantasy")

	assert.ErrorIs(t, h.ctrl.ClearAllSaves(ctx, false), models.ErrConfirmationRequired)
	ids, err := h.saves.GetAllSaveIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	require.NoError(t, h.ctrl.ClearAllSaves(ctx, true))
	ids, err = h.saves.GetAllSaveIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, h.ctrl.Snapshot().SlotID)
	assert.Equal(t, "fantasy", h.ctrl.Snapshot().GameState.Theme)

	// the detached session keeps saving, into a fresh slot
	h.act(t, "keep walking")
	view := h.ctrl.Snapshot()
	require.NotEmpty(t, view.SlotID)
	ids, err = h.saves.GetAllSaveIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{view.SlotID}, ids)
}

func TestSaveAs_SwitchesSessionToNewSlot(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	ctx := context.Background()
	res := h.start(t, "fantasy")

	slot, err := h.ctrl.SaveAs(ctx, "Before the door")
	require.NoError(t, err)
	assert.NotEqual(t, res.SlotID, slot.ID)
	assert.Equal(t, "Before the door", slot.Name)
	assert.Equal(t, slot.ID, h.ctrl.Snapshot().SlotID)

	h.act(t, "open the door")
	original, err := h.store.LoadGameState(ctx, res.SlotID)
	require.NoError(t, err)
	assert.Len(t, original.Graph.Nodes, 1)
	copied, err := h.store.LoadGameState(ctx, slot.ID)
	require.NoError(t, err)
	assert.Len(t, copied.Graph.Nodes, 3)
	assert.Equal(t, uint64(2), copied.Revision)
}

func TestSaveAs_WithoutGame(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	_, err := h.ctrl.SaveAs(context.Background(), "x")
	assert.ErrorIs(t, err, models.ErrNoActiveGame)
}

func TestImportBackup_DetachesOverwrittenActiveSlot(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	ctx := context.Background()
	res := h.start(t, "fantasy")

	doc, err := h.ctrl.ExportBackup(ctx)
	require.NoError(t, err)
	require.Contains(t, doc.Saves, res.SlotID)

	n, err := h.ctrl.ImportBackup(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, h.ctrl.Snapshot().SlotID)
}

func TestSettings_AreSanitized(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	s, err := h.ctrl.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "***", s.Story.Credentials.APIKey)
}
