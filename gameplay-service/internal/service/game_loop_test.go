package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"novel-engine/gameplay-service/internal/persistence"
	"novel-engine/shared/database"
	"novel-engine/shared/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFantasyOpenTheDoorScenario(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	ctx := context.Background()

	start := h.start(t, "fantasy")

	h.story.On("GenerateSegment", mock.Anything, mock.MatchedBy(func(req models.SegmentRequest) bool {
		return req.Action == "open the door" &&
			req.Theme == "fantasy" &&
			req.Outline != nil &&
			len(req.History) == 1 &&
			req.History[0].Role == models.RoleNarrator &&
			req.History[0].Text == start.Root.Text
	})).Return(&models.SegmentResult{Text: "The door creaks open onto a moonlit hall.", EnvironmentTheme: "castle"}, nil).Once()

	turn, err := h.ctrl.HandleAction(ctx, "  open the door ")
	require.NoError(t, err)
	require.NotNil(t, turn.Segment)
	assert.Empty(t, turn.Warnings)
	assert.Equal(t, models.RoleNarrator, turn.Segment.Role)
	assert.Equal(t, "The door creaks open onto a moonlit hall.", turn.Segment.Text)

	view := h.ctrl.Snapshot()
	require.Len(t, view.Graph.Nodes, 3)
	user := view.Graph.Node(turn.Segment.ParentID)
	require.NotNil(t, user)
	assert.Equal(t, models.RoleUser, user.Role)
	assert.Equal(t, "open the door", user.Text)
	assert.True(t, user.SkipImage)
	assert.Equal(t, start.Root.ID, user.ParentID)
	assert.Equal(t, turn.Segment.ID, view.Graph.CurrentID)
	assert.Equal(t, turn.Segment.ID, view.Graph.ViewedID)
	assert.Equal(t, "castle", view.GameState.EnvironmentTheme)
	assert.Equal(t, StateReady, view.State)

	committed := h.events.ofType(models.EventNodeCommitted)
	require.Len(t, committed, 3)
	assert.Equal(t, user.ID, committed[1].NodeID)
	assert.Equal(t, turn.Segment.ID, committed[2].NodeID)

	slot, err := h.store.GetSlot(ctx, start.SlotID)
	require.NoError(t, err)
	assert.Equal(t, 3, slot.NodeCount)
	assert.Equal(t, uint64(2), slot.Revision)
	assert.False(t, h.ctrl.IsAutoSaving())
}

func TestHandleAction_Preconditions(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	ctx := context.Background()

	_, err := h.ctrl.HandleAction(ctx, "open the door")
	assert.ErrorIs(t, err, models.ErrNoActiveGame)

	h.start(t, "fantasy")
	_, err = h.ctrl.HandleAction(ctx, "   ")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	assert.Len(t, h.ctrl.Snapshot().Graph.Nodes, 1)

	_, err = h.ctrl.RetryLastAction(ctx)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestHandleAction_RejectedWhileGenerating(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	h.start(t, "fantasy")

	entered := make(chan struct{})
	release := make(chan struct{})
	h.story.On("GenerateSegment", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(&models.SegmentResult{Text: "You wait."}, nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.HandleAction(context.Background(), "wait")
		done <- err
	}()
	<-entered

	assert.Equal(t, StateGenerating, h.ctrl.Snapshot().State)
	_, err := h.ctrl.HandleAction(context.Background(), "run")
	assert.ErrorIs(t, err, models.ErrGenerationInProgress)
	_, err = h.ctrl.RetryLastAction(context.Background())
	assert.ErrorIs(t, err, models.ErrGenerationInProgress)

	close(release)
	require.NoError(t, <-done)
	view := h.ctrl.Snapshot()
	assert.Equal(t, StateReady, view.State)
	assert.Len(t, view.Graph.Nodes, 3)
}

func TestHandleAction_FailureKeepsUserNodeAndRetrySucceeds(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	ctx := context.Background()
	start := h.start(t, "fantasy")

	h.story.On("GenerateSegment", mock.Anything, mock.Anything).
		Return(nil, errors.New("upstream 502")).Once()
	_, err := h.ctrl.HandleAction(ctx, "open the door")
	require.ErrorIs(t, err, models.ErrGenerationFailed)
	assert.Equal(t, models.ClassBlockingGeneration, models.Classify(err))

	view := h.ctrl.Snapshot()
	assert.Equal(t, StateError, view.State)
	assert.Contains(t, view.LastError, "upstream 502")
	assert.Equal(t, start.Root.ID, view.Graph.CurrentID, "current leaf stays at the prior leaf")
	assert.Equal(t, start.Root.ID, view.Graph.ViewedID)
	require.Len(t, view.Graph.Nodes, 2, "the user node is kept as a dangling branch")
	userID := view.PendingRetry
	require.NotEmpty(t, userID)
	assert.Equal(t, "open the door", view.Graph.Node(userID).Text)

	// the failed action was persisted too
	saved, err := h.store.LoadGameState(ctx, start.SlotID)
	require.NoError(t, err)
	assert.Len(t, saved.Graph.Nodes, 2)

	h.expectSegment("open the door", "The door swings open.")
	turn, err := h.ctrl.RetryLastAction(ctx)
	require.NoError(t, err)
	assert.Equal(t, userID, turn.Segment.ParentID)

	view = h.ctrl.Snapshot()
	assert.Equal(t, StateReady, view.State)
	assert.Empty(t, view.LastError)
	assert.Empty(t, view.PendingRetry)
	assert.Len(t, view.Graph.Nodes, 3, "retry does not duplicate the user node")
	assert.Equal(t, turn.Segment.ID, view.Graph.CurrentID)
}

func TestHandleAction_AcceptedFromErrorState(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	start := h.start(t, "fantasy")

	h.story.On("GenerateSegment", mock.Anything, mock.Anything).
		Return(nil, errors.New("timeout")).Once()
	_, err := h.ctrl.HandleAction(context.Background(), "open the door")
	require.Error(t, err)

	turn := h.act(t, "knock instead")
	view := h.ctrl.Snapshot()
	assert.Equal(t, StateReady, view.State)
	assert.Len(t, view.Graph.Nodes, 4)
	path, top := 0, ""
	for id := turn.Segment.ID; id != ""; id = view.Graph.Node(id).ParentID {
		path++
		top = id
	}
	assert.Equal(t, 3, path)
	assert.Equal(t, start.Root.ID, top)

	_, err = h.ctrl.RetryLastAction(context.Background())
	assert.ErrorIs(t, err, models.ErrInvalidInput, "the failed branch is no longer retryable")
}

func TestStaleResponseDiscardedAfterStartNewGame(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	h.start(t, "noir")

	entered := make(chan struct{})
	release := make(chan struct{})
	h.story.On("GenerateSegment", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(&models.SegmentResult{Text: "A late reply."}, nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.HandleAction(context.Background(), "light a cigarette")
		done <- err
	}()
	<-entered

	fresh := h.start(t, "fantasy")
	close(release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, models.ErrStaleResponse)
	case <-time.After(5 * time.Second):
		t.Fatal("stale action did not return")
	}

	view := h.ctrl.Snapshot()
	assert.Equal(t, StateReady, view.State)
	require.Len(t, view.Graph.Nodes, 1)
	assert.Equal(t, fresh.Root.ID, view.Graph.Nodes[0].ID)
	for _, n := range view.Graph.Nodes {
		assert.NotEqual(t, "A late reply.", n.Text)
	}

	saved, err := h.store.LoadGameState(context.Background(), fresh.SlotID)
	require.NoError(t, err)
	assert.Len(t, saved.Graph.Nodes, 1)
}

func TestAutosaveAfterTwoActionsKeepsFirstAction(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	ctx := context.Background()
	start := h.start(t, "fantasy")

	first := h.act(t, "open the door")
	h.act(t, "climb the stairs")

	saved, err := h.store.LoadGameState(ctx, start.SlotID)
	require.NoError(t, err)
	assert.Len(t, saved.Graph.Nodes, 5)
	assert.NotNil(t, saved.Graph.Node(first.Segment.ID))
	assert.NotNil(t, saved.Graph.Node(first.Segment.ParentID))
	assert.Equal(t, "open the door", saved.Graph.Node(first.Segment.ParentID).Text)
	assert.Equal(t, uint64(3), saved.Revision)
}

func TestAutosaveToTombstonedSlotIsSkipped(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	ctx := context.Background()
	start := h.start(t, "fantasy")

	// deleted behind the session's back: the late autosave must not resurrect it
	require.NoError(t, h.saves.DeleteSlot(ctx, start.SlotID))
	turn := h.act(t, "open the door")
	assert.Empty(t, turn.Warnings)
	assert.Len(t, h.ctrl.Snapshot().Graph.Nodes, 3)

	_, err := h.store.GetSlot(ctx, start.SlotID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

type flakyStore struct {
	*database.MemorySaveStore
	fail atomic.Bool
}

func (s *flakyStore) UpsertSlot(ctx context.Context, slot *models.SaveSlot, snap *models.SlotSnapshot) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.MemorySaveStore.UpsertSlot(ctx, slot, snap)
}

func TestPersistenceFailureIsAWarning(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	store := &flakyStore{MemorySaveStore: database.NewMemorySaveStore()}
	saves := persistence.NewManager(store, zap.NewNop())
	h.ctrl = NewController(testConfig(), h.settings, h.build, saves, h.tasks, h.events, nil, zap.NewNop())
	h.start(t, "fantasy")

	store.fail.Store(true)
	turn := h.act(t, "open the door")
	require.Len(t, turn.Warnings, 1)
	assert.Equal(t, models.ClassPersistence, turn.Warnings[0].Class)
	assert.Equal(t, StateReady, h.ctrl.Snapshot().State)
	assert.NotEmpty(t, h.events.ofType(models.EventWarning))

	// the in-memory session stays authoritative and is saved once the store recovers
	store.fail.Store(false)
	h.act(t, "climb the stairs")
	saved, err := store.LoadGameState(context.Background(), h.ctrl.Snapshot().SlotID)
	require.NoError(t, err)
	assert.Len(t, saved.Graph.Nodes, 5)
}

// --- Navigation ---

func TestNavigateToNode(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	h.storyValid()
	start := h.start(t, "fantasy")
	turn := h.act(t, "open the door")

	before := h.ctrl.Snapshot()
	err := h.ctrl.NavigateToNode("missing")
	require.ErrorIs(t, err, models.ErrNodeNotFound)
	assert.Equal(t, before.Graph, h.ctrl.Snapshot().Graph)

	require.NoError(t, h.ctrl.NavigateToNode(start.Root.ID))
	after := h.ctrl.Snapshot()
	assert.Equal(t, start.Root.ID, after.Graph.ViewedID)
	assert.Equal(t, turn.Segment.ID, after.Graph.CurrentID)
	assert.Len(t, after.Graph.Nodes, 3)
}

func TestNavigateToNode_WithoutGame(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), testConfig())
	assert.ErrorIs(t, h.ctrl.NavigateToNode("root"), models.ErrNodeNotFound)
}

// --- Summarization ---

func summaryConfig() Config {
	cfg := testConfig()
	cfg.SummaryKeepRecent = 2
	cfg.SummaryTurnThreshold = 3
	cfg.SummaryTokenThreshold = 1 << 20
	return cfg
}

func TestSummarizationTriggersAndContextUsesSnapshot(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), summaryConfig())
	h.storyValid()
	ctx := context.Background()
	h.start(t, "fantasy")
	first := h.act(t, "open the door")
	h.act(t, "climb the stairs")

	// ancestor chain is now 5 nodes: root, u1, n1, u2, n2
	h.story.On("Summarize", mock.Anything, mock.MatchedBy(func(req models.SummaryRequest) bool {
		return req.PreviousSummary == "" && len(req.Messages) == 3 && req.Messages[1].Text == "open the door"
	})).Return("The hero entered the castle.", nil).Once()
	h.story.On("GenerateSegment", mock.Anything, mock.MatchedBy(func(req models.SegmentRequest) bool {
		return req.Summary == "The hero entered the castle." &&
			len(req.History) == 2 &&
			req.History[0].Text == "climb the stairs" &&
			req.Action == "look out the window"
	})).Return(&models.SegmentResult{Text: "Mountains stretch away."}, nil).Once()

	_, err := h.ctrl.HandleAction(ctx, "look out the window")
	require.NoError(t, err)

	view := h.ctrl.Snapshot()
	n1 := view.Graph.Node(first.Segment.ID)
	require.NotNil(t, n1.Summary)
	assert.Equal(t, "The hero entered the castle.", n1.Summary.Text)
	assert.Equal(t, 3, n1.Summary.CoveredNodes)
}

func TestSummarizationFailureContinuesWithWarning(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), summaryConfig())
	h.storyValid()
	h.start(t, "fantasy")
	h.act(t, "open the door")
	h.act(t, "climb the stairs")

	h.story.On("Summarize", mock.Anything, mock.Anything).Return("", errors.New("rate limited")).Once()
	h.story.On("GenerateSegment", mock.Anything, mock.MatchedBy(func(req models.SegmentRequest) bool {
		return req.Summary == "" && len(req.History) == 5
	})).Return(&models.SegmentResult{Text: "Mountains stretch away."}, nil).Once()

	turn, err := h.ctrl.HandleAction(context.Background(), "look out the window")
	require.NoError(t, err)
	require.Len(t, turn.Warnings, 1)
	assert.Equal(t, models.ModalityStory, turn.Warnings[0].Modality)
	assert.Contains(t, turn.Warnings[0].Message, "rate limited")
	for _, n := range h.ctrl.Snapshot().Graph.Nodes {
		assert.Nil(t, n.Summary)
	}
}

func TestNeedsSummary(t *testing.T) {
	h := newHarness(t, storyOnlySettings(), Config{SummaryKeepRecent: 2, SummaryTurnThreshold: 4, SummaryTokenThreshold: 10})
	nodes := func(n int, text string) []*models.StorySegment {
		out := make([]*models.StorySegment, n)
		for i := range out {
			out[i] = &models.StorySegment{Text: text}
		}
		return out
	}

	assert.False(t, h.ctrl.needsSummary(nil, nodes(2, "a very long text that is far above the token budget")), "never below keep-recent")
	assert.False(t, h.ctrl.needsSummary(nil, nodes(4, "ok")))
	assert.True(t, h.ctrl.needsSummary(nil, nodes(5, "ok")))
	assert.True(t, h.ctrl.needsSummary(nil, nodes(3, "a rather long sentence to push the estimate past ten tokens")))
}
