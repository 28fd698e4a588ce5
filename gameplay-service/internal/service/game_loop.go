package service

import (
	"context"
	"fmt"
	"strings"

	"novel-engine/shared/models"

	"go.uber.org/zap"
)

// --- Turn handling ---

// HandleAction обрабатывает действие игрока.
// The user node is committed under the current leaf right away; the current
// cursor moves only when the narrator reply commits.
func (c *Controller) HandleAction(ctx context.Context, actionText string) (*models.TurnResult, error) {
	action := strings.TrimSpace(actionText)

	c.mu.Lock()
	if !c.hasGameLocked() {
		c.mu.Unlock()
		return nil, models.ErrNoActiveGame
	}
	if c.state == StateGenerating {
		c.mu.Unlock()
		return nil, models.ErrGenerationInProgress
	}
	if !c.state.acceptsInput() {
		c.mu.Unlock()
		return nil, models.ErrNoActiveGame
	}
	if action == "" {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: action text is empty", models.ErrInvalidInput)
	}
	leafID := c.graph.CurrentID()
	userNode, err := c.graph.AppendChild(leafID, &models.StorySegment{
		Role:      models.RoleUser,
		Text:      action,
		SkipImage: true,
	})
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	_ = c.graph.SetViewed(userNode.ID)
	epoch := c.epoch
	c.state = StateGenerating
	c.lastErr = nil
	c.pendingRetry = ""
	c.mu.Unlock()

	c.notify(models.SessionEvent{Type: models.EventNodeCommitted, Epoch: epoch, NodeID: userNode.ID, Node: userNode})
	return c.generateTurn(ctx, epoch, leafID, userNode)
}

// RetryLastAction повторяет генерацию для последнего неудачного действия
// без добавления дубликата узла игрока.
func (c *Controller) RetryLastAction(ctx context.Context) (*models.TurnResult, error) {
	c.mu.Lock()
	if !c.hasGameLocked() {
		c.mu.Unlock()
		return nil, models.ErrNoActiveGame
	}
	if c.state == StateGenerating {
		c.mu.Unlock()
		return nil, models.ErrGenerationInProgress
	}
	if c.pendingRetry == "" {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: no failed action to retry", models.ErrInvalidInput)
	}
	userNode, err := c.graph.Get(c.pendingRetry)
	leafID := c.graph.CurrentID()
	if err != nil || userNode.ParentID != leafID || len(c.graph.Children(userNode.ID)) > 0 {
		c.pendingRetry = ""
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: failed action is no longer at the current leaf", models.ErrInvalidInput)
	}
	_ = c.graph.SetViewed(userNode.ID)
	epoch := c.epoch
	c.state = StateGenerating
	c.lastErr = nil
	c.mu.Unlock()

	c.logger.Info("Retrying last action", zap.String("nodeID", userNode.ID))
	return c.generateTurn(ctx, epoch, leafID, userNode)
}

func (c *Controller) generateTurn(ctx context.Context, epoch uint64, leafID string, userNode *models.StorySegment) (*models.TurnResult, error) {
	log := c.logger.With(zap.String("operation", "turn"), zap.Uint64("epoch", epoch), zap.String("userNodeID", userNode.ID))

	warnings, err := c.ensureValidated(ctx, epoch)
	if err != nil {
		return nil, c.failTurn(ctx, epoch, leafID, userNode.ID, nil, err)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return nil, models.ErrStaleResponse
	}
	summary, raw, err := c.graph.ContextWindow(leafID)
	if err != nil {
		c.mu.Unlock()
		return nil, c.failTurn(ctx, epoch, leafID, userNode.ID, nil, err)
	}
	game := copyGame(c.game)
	story := c.providers.Story
	imageUsable, _ := c.modalityUsableLocked(models.ModalityImage)
	wantImage := c.aiSettings.Image.Enabled && imageUsable
	c.mu.Unlock()

	tc, pending, summaryWarnings := c.buildContext(ctx, story, summary, raw)
	warnings = append(warnings, summaryWarnings...)

	gctx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	res, err := story.GenerateSegment(gctx, models.SegmentRequest{
		Theme:         game.Theme,
		Outline:       game.Outline,
		CustomContext: game.CustomContext,
		Summary:       tc.summary,
		History:       tc.history,
		Action:        userNode.Text,
		WantImage:     wantImage,
	})
	cancel()
	if err == nil && strings.TrimSpace(res.Text) == "" {
		err = fmt.Errorf("%w: empty narrator reply", models.ErrGenerationFailed)
	}
	if err != nil {
		return nil, c.failTurn(ctx, epoch, leafID, userNode.ID, pending, err)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		log.Info("Segment discarded: superseded by a newer session")
		return nil, models.ErrStaleResponse
	}
	c.attachSummaryLocked(pending)
	narrator := &models.StorySegment{
		Role:             models.RoleNarrator,
		Text:             res.Text,
		ImagePrompt:      res.ImagePrompt,
		Tone:             res.Tone,
		EnvironmentTheme: res.EnvironmentTheme,
		Usage:            res.Usage,
	}
	auto := c.applyMediaPolicyLocked(narrator)
	committed, err := c.graph.AppendChild(userNode.ID, narrator)
	if err != nil {
		c.mu.Unlock()
		return nil, c.failTurn(ctx, epoch, leafID, userNode.ID, nil, err)
	}
	_ = c.graph.SetCurrent(committed.ID)
	_ = c.graph.SetViewed(committed.ID)
	if res.EnvironmentTheme != "" {
		c.game.EnvironmentTheme = res.EnvironmentTheme
	}
	c.state = StateReady
	c.lastErr = nil
	c.pendingRetry = ""
	save := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(models.SessionEvent{Type: models.EventNodeCommitted, Epoch: epoch, NodeID: committed.ID, Node: committed})
	warnings = append(warnings, c.autosave(ctx, epoch, save)...)
	c.scheduleAll(ctx, epoch, committed.ID, auto)

	log.Info("Turn committed", zap.String("nodeID", committed.ID), zap.Int("warnings", len(warnings)))
	return &models.TurnResult{Segment: committed, Warnings: warnings}, nil
}

// failTurn moves the session into StateError at the prior leaf. The user node
// stays in the graph as a dangling branch and becomes the retry target.
func (c *Controller) failTurn(ctx context.Context, epoch uint64, leafID, userNodeID string, pending *pendingSummary, cause error) error {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return models.ErrStaleResponse
	}
	err := generationError(cause)
	c.attachSummaryLocked(pending)
	_ = c.graph.SetViewed(leafID)
	c.state = StateError
	c.lastErr = err
	c.pendingRetry = userNodeID
	save := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Error("Turn failed", zap.String("userNodeID", userNodeID), zap.Error(err))
	c.autosave(ctx, epoch, save)
	return err
}

func (c *Controller) attachSummaryLocked(pending *pendingSummary) {
	if pending == nil {
		return
	}
	if err := c.graph.AttachSummary(pending.nodeID, pending.snapshot); err != nil {
		c.logger.Warn("Failed to attach summary", zap.String("nodeID", pending.nodeID), zap.Error(err))
	}
}

// --- Navigation ---

// NavigateToNode перемещает только курсор просмотра.
func (c *Controller) NavigateToNode(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.graph == nil {
		return fmt.Errorf("%w: %s", models.ErrNodeNotFound, nodeID)
	}
	return c.graph.SetViewed(nodeID)
}
