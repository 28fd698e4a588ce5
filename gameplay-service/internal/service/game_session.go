package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"novel-engine/pkg/storygraph"
	"novel-engine/shared/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newSlotID() string {
	return uuid.NewString()
}

// generationError приводит ошибку провайдера к классу blocking_generation.
func generationError(err error) error {
	if errors.Is(err, models.ErrStaleResponse) || errors.Is(err, models.ErrGenerationFailed) {
		return err
	}
	if models.Classify(err) == models.ClassInternal {
		return fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}
	return err
}

// --- New game ---

// StartNewGame начинает новую историю по теме.
// The prior session stays untouched until the outline arrives; if generation
// fails it is restored as it was.
func (c *Controller) StartNewGame(ctx context.Context, theme, customContext string) (*models.StartResult, error) {
	theme = strings.TrimSpace(theme)
	customContext = strings.TrimSpace(customContext)
	if theme == "" {
		return nil, fmt.Errorf("%w: theme is required", models.ErrInvalidInput)
	}
	log := c.logger.With(zap.String("operation", "StartNewGame"), zap.String("theme", theme))
	log.Info("Starting new game")

	settings, set, ready, err := c.prepareProviders(ctx)
	if err != nil {
		log.Warn("Provider configuration rejected", zap.Error(err))
		return nil, err
	}
	if err := c.validateProviders(ctx, settings, set, ready); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.startSeq++
	token := c.startSeq
	dispatched := c.epoch
	if !c.startPending && c.state != StateGenerating {
		c.startPending = true
		c.startPrev = c.state
		c.state = StateGenerating
	}
	c.mu.Unlock()

	imageUsable := settings.Image.Enabled && set.Image != nil && ready.degraded[models.ModalityImage] == ""
	octx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	res, err := set.Story.GenerateOutline(octx, models.OutlineRequest{
		Theme:         theme,
		CustomContext: customContext,
		WantImage:     imageUsable,
	})
	cancel()
	if err == nil && strings.TrimSpace(res.Outline.Opening) == "" {
		err = fmt.Errorf("%w: outline has no opening", models.ErrGenerationFailed)
	}

	c.mu.Lock()
	if c.epoch != dispatched || c.startSeq != token {
		c.mu.Unlock()
		log.Info("Outline discarded: superseded by a newer session")
		return nil, models.ErrStaleResponse
	}
	owned := c.startPending
	c.startPending = false
	if err != nil {
		// the prior session and its media tasks carry on untouched
		err = generationError(err)
		c.lastErr = err
		if owned {
			c.state = c.startPrev
		}
		c.mu.Unlock()
		log.Error("Outline generation failed", zap.Error(err))
		return nil, err
	}

	epoch := c.bumpEpochLocked()
	c.lastErr = nil
	outline := res.Outline
	c.applyReadinessLocked(settings, set, ready)
	root := &models.StorySegment{
		ID:               uuid.NewString(),
		Role:             models.RoleNarrator,
		Text:             outline.Opening,
		ImagePrompt:      outline.ImagePrompt,
		Tone:             outline.Tone,
		EnvironmentTheme: outline.EnvironmentTheme,
		Usage:            res.Usage,
	}
	auto := c.applyMediaPolicyLocked(root)
	graph, err := storygraph.NewWithRoot(root)
	if err != nil {
		c.state = StateIdle
		c.mu.Unlock()
		return nil, err
	}
	c.graph = graph
	c.game = models.GameState{
		Theme:            theme,
		EnvironmentTheme: outline.EnvironmentTheme,
		Outline:          &outline,
		CustomContext:    customContext,
	}
	c.slotID = ""
	c.revision = 0
	c.pendingRetry = ""
	c.state = StateReady
	save := c.snapshotLocked()
	committed := graph.Current()
	c.mu.Unlock()

	if err := c.saves.SetCurrentSlot(ctx, ""); err != nil {
		log.Warn("Failed to clear current slot", zap.Error(err))
	}
	c.notify(models.SessionEvent{Type: models.EventSessionReset, Epoch: epoch, SlotID: save.snap.SlotID})
	c.notify(models.SessionEvent{Type: models.EventNodeCommitted, Epoch: epoch, NodeID: committed.ID, Node: committed})

	warnings := append([]models.Warning(nil), ready.warnings...)
	warnings = append(warnings, c.autosave(ctx, epoch, save)...)
	c.scheduleAll(ctx, epoch, committed.ID, auto)

	log.Info("New game started", zap.String("slotID", save.snap.SlotID), zap.Int("warnings", len(warnings)))
	return &models.StartResult{SlotID: save.snap.SlotID, Root: committed, Current: committed, Warnings: warnings}, nil
}

// --- Continue / switch ---

// ContinueGame загружает текущий слот (или самый свежий) и проверяет провайдеры.
// The session is replaced only when both the slot load and the story provider
// check succeed; otherwise the prior session stays as it was.
func (c *Controller) ContinueGame(ctx context.Context) (*models.StartResult, error) {
	slotID, err := c.saves.ResolveContinueSlot(ctx)
	if err != nil {
		return nil, err
	}
	loaded, err := c.readSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	settings, set, ready, err := c.prepareProviders(ctx)
	if err == nil {
		err = c.validateProviders(ctx, settings, set, ready)
	}
	if err != nil {
		c.logger.Warn("Providers not ready for continued game", zap.String("slotID", slotID), zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	epoch := c.installSlotLocked(loaded)
	c.applyReadinessLocked(settings, set, ready)
	root, err := c.graph.Get(c.graph.RootID())
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	res := &models.StartResult{
		SlotID:   c.slotID,
		Root:     root,
		Current:  c.graph.Current(),
		Warnings: ready.warnings,
	}
	c.mu.Unlock()

	c.slotInstalled(ctx, epoch, loaded)
	return res, nil
}

// SwitchSlot заменяет сессию содержимым слота.
// The swap happens only after the slot has been loaded and its graph validated.
// Providers are validated lazily by the next operation that needs them.
func (c *Controller) SwitchSlot(ctx context.Context, slotID string) error {
	loaded, err := c.readSlot(ctx, slotID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	epoch := c.installSlotLocked(loaded)
	c.mu.Unlock()

	c.slotInstalled(ctx, epoch, loaded)
	return nil
}

// loadedSlot - слот, прочитанный из хранилища, но еще не установленный в сессию.
type loadedSlot struct {
	slot     *models.SaveSlot
	snap     *models.SlotSnapshot
	graph    *storygraph.Graph
	revision uint64
}

func (c *Controller) readSlot(ctx context.Context, slotID string) (*loadedSlot, error) {
	slot, snap, err := c.saves.LoadSlot(ctx, slotID)
	if err != nil {
		c.logger.Warn("Failed to load slot", zap.String("slotID", slotID), zap.Error(err))
		return nil, err
	}
	graph, err := storygraph.FromSnapshot(snap.Graph)
	if err != nil {
		return nil, fmt.Errorf("%w: slot %s: %v", models.ErrPersistence, slotID, err)
	}
	revision := snap.Revision
	if slot.Revision > revision {
		revision = slot.Revision
	}
	return &loadedSlot{slot: slot, snap: snap, graph: graph, revision: revision}, nil
}

// installSlotLocked replaces the session with a loaded slot. Caller holds c.mu.
func (c *Controller) installSlotLocked(l *loadedSlot) uint64 {
	epoch := c.bumpEpochLocked()
	c.graph = l.graph
	c.game = l.snap.Clone().GameState
	c.slotID = l.slot.ID
	c.revision = l.revision
	c.providers = nil
	c.validated = false
	c.degraded = make(map[models.Modality]string)
	c.pendingRetry = ""
	c.lastErr = nil
	c.startPending = false
	c.state = StateReady
	return epoch
}

func (c *Controller) slotInstalled(ctx context.Context, epoch uint64, l *loadedSlot) {
	log := c.logger.With(zap.String("slotID", l.slot.ID))
	if err := c.saves.SetCurrentSlot(ctx, l.slot.ID); err != nil {
		log.Warn("Failed to record current slot", zap.Error(err))
	}
	c.notify(models.SessionEvent{Type: models.EventSessionReset, Epoch: epoch, SlotID: l.slot.ID})
	log.Info("Switched to slot", zap.Int("nodes", l.graph.Len()), zap.Uint64("revision", l.revision))
}

// --- Slot management ---

// DeleteSlot удаляет слот. Deleting the active slot detaches the session, whose
// next autosave goes to a fresh slot.
func (c *Controller) DeleteSlot(ctx context.Context, slotID string) error {
	if strings.TrimSpace(slotID) == "" {
		return fmt.Errorf("%w: slot id is required", models.ErrInvalidInput)
	}
	if err := c.saves.DeleteSlot(ctx, slotID); err != nil {
		return err
	}
	c.mu.Lock()
	if c.slotID == slotID {
		c.slotID = ""
		c.logger.Info("Active slot deleted, session detached", zap.String("slotID", slotID))
	}
	c.mu.Unlock()
	return nil
}

// ClearAllSaves удаляет все сохранения; the in-memory session survives detached.
// c.mu is held across the wipe so no snapshot straddles it: earlier snapshots
// carry the old save generation and are dropped, later ones go to a fresh slot.
func (c *Controller) ClearAllSaves(ctx context.Context, confirmed bool) error {
	if !confirmed {
		return models.ErrConfirmationRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.saves.ClearAllSaves(ctx, confirmed); err != nil {
		return err
	}
	c.slotID = ""
	return nil
}

// SaveAs сохраняет текущую сессию в новый именованный слот и переключается на него.
func (c *Controller) SaveAs(ctx context.Context, name string) (*models.SaveSlot, error) {
	c.mu.Lock()
	if !c.hasGameLocked() {
		c.mu.Unlock()
		return nil, models.ErrNoActiveGame
	}
	epoch := c.epoch
	snap := c.buildSnapshotLocked()
	c.mu.Unlock()

	slot, saved, err := c.saves.SaveAs(ctx, name, snap)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.epoch == epoch {
		c.slotID = slot.ID
		c.revision = saved.Revision
	}
	c.mu.Unlock()
	c.notify(models.SessionEvent{Type: models.EventAutosaved, Epoch: epoch, SlotID: slot.ID})
	return slot, nil
}

// ListSlots возвращает слоты, новые первыми.
func (c *Controller) ListSlots(ctx context.Context) ([]models.SaveSlot, error) {
	return c.saves.ListSlots(ctx)
}

// ExportBackup выгружает все слоты.
func (c *Controller) ExportBackup(ctx context.Context) (*models.BackupDocument, error) {
	return c.saves.Export(ctx)
}

// ImportBackup merges a backup into the store. When the active slot is
// overwritten by the import the session is detached so its autosaves cannot
// clash with the imported revisions.
func (c *Controller) ImportBackup(ctx context.Context, doc *models.BackupDocument) (int, error) {
	n, err := c.saves.Import(ctx, doc)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	if _, overwritten := doc.Saves[c.slotID]; c.slotID != "" && overwritten {
		c.logger.Info("Active slot replaced by import, session detached", zap.String("slotID", c.slotID))
		c.slotID = ""
	}
	c.mu.Unlock()
	return n, nil
}
