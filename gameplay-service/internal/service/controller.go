package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"novel-engine/gameplay-service/internal/persistence"
	"novel-engine/pkg/ai"
	"novel-engine/pkg/storygraph"
	"novel-engine/pkg/taskmanager"
	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	"go.uber.org/zap"
)

// --- Session state ---

// State - состояние контроллера ходов.
type State string

const (
	StateIdle       State = "idle"
	StateReady      State = "ready"
	StateGenerating State = "generating"
	// StateError is recoverable: the session sits at the prior leaf as in StateReady.
	StateError State = "error"
)

func (s State) acceptsInput() bool {
	return s == StateReady || s == StateError
}

// SessionView - неизменяемая копия состояния сессии для слоя представления.
type SessionView struct {
	State        State                      `json:"state"`
	Epoch        uint64                     `json:"epoch"`
	SlotID       string                     `json:"slotId,omitempty"`
	GameState    models.GameState           `json:"gameState"`
	Graph        *models.GraphSnapshot      `json:"graph,omitempty"`
	Degraded     map[models.Modality]string `json:"degraded,omitempty"`
	LastError    string                     `json:"lastError,omitempty"`
	PendingRetry string                     `json:"pendingRetry,omitempty"`
	IsAutoSaving bool                       `json:"isAutoSaving"`
	Preferences  Preferences                `json:"preferences"`
}

// Preferences are passed to the presentation layer untouched.
type Preferences struct {
	AutoGenerateImages bool    `json:"autoGenerateImages"`
	AutoGenerateAudio  bool    `json:"autoGenerateAudio"`
	AudioVolume        float64 `json:"audioVolume"`
	AudioMuted         bool    `json:"audioMuted"`
}

// --- Service interface ---

// SessionService - точки входа игровой сессии.
type SessionService interface {
	StartNewGame(ctx context.Context, theme, customContext string) (*models.StartResult, error)
	ContinueGame(ctx context.Context) (*models.StartResult, error)
	HandleAction(ctx context.Context, actionText string) (*models.TurnResult, error)
	RetryLastAction(ctx context.Context) (*models.TurnResult, error)
	NavigateToNode(nodeID string) error

	GenerateImageForNode(ctx context.Context, nodeID string) error
	GenerateAudioForNode(ctx context.Context, nodeID string) error
	GenerateVideoForNode(ctx context.Context, nodeID string) error

	SwitchSlot(ctx context.Context, slotID string) error
	DeleteSlot(ctx context.Context, slotID string) error
	ClearAllSaves(ctx context.Context, confirmed bool) error
	SaveAs(ctx context.Context, name string) (*models.SaveSlot, error)
	ListSlots(ctx context.Context) ([]models.SaveSlot, error)
	ExportBackup(ctx context.Context) (*models.BackupDocument, error)
	ImportBackup(ctx context.Context, doc *models.BackupDocument) (int, error)
	Settings(ctx context.Context) (*models.AISettings, error)

	Snapshot() SessionView
	IsAutoSaving() bool
}

// ProviderBuilder собирает провайдеры из пользовательских настроек.
type ProviderBuilder func(settings *models.AISettings) (*ai.ProviderSet, []models.Warning, error)

// RegistryBuilder adapts an ai.Registry to a ProviderBuilder.
func RegistryBuilder(registry *ai.Registry, deps ai.Deps) ProviderBuilder {
	return func(settings *models.AISettings) (*ai.ProviderSet, []models.Warning, error) {
		return registry.Build(settings, deps)
	}
}

// Config - параметры контроллера.
type Config struct {
	SummaryTurnThreshold  int
	SummaryTokenThreshold int
	SummaryKeepRecent     int
	ProviderTimeout       time.Duration
}

// DefaultConfig returns the production summarization policy.
func DefaultConfig() Config {
	return Config{
		SummaryTurnThreshold:  24,
		SummaryTokenThreshold: 6000,
		SummaryKeepRecent:     8,
		ProviderTimeout:       2 * time.Minute,
	}
}

// Controller - контроллер ходов: единственный писатель графа истории и состояния игры.
//
// The mutex guards session fields only; provider calls run with it released and
// their results are applied only if the epoch captured at dispatch still matches.
type Controller struct {
	cfg      Config
	settings interfaces.SettingsStore
	build    ProviderBuilder
	saves    *persistence.Manager
	tasks    taskmanager.ITaskManager
	notifier interfaces.EventNotifier
	tokens   interfaces.TokenCounter
	logger   *zap.Logger

	mu           sync.Mutex
	epoch        uint64
	state        State
	graph        *storygraph.Graph
	game         models.GameState
	slotID       string
	revision     uint64
	providers    *ai.ProviderSet
	aiSettings   models.AISettings
	validated    bool
	degraded     map[models.Modality]string
	pendingRetry string
	lastErr      error

	// A pending StartNewGame leaves the epoch alone until its outline arrives.
	startSeq     uint64
	startPending bool
	startPrev    State

	autosaving atomic.Int32
}

var _ SessionService = (*Controller)(nil)

// NewController создает контроллер. notifier may be nil.
func NewController(
	cfg Config,
	settings interfaces.SettingsStore,
	build ProviderBuilder,
	saves *persistence.Manager,
	tasks taskmanager.ITaskManager,
	notifier interfaces.EventNotifier,
	tokens interfaces.TokenCounter,
	logger *zap.Logger,
) *Controller {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if tokens == nil {
		tokens = ai.ApproxCounter{}
	}
	defaults := DefaultConfig()
	if cfg.SummaryKeepRecent <= 0 {
		cfg.SummaryKeepRecent = defaults.SummaryKeepRecent
	}
	if cfg.SummaryTurnThreshold <= cfg.SummaryKeepRecent {
		cfg.SummaryTurnThreshold = defaults.SummaryTurnThreshold
	}
	if cfg.SummaryTokenThreshold <= 0 {
		cfg.SummaryTokenThreshold = defaults.SummaryTokenThreshold
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaults.ProviderTimeout
	}
	return &Controller{
		cfg:      cfg,
		settings: settings,
		build:    build,
		saves:    saves,
		tasks:    tasks,
		notifier: notifier,
		tokens:   tokens,
		logger:   logger.Named("TurnController"),
		state:    StateIdle,
		degraded: make(map[models.Modality]string),
	}
}

// epochOwner is the taskmanager owner id of a session epoch.
func epochOwner(epoch uint64) string {
	return "epoch-" + strconv.FormatUint(epoch, 10)
}

// bumpEpochLocked invalidates every in-flight request of the current session.
// Caller holds c.mu.
func (c *Controller) bumpEpochLocked() uint64 {
	old := c.epoch
	c.epoch++
	if n := c.tasks.CancelOwner(epochOwner(old)); n > 0 {
		c.logger.Info("Cancelled background tasks of superseded session", zap.Uint64("epoch", old), zap.Int("tasks", n))
	}
	return c.epoch
}

func (c *Controller) hasGameLocked() bool {
	return c.graph != nil && c.game.Started()
}

// Snapshot возвращает копию состояния сессии.
func (c *Controller) Snapshot() SessionView {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := SessionView{
		State:        c.state,
		Epoch:        c.epoch,
		SlotID:       c.slotID,
		GameState:    copyGame(c.game),
		PendingRetry: c.pendingRetry,
		IsAutoSaving: c.IsAutoSaving(),
		Preferences: Preferences{
			AutoGenerateImages: c.aiSettings.AutoGenerateImages,
			AutoGenerateAudio:  c.aiSettings.AutoGenerateAudio,
			AudioVolume:        c.aiSettings.AudioVolume,
			AudioMuted:         c.aiSettings.AudioMuted,
		},
	}
	if c.graph != nil {
		g := c.graph.Snapshot()
		view.Graph = &g
	}
	if len(c.degraded) > 0 {
		view.Degraded = make(map[models.Modality]string, len(c.degraded))
		for m, reason := range c.degraded {
			view.Degraded[m] = reason
		}
	}
	if c.lastErr != nil {
		view.LastError = c.lastErr.Error()
	}
	return view
}

// IsAutoSaving reports whether an autosave is in flight.
func (c *Controller) IsAutoSaving() bool {
	return c.autosaving.Load() > 0 || c.saves.IsSaving()
}

// pendingSave - снимок сессии и поколение сохранений, в котором он снят.
type pendingSave struct {
	snap *models.SlotSnapshot
	gen  uint64
}

// snapshotLocked builds the persisted form of the session and bumps the revision.
// Caller holds c.mu. A session without a slot gets a fresh slot id.
func (c *Controller) snapshotLocked() pendingSave {
	if c.slotID == "" {
		c.slotID = newSlotID()
	}
	c.revision++
	return pendingSave{snap: c.buildSnapshotLocked(), gen: c.saves.Generation()}
}

// buildSnapshotLocked copies the session as it stands. Caller holds c.mu.
func (c *Controller) buildSnapshotLocked() *models.SlotSnapshot {
	return &models.SlotSnapshot{
		Version:   models.SnapshotVersion,
		SlotID:    c.slotID,
		Revision:  c.revision,
		GameState: copyGame(c.game),
		Graph:     c.graph.Snapshot(),
		SavedAt:   time.Now().UTC(),
	}
}

func copyGame(g models.GameState) models.GameState {
	if g.Outline != nil {
		o := *g.Outline
		o.Beats = append([]string(nil), o.Beats...)
		g.Outline = &o
	}
	return g
}

// autosave persists a snapshot taken under the lock. Persistence failures do
// not fail the operation; they come back as a warning.
func (c *Controller) autosave(ctx context.Context, epoch uint64, save pendingSave) []models.Warning {
	c.autosaving.Add(1)
	defer c.autosaving.Add(-1)

	// a slow request context must not abort a write that already started
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	snap := save.snap
	slot, saved, err := c.saves.AutosaveAt(saveCtx, save.gen, snap)
	if err != nil {
		c.logger.Error("Autosave failed", zap.String("slotID", snap.SlotID), zap.Error(err))
		w := models.NewWarning(models.ModalityNone, err)
		c.notify(models.SessionEvent{Type: models.EventWarning, Epoch: epoch, SlotID: snap.SlotID, Message: w.Message})
		return []models.Warning{w}
	}
	if saved {
		c.notify(models.SessionEvent{Type: models.EventAutosaved, Epoch: epoch, SlotID: slot.ID})
	}
	return nil
}

func (c *Controller) notify(ev models.SessionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	c.notifier.Notify(ev)
}

// Settings returns the stored AI settings with secrets masked.
func (c *Controller) Settings(ctx context.Context) (*models.AISettings, error) {
	s, err := c.settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	sanitized := s.Sanitized()
	return &sanitized, nil
}

type noopNotifier struct{}

func (noopNotifier) Notify(models.SessionEvent) {}
