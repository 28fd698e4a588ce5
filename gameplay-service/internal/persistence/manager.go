package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"novel-engine/pkg/storygraph"
	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"
	"novel-engine/shared/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const slotSummaryLen = 140

// Manager - менеджер сохранений: слоты, автосохранение, резервные копии.
//
// Операции над одним слотом сериализуются; операции над разными слотами идут параллельно.
// ClearAllSaves и Import исключают все остальные операции.
type Manager struct {
	store  interfaces.SaveStore
	logger *zap.Logger
	now    func() time.Time

	gate  sync.RWMutex // shared by per-slot operations, exclusive for wipe/import/export
	locks *slotLocks

	stateMu    sync.Mutex
	revisions  map[string]uint64   // last persisted revision per slot
	tombstones map[string]struct{} // deleted slot ids that autosave must not resurrect

	inFlight atomic.Int32
	clearGen atomic.Uint64 // bumped by every ClearAllSaves
}

// NewManager создает менеджер поверх SaveStore.
func NewManager(store interfaces.SaveStore, logger *zap.Logger) *Manager {
	return &Manager{
		store:      store,
		logger:     logger.Named("PersistenceManager"),
		now:        func() time.Time { return time.Now().UTC() },
		locks:      newSlotLocks(),
		revisions:  make(map[string]uint64),
		tombstones: make(map[string]struct{}),
	}
}

// IsSaving reports whether any write is in flight.
func (m *Manager) IsSaving() bool {
	return m.inFlight.Load() > 0
}

// lockSlot takes the shared gate and the slot lock.
func (m *Manager) lockSlot(slotID string) func() {
	m.gate.RLock()
	unlock := m.locks.lock(slotID)
	return func() {
		unlock()
		m.gate.RUnlock()
	}
}

func (m *Manager) isTombstoned(slotID string) bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	_, ok := m.tombstones[slotID]
	return ok
}

func (m *Manager) lastRevision(slotID string) (uint64, bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	rev, ok := m.revisions[slotID]
	return rev, ok
}

func (m *Manager) recordRevision(slotID string, rev uint64) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if rev > m.revisions[slotID] {
		m.revisions[slotID] = rev
	}
}

// Generation identifies the save set between two ClearAllSaves calls.
func (m *Manager) Generation() uint64 {
	return m.clearGen.Load()
}

// Autosave сохраняет снимок сессии в слот snapshot.SlotID.
// It is AutosaveAt with the generation current at the call.
func (m *Manager) Autosave(ctx context.Context, snapshot *models.SlotSnapshot) (*models.SaveSlot, bool, error) {
	return m.AutosaveAt(ctx, m.Generation(), snapshot)
}

// AutosaveAt сохраняет снимок, снятый в поколении gen.
// A snapshot whose revision is not newer than the last persisted one is skipped,
// as is any write to a slot deleted during this process lifetime and any
// snapshot taken before the last ClearAllSaves.
// The returned bool is false when the write was skipped.
func (m *Manager) AutosaveAt(ctx context.Context, gen uint64, snapshot *models.SlotSnapshot) (*models.SaveSlot, bool, error) {
	if snapshot == nil || snapshot.SlotID == "" {
		return nil, false, fmt.Errorf("%w: snapshot with slot id is required", models.ErrInvalidInput)
	}
	log := m.logger.With(zap.String("slotID", snapshot.SlotID), zap.Uint64("revision", snapshot.Revision))

	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	unlock := m.lockSlot(snapshot.SlotID)
	defer unlock()

	if gen != m.clearGen.Load() {
		log.Info("Autosave skipped: saves were cleared after the snapshot")
		saveOperations.WithLabelValues("autosave", resultSkipped).Inc()
		return nil, false, nil
	}
	if m.isTombstoned(snapshot.SlotID) {
		log.Info("Autosave skipped: slot was deleted")
		saveOperations.WithLabelValues("autosave", resultSkipped).Inc()
		return nil, false, nil
	}

	existing, err := m.store.GetSlot(ctx, snapshot.SlotID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		saveOperations.WithLabelValues("autosave", resultError).Inc()
		return nil, false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	last, known := m.lastRevision(snapshot.SlotID)
	if existing != nil && (!known || existing.Revision > last) {
		last, known = existing.Revision, true
	}
	if known && snapshot.Revision <= last {
		log.Debug("Autosave skipped: revision not newer", zap.Uint64("persisted", last))
		saveOperations.WithLabelValues("autosave", resultSkipped).Inc()
		return existing, false, nil
	}

	slot := m.buildSlot(snapshot, existing, "")
	if err := m.write(ctx, "autosave", slot, snapshot); err != nil {
		log.Error("Autosave failed", zap.Error(err))
		return nil, false, err
	}
	if err := m.store.SaveMetadata(ctx, models.MetaCurrentSlot, slot.ID); err != nil {
		log.Warn("Failed to record current slot", zap.Error(err))
	}
	log.Debug("Autosaved", zap.Int("nodes", slot.NodeCount))
	return slot, true, nil
}

// SaveAs записывает снимок в новый слот с указанным именем.
func (m *Manager) SaveAs(ctx context.Context, name string, snapshot *models.SlotSnapshot) (*models.SaveSlot, *models.SlotSnapshot, error) {
	if snapshot == nil || len(snapshot.Graph.Nodes) == 0 {
		return nil, nil, fmt.Errorf("%w: nothing to save", models.ErrNoActiveGame)
	}
	snap := snapshot.Clone()
	snap.SlotID = uuid.NewString()
	snap.Revision = 1

	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	unlock := m.lockSlot(snap.SlotID)
	defer unlock()

	slot := m.buildSlot(snap, nil, strings.TrimSpace(name))
	if err := m.write(ctx, "save_as", slot, snap); err != nil {
		return nil, nil, err
	}
	if err := m.store.SaveMetadata(ctx, models.MetaCurrentSlot, slot.ID); err != nil {
		m.logger.Warn("Failed to record current slot", zap.String("slotID", slot.ID), zap.Error(err))
	}
	m.logger.Info("Saved to new slot", zap.String("slotID", slot.ID), zap.String("name", slot.Name))
	return slot, snap, nil
}

func (m *Manager) write(ctx context.Context, op string, slot *models.SaveSlot, snapshot *models.SlotSnapshot) error {
	start := time.Now()
	defer func() { saveDuration.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	if err := m.store.UpsertSlot(ctx, slot, stamped(slot, snapshot)); err != nil {
		saveOperations.WithLabelValues(op, resultError).Inc()
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	m.recordRevision(slot.ID, slot.Revision)
	saveOperations.WithLabelValues(op, resultOK).Inc()
	return nil
}

// writeAll пишет набор слотов атомарно: либо все, либо ни одного.
func (m *Manager) writeAll(ctx context.Context, op string, writes []models.SlotWrite) error {
	start := time.Now()
	defer func() { saveDuration.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	batch := make([]models.SlotWrite, len(writes))
	for i, w := range writes {
		batch[i] = models.SlotWrite{Slot: w.Slot, Snapshot: stamped(w.Slot, w.Snapshot)}
	}
	if err := m.store.UpsertSlots(ctx, batch); err != nil {
		saveOperations.WithLabelValues(op, resultError).Inc()
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	for _, w := range batch {
		m.recordRevision(w.Slot.ID, w.Slot.Revision)
	}
	saveOperations.WithLabelValues(op, resultOK).Inc()
	return nil
}

// stamped returns a copy of snapshot in the current layout, timed like slot.
func stamped(slot *models.SaveSlot, snapshot *models.SlotSnapshot) *models.SlotSnapshot {
	snap := snapshot.Clone()
	snap.Version = models.SnapshotVersion
	snap.SavedAt = slot.UpdatedAt
	return snap
}

// buildSlot выводит метаданные слота из снимка.
func (m *Manager) buildSlot(snap *models.SlotSnapshot, existing *models.SaveSlot, name string) *models.SaveSlot {
	now := m.now()
	slot := &models.SaveSlot{
		ID:        snap.SlotID,
		Theme:     snap.GameState.Theme,
		NodeCount: len(snap.Graph.Nodes),
		Revision:  snap.Revision,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		slot.CreatedAt = existing.CreatedAt
		slot.Name = existing.Name
		if !now.After(existing.UpdatedAt) {
			// keep UpdatedAt strictly increasing so "newest slot" stays stable
			slot.UpdatedAt = existing.UpdatedAt.Add(time.Millisecond)
		}
	}
	if name != "" {
		slot.Name = name
	}
	if slot.Name == "" {
		slot.Name = defaultSlotName(snap, slot.CreatedAt)
	}

	// preview follows the current path: newest narrator text and newest ready image
	path := currentPath(&snap.Graph)
	for i := len(path) - 1; i >= 0; i-- {
		n := path[i]
		if slot.Summary == "" && n.Role == models.RoleNarrator {
			slot.Summary = utils.StringShort(n.Text, slotSummaryLen)
		}
		if slot.PreviewImageURL == "" && n.ImageStatus == models.MediaStatusReady && n.ImageURL != "" {
			slot.PreviewImageURL = n.ImageURL
		}
	}
	return slot
}

func defaultSlotName(snap *models.SlotSnapshot, created time.Time) string {
	title := snap.GameState.Theme
	if o := snap.GameState.Outline; o != nil && o.Title != "" {
		title = o.Title
	}
	if title == "" {
		title = "Untitled story"
	}
	return fmt.Sprintf("%s (%s)", title, created.Format("2006-01-02 15:04"))
}

// currentPath returns root→current nodes of a snapshot, or nil if the chain is broken.
func currentPath(g *models.GraphSnapshot) []*models.StorySegment {
	byID := make(map[string]*models.StorySegment, len(g.Nodes))
	for _, n := range g.Nodes {
		byID[n.ID] = n
	}
	var rev []*models.StorySegment
	for id := g.CurrentID; id != ""; {
		n, ok := byID[id]
		if !ok || len(rev) > len(g.Nodes) {
			return nil
		}
		rev = append(rev, n)
		id = n.ParentID
	}
	path := make([]*models.StorySegment, len(rev))
	for i, n := range rev {
		path[len(rev)-1-i] = n
	}
	return path
}

// LoadSlot загружает слот и его снимок; снимок проверяется до возврата.
func (m *Manager) LoadSlot(ctx context.Context, slotID string) (*models.SaveSlot, *models.SlotSnapshot, error) {
	unlock := m.lockSlot(slotID)
	defer unlock()

	if m.isTombstoned(slotID) {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrSlotNotFound, slotID)
	}
	slot, err := m.store.GetSlot(ctx, slotID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", models.ErrSlotNotFound, slotID)
		}
		return nil, nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	snap, err := m.store.LoadGameState(ctx, slotID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: slot %s has no game state", models.ErrSlotNotFound, slotID)
		}
		return nil, nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if err := checkSnapshot(snap); err != nil {
		return nil, nil, err
	}
	snap.SlotID = slotID
	if snap.Revision < slot.Revision {
		snap.Revision = slot.Revision
	}
	m.recordRevision(slotID, snap.Revision)
	return slot, snap, nil
}

func checkSnapshot(snap *models.SlotSnapshot) error {
	if snap.Version > models.SnapshotVersion {
		return fmt.Errorf("%w: snapshot version %d", models.ErrUnsupportedBackup, snap.Version)
	}
	if _, err := storygraph.FromSnapshot(snap.Graph); err != nil {
		return fmt.Errorf("%w: corrupt snapshot %s: %v", models.ErrPersistence, snap.SlotID, err)
	}
	return nil
}

// DeleteSlot удаляет слот и его снимок.
// The id is tombstoned so a late autosave cannot recreate it.
func (m *Manager) DeleteSlot(ctx context.Context, slotID string) error {
	log := m.logger.With(zap.String("slotID", slotID))
	unlock := m.lockSlot(slotID)
	defer unlock()

	if _, err := m.store.GetSlot(ctx, slotID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: %s", models.ErrSlotNotFound, slotID)
		}
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if err := m.store.DeleteSlot(ctx, slotID); err != nil {
		saveOperations.WithLabelValues("delete", resultError).Inc()
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	m.stateMu.Lock()
	m.tombstones[slotID] = struct{}{}
	delete(m.revisions, slotID)
	m.stateMu.Unlock()

	if current, err := m.CurrentSlotID(ctx); err == nil && current == slotID {
		if err := m.store.DeleteMetadata(ctx, models.MetaCurrentSlot); err != nil {
			log.Warn("Failed to clear current slot", zap.Error(err))
		}
	}
	saveOperations.WithLabelValues("delete", resultOK).Inc()
	log.Info("Slot deleted")
	return nil
}

// ClearAllSaves безвозвратно удаляет все слоты и метаданные.
func (m *Manager) ClearAllSaves(ctx context.Context, confirmed bool) error {
	if !confirmed {
		return models.ErrConfirmationRequired
	}
	m.gate.Lock()
	defer m.gate.Unlock()

	ids, err := m.store.GetAllSaveIDs(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if err := m.store.Clear(ctx); err != nil {
		saveOperations.WithLabelValues("clear", resultError).Inc()
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	m.stateMu.Lock()
	for _, id := range ids {
		m.tombstones[id] = struct{}{}
	}
	for id := range m.revisions {
		m.tombstones[id] = struct{}{}
	}
	m.revisions = make(map[string]uint64)
	m.stateMu.Unlock()
	m.clearGen.Add(1)

	saveOperations.WithLabelValues("clear", resultOK).Inc()
	m.logger.Warn("All saves cleared", zap.Int("slots", len(ids)))
	return nil
}

// ListSlots возвращает слоты, новые первыми.
func (m *Manager) ListSlots(ctx context.Context) ([]models.SaveSlot, error) {
	slots, err := m.store.ListSlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return slots, nil
}

// GetAllSaveIDs lists every persisted slot id.
func (m *Manager) GetAllSaveIDs(ctx context.Context) ([]string, error) {
	ids, err := m.store.GetAllSaveIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return ids, nil
}

// CurrentSlotID returns the recorded current slot, or "" when none is set.
func (m *Manager) CurrentSlotID(ctx context.Context) (string, error) {
	id, err := m.store.LoadMetadata(ctx, models.MetaCurrentSlot)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return id, nil
}

// SetCurrentSlot records slotID as current; an empty id clears it.
func (m *Manager) SetCurrentSlot(ctx context.Context, slotID string) error {
	var err error
	if slotID == "" {
		err = m.store.DeleteMetadata(ctx, models.MetaCurrentSlot)
	} else {
		err = m.store.SaveMetadata(ctx, models.MetaCurrentSlot, slotID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return nil
}

// ResolveContinueSlot выбирает слот для "Продолжить": текущий, иначе самый свежий.
func (m *Manager) ResolveContinueSlot(ctx context.Context) (string, error) {
	current, err := m.CurrentSlotID(ctx)
	if err != nil {
		return "", err
	}
	if current != "" && !m.isTombstoned(current) {
		if _, err := m.store.GetSlot(ctx, current); err == nil {
			return current, nil
		} else if !errors.Is(err, models.ErrNotFound) {
			return "", fmt.Errorf("%w: %v", models.ErrPersistence, err)
		}
		m.logger.Warn("Current slot points to a missing save", zap.String("slotID", current))
	}

	slots, err := m.ListSlots(ctx)
	if err != nil {
		return "", err
	}
	if len(slots) == 0 {
		return "", models.ErrNoSaves
	}
	return slots[0].ID, nil
}
