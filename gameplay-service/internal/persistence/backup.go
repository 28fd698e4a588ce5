package persistence

import (
	"context"
	"errors"
	"fmt"

	"novel-engine/shared/models"

	"go.uber.org/zap"
)

// Export собирает резервную копию всех слотов.
func (m *Manager) Export(ctx context.Context) (*models.BackupDocument, error) {
	m.gate.Lock()
	defer m.gate.Unlock()

	slots, err := m.store.ListSlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	doc := &models.BackupDocument{
		Version:    models.BackupVersion,
		ExportDate: m.now(),
		Slots:      slots,
		Saves:      make(map[string]*models.SlotSnapshot, len(slots)),
	}
	for _, slot := range slots {
		snap, err := m.store.LoadGameState(ctx, slot.ID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				m.logger.Warn("Slot without game state skipped from export", zap.String("slotID", slot.ID))
				continue
			}
			return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
		}
		doc.Saves[slot.ID] = snap
	}
	if current, err := m.store.LoadMetadata(ctx, models.MetaCurrentSlot); err == nil {
		doc.CurrentSlot = current
	}
	m.logger.Info("Backup exported", zap.Int("slots", len(doc.Saves)))
	return doc, nil
}

// Import восстанавливает слоты из резервной копии.
// Slots are merged: an imported id overwrites the local slot with the same id.
// The whole document is validated first and all slots are then written in one
// store transaction, so a failed import leaves the store as it was. The current
// slot pointer is recorded after the slots; if that last write fails the slots
// stay imported and the error is returned with their count.
func (m *Manager) Import(ctx context.Context, doc *models.BackupDocument) (int, error) {
	if doc == nil {
		return 0, fmt.Errorf("%w: empty backup", models.ErrInvalidInput)
	}
	if doc.Version < 1 || doc.Version > models.BackupVersion {
		return 0, fmt.Errorf("%w: %d", models.ErrUnsupportedBackup, doc.Version)
	}

	entries := make([]models.SlotWrite, 0, len(doc.Slots))
	for _, slot := range doc.Slots {
		if slot.ID == "" {
			return 0, fmt.Errorf("%w: slot without id", models.ErrInvalidInput)
		}
		snap, ok := doc.Saves[slot.ID]
		if !ok || snap == nil {
			return 0, fmt.Errorf("%w: slot %s has no save data", models.ErrInvalidInput, slot.ID)
		}
		snap = snap.Clone()
		snap.SlotID = slot.ID
		if err := checkSnapshot(snap); err != nil {
			return 0, fmt.Errorf("%w: slot %s: %v", models.ErrInvalidInput, slot.ID, err)
		}
		if snap.Revision < slot.Revision {
			snap.Revision = slot.Revision
		}
		slot.Revision = snap.Revision
		slot.NodeCount = len(snap.Graph.Nodes)
		entries = append(entries, models.SlotWrite{Slot: &slot, Snapshot: snap})
	}

	m.gate.Lock()
	defer m.gate.Unlock()

	if err := m.writeAll(ctx, "import", entries); err != nil {
		m.logger.Error("Backup import failed, nothing written", zap.Int("slots", len(entries)), zap.Error(err))
		return 0, err
	}
	m.stateMu.Lock()
	for _, e := range entries {
		delete(m.tombstones, e.Slot.ID)
	}
	m.stateMu.Unlock()
	if doc.CurrentSlot != "" {
		if _, ok := doc.Saves[doc.CurrentSlot]; ok {
			if err := m.store.SaveMetadata(ctx, models.MetaCurrentSlot, doc.CurrentSlot); err != nil {
				return len(entries), fmt.Errorf("%w: %v", models.ErrPersistence, err)
			}
		}
	}
	m.logger.Info("Backup imported", zap.Int("slots", len(entries)))
	return len(entries), nil
}
