package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"
)

// MemorySaveStore - хранилище в памяти; используется в тестах и для эфемерных сессий.
type MemorySaveStore struct {
	mu        sync.RWMutex
	meta      map[string]string
	slots     map[string]models.SaveSlot
	snapshots map[string]*models.SlotSnapshot
}

// NewMemorySaveStore создает пустое хранилище в памяти.
func NewMemorySaveStore() *MemorySaveStore {
	return &MemorySaveStore{
		meta:      make(map[string]string),
		slots:     make(map[string]models.SaveSlot),
		snapshots: make(map[string]*models.SlotSnapshot),
	}
}

var _ interfaces.SaveStore = (*MemorySaveStore)(nil)

func (s *MemorySaveStore) LoadMetadata(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	if !ok {
		return "", fmt.Errorf("%w: metadata %s", models.ErrNotFound, key)
	}
	return v, nil
}

func (s *MemorySaveStore) SaveMetadata(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *MemorySaveStore) DeleteMetadata(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meta, key)
	return nil
}

func (s *MemorySaveStore) LoadGameState(ctx context.Context, slotID string) (*models.SlotSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[slotID]
	if !ok {
		return nil, fmt.Errorf("%w: game state %s", models.ErrNotFound, slotID)
	}
	return snap.Clone(), nil
}

func (s *MemorySaveStore) GetAllSaveIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemorySaveStore) GetSlot(ctx context.Context, slotID string) (*models.SaveSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return nil, fmt.Errorf("%w: slot %s", models.ErrNotFound, slotID)
	}
	return &slot, nil
}

func (s *MemorySaveStore) ListSlots(ctx context.Context) ([]models.SaveSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SaveSlot, 0, len(s.slots))
	for _, slot := range s.slots {
		out = append(out, slot)
	}
	sortSlots(out)
	return out, nil
}

func (s *MemorySaveStore) UpsertSlot(ctx context.Context, slot *models.SaveSlot, snapshot *models.SlotSnapshot) error {
	if slot == nil || slot.ID == "" || snapshot == nil {
		return fmt.Errorf("%w: slot and snapshot are required", models.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot.ID] = *slot
	s.snapshots[slot.ID] = snapshot.Clone()
	return nil
}

func (s *MemorySaveStore) UpsertSlots(ctx context.Context, writes []models.SlotWrite) error {
	for _, w := range writes {
		if !w.Valid() {
			return fmt.Errorf("%w: slot and snapshot are required", models.ErrInvalidInput)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		s.slots[w.Slot.ID] = *w.Slot
		s.snapshots[w.Slot.ID] = w.Snapshot.Clone()
	}
	return nil
}

func (s *MemorySaveStore) DeleteSlot(ctx context.Context, slotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, slotID)
	delete(s.snapshots, slotID)
	return nil
}

func (s *MemorySaveStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = make(map[string]string)
	s.slots = make(map[string]models.SaveSlot)
	s.snapshots = make(map[string]*models.SlotSnapshot)
	return nil
}

func (s *MemorySaveStore) Close() error { return nil }

// sortSlots orders slots newest first, ties broken by id.
func sortSlots(slots []models.SaveSlot) {
	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].UpdatedAt.Equal(slots[j].UpdatedAt) {
			return slots[i].UpdatedAt.After(slots[j].UpdatedAt)
		}
		return slots[i].ID < slots[j].ID
	})
}
