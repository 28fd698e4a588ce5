package interfaces

import (
	"context"

	"novel-engine/shared/models"
)

// SaveStore - хранилище слотов сохранения и метаданных.
// Missing records are reported as models.ErrNotFound.
type SaveStore interface {
	LoadMetadata(ctx context.Context, key string) (string, error)
	SaveMetadata(ctx context.Context, key, value string) error
	DeleteMetadata(ctx context.Context, key string) error

	// LoadGameState returns the full snapshot stored for a slot.
	LoadGameState(ctx context.Context, slotID string) (*models.SlotSnapshot, error)
	GetAllSaveIDs(ctx context.Context) ([]string, error)

	GetSlot(ctx context.Context, slotID string) (*models.SaveSlot, error)
	ListSlots(ctx context.Context) ([]models.SaveSlot, error)
	// UpsertSlot writes slot metadata and snapshot atomically.
	UpsertSlot(ctx context.Context, slot *models.SaveSlot, snapshot *models.SlotSnapshot) error
	// UpsertSlots writes every entry or none of them.
	UpsertSlots(ctx context.Context, writes []models.SlotWrite) error
	DeleteSlot(ctx context.Context, slotID string) error
	// Clear removes every slot, snapshot and metadata record.
	Clear(ctx context.Context) error

	Close() error
}

// SettingsStore - хранилище пользовательских настроек генерации.
type SettingsStore interface {
	Load(ctx context.Context) (*models.AISettings, error)
	Save(ctx context.Context, settings *models.AISettings) error
}

// MediaStore сохраняет бинарные результаты генерации (аудио, изображения).
type MediaStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (url string, err error)
	Get(ctx context.Context, key string) ([]byte, string, error)
	URL(key string) string
}

// EventNotifier доставляет события сессии подписчикам (UI).
type EventNotifier interface {
	Notify(event models.SessionEvent)
}
