package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"novel-engine/pkg/migration"
	"novel-engine/shared/database/migrations"
	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	pgxV5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	pgSlotColumns = `id, name, summary, theme, preview_image_url, node_count, revision, created_at, updated_at`

	getSlotQuery     = `SELECT ` + pgSlotColumns + ` FROM save_slots WHERE id = $1`
	listSlotsQuery   = `SELECT ` + pgSlotColumns + ` FROM save_slots ORDER BY updated_at DESC, id`
	listSlotIDsQuery = `SELECT id FROM save_slots ORDER BY id`
	upsertSlotQuery  = `
INSERT INTO save_slots (` + pgSlotColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    summary = EXCLUDED.summary,
    theme = EXCLUDED.theme,
    preview_image_url = EXCLUDED.preview_image_url,
    node_count = EXCLUDED.node_count,
    revision = EXCLUDED.revision,
    updated_at = EXCLUDED.updated_at`
	upsertSnapshotQuery = `
INSERT INTO save_snapshots (slot_id, revision, data, saved_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (slot_id) DO UPDATE SET
    revision = EXCLUDED.revision,
    data = EXCLUDED.data,
    saved_at = EXCLUDED.saved_at`
	getSnapshotQuery   = `SELECT data FROM save_snapshots WHERE slot_id = $1`
	deleteSlotQuery    = `DELETE FROM save_slots WHERE id = $1`
	getMetadataQuery   = `SELECT value FROM engine_metadata WHERE key = $1`
	upsertMetaQuery    = `INSERT INTO engine_metadata (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	deleteMetaQuery    = `DELETE FROM engine_metadata WHERE key = $1`
	clearAllSavesQuery = `TRUNCATE save_snapshots, save_slots, engine_metadata`
)

var _ interfaces.SaveStore = (*pgSaveStore)(nil)

type pgSaveStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPgSaveStore создает SaveStore поверх пула PostgreSQL.
func NewPgSaveStore(pool *pgxpool.Pool, logger *zap.Logger) interfaces.SaveStore {
	return &pgSaveStore{
		pool:   pool,
		logger: logger.Named("PgSaveStore"),
	}
}

// MigratePostgres applies the embedded save-store schema to the pool's database.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	m := migration.NewPostgresMigrator(migration.Config{MigrationsFS: migrations.Postgres, MigrationsPath: "postgres"}, pool)
	return m.Up(ctx)
}

func (r *pgSaveStore) LoadMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := r.pool.QueryRow(ctx, getMetadataQuery, key).Scan(&value)
	if errors.Is(err, pgxV5.ErrNoRows) {
		return "", fmt.Errorf("%w: metadata %s", models.ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load metadata %s: %w", key, err)
	}
	return value, nil
}

func (r *pgSaveStore) SaveMetadata(ctx context.Context, key, value string) error {
	if _, err := r.pool.Exec(ctx, upsertMetaQuery, key, value); err != nil {
		return fmt.Errorf("failed to save metadata %s: %w", key, err)
	}
	return nil
}

func (r *pgSaveStore) DeleteMetadata(ctx context.Context, key string) error {
	if _, err := r.pool.Exec(ctx, deleteMetaQuery, key); err != nil {
		return fmt.Errorf("failed to delete metadata %s: %w", key, err)
	}
	return nil
}

func (r *pgSaveStore) LoadGameState(ctx context.Context, slotID string) (*models.SlotSnapshot, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, getSnapshotQuery, slotID).Scan(&data)
	if errors.Is(err, pgxV5.ErrNoRows) {
		return nil, fmt.Errorf("%w: game state %s", models.ErrNotFound, slotID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load game state %s: %w", slotID, err)
	}
	var snap models.SlotSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode game state %s: %w", slotID, err)
	}
	return &snap, nil
}

func (r *pgSaveStore) GetAllSaveIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0)
	if err := pgxscan.Select(ctx, r.pool, &ids, listSlotIDsQuery); err != nil {
		return nil, fmt.Errorf("failed to list save ids: %w", err)
	}
	return ids, nil
}

func (r *pgSaveStore) GetSlot(ctx context.Context, slotID string) (*models.SaveSlot, error) {
	var slot models.SaveSlot
	err := pgxscan.Get(ctx, r.pool, &slot, getSlotQuery, slotID)
	if err != nil {
		if errors.Is(err, pgxV5.ErrNoRows) {
			return nil, fmt.Errorf("%w: slot %s", models.ErrNotFound, slotID)
		}
		r.logger.Error("Error getting slot", zap.String("slotID", slotID), zap.Error(err))
		return nil, fmt.Errorf("failed to get slot %s: %w", slotID, err)
	}
	slot.CreatedAt = slot.CreatedAt.UTC()
	slot.UpdatedAt = slot.UpdatedAt.UTC()
	return &slot, nil
}

func (r *pgSaveStore) ListSlots(ctx context.Context) ([]models.SaveSlot, error) {
	slots := make([]models.SaveSlot, 0)
	if err := pgxscan.Select(ctx, r.pool, &slots, listSlotsQuery); err != nil {
		r.logger.Error("Error listing slots", zap.Error(err))
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	for i := range slots {
		slots[i].CreatedAt = slots[i].CreatedAt.UTC()
		slots[i].UpdatedAt = slots[i].UpdatedAt.UTC()
	}
	return slots, nil
}

func (r *pgSaveStore) UpsertSlot(ctx context.Context, slot *models.SaveSlot, snapshot *models.SlotSnapshot) error {
	return r.UpsertSlots(ctx, []models.SlotWrite{{Slot: slot, Snapshot: snapshot}})
}

func (r *pgSaveStore) UpsertSlots(ctx context.Context, writes []models.SlotWrite) error {
	encoded := make([][]byte, len(writes))
	for i, w := range writes {
		if !w.Valid() {
			return fmt.Errorf("%w: slot and snapshot are required", models.ErrInvalidInput)
		}
		data, err := json.Marshal(w.Snapshot)
		if err != nil {
			return fmt.Errorf("failed to encode game state %s: %w", w.Slot.ID, err)
		}
		encoded[i] = data
	}

	return pgxV5.BeginFunc(ctx, r.pool, func(tx pgxV5.Tx) error {
		for i, w := range writes {
			slot, snapshot := w.Slot, w.Snapshot
			if _, err := tx.Exec(ctx, upsertSlotQuery,
				slot.ID, slot.Name, slot.Summary, slot.Theme, slot.PreviewImageURL, slot.NodeCount,
				int64(slot.Revision), slot.CreatedAt, slot.UpdatedAt,
			); err != nil {
				return fmt.Errorf("failed to upsert slot %s: %w", slot.ID, err)
			}
			if _, err := tx.Exec(ctx, upsertSnapshotQuery, slot.ID, int64(snapshot.Revision), encoded[i], snapshot.SavedAt); err != nil {
				return fmt.Errorf("failed to upsert game state %s: %w", slot.ID, err)
			}
		}
		return nil
	})
}

func (r *pgSaveStore) DeleteSlot(ctx context.Context, slotID string) error {
	// save_snapshots is removed by ON DELETE CASCADE
	if _, err := r.pool.Exec(ctx, deleteSlotQuery, slotID); err != nil {
		return fmt.Errorf("failed to delete slot %s: %w", slotID, err)
	}
	return nil
}

func (r *pgSaveStore) Clear(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, clearAllSavesQuery); err != nil {
		return fmt.Errorf("failed to clear saves: %w", err)
	}
	r.logger.Info("All saves cleared")
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *pgSaveStore) Close() error { return nil }
