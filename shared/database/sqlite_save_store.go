package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"novel-engine/pkg/migration"
	"novel-engine/shared/database/migrations"
	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteSaveStore - основное локальное хранилище сохранений на SQLite.
type SQLiteSaveStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ interfaces.SaveStore = (*SQLiteSaveStore)(nil)

// SQLiteDSN builds the modernc.org/sqlite DSN for a database file.
func SQLiteDSN(path string) string {
	return "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
}

// OpenSQLiteSaveStore открывает файл БД и применяет миграции.
func OpenSQLiteSaveStore(ctx context.Context, path string, logger *zap.Logger) (*SQLiteSaveStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := SQLiteDSN(path)

	migrator := migration.NewSQLiteMigrator(migration.Config{MigrationsFS: migrations.SQLite, MigrationsPath: "sqlite"}, dsn)
	if err := migrator.Up(ctx); err != nil {
		return nil, fmt.Errorf("run sqlite migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single writer connection avoids SQLITE_BUSY between concurrent autosaves
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	log := logger.Named("SQLiteSaveStore")
	log.Info("sqlite save store opened", zap.String("path", path))
	return &SQLiteSaveStore{db: db, logger: log}, nil
}

func (s *SQLiteSaveStore) LoadMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM engine_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: metadata %s", models.ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("load metadata %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteSaveStore) SaveMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("save metadata %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteSaveStore) DeleteMetadata(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM engine_metadata WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete metadata %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteSaveStore) LoadGameState(ctx context.Context, slotID string) (*models.SlotSnapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM save_snapshots WHERE slot_id = ?`, slotID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: game state %s", models.ErrNotFound, slotID)
	}
	if err != nil {
		return nil, fmt.Errorf("load game state %s: %w", slotID, err)
	}
	var snap models.SlotSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("decode game state %s: %w", slotID, err)
	}
	return &snap, nil
}

func (s *SQLiteSaveStore) GetAllSaveIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM save_slots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list save ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan save id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const sqliteSlotColumns = `id, name, summary, theme, preview_image_url, node_count, revision, created_at, updated_at`

func scanSQLiteSlot(row interface{ Scan(...any) error }) (*models.SaveSlot, error) {
	var slot models.SaveSlot
	var revision, createdAt, updatedAt int64
	if err := row.Scan(&slot.ID, &slot.Name, &slot.Summary, &slot.Theme, &slot.PreviewImageURL,
		&slot.NodeCount, &revision, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	slot.Revision = uint64(revision)
	slot.CreatedAt = time.UnixMilli(createdAt).UTC()
	slot.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &slot, nil
}

func (s *SQLiteSaveStore) GetSlot(ctx context.Context, slotID string) (*models.SaveSlot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSlotColumns+` FROM save_slots WHERE id = ?`, slotID)
	slot, err := scanSQLiteSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: slot %s", models.ErrNotFound, slotID)
	}
	if err != nil {
		return nil, fmt.Errorf("get slot %s: %w", slotID, err)
	}
	return slot, nil
}

func (s *SQLiteSaveStore) ListSlots(ctx context.Context) ([]models.SaveSlot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteSlotColumns+` FROM save_slots ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	slots := make([]models.SaveSlot, 0)
	for rows.Next() {
		slot, err := scanSQLiteSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, *slot)
	}
	return slots, rows.Err()
}

func (s *SQLiteSaveStore) UpsertSlot(ctx context.Context, slot *models.SaveSlot, snapshot *models.SlotSnapshot) error {
	return s.UpsertSlots(ctx, []models.SlotWrite{{Slot: slot, Snapshot: snapshot}})
}

// UpsertSlots пишет все слоты в одной транзакции.
func (s *SQLiteSaveStore) UpsertSlots(ctx context.Context, writes []models.SlotWrite) error {
	encoded := make([]string, len(writes))
	for i, w := range writes {
		if !w.Valid() {
			return fmt.Errorf("%w: slot and snapshot are required", models.ErrInvalidInput)
		}
		data, err := json.Marshal(w.Snapshot)
		if err != nil {
			return fmt.Errorf("encode game state %s: %w", w.Slot.ID, err)
		}
		encoded[i] = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, w := range writes {
		slot, snapshot := w.Slot, w.Snapshot
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO save_slots (`+sqliteSlotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   name = excluded.name,
			   summary = excluded.summary,
			   theme = excluded.theme,
			   preview_image_url = excluded.preview_image_url,
			   node_count = excluded.node_count,
			   revision = excluded.revision,
			   updated_at = excluded.updated_at`,
			slot.ID, slot.Name, slot.Summary, slot.Theme, slot.PreviewImageURL, slot.NodeCount,
			int64(slot.Revision), slot.CreatedAt.UnixMilli(), slot.UpdatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("upsert slot %s: %w", slot.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO save_snapshots (slot_id, revision, data, saved_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(slot_id) DO UPDATE SET revision = excluded.revision, data = excluded.data, saved_at = excluded.saved_at`,
			slot.ID, int64(snapshot.Revision), encoded[i], snapshot.SavedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("upsert game state %s: %w", slot.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %d slots: %w", len(writes), err)
	}
	return nil
}

func (s *SQLiteSaveStore) DeleteSlot(ctx context.Context, slotID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM save_snapshots WHERE slot_id = ?`, slotID); err != nil {
		return fmt.Errorf("delete game state %s: %w", slotID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM save_slots WHERE id = ?`, slotID); err != nil {
		return fmt.Errorf("delete slot %s: %w", slotID, err)
	}
	return tx.Commit()
}

func (s *SQLiteSaveStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"save_snapshots", "save_slots", "engine_metadata"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	s.logger.Info("all saves cleared")
	return nil
}

// Close releases the underlying SQLite connection.
func (s *SQLiteSaveStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
