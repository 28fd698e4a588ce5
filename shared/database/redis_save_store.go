package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ interfaces.SaveStore = (*RedisSaveStore)(nil)

// RedisSaveStore хранит слоты в Redis.
// Layout:
//
//	<prefix>:slots            set of slot ids
//	<prefix>:slot:<id>        SaveSlot JSON
//	<prefix>:snapshot:<id>    SlotSnapshot JSON
//	<prefix>:meta:<key>       metadata value
type RedisSaveStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisSaveStore creates a Redis-backed SaveStore. An empty prefix defaults to "novel".
func NewRedisSaveStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisSaveStore {
	if prefix == "" {
		prefix = "novel"
	}
	return &RedisSaveStore{
		client: client,
		prefix: prefix,
		logger: logger.Named("RedisSaveStore"),
	}
}

func (r *RedisSaveStore) slotsKey() string             { return r.prefix + ":slots" }
func (r *RedisSaveStore) slotKey(id string) string     { return r.prefix + ":slot:" + id }
func (r *RedisSaveStore) snapshotKey(id string) string { return r.prefix + ":snapshot:" + id }
func (r *RedisSaveStore) metaKey(key string) string    { return r.prefix + ":meta:" + key }
func (r *RedisSaveStore) metaPattern() string          { return r.prefix + ":meta:*" }

func (r *RedisSaveStore) LoadMetadata(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.metaKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: metadata %s", models.ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("load metadata %s: %w", key, err)
	}
	return val, nil
}

func (r *RedisSaveStore) SaveMetadata(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.metaKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("save metadata %s: %w", key, err)
	}
	return nil
}

func (r *RedisSaveStore) DeleteMetadata(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.metaKey(key)).Err(); err != nil {
		return fmt.Errorf("delete metadata %s: %w", key, err)
	}
	return nil
}

func (r *RedisSaveStore) LoadGameState(ctx context.Context, slotID string) (*models.SlotSnapshot, error) {
	data, err := r.client.Get(ctx, r.snapshotKey(slotID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: game state %s", models.ErrNotFound, slotID)
	}
	if err != nil {
		return nil, fmt.Errorf("load game state %s: %w", slotID, err)
	}
	var snap models.SlotSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode game state %s: %w", slotID, err)
	}
	return &snap, nil
}

func (r *RedisSaveStore) GetAllSaveIDs(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.slotsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list save ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisSaveStore) GetSlot(ctx context.Context, slotID string) (*models.SaveSlot, error) {
	data, err := r.client.Get(ctx, r.slotKey(slotID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: slot %s", models.ErrNotFound, slotID)
	}
	if err != nil {
		return nil, fmt.Errorf("get slot %s: %w", slotID, err)
	}
	var slot models.SaveSlot
	if err := json.Unmarshal(data, &slot); err != nil {
		return nil, fmt.Errorf("decode slot %s: %w", slotID, err)
	}
	return &slot, nil
}

func (r *RedisSaveStore) ListSlots(ctx context.Context) ([]models.SaveSlot, error) {
	ids, err := r.GetAllSaveIDs(ctx)
	if err != nil {
		return nil, err
	}
	slots := make([]models.SaveSlot, 0, len(ids))
	if len(ids) == 0 {
		return slots, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.slotKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// slot removed between SMEMBERS and MGET
			r.logger.Debug("slot missing from index", zap.String("slotID", ids[i]))
			continue
		}
		var slot models.SaveSlot
		if err := json.Unmarshal([]byte(raw), &slot); err != nil {
			r.logger.Warn("skipping undecodable slot", zap.String("slotID", ids[i]), zap.Error(err))
			continue
		}
		slots = append(slots, slot)
	}
	sortSlots(slots)
	return slots, nil
}

func (r *RedisSaveStore) UpsertSlot(ctx context.Context, slot *models.SaveSlot, snapshot *models.SlotSnapshot) error {
	return r.UpsertSlots(ctx, []models.SlotWrite{{Slot: slot, Snapshot: snapshot}})
}

// UpsertSlots пишет все слоты одной транзакцией MULTI/EXEC.
func (r *RedisSaveStore) UpsertSlots(ctx context.Context, writes []models.SlotWrite) error {
	type encodedWrite struct {
		id       string
		slot     []byte
		snapshot []byte
	}
	encoded := make([]encodedWrite, 0, len(writes))
	for _, w := range writes {
		if !w.Valid() {
			return fmt.Errorf("%w: slot and snapshot are required", models.ErrInvalidInput)
		}
		slotData, err := json.Marshal(w.Slot)
		if err != nil {
			return fmt.Errorf("encode slot %s: %w", w.Slot.ID, err)
		}
		snapData, err := json.Marshal(w.Snapshot)
		if err != nil {
			return fmt.Errorf("encode game state %s: %w", w.Slot.ID, err)
		}
		encoded = append(encoded, encodedWrite{id: w.Slot.ID, slot: slotData, snapshot: snapData})
	}
	if len(encoded) == 0 {
		return nil
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range encoded {
			pipe.Set(ctx, r.slotKey(e.id), e.slot, 0)
			pipe.Set(ctx, r.snapshotKey(e.id), e.snapshot, 0)
			pipe.SAdd(ctx, r.slotsKey(), e.id)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to upsert slots", zap.Int("slots", len(encoded)), zap.Error(err))
		return fmt.Errorf("upsert %d slots: %w", len(encoded), err)
	}
	return nil
}

func (r *RedisSaveStore) DeleteSlot(ctx context.Context, slotID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.slotKey(slotID), r.snapshotKey(slotID))
		pipe.SRem(ctx, r.slotsKey(), slotID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete slot %s: %w", slotID, err)
	}
	return nil
}

func (r *RedisSaveStore) Clear(ctx context.Context) error {
	ids, err := r.GetAllSaveIDs(ctx)
	if err != nil {
		return err
	}
	keys := []string{r.slotsKey()}
	for _, id := range ids {
		keys = append(keys, r.slotKey(id), r.snapshotKey(id))
	}

	iter := r.client.Scan(ctx, 0, r.metaPattern(), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan metadata keys: %w", err)
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear saves: %w", err)
	}
	r.logger.Info("all saves cleared", zap.Int("slots", len(ids)))
	return nil
}

// Close closes the Redis client.
func (r *RedisSaveStore) Close() error {
	return r.client.Close()
}
