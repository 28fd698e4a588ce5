package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var _ interfaces.SettingsStore = (*FileStore)(nil)

// FileStore хранит AISettings в YAML/JSON файле.
// Переменные окружения (STORY_API_KEY, IMAGE_PROVIDER, ...) перекрывают значения из файла.
type FileStore struct {
	path   string
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewFileStore создает хранилище настроек для указанного файла.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger.Named("SettingsStore"),
	}
}

// Defaults returns the settings used before the user configured anything.
func Defaults() models.AISettings {
	return models.AISettings{
		AutoGenerateImages: true,
		AudioVolume:        0.8,
	}
}

func (s *FileStore) Load(ctx context.Context) (*models.AISettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := Defaults()
	if _, err := os.Stat(s.path); err == nil {
		if err := cleanenv.ReadConfig(s.path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read settings file %s: %w", s.path, err)
		}
	} else {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat settings file %s: %w", s.path, err)
		}
		s.logger.Debug("Settings file not found, using defaults and environment", zap.String("path", s.path))
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read settings from environment: %w", err)
		}
	}

	normalize(&cfg)
	return &cfg, nil
}

func (s *FileStore) Save(ctx context.Context, settings *models.AISettings) error {
	if settings == nil {
		return fmt.Errorf("%w: settings are required", models.ErrInvalidInput)
	}
	cfg := *settings
	normalize(&cfg)

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}
	tmp := s.path + ".tmp"
	// файл содержит API ключи
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	s.logger.Info("Settings saved", zap.String("path", s.path))
	return nil
}

func normalize(cfg *models.AISettings) {
	cfg.Story.Enabled = true
	if cfg.AudioVolume < 0 {
		cfg.AudioVolume = 0
	}
	if cfg.AudioVolume > 1 {
		cfg.AudioVolume = 1
	}
	for _, m := range []*models.ModalitySettings{&cfg.Story, &cfg.Image, &cfg.Audio, &cfg.Video} {
		m.Provider = models.ProviderKey(strings.ToLower(strings.TrimSpace(string(m.Provider))))
		m.Credentials.BaseURL = strings.TrimSpace(m.Credentials.BaseURL)
		m.Credentials.APIKey = strings.TrimSpace(m.Credentials.APIKey)
	}
}
