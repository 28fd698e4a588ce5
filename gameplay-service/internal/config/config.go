package config

import (
	"fmt"
	"strings"
	"time"

	"novel-engine/shared/utils"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// Поддерживаемые бэкенды хранилища сохранений.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config содержит конфигурацию процесса движка
type Config struct {
	// Настройки сервера
	Port           string        `envconfig:"ENGINE_HTTP_PORT" default:"8090"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding    string        `envconfig:"LOG_ENCODING" default:"console"`
	AllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	ShutdownGrace  time.Duration `envconfig:"SHUTDOWN_GRACE" default:"10s"`
	// Запросов генерации в минуту на IP; 0 отключает ограничение
	GenerationRateLimit uint `envconfig:"GENERATION_RATE_LIMIT" default:"30"`

	// Хранилище сохранений
	SaveBackend    string `envconfig:"SAVE_BACKEND" default:"sqlite"`
	SQLitePath     string `envconfig:"SQLITE_PATH" default:"./data/novel-engine.db"`
	RedisAddr      string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB        int    `envconfig:"REDIS_DB" default:"0"`
	RedisKeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"novel"`
	PostgresDSN    string `envconfig:"POSTGRES_DSN"`
	DBMaxConns     int32  `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	// Секретное поле БЕЗ envconfig тега
	RedisPassword string

	// Медиа и провайдеры
	MediaDir              string        `envconfig:"MEDIA_DIR" default:"./data/media"`
	MediaPublicBaseURL    string        `envconfig:"MEDIA_PUBLIC_BASE_URL" default:"http://localhost:8090/media"`
	SettingsFile          string        `envconfig:"SETTINGS_FILE" default:"./data/settings.yaml"`
	ProviderTimeout       time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"120s"`
	MaxBackgroundTasks    int           `envconfig:"MAX_BACKGROUND_TASKS" default:"8"`
	BackgroundTaskTimeout time.Duration `envconfig:"BACKGROUND_TASK_TIMEOUT" default:"5m"`

	// Политика суммаризации контекста
	SummaryTurnThreshold  int `envconfig:"SUMMARY_TURN_THRESHOLD" default:"24"`
	SummaryTokenThreshold int `envconfig:"SUMMARY_TOKEN_THRESHOLD" default:"6000"`
	SummaryKeepRecent     int `envconfig:"SUMMARY_KEEP_RECENT" default:"8"`
}

// LoadConfig загружает конфигурацию из .env, переменных окружения и секретов
func LoadConfig(logger *zap.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded", zap.Error(err))
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load engine config: %w", err)
	}

	cfg.RedisPassword = utils.SecretOr("redis_password", "")
	if dsn := utils.SecretOr("postgres_dsn", ""); dsn != "" {
		cfg.PostgresDSN = dsn
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Engine configuration loaded",
		zap.String("port", cfg.Port),
		zap.String("logLevel", cfg.LogLevel),
		zap.String("saveBackend", cfg.SaveBackend),
		zap.String("mediaDir", cfg.MediaDir),
		zap.String("settingsFile", cfg.SettingsFile),
		zap.Duration("providerTimeout", cfg.ProviderTimeout),
		zap.Int("maxBackgroundTasks", cfg.MaxBackgroundTasks),
		zap.Bool("redisPasswordSet", cfg.RedisPassword != ""),
	)
	return &cfg, nil
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	c.SaveBackend = strings.ToLower(strings.TrimSpace(c.SaveBackend))
	switch c.SaveBackend {
	case BackendMemory, BackendSQLite, BackendRedis:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres save backend")
		}
	default:
		return fmt.Errorf("unknown SAVE_BACKEND %q", c.SaveBackend)
	}
	if c.SummaryKeepRecent < 1 {
		return fmt.Errorf("SUMMARY_KEEP_RECENT must be positive")
	}
	if c.SummaryTurnThreshold <= c.SummaryKeepRecent {
		return fmt.Errorf("SUMMARY_TURN_THRESHOLD must exceed SUMMARY_KEEP_RECENT")
	}
	if c.MaxBackgroundTasks < 1 {
		return fmt.Errorf("MAX_BACKGROUND_TASKS must be positive")
	}
	return nil
}
