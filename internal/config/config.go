package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	apperrors "github.com/adherahq/adhera/internal/errors"
)

// Config holds all configuration for the adherence engine.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Adherence AdherenceConfig `mapstructure:"adherence"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Security  SecurityConfig  `mapstructure:"security"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// EngineConfig holds the notification engine's timing windows.
type EngineConfig struct {
	ConfirmationWindowMinutes int `mapstructure:"confirmation_window_minutes"`
	EscalationWaitMinutes     int `mapstructure:"escalation_wait_minutes"`
	ReminderLeadMinutes       int `mapstructure:"reminder_lead_minutes"`
	MaxAttempts               int `mapstructure:"max_attempts"`
	RecommendationHour        int `mapstructure:"recommendation_hour"`
}

// AdherenceConfig holds the evaluator thresholds.
type AdherenceConfig struct {
	HighThreshold float64 `mapstructure:"high_threshold"`
	LowThreshold  float64 `mapstructure:"low_threshold"`
}

// SchedulerConfig holds the wall-clock runner settings.
type SchedulerConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	GenerationSpec   string `mapstructure:"generation_spec"`
	SweepIntervalSec int    `mapstructure:"sweep_interval_sec"`
}

// SecurityConfig holds API auth settings.
type SecurityConfig struct {
	JWTSecret    string   `mapstructure:"jwt_secret"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// Load loads configuration from file, env, and defaults
func Load(configPath, dataDir string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if dataDir == "" {
		dataDir = getDefaultDataDir()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	v.Set("storage.data_dir", dataDir)
	v.SetDefault("storage.sqlite_path", filepath.Join(dataDir, "adhera.db"))

	if configPath == "" {
		configPath = filepath.Join(dataDir, "adhera.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Environment variables (ADHERA_SERVER_PORT, ADHERA_ADHERENCE_LOW_THRESHOLD, etc.)
	v.SetEnvPrefix("ADHERA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("engine.confirmation_window_minutes", 15)
	v.SetDefault("engine.escalation_wait_minutes", 15)
	v.SetDefault("engine.reminder_lead_minutes", 30)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.recommendation_hour", 9)

	v.SetDefault("adherence.high_threshold", 80)
	v.SetDefault("adherence.low_threshold", 30)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.generation_spec", "0 9 * * *")
	v.SetDefault("scheduler.sweep_interval_sec", 60)

	v.SetDefault("security.allow_origins", []string{"*"})
}

func getDefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "adhera")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".local", "share", "adhera")
}

// Validate rejects threshold and window configurations the engine
// cannot run with.
func Validate(cfg *Config) error {
	if cfg.Adherence.LowThreshold >= cfg.Adherence.HighThreshold {
		return apperrors.New(
			apperrors.ErrInvalidThresholds.Code,
			fmt.Sprintf("low threshold %.1f must be strictly below high threshold %.1f",
				cfg.Adherence.LowThreshold, cfg.Adherence.HighThreshold),
			apperrors.ErrInvalidThresholds,
		)
	}
	if cfg.Adherence.HighThreshold > 100 || cfg.Adherence.LowThreshold < 0 {
		return apperrors.New(apperrors.ErrConfigInvalid.Code, "adherence thresholds must be within 0..100")
	}

	if cfg.Engine.ConfirmationWindowMinutes <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid.Code, "engine.confirmation_window_minutes must be positive")
	}
	if cfg.Engine.EscalationWaitMinutes <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid.Code, "engine.escalation_wait_minutes must be positive")
	}
	if cfg.Engine.MaxAttempts < 1 {
		return apperrors.New(apperrors.ErrConfigInvalid.Code, "engine.max_attempts must be at least 1")
	}
	if cfg.Engine.RecommendationHour < 0 || cfg.Engine.RecommendationHour > 23 {
		return apperrors.New(apperrors.ErrConfigInvalid.Code, "engine.recommendation_hour must be within 0..23")
	}

	return nil
}
