package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "semflow.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/semflow"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Environment variables that override file configuration.
const (
	EnvNATSURL       = "SEMFLOW_NATS_URL"
	EnvNATSURLLegacy = "NATS_URL"
	EnvNamespace     = "SEMFLOW_NAMESPACE"
	EnvKVBackend     = "SEMFLOW_KV_BACKEND"
	EnvKVTTL         = "SEMFLOW_KV_TTL"
	EnvRedisAddr     = "SEMFLOW_REDIS_ADDR"
	EnvStorageDriver = "SEMFLOW_STORAGE_DRIVER"
	EnvStorageDSN    = "SEMFLOW_STORAGE_DSN"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	// explicit is a config file given on the command line.
	explicit string
	getenv   func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, getenv: os.Getenv}
}

// WithFile makes Load read path after the user config, in place of the
// project config search.
func (l *Loader) WithFile(path string) *Loader {
	l.explicit = path
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/semflow/config.yaml)
// 3. Project config (semflow.yaml in current or parent directories), or
// the file given with WithFile
// 4. Environment variables, after loading .env if present
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	if l.explicit != "" {
		fileConfig, err := LoadFromFile(l.explicit)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config file", slog.String("path", l.explicit))
		config.Merge(fileConfig)
	} else if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// A missing .env is not an error.
	_ = godotenv.Load()

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overrides config from the environment. Env vars take precedence
// over every file layer.
func (l *Loader) applyEnv(config *Config) error {
	url := l.getenv(EnvNATSURL)
	if url == "" {
		url = l.getenv(EnvNATSURLLegacy)
	}
	if url != "" {
		config.NATS.URL = url
		config.NATS.Embedded = false
	}
	if ns := l.getenv(EnvNamespace); ns != "" {
		config.Namespace = ns
	}
	if backend := l.getenv(EnvKVBackend); backend != "" {
		config.KV.Backend = backend
	}
	if ttl := l.getenv(EnvKVTTL); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvKVTTL, err)
		}
		config.KV.DefaultTTL = d
	}
	if addr := l.getenv(EnvRedisAddr); addr != "" {
		config.KV.RedisAddr = addr
	}
	if driver := l.getenv(EnvStorageDriver); driver != "" {
		config.Storage.Driver = driver
	}
	if dsn := l.getenv(EnvStorageDSN); dsn != "" {
		config.Storage.DSN = dsn
	}
	return nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for semflow.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
