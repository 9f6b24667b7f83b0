package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all hireloop server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath   string `json:"db_path"`
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	PoolSize int    `json:"pool_size"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(hireloopDir(), "hireloop.db"),
		DataDir:  filepath.Join(hireloopDir(), "data"),
		LogLevel: "info",
		PoolSize: 10,
	}
}

func hireloopDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hireloop"
	}
	return filepath.Join(home, ".hireloop")
}

func settingsPath() string {
	return filepath.Join(hireloopDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("HIRELOOP_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("HIRELOOP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HIRELOOP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HIRELOOP_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}

	return cfg
}
