package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/entlog/entlog/internal/db"
)

// StoreConfig tunes the document store and the write path.
type StoreConfig struct {
	RequestTimeout      time.Duration
	MaxConcurrentWrites int
	// PriorityIndices are field-data indices created at startup instead of
	// lazily on first write.
	PriorityIndices []string
}

// Config is the full server configuration.
type Config struct {
	HTTPAddr       string
	AllowedOrigins []string
	MigrationsPath string
	Database       db.Config
	Store          StoreConfig
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:       ":8080",
		AllowedOrigins: []string{"http://localhost:3000"},
		MigrationsPath: "./migrations",
		Database:       db.DefaultConfig(),
		Store: StoreConfig{
			RequestTimeout:      2 * time.Minute,
			MaxConcurrentWrites: 20,
		},
	}
}

// Load reads config.yaml from configPath, with environment overrides under
// the ENTLOG prefix. A missing file falls back to defaults.
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("ENTLOG")

	v.BindEnv("server.addr")
	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("store.request_timeout")
	v.BindEnv("store.max_concurrent_writes")

	if err := v.ReadInConfig(); err != nil {
		fmt.Println("No config.yaml found, using defaults and env vars")
	}

	if v.IsSet("server.addr") {
		cfg.HTTPAddr = v.GetString("server.addr")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}
	if v.IsSet("server.migrations_path") {
		cfg.MigrationsPath = v.GetString("server.migrations_path")
	}
	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("store.request_timeout") {
		cfg.Store.RequestTimeout = v.GetDuration("store.request_timeout")
	}
	if v.IsSet("store.max_concurrent_writes") {
		cfg.Store.MaxConcurrentWrites = v.GetInt("store.max_concurrent_writes")
	}
	if v.IsSet("store.priority_indices") {
		cfg.Store.PriorityIndices = v.GetStringSlice("store.priority_indices")
	}

	return cfg, nil
}
