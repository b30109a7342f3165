package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"collabup/server/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort          = "8080"
	defaultCORSOrigins   = "http://localhost:3000"
	defaultStoreDriver   = "memory"
	defaultRedisAddr     = "localhost:6379"
	defaultUploadDir     = "./uploads"
	defaultTypingTimeout = 5 * time.Second
	defaultHistoryLimit  = 50
	defaultRoomLogLimit  = 500
	defaultSendBuffer    = 256
	defaultEventRate     = 20
	defaultEventBurst    = 40
)

// Config holds every tunable of the chat server
type Config struct {
	Port          string         `yaml:"port"`
	CORSOrigins   string         `yaml:"cors_origins"`
	JWTSecret     string         `yaml:"jwt_secret"`
	StoreDriver   string         `yaml:"store_driver"` // memory, postgres or redis
	DatabaseURL   string         `yaml:"database_url"`
	RedisAddr     string         `yaml:"redis_addr"`
	RedisPassword string         `yaml:"redis_password"`
	RedisDB       int            `yaml:"redis_db"`
	UploadDir     string         `yaml:"upload_dir"`
	TypingTimeout time.Duration  `yaml:"typing_timeout"`
	HistoryLimit  int            `yaml:"history_limit"`
	RoomLogLimit  int            `yaml:"room_log_limit"`
	SendBuffer    int            `yaml:"send_buffer"`
	EventRate     float64        `yaml:"event_rate"`
	EventBurst    int            `yaml:"event_burst"`
	LogLevel      string         `yaml:"log_level"`
	Groups        []models.Group `yaml:"groups"` // Seed groups for the memory store
}

// Default returns a config with every default applied
func Default() *Config {
	return &Config{
		Port:          defaultPort,
		CORSOrigins:   defaultCORSOrigins,
		StoreDriver:   defaultStoreDriver,
		RedisAddr:     defaultRedisAddr,
		UploadDir:     defaultUploadDir,
		TypingTimeout: defaultTypingTimeout,
		HistoryLimit:  defaultHistoryLimit,
		RoomLogLimit:  defaultRoomLogLimit,
		SendBuffer:    defaultSendBuffer,
		EventRate:     defaultEventRate,
		EventBurst:    defaultEventBurst,
		LogLevel:      "info",
	}
}

// Load reads .env (if present), then CONFIG_FILE (if set), then environment
// variables. Later sources win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return ":" + c.Port
}

// Validate checks required fields and driver-specific settings
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is not set")
	}
	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL environment variable is not set")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR environment variable is not set")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.TypingTimeout <= 0 {
		return fmt.Errorf("typing timeout must be positive")
	}
	if c.HistoryLimit < 1 || c.RoomLogLimit < 1 || c.SendBuffer < 1 {
		return fmt.Errorf("history_limit, room_log_limit and send_buffer must be positive")
	}
	return nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) mergeEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("PORT", &c.Port)
	str("CORS_ORIGINS", &c.CORSOrigins)
	str("JWT_SECRET", &c.JWTSecret)
	str("STORE_DRIVER", &c.StoreDriver)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	str("UPLOAD_DIR", &c.UploadDir)
	str("LOG_LEVEL", &c.LogLevel)

	ints := map[string]*int{
		"REDIS_DB":       &c.RedisDB,
		"HISTORY_LIMIT":  &c.HistoryLimit,
		"ROOM_LOG_LIMIT": &c.RoomLogLimit,
		"SEND_BUFFER":    &c.SendBuffer,
		"EVENT_BURST":    &c.EventBurst,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := lookup("EVENT_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("EVENT_RATE: %w", err)
		}
		c.EventRate = f
	}
	if v, ok := lookup("TYPING_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TYPING_TIMEOUT: %w", err)
		}
		c.TypingTimeout = d
	}
	return nil
}
