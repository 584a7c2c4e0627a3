package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// BotConfig is the model/key pair a bot needs before it can call the generative API.
type BotConfig struct {
	Model  string
	APIKey string
}

type Config struct {
	HTTPPort       string
	LogLevel       string
	Env            string
	SessionSecret  string
	SessionTTL     time.Duration
	SessionBackend string
	DatabaseURL    string
	RedisURL       string
	UsersFile      string
	StaticDir      string
	UploadDir      string
	MaxUploadBytes int64

	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3Region        string
	S3PublicBaseURL string

	Bots map[string]BotConfig
}

var AppConfig Config

const (
	SessionBackendSQLite = "sqlite"
	SessionBackendRedis  = "redis"
)

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg, err := FromEnv(os.Environ())
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	AppConfig = cfg
}

// FromEnv builds and validates a Config from KEY=VALUE pairs.
func FromEnv(environ []string) (Config, error) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	getEnv := func(key, defaultValue string) string {
		if value, exists := env[key]; exists && value != "" {
			return value
		}
		return defaultValue
	}

	cfg := Config{
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		LogLevel:       getEnv("LOG_LEVEL", "INFO"),
		Env:            getEnv("APP_ENV", "development"),
		SessionSecret:  getEnv("SESSION_SECRET", ""),
		SessionTTL:     time.Duration(getEnvAsInt(getEnv("SESSION_TTL_HOURS", ""), 24)) * time.Hour,
		SessionBackend: strings.ToLower(getEnv("SESSION_BACKEND", SessionBackendSQLite)),
		DatabaseURL:    getEnv("DATABASE_URL", "sessions.db"),
		RedisURL:       getEnv("REDIS_URL", ""),
		UsersFile:      getEnv("USERS_FILE", filepath.Join("data", "users.json")),
		StaticDir:      getEnv("STATIC_DIR", "public"),
		UploadDir:      getEnv("UPLOAD_DIR", filepath.Join(os.TempDir(), "bot-uploads")),
		MaxUploadBytes: int64(getEnvAsInt(getEnv("MAX_UPLOAD_MB", ""), 25)) << 20,

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3AccessKey:     getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:     getEnv("S3_SECRET_KEY", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Region:        getEnv("S3_REGION", "us-east-1"),
		S3PublicBaseURL: getEnv("S3_PUBLIC_BASE_URL", ""),
	}

	cfg.Bots = botsFromEnv(env)

	if cfg.SessionSecret == "" {
		return Config{}, fmt.Errorf("SESSION_SECRET environment variable is required")
	}
	switch cfg.SessionBackend {
	case SessionBackendSQLite:
	case SessionBackendRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL is required when SESSION_BACKEND=redis")
		}
	default:
		return Config{}, fmt.Errorf("unknown SESSION_BACKEND %q", cfg.SessionBackend)
	}
	return cfg, nil
}

// botsFromEnv collects BOT_<ID>_MODEL / BOT_<ID>_KEY pairs. A bot with only one
// half of the pair is left out, so it answers 501 like an unset bot.
func botsFromEnv(env map[string]string) map[string]BotConfig {
	bots := make(map[string]BotConfig)
	var partial []string
	seen := make(map[string]bool)
	for key := range env {
		if !strings.HasPrefix(key, "BOT_") {
			continue
		}
		var id string
		switch {
		case strings.HasSuffix(key, "_MODEL"):
			id = strings.TrimSuffix(strings.TrimPrefix(key, "BOT_"), "_MODEL")
		case strings.HasSuffix(key, "_KEY"):
			id = strings.TrimSuffix(strings.TrimPrefix(key, "BOT_"), "_KEY")
		default:
			continue
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		model := strings.TrimSpace(env["BOT_"+id+"_MODEL"])
		apiKey := strings.TrimSpace(env["BOT_"+id+"_KEY"])
		switch {
		case model != "" && apiKey != "":
			bots[strings.ToLower(id)] = BotConfig{Model: model, APIKey: apiKey}
		case model != "" || apiKey != "":
			partial = append(partial, id)
		}
	}
	if len(partial) > 0 {
		sort.Strings(partial)
		log.Printf("Warning: bots %s are disabled, they need both BOT_<ID>_MODEL and BOT_<ID>_KEY", strings.Join(partial, ", "))
	}
	return bots
}

// IsProduction reports whether cookies must be marked Secure.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// ObjectStoreEnabled is true only when every required S3 setting is present.
func (c Config) ObjectStoreEnabled() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != "" && c.S3Bucket != ""
}

func getEnvAsInt(valueStr string, defaultValue int) int {
	if value, err := strconv.Atoi(valueStr); err == nil && value > 0 {
		return value
	}
	return defaultValue
}
