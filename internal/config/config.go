package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Model   ModelConfig
	Session SessionConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port           string
	MaxUploadBytes int64
}

type ModelConfig struct {
	ModelPath      string
	MetadataPath   string
	ORTLibraryPath string // empty = let onnxruntime_go pick its platform default
}

type SessionConfig struct {
	ImageSize       int  // side of the square image handed to the engine
	UpdateQueueSize int  // initial capacity of the presentation loop's update queue
	DropSuperseded  bool // drop completions from classify calls that a newer call superseded
	IdleTTL         time.Duration
}

type LogConfig struct {
	Level string
}

// Load reads configuration from the environment, after applying a .env file if one exists.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
		},
		Model: ModelConfig{
			ModelPath:      getEnv("MODEL_PATH", "models/model_embedded.onnx"),
			MetadataPath:   getEnv("METADATA_PATH", "models/model_metadata.json"),
			ORTLibraryPath: getEnv("ORT_LIBRARY_PATH", ""),
		},
		Session: SessionConfig{
			ImageSize:       getEnvInt("IMAGE_SIZE", 224),
			UpdateQueueSize: getEnvInt("UPDATE_QUEUE_SIZE", 64),
			DropSuperseded:  getEnvBool("DROP_SUPERSEDED", false),
			IdleTTL:         time.Duration(getEnvInt("SESSION_IDLE_TTL_MINUTES", 30)) * time.Minute,
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return b
}
