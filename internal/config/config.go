// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime tunable for the detection service.
type Config struct {
	HTTPAddr string

	DBPath   string
	MediaDir string

	// ModelDir is the user-supplied model directory; BundleDir holds the
	// models shipped with the app. ModelDir wins when both contain a model.
	ModelDir  string
	BundleDir string
	ModelName string

	// DetectEndpoint is the inference sidecar base URL.
	DetectEndpoint string

	ConfidenceThreshold float64
	AutoSaveEnabled     bool

	CameraURL string
	CameraFPS int

	ReminderInterval time.Duration
	RetentionDays    int
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		DBPath:              getEnv("DB_PATH", filepath.Join(".", "data", "spotter.db")),
		MediaDir:            getEnv("MEDIA_DIR", filepath.Join(".", "data", "media")),
		ModelDir:            getEnv("MODEL_DIR", filepath.Join(".", "models")),
		BundleDir:           getEnv("BUNDLE_DIR", filepath.Join(".", "models", "bundled")),
		ModelName:           getEnv("MODEL_NAME", ""),
		DetectEndpoint:      getEnv("DETECT_ENDPOINT", "http://localhost:8000"),
		ConfidenceThreshold: getEnvAsFloat("CONFIDENCE_THRESHOLD", 0.45),
		AutoSaveEnabled:     getEnvAsBool("AUTO_SAVE", false),
		CameraURL:           getEnv("CAMERA_URL", ""),
		CameraFPS:           getEnvAsInt("CAMERA_FPS", 5),
		ReminderInterval:    getEnvAsDuration("REMINDER_INTERVAL", 30*time.Second),
		RetentionDays:       getEnvAsInt("RETENTION_DAYS", 0),
	}
}

// Retention converts RetentionDays to a duration; zero disables cleanup.
func (c *Config) Retention() time.Duration {
	if c.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
