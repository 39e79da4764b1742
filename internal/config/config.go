package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           int
	Password       string
	DatabasePath   string
	MediaDirectory string // detected fault frames
	VideoDirectory string // uploaded videos for the detection feed
	StaticDir      string
	LogDirectory   string

	// Dataset and training
	DatasetDirectory      string
	ModelPath             string // ONNX weights served by the detector
	TrainBaseWeights      string // .pt weights the next run starts from
	TrainRunsDirectory    string
	TrainCommand          string
	TrainEpochs           int
	TrainImageSize        int
	TrainBatch            int
	TrainDevice           string
	RetrainLabelThreshold int

	// Duplicate detection
	SimilarityThreshold int // Hamming distance out of 64
	HashAlgorithm       string
	HashWorkers         int
	HashCacheTTL        time.Duration

	// Detection feed
	DetectionConfidence      float64
	ProcessingInterval       int // process every Nth frame (1=all, 3=every third)
	ProcessingWorkers        int
	ImageBufferLimit         int
	ImageBufferFlushInterval int

	// Notifications
	FeedbackRequired      bool
	NotifyEmailURLs       []string
	NotifyRate            float64 // messages per second
	WhatsAppAPIURL        string
	WhatsAppAccessToken   string
	WhatsAppDefaultNumber string
	SiteURL               string
	MQTTBroker            string
	MQTTTopic             string
	MQTTUsername          string
	MQTTPassword          string
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	datasetDir := getEnv("DATASET_DIR", filepath.Join(".", "dataset"))

	return &Config{
		Port:           getEnvAsInt("PORT", 8080),
		Password:       getEnv("PASSWORD", "railwatch"),
		DatabasePath:   getEnv("DB_PATH", filepath.Join(".", "data", "faults.db")),
		MediaDirectory: getEnv("MEDIA_DIR", filepath.Join(".", "media")),
		VideoDirectory: getEnv("VIDEO_DIR", filepath.Join(".", "video_feed")),
		StaticDir:      getEnv("STATIC_DIR", filepath.Join(".", "static")),
		LogDirectory:   getEnv("LOG_DIR", filepath.Join(".", "logs")),

		DatasetDirectory:      datasetDir,
		ModelPath:             getEnv("MODEL_PATH", filepath.Join(".", "models", "best.onnx")),
		TrainBaseWeights:      getEnv("TRAIN_BASE_WEIGHTS", filepath.Join(".", "models", "best.pt")),
		TrainRunsDirectory:    getEnv("TRAIN_RUNS_DIR", filepath.Join(".", "runs")),
		TrainCommand:          getEnv("TRAIN_COMMAND", "yolo"),
		TrainEpochs:           getEnvAsInt("TRAIN_EPOCHS", 10),
		TrainImageSize:        getEnvAsInt("TRAIN_IMAGE_SIZE", 640),
		TrainBatch:            getEnvAsInt("TRAIN_BATCH", 4),
		TrainDevice:           getEnv("TRAIN_DEVICE", "cpu"),
		RetrainLabelThreshold: getEnvAsInt("RETRAIN_LABEL_THRESHOLD", 1),

		SimilarityThreshold: getEnvAsInt("SIMILARITY_THRESHOLD", 8),
		HashAlgorithm:       getEnv("HASH_ALGORITHM", "phash"),
		HashWorkers:         getEnvAsInt("HASH_WORKERS", 4),
		HashCacheTTL:        getEnvAsDuration("HASH_CACHE_TTL", 30*time.Minute),

		DetectionConfidence:      getEnvAsFloat("DETECTION_CONFIDENCE", 0.5),
		ProcessingInterval:       getEnvAsInt("PROCESSING_INTERVAL", 3),
		ProcessingWorkers:        getEnvAsInt("PROCESSING_WORKERS", 2),
		ImageBufferLimit:         getEnvAsInt("BUFFER_LIMIT", 50),
		ImageBufferFlushInterval: getEnvAsInt("FLUSH_INTERVAL", 5),

		FeedbackRequired:      getEnvAsBool("FEEDBACK_REQUIRED", true),
		NotifyEmailURLs:       getEnvAsList("NOTIFY_EMAIL_URLS", nil),
		NotifyRate:            getEnvAsFloat("NOTIFY_RATE", 1),
		WhatsAppAPIURL:        getEnv("WHATSAPP_API_URL", ""),
		WhatsAppAccessToken:   getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppDefaultNumber: getEnv("WHATSAPP_DEFAULT_NUMBER", ""),
		SiteURL:               getEnv("SITE_URL", "http://127.0.0.1:8080"),
		MQTTBroker:            getEnv("MQTT_BROKER", ""),
		MQTTTopic:             getEnv("MQTT_TOPIC", "railwatch/faults"),
		MQTTUsername:          getEnv("MQTT_USERNAME", ""),
		MQTTPassword:          getEnv("MQTT_PASSWORD", ""),
	}
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 64 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be within 0..64, got %d", c.SimilarityThreshold)
	}
	if c.RetrainLabelThreshold < 1 {
		return fmt.Errorf("RETRAIN_LABEL_THRESHOLD must be at least 1, got %d", c.RetrainLabelThreshold)
	}
	if c.HashWorkers < 1 {
		return fmt.Errorf("HASH_WORKERS must be at least 1, got %d", c.HashWorkers)
	}
	if c.ProcessingWorkers < 1 {
		return fmt.Errorf("PROCESSING_WORKERS must be at least 1, got %d", c.ProcessingWorkers)
	}
	if c.ProcessingInterval < 1 {
		return fmt.Errorf("PROCESSING_INTERVAL must be at least 1, got %d", c.ProcessingInterval)
	}
	switch c.HashAlgorithm {
	case "phash", "dhash", "ahash":
	default:
		return fmt.Errorf("HASH_ALGORITHM must be one of phash, dhash, ahash, got %q", c.HashAlgorithm)
	}
	return nil
}

// TrainImagesDir is the directory confirmed images are copied into.
func (c *Config) TrainImagesDir() string {
	return filepath.Join(c.DatasetDirectory, "train", "images")
}

// TrainLabelsDir holds one label file per training image plus classes.txt.
func (c *Config) TrainLabelsDir() string {
	return filepath.Join(c.DatasetDirectory, "train", "labels")
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
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

// getEnvAsList splits a comma separated value, dropping empty entries.
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
