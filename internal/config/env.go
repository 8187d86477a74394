package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnv overrides secrets and deployment settings from the environment.
// Secrets are expected to come from here rather than the YAML file.
func applyEnv(cfg *Config) {
	cfg.LogLevel = getenv("SENTINEL_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("SENTINEL_LOG_FORMAT", cfg.LogFormat)
	cfg.Listen = getenv("SENTINEL_LISTEN", cfg.Listen)

	cfg.Detection.Endpoint = getenv("SENTINEL_DETECTOR_ENDPOINT", cfg.Detection.Endpoint)
	cfg.Detection.GRPCEndpoint = getenv("SENTINEL_DETECTOR_GRPC_ENDPOINT", cfg.Detection.GRPCEndpoint)
	cfg.Detection.ModelPath = getenv("SENTINEL_MODEL_PATH", cfg.Detection.ModelPath)
	cfg.Detection.RuntimePath = getenv("ONNXRUNTIME_LIB", cfg.Detection.RuntimePath)
	if v := os.Getenv("SENTINEL_DETECTOR_BACKENDS"); v != "" {
		cfg.Detection.Backends = splitList(v)
	}

	cfg.Confirmation.Enabled = getenvBool("SENTINEL_CONFIRMATION_ENABLED", cfg.Confirmation.Enabled)
	cfg.Confirmation.Endpoint = getenv("SENTINEL_CONFIRMATION_ENDPOINT", cfg.Confirmation.Endpoint)
	cfg.Confirmation.APIKey = getenv("SENTINEL_CONFIRMATION_API_KEY", cfg.Confirmation.APIKey)

	cfg.MQTT.Host = getenv("MQTT_HOST", cfg.MQTT.Host)
	cfg.MQTT.Port = getenvInt("MQTT_PORT", cfg.MQTT.Port)
	cfg.MQTT.Username = getenv("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getenv("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.ClientID = getenv("MQTT_CLIENT_ID", cfg.MQTT.ClientID)

	cfg.Telegram.BotToken = getenv("TELEGRAM_BOT_TOKEN", cfg.Telegram.BotToken)
	cfg.Telegram.ChatID = getenv("TELEGRAM_CHAT_ID", cfg.Telegram.ChatID)

	cfg.Database.Path = getenv("SENTINEL_DB_PATH", cfg.Database.Path)

	cfg.Storage.Minio.Endpoint = getenv("MINIO_ENDPOINT", cfg.Storage.Minio.Endpoint)
	cfg.Storage.Minio.AccessKey = getenv("MINIO_ACCESS_KEY", cfg.Storage.Minio.AccessKey)
	cfg.Storage.Minio.SecretKey = getenv("MINIO_SECRET_KEY", cfg.Storage.Minio.SecretKey)
	cfg.Storage.Minio.Bucket = getenv("MINIO_BUCKET", cfg.Storage.Minio.Bucket)
	cfg.Storage.Minio.PublicBaseURL = getenv("MINIO_PUBLIC_BASE_URL", cfg.Storage.Minio.PublicBaseURL)
	cfg.Storage.Minio.UseSSL = getenvBool("MINIO_USE_SSL", cfg.Storage.Minio.UseSSL)

	cfg.Feed.JWTSecret = getenv("JWT_SECRET", cfg.Feed.JWTSecret)
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
